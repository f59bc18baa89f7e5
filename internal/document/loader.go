package document

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExtensions lists the file types the loader reads when none are configured.
var DefaultExtensions = []string{".txt", ".md", ".markdown", ".pdf", ".html", ".htm"}

// Source produces the documents an index is built from.
type Source interface {
	Load(ctx context.Context) ([]Document, error)
}

// Loader reads every supported file under Dir, recursively.
type Loader struct {
	Dir        string
	Extensions []string
	Logger     *slog.Logger
}

// NewLoader returns a Loader for dir with the default extensions.
func NewLoader(dir string) *Loader {
	return &Loader{Dir: dir, Extensions: DefaultExtensions}
}

func (l *Loader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Load returns the documents under Dir in lexical path order. Hidden files
// and directories are skipped, as are files with unsupported extensions and
// files with no text. A missing folder or an unreadable file is an error;
// a folder with nothing usable returns ErrNoDocuments.
func (l *Loader) Load(ctx context.Context) ([]Document, error) {
	info, err := os.Stat(l.Dir)
	if err != nil {
		return nil, fmt.Errorf("documents folder %s: %w", l.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("documents folder %s: not a directory", l.Dir)
	}

	paths, err := l.discover()
	if err != nil {
		return nil, err
	}

	var docs []Document
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := l.loadFile(p)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(doc.Text) == "" {
			l.logger().Debug("skipping empty document", "path", doc.Path)
			continue
		}
		docs = append(docs, doc)
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoDocuments, l.Dir)
	}
	l.logger().Info("loaded documents", "dir", l.Dir, "count", len(docs))
	return docs, nil
}

func (l *Loader) discover() ([]string, error) {
	exts := l.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		allowed[strings.ToLower(e)] = struct{}{}
	}

	var files []string
	err := filepath.WalkDir(l.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != l.Dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := allowed[strings.ToLower(filepath.Ext(path))]; !ok {
			l.logger().Debug("skipping unsupported file", "path", path)
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", l.Dir, err)
	}

	sort.Strings(files)
	return files, nil
}

func (l *Loader) loadFile(path string) (Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, fmt.Errorf("stat %s: %w", path, err)
	}

	rel, err := filepath.Rel(l.Dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)
	ext := strings.ToLower(filepath.Ext(path))

	text, title, err := readerFor(ext)(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", rel, err)
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return Document{
		ID:    IDFor(rel),
		Path:  rel,
		Title: title,
		Text:  text,
		Metadata: Metadata{
			Extension: ext,
			Size:      info.Size(),
			Modified:  info.ModTime().UTC(),
		},
	}, nil
}
