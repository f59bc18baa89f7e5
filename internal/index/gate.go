package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kalambet/ragstarter/internal/document"
)

// Outcome records which branch Resolve took.
type Outcome int

const (
	Built Outcome = iota + 1
	Loaded
)

func (o Outcome) String() string {
	switch o {
	case Built:
		return "built"
	case Loaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Resolution is the index Resolve settled on and how it got it.
type Resolution struct {
	Index   *Index
	Outcome Outcome
}

// GateOptions configures Resolve.
type GateOptions struct {
	// Path is the index directory. Its existence decides load versus build.
	Path string

	// Source is consulted only when the index has to be built.
	Source document.Source

	Build BuildOptions

	// Rebuild builds from Source even when Path exists. The existing index
	// is replaced only after the new one is complete.
	Rebuild bool
}

// Exists reports whether anything is present at path.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking %s: %w", path, err)
}

// Resolve returns the index at opts.Path, loading it when the path exists and
// otherwise building it from opts.Source and persisting it there.
//
// The build happens in a sibling temporary directory that is renamed onto
// Path only once complete, so a failed build leaves nothing at Path. When
// another process wins the rename, its index is loaded and ours discarded.
func Resolve(ctx context.Context, opts GateOptions) (Resolution, error) {
	log := opts.Build.logger()

	exists, err := Exists(opts.Path)
	if err != nil {
		return Resolution{}, err
	}
	if exists && !opts.Rebuild {
		idx, err := Open(opts.Path, opts.Build.Embedder)
		if err != nil {
			return Resolution{}, fmt.Errorf("loading index from %s: %w", opts.Path, err)
		}
		log.Info("loaded index", "path", opts.Path, "embed_model", idx.Meta().EmbedModel)
		return Resolution{Index: idx, Outcome: Loaded}, nil
	}

	if opts.Source == nil {
		return Resolution{}, fmt.Errorf("no index at %s and no document source to build one", opts.Path)
	}
	docs, err := opts.Source.Load(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("loading documents: %w", err)
	}

	parent := filepath.Dir(filepath.Clean(opts.Path))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Resolution{}, fmt.Errorf("creating %s: %w", parent, err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(opts.Path)+".build-*")
	if err != nil {
		return Resolution{}, fmt.Errorf("creating build directory: %w", err)
	}

	idx, err := Build(ctx, tmp, docs, opts.Build)
	if err != nil {
		os.RemoveAll(tmp)
		return Resolution{}, fmt.Errorf("building index: %w", err)
	}
	if err := idx.Close(); err != nil {
		os.RemoveAll(tmp)
		return Resolution{}, fmt.Errorf("closing built index: %w", err)
	}

	if exists {
		return swapIn(tmp, opts)
	}

	if err := os.Rename(tmp, opts.Path); err != nil {
		os.RemoveAll(tmp)
		if won, _ := Exists(opts.Path); won {
			log.Info("index was persisted concurrently; loading it", "path", opts.Path)
			idx, err := Open(opts.Path, opts.Build.Embedder)
			if err != nil {
				return Resolution{}, fmt.Errorf("loading index from %s: %w", opts.Path, err)
			}
			return Resolution{Index: idx, Outcome: Loaded}, nil
		}
		return Resolution{}, fmt.Errorf("persisting index to %s: %w", opts.Path, err)
	}

	idx, err = Open(opts.Path, opts.Build.Embedder)
	if err != nil {
		return Resolution{}, fmt.Errorf("reopening persisted index: %w", err)
	}
	log.Info("persisted index", "path", opts.Path)
	return Resolution{Index: idx, Outcome: Built}, nil
}

// swapIn replaces the index at opts.Path with the finished build in tmp. The
// old index is moved aside first and restored if the swap fails.
func swapIn(tmp string, opts GateOptions) (Resolution, error) {
	old := tmp + ".old"
	if err := os.Rename(opts.Path, old); err != nil {
		os.RemoveAll(tmp)
		return Resolution{}, fmt.Errorf("moving aside %s: %w", opts.Path, err)
	}
	if err := os.Rename(tmp, opts.Path); err != nil {
		os.RemoveAll(tmp)
		if rerr := os.Rename(old, opts.Path); rerr != nil {
			return Resolution{}, fmt.Errorf("persisting index to %s: %w (previous index left at %s)", opts.Path, err, old)
		}
		return Resolution{}, fmt.Errorf("persisting index to %s: %w", opts.Path, err)
	}
	if err := os.RemoveAll(old); err != nil {
		opts.Build.logger().Warn("removing replaced index", "path", old, "error", err)
	}

	idx, err := Open(opts.Path, opts.Build.Embedder)
	if err != nil {
		return Resolution{}, fmt.Errorf("reopening rebuilt index: %w", err)
	}
	opts.Build.logger().Info("replaced index", "path", opts.Path)
	return Resolution{Index: idx, Outcome: Built}, nil
}
