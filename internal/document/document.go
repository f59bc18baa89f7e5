// Package document loads raw source documents from a local folder.
package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoDocuments is returned when a folder holds no readable, non-empty documents.
var ErrNoDocuments = errors.New("no documents found")

// Document is one loaded source file.
type Document struct {
	ID       string
	Path     string // slash-separated, relative to the loader's folder
	Title    string
	Text     string
	Metadata Metadata
}

// Metadata carries file attributes recorded alongside the text.
type Metadata struct {
	Extension string
	Size      int64
	Modified  time.Time
}

// IDFor returns the stable document ID for a relative path. Reloading the
// same folder yields the same IDs.
func IDFor(relPath string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file:///"+filepath.ToSlash(relPath))).String()
}

// Ext returns the lower-cased extension of the document path.
func (d Document) Ext() string {
	return strings.ToLower(filepath.Ext(d.Path))
}

// Fingerprint summarizes a document set: the hex SHA-256 over each
// document's path and text hash, in path order. Any added, removed,
// renamed or edited document changes the result.
func Fingerprint(docs []Document) string {
	sorted := make([]Document, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, d := range sorted {
		sum := sha256.Sum256([]byte(d.Text))
		h.Write([]byte(d.Path))
		h.Write([]byte{0})
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Static is a Source over documents that are already in memory.
type Static []Document

func (s Static) Load(_ context.Context) ([]Document, error) {
	if len(s) == 0 {
		return nil, ErrNoDocuments
	}
	return s, nil
}
