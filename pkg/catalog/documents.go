package catalog

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
)

// Documents resolves a descriptor's documentPath to GraphQL document text.
type Documents interface {
	Document(ref string) (string, error)
}

// MapDocuments serves documents from memory.
type MapDocuments map[string]string

// Document returns the document registered under ref.
func (m MapDocuments) Document(ref string) (string, error) {
	doc, ok := m[ref]
	if !ok {
		return "", fmt.Errorf("document %q not found", ref)
	}
	return doc, nil
}

// FSDocuments reads documents from a filesystem and memoizes them.
type FSDocuments struct {
	fsys fs.FS

	mu    sync.RWMutex
	cache map[string]string
}

// NewFSDocuments creates an FSDocuments rooted at fsys.
func NewFSDocuments(fsys fs.FS) *FSDocuments {
	return &FSDocuments{fsys: fsys, cache: make(map[string]string)}
}

// Document reads ref, a slash-separated path relative to the filesystem root.
func (d *FSDocuments) Document(ref string) (string, error) {
	name := path.Clean(strings.TrimPrefix(ref, "/"))

	d.mu.RLock()
	doc, ok := d.cache[name]
	d.mu.RUnlock()
	if ok {
		return doc, nil
	}

	data, err := fs.ReadFile(d.fsys, name)
	if err != nil {
		return "", fmt.Errorf("document %q: %w", ref, err)
	}
	doc = string(data)

	d.mu.Lock()
	d.cache[name] = doc
	d.mu.Unlock()
	return doc, nil
}
