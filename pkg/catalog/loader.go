package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const loaderLogPrefix = "catalog:loader"

// LoadDir reads every descriptor file in dir. See LoadFS.
func LoadDir(dir string) ([]*Descriptor, error) {
	return LoadFS(os.DirFS(dir), ".")
}

// LoadFS reads *.yaml, *.yml and *.json descriptor files under root in lexical
// order. A file may hold one descriptor or a YAML stream of several.
func LoadFS(fsys fs.FS, root string) ([]*Descriptor, error) {
	var files []string
	err := fs.WalkDir(fsys, root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		switch strings.ToLower(path.Ext(p)) {
		case ".yaml", ".yml", ".json":
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s - walk %s: %w", loaderLogPrefix, root, err)
	}
	sort.Strings(files)

	var out []*Descriptor
	for _, p := range files {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("%s - read %s: %w", loaderLogPrefix, p, err)
		}
		descs, err := ParseDescriptors(data)
		if err != nil {
			return nil, fmt.Errorf("%s - parse %s: %w", loaderLogPrefix, p, err)
		}
		out = append(out, descs...)
	}

	slog.Info(fmt.Sprintf("%s - Loaded %d descriptors from %d files", loaderLogPrefix, len(out), len(files)))
	return out, nil
}

// ParseDescriptors decodes one or more descriptors from YAML or JSON bytes.
func ParseDescriptors(data []byte) ([]*Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*Descriptor
	for {
		var d Descriptor
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if d.CapabilityID == "" && d.Version == "" {
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}

// LoadRegistry loads descriptors from dir and builds a Registry.
func LoadRegistry(dir string) (*Registry, error) {
	descs, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return NewRegistry(descs...)
}
