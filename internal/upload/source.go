package upload

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// Source is one file handed to the tracker.
type Source struct {
	Name        string
	Size        int64
	ContentType string // empty means undeclared
	Open        func() (io.ReadCloser, error)
}

// FileSource describes a file on the local filesystem.
func FileSource(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("%s is a directory", path)
	}

	name := filepath.Base(path)
	return Source{
		Name:        name,
		Size:        info.Size(),
		ContentType: mime.TypeByExtension(filepath.Ext(name)),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}
