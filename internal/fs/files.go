package fs

import (
	"io/fs"
	"testing/fstest"
)

// MapFS returns a read-only file system holding the given file contents,
// keyed by path.
func MapFS(files map[string]string) fs.FS {
	m := make(fstest.MapFS, len(files))
	for name, data := range files {
		m[name] = &fstest.MapFile{Data: []byte(data), Mode: 0o444}
	}
	return m
}
