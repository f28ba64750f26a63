package files

import (
	"io/fs"
	"path/filepath"
	"sort"
)

// FindAll walks dir recursively and returns the paths of every regular file called name,
// in lexical order.
func FindAll(name, dir string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(found)
	return found, nil
}
