package files

import (
	"errors"
	"os"
	"path/filepath"
)

// FindUp searches dir and then each of its parents for an entry called name.
// It returns the joined path of the first match, or "" if no ancestor has one.
// Name may contain separators, in which case the whole relative path must exist.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(curDir, name)
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
