package snapshot

import (
	"os"
	"path/filepath"
)

// eachEntry walks root depth-first, children before parents, calling fn
// with each entry's current mode. Children-first ordering lets callers
// (e.g. chmodRecursiveReadOnly) strip write permission from a directory
// without locking themselves out of its contents first.
func eachEntry(root string, fn func(path string, mode os.FileMode) error) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		child := filepath.Join(root, e.Name())
		if e.IsDir() {
			if err := eachEntry(child, fn); err != nil {
				return err
			}
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := fn(child, info.Mode()); err != nil {
			return err
		}
	}
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	return fn(root, info.Mode())
}
