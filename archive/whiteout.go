// Package archive resolves layered-filesystem whiteout markers (AUFS-style
// ".wh." prefixed entries) left in an extracted layer tree into ordinary
// deletions, the "whiteout resolution" collaborator spec.md §6 describes.
package archive

import (
	"os"
	"path/filepath"
	"strings"

	archive "github.com/moby/go-archive"
	"github.com/pkg/errors"
)

// ResolveWhiteouts walks root and, for every whiteout marker it finds,
// deletes the file or directory it shadows and removes the marker itself.
// An opaque-directory marker is simply removed; the other entries of its
// directory, including any carried over from a parent layer's snapshot,
// are not pruned.
func ResolveWhiteouts(root string) error {
	var markers []string

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !strings.HasPrefix(info.Name(), archive.WhiteoutPrefix) {
			return nil
		}
		markers = append(markers, path)
		if info.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "walking %s", root)
	}

	for _, marker := range markers {
		dir, base := filepath.Split(marker)
		if base == archive.WhiteoutOpaqueDir {
			if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "removing opaque marker %s", marker)
			}
			continue
		}
		if !strings.HasPrefix(base, archive.WhiteoutPrefix) {
			continue
		}
		shadowed := filepath.Join(dir, strings.TrimPrefix(base, archive.WhiteoutPrefix))
		if err := os.RemoveAll(shadowed); err != nil {
			return errors.Wrapf(err, "removing %s", shadowed)
		}
		if err := os.RemoveAll(marker); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing marker %s", marker)
		}
	}
	return nil
}
