// Package snapshot is the copy-on-write filesystem primitive spec.md §6
// names as an external collaborator: create a subvolume, snapshot one
// subvolume from another, mark a subvolume read-only, and recursively
// remove one. It mirrors the shape of moby's graphdriver.Driver without
// carrying that interface's container-runtime-specific methods (Get/Put
// mount refcounting, GraphDriver capabilities) this engine has no use for.
package snapshot

import (
	"os"

	"github.com/pkg/errors"
)

// Driver is the copy-on-write primitive the layer driver builds on.
type Driver interface {
	// Create makes a fresh, empty, writable subvolume at path.
	Create(path string) error
	// Snapshot makes a writable copy-on-write clone of src at dst. src
	// must already exist; dst must not.
	Snapshot(src, dst string) error
	// SetReadOnly marks path (and, where the backend distinguishes
	// layers from mounts, its contents) read-only.
	SetReadOnly(path string) error
	// Remove recursively deletes path and everything under it.
	Remove(path string) error
	// Exists reports whether path names an existing subvolume.
	Exists(path string) bool
}

// ErrExists is returned by Create/Snapshot when dst already exists.
var ErrExists = errors.New("snapshot: destination already exists")

// ErrNotExist is returned by Snapshot when src does not exist.
var ErrNotExist = errors.New("snapshot: source does not exist")

func checkFreeDst(path string) error {
	if _, err := os.Lstat(path); err == nil {
		return ErrExists
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat %s", path)
	}
	return nil
}
