package snapshot

import (
	"os"

	archive "github.com/moby/go-archive"
	"github.com/pkg/errors"
)

// VFSDriver is a Driver backed by plain recursive copies, the same
// fallback strategy moby's own "vfs" graphdriver uses when no real
// copy-on-write filesystem (btrfs, overlay, zfs) is available: snapshots
// are full copies rather than true CoW clones, but the Driver contract
// (independent writable trees, atomic-enough for our purposes) holds.
type VFSDriver struct{}

// NewVFSDriver returns a Driver usable on any filesystem.
func NewVFSDriver() *VFSDriver {
	return &VFSDriver{}
}

func (d *VFSDriver) Create(path string) error {
	if err := checkFreeDst(path); err != nil {
		return err
	}
	return errors.Wrapf(os.MkdirAll(path, 0o700), "create %s", path)
}

func (d *VFSDriver) Snapshot(src, dst string) error {
	if _, err := os.Lstat(src); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrNotExist, "%s", src)
		}
		return errors.Wrapf(err, "stat %s", src)
	}
	if err := checkFreeDst(dst); err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o700); err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if err := archive.CopyWithTar(src, dst); err != nil {
		os.RemoveAll(dst)
		return errors.Wrapf(err, "snapshot %s -> %s", src, dst)
	}
	return nil
}

func (d *VFSDriver) SetReadOnly(path string) error {
	return errors.Wrapf(chmodRecursiveReadOnly(path), "set read-only %s", path)
}

func (d *VFSDriver) Remove(path string) error {
	return errors.Wrapf(os.RemoveAll(path), "remove %s", path)
}

func (d *VFSDriver) Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func chmodRecursiveReadOnly(root string) error {
	return eachEntry(root, func(path string, mode os.FileMode) error {
		return os.Chmod(path, mode&^0o222)
	})
}
