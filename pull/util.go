package pull

import (
	"path/filepath"

	"github.com/layerpull/engine/archive"
)

func defaultWhiteout(dir string) error {
	return archive.ResolveWhiteouts(dir)
}

func imageRootJoin(imageRoot, name string) string {
	return filepath.Join(imageRoot, name)
}
