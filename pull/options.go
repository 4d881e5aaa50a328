package pull

import (
	"github.com/sirupsen/logrus"

	"github.com/layerpull/engine/layer"
	"github.com/layerpull/engine/progress"
	"github.com/layerpull/engine/snapshot"
	"github.com/layerpull/engine/transport"
)

// LocalCopier materializes the optional named local alias spec.md §6
// describes: given the tip layer's final path, produce a local slot
// pointing at (or containing a copy of) it.
type LocalCopier interface {
	MakeLocal(finalPath, imageRoot, local string, forceLocal bool) error
}

// snapshotLocalCopier implements LocalCopier with the same CoW primitive
// used for layers: a read-only snapshot of the tip into imageRoot/local,
// replacing any existing one only when forceLocal is set.
type snapshotLocalCopier struct {
	snap snapshot.Driver
}

func (c snapshotLocalCopier) MakeLocal(finalPath, imageRoot, local string, forceLocal bool) error {
	dst := imageRootJoin(imageRoot, local)
	if c.snap.Exists(dst) {
		if !forceLocal {
			return nil
		}
		if err := c.snap.Remove(dst); err != nil {
			return err
		}
	}
	if err := c.snap.Snapshot(finalPath, dst); err != nil {
		return err
	}
	return c.snap.SetReadOnly(dst)
}

// Options configures a Pull. Every field has a working default; callers
// typically only need to set Transport when not talking to a real
// registry over HTTPS with default TLS settings.
type Options struct {
	// Transport issues the five kinds of registry request. Defaults to
	// transport.NewHTTPTransport().
	Transport transport.Transport
	// Snapshot is the copy-on-write filesystem primitive. Defaults to
	// snapshot.NewVFSDriver().
	Snapshot snapshot.Driver
	// Whiteout resolves whiteout markers in an extracted layer tree.
	// Defaults to archive.ResolveWhiteouts.
	Whiteout layer.Whiteout
	// LocalCopier materializes the optional local alias. Defaults to a
	// read-only snapshot of the tip layer through Snapshot.
	LocalCopier LocalCopier
	// Logger receives structured logs for this pull. Defaults to
	// logrus.StandardLogger().
	Logger *logrus.Logger
	// Extractor overrides how each layer's archive body gets extracted.
	// Defaults to forking the reexec'd layerpull-untar entrypoint; tests
	// substitute a fake to avoid spawning real child processes.
	Extractor layer.Extractor
}

func (o *Options) setDefaults() {
	if o.Transport == nil {
		o.Transport = transport.NewHTTPTransport()
	}
	if o.Snapshot == nil {
		o.Snapshot = snapshot.NewVFSDriver()
	}
	if o.Whiteout == nil {
		o.Whiteout = defaultWhiteout
	}
	if o.LocalCopier == nil {
		o.LocalCopier = snapshotLocalCopier{snap: o.Snapshot}
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Result is delivered exactly once per Start, on success or failure.
type Result struct {
	Err           error
	LayersFetched int
	LayersReused  int
	FinalPercent  int
}

// ProgressUpdate is the type of the updates published on Pull.Progress();
// see the progress package for Update's shape.
type ProgressUpdate = progress.Update
