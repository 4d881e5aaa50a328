// Package layer implements the LayerDriver of spec.md §4.2: given a
// parent-first ancestry, materialize each layer not already present on
// disk as a copy-on-write snapshot of its parent, streamed through an
// extractor child process and promoted atomically on success.
package layer

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/layerpull/engine/extract"
	"github.com/layerpull/engine/snapshot"
)

// layerDirPrefix names the on-disk directory a materialized layer lives
// in: imageRoot + "/" + layerDirPrefix + id.
const layerDirPrefix = ".dkr-"

// Process is a running extractor child, the subset of extract.Child the
// layer driver needs. It is an interface so tests can substitute a fake
// without forking a real process.
type Process interface {
	StdinWriter() io.WriteCloser
	ProcessID() int
	Wait() error
	Kill()
}

// Extractor starts the archive extractor child for a layer.
type Extractor interface {
	Start(dir string) (Process, error)
}

type defaultExtractor struct{}

func (defaultExtractor) Start(dir string) (Process, error) { return extract.Start(dir) }

// Whiteout resolves whiteout markers in an extracted tree.
type Whiteout func(dir string) error

// Driver walks an ancestry and materializes each unmaterialized layer.
// Every method is driven from a single goroutine (the pull package's
// event loop) except the internal goroutine FinishLayer spawns to wait
// on the extractor child; that goroutine only ever touches its own
// captured locals and the Process it was handed, never Driver fields, so
// it never races with the loop.
type Driver struct {
	imageRoot string
	ancestry  []string
	current   int

	snap      snapshot.Driver
	extractor Extractor
	whiteout  Whiteout
	log       *logrus.Entry

	tempPath  string
	finalPath string
	child     Process
	waiting   bool
	reused    int
}

// NewDriver builds a Driver over ancestry (parent-first order), rooted at
// imageRoot.
func NewDriver(imageRoot string, ancestry []string, snap snapshot.Driver, whiteout Whiteout, log *logrus.Entry) *Driver {
	return &Driver{
		imageRoot: imageRoot,
		ancestry:  ancestry,
		snap:      snap,
		extractor: defaultExtractor{},
		whiteout:  whiteout,
		log:       log,
	}
}

// SetExtractor overrides the extractor implementation, for tests.
func (d *Driver) SetExtractor(e Extractor) { d.extractor = e }

// Path returns the on-disk directory a materialized layer id lives in.
func (d *Driver) Path(id string) string {
	return filepath.Join(d.imageRoot, layerDirPrefix+id)
}

// Current returns the index of the next layer to materialize.
func (d *Driver) Current() int { return d.current }

// Len returns the ancestry length.
func (d *Driver) Len() int { return len(d.ancestry) }

// Next advances past any already-materialized layers and returns the next
// layer id to fetch, or ok=false if every layer is already present.
func (d *Driver) Next() (id string, ok bool) {
	for d.current < len(d.ancestry) {
		candidate := d.ancestry[d.current]
		if d.snap.Exists(d.Path(candidate)) {
			d.current++
			d.reused++
			continue
		}
		return candidate, true
	}
	return "", false
}

// BeginLayer creates the temp snapshot and forks the extractor for layer
// id, returning the writer the layer's HTTP body should be streamed into.
func (d *Driver) BeginLayer(id string) (io.Writer, error) {
	d.finalPath = d.Path(id)
	if err := os.MkdirAll(d.imageRoot, 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating image root %s", d.imageRoot)
	}
	d.tempPath = filepath.Join(d.imageRoot, layerDirPrefix+"tmp-"+uuid.NewString())

	if d.current > 0 {
		parent := d.Path(d.ancestry[d.current-1])
		if err := d.snap.Snapshot(parent, d.tempPath); err != nil {
			return nil, errors.Wrapf(err, "snapshotting %s -> %s", parent, d.tempPath)
		}
	} else if err := d.snap.Create(d.tempPath); err != nil {
		return nil, errors.Wrapf(err, "creating %s", d.tempPath)
	}

	child, err := d.extractor.Start(d.tempPath)
	if err != nil {
		d.snap.Remove(d.tempPath)
		d.tempPath = ""
		return nil, errors.Wrap(err, "starting extractor")
	}
	d.child = child
	d.log.WithFields(logrus.Fields{"layer": id, "pid": child.ProcessID()}).Debug("extractor started")
	return child.StdinWriter(), nil
}

// FinishLayer is called once the layer body has been fully streamed (or
// streaming failed with streamErr). Closing the extractor's stdin is
// immediate, but waiting for it to exit can block for as long as
// extraction takes — spec.md §5 requires that wait never block the
// caller's event loop, so on the success path the wait, the whiteout
// resolution, and the promote-by-rename all happen on a helper goroutine.
// onDone is invoked exactly once with the final result: from that helper
// goroutine on the success path, or synchronously before FinishLayer
// returns when streamErr is non-nil (the extractor is then killed and
// reaped and the temp path removed in place). Callers on an event loop
// must re-enter it themselves (e.g.
// by posting onDone's argument back onto their own dispatch channel)
// rather than touching the Driver directly from inside onDone.
func (d *Driver) FinishLayer(streamErr error, onDone func(error)) {
	child := d.child

	if child != nil {
		child.StdinWriter().Close()
	}

	if streamErr != nil {
		d.child = nil
		d.abort(child)
		onDone(streamErr)
		return
	}

	d.waiting = true
	tempPath, finalPath := d.tempPath, d.finalPath
	whiteout, snap := d.whiteout, d.snap

	go func() {
		if child != nil {
			if err := child.Wait(); err != nil {
				snap.Remove(tempPath)
				onDone(err)
				return
			}
		}
		if err := whiteout(tempPath); err != nil {
			snap.Remove(tempPath)
			onDone(errors.Wrap(err, "resolving whiteouts"))
			return
		}
		if err := snap.SetReadOnly(tempPath); err != nil {
			snap.Remove(tempPath)
			onDone(errors.Wrap(err, "marking read-only"))
			return
		}
		if err := os.Rename(tempPath, finalPath); err != nil {
			snap.Remove(tempPath)
			onDone(errors.Wrapf(err, "renaming %s -> %s", tempPath, finalPath))
			return
		}
		onDone(nil)
	}()
}

// CommitLayer applies the outcome of a FinishLayer call's onDone callback
// to the Driver's own bookkeeping. Callers must invoke it back on the
// same goroutine that drives every other Driver method — onDone itself
// runs on FinishLayer's helper goroutine and must not call this directly.
func (d *Driver) CommitLayer(err error) {
	d.child = nil
	d.waiting = false
	if err != nil {
		d.tempPath = ""
		d.finalPath = ""
		return
	}
	d.log.WithField("layer", filepath.Base(d.finalPath)).Debug("layer materialized")
	d.tempPath = ""
	d.finalPath = ""
	d.current++
}

// abort is only ever called when no FinishLayer helper goroutine holds a
// Wait on child, so it is responsible for reaping it itself.
func (d *Driver) abort(child Process) {
	if child != nil {
		child.Kill()
		child.Wait()
	}
	if d.tempPath != "" {
		d.snap.Remove(d.tempPath)
	}
	d.tempPath = ""
	d.finalPath = ""
}

// Cleanup removes any in-progress temp snapshot and kills any running
// extractor. Safe to call at any time, including after a successful
// FinishLayer (it is then a no-op). If a FinishLayer helper goroutine is
// currently waiting on the child, Cleanup only signals it to die faster
// and leaves reaping and temp-path teardown to that goroutine, since it
// owns both once FinishLayer has started it.
func (d *Driver) Cleanup() {
	if d.waiting {
		if d.child != nil {
			d.child.Kill()
		}
		return
	}
	if d.child != nil {
		d.child.Kill()
		d.child.Wait()
		d.child = nil
	}
	if d.tempPath != "" {
		d.snap.Remove(d.tempPath)
		d.tempPath = ""
	}
}

// TempPath returns the in-progress temp snapshot path, or "" if none.
func (d *Driver) TempPath() string { return d.tempPath }

// Reused returns how many layers Next found already materialized on disk.
func (d *Driver) Reused() int { return d.reused }
