package layer

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layerpull/engine/snapshot"
)

type fakeProcess struct {
	buf     bytes.Buffer
	closed  bool
	waitErr error
	killed  bool
	pid     int
}

func (p *fakeProcess) StdinWriter() io.WriteCloser { return &nopCloser{&p.buf, &p.closed} }
func (p *fakeProcess) ProcessID() int              { return p.pid }
func (p *fakeProcess) Wait() error                 { return p.waitErr }
func (p *fakeProcess) Kill()                       { p.killed = true }

type nopCloser struct {
	w      io.Writer
	closed *bool
}

func (c *nopCloser) Write(b []byte) (int, error) { return c.w.Write(b) }
func (c *nopCloser) Close() error                { *c.closed = true; return nil }

type fakeExtractor struct {
	proc     *fakeProcess
	startErr error
}

func (f *fakeExtractor) Start(dir string) (Process, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.proc, nil
}

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

// finishLayerSync drives the async FinishLayer/CommitLayer pair as a
// synchronous call for tests: it blocks for onDone, then immediately
// applies CommitLayer the same way a real event loop would from the
// closure it posts onto its own dispatch channel.
func finishLayerSync(t *testing.T, d *Driver, streamErr error) error {
	t.Helper()
	done := make(chan error, 1)
	d.FinishLayer(streamErr, func(err error) { done <- err })
	select {
	case err := <-done:
		d.CommitLayer(err)
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for FinishLayer")
		return nil
	}
}

func TestDriverNextSkipsExisting(t *testing.T) {
	root := t.TempDir()
	snap := snapshot.NewVFSDriver()
	ancestry := []string{"a", "b", "c"}
	require.NoError(t, snap.Create(filepath.Join(root, layerDirPrefix+"a")))

	d := NewDriver(root, ancestry, snap, func(string) error { return nil }, testLog())
	id, ok := d.Next()
	require.True(t, ok)
	assert.Equal(t, "b", id)
	assert.Equal(t, 1, d.Reused())
}

func TestDriverBeginFinishLayerHappyPath(t *testing.T) {
	root := t.TempDir()
	snap := snapshot.NewVFSDriver()
	ancestry := []string{"base", "child"}
	d := NewDriver(root, ancestry, snap, func(string) error { return nil }, testLog())

	proc := &fakeProcess{pid: 123}
	d.SetExtractor(&fakeExtractor{proc: proc})

	id, ok := d.Next()
	require.True(t, ok)
	assert.Equal(t, "base", id)

	w, err := d.BeginLayer(id)
	require.NoError(t, err)
	_, err = w.Write([]byte("layer body"))
	require.NoError(t, err)

	require.NoError(t, finishLayerSync(t, d, nil))
	assert.True(t, proc.closed)
	assert.True(t, snap.Exists(d.Path("base")))
	assert.Equal(t, 1, d.Current())
	assert.Equal(t, "layer body", proc.buf.String())
}

func TestDriverBeginLayerSnapshotsParent(t *testing.T) {
	root := t.TempDir()
	snap := snapshot.NewVFSDriver()
	ancestry := []string{"base", "child"}
	d := NewDriver(root, ancestry, snap, func(string) error { return nil }, testLog())
	d.SetExtractor(&fakeExtractor{proc: &fakeProcess{}})

	_, err := d.BeginLayer("base")
	require.NoError(t, err)
	require.NoError(t, finishLayerSync(t, d, nil))
	require.NoError(t, os.WriteFile(filepath.Join(d.Path("base"), "marker.txt"), []byte("m"), 0o644))

	d.SetExtractor(&fakeExtractor{proc: &fakeProcess{}})
	_, err = d.BeginLayer("child")
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(d.TempPath(), "marker.txt"))
	require.NoError(t, err)
	assert.Equal(t, "m", string(got))
}

func TestDriverFinishLayerStreamErrorAborts(t *testing.T) {
	root := t.TempDir()
	snap := snapshot.NewVFSDriver()
	d := NewDriver(root, []string{"base"}, snap, func(string) error { return nil }, testLog())
	proc := &fakeProcess{}
	d.SetExtractor(&fakeExtractor{proc: proc})

	_, err := d.BeginLayer("base")
	require.NoError(t, err)
	temp := d.TempPath()

	streamErr := assert.AnError
	err = finishLayerSync(t, d, streamErr)
	assert.ErrorIs(t, err, streamErr)
	assert.True(t, proc.killed)
	assert.False(t, snap.Exists(temp))
	assert.Equal(t, 0, d.Current())
}

func TestDriverFinishLayerExtractorFailureAborts(t *testing.T) {
	root := t.TempDir()
	snap := snapshot.NewVFSDriver()
	d := NewDriver(root, []string{"base"}, snap, func(string) error { return nil }, testLog())
	proc := &fakeProcess{waitErr: assert.AnError}
	d.SetExtractor(&fakeExtractor{proc: proc})

	_, err := d.BeginLayer("base")
	require.NoError(t, err)

	err = finishLayerSync(t, d, nil)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, d.Current())
}

func TestDriverFinishLayerDoesNotBlockCaller(t *testing.T) {
	root := t.TempDir()
	snap := snapshot.NewVFSDriver()
	d := NewDriver(root, []string{"base"}, snap, func(string) error { return nil }, testLog())

	block := make(chan struct{})
	proc := &fakeProcess{}
	d.SetExtractor(&slowExtractor{proc: proc, block: block})

	_, err := d.BeginLayer("base")
	require.NoError(t, err)

	returned := make(chan struct{})
	go func() {
		d.FinishLayer(nil, func(error) {})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("FinishLayer blocked on the extractor wait instead of returning immediately")
	}
	close(block)
}

type slowProcess struct {
	fakeProcess
	block <-chan struct{}
}

func (p *slowProcess) Wait() error {
	<-p.block
	return p.fakeProcess.waitErr
}

type slowExtractor struct {
	proc  *fakeProcess
	block <-chan struct{}
}

func (e *slowExtractor) Start(dir string) (Process, error) {
	return &slowProcess{fakeProcess: *e.proc, block: e.block}, nil
}

func TestDriverCleanupKillsAndRemovesTemp(t *testing.T) {
	root := t.TempDir()
	snap := snapshot.NewVFSDriver()
	d := NewDriver(root, []string{"base"}, snap, func(string) error { return nil }, testLog())
	proc := &fakeProcess{}
	d.SetExtractor(&fakeExtractor{proc: proc})

	_, err := d.BeginLayer("base")
	require.NoError(t, err)
	temp := d.TempPath()

	d.Cleanup()
	assert.True(t, proc.killed)
	assert.False(t, snap.Exists(temp))
}

func TestDriverCleanupDuringWaitOnlySignals(t *testing.T) {
	root := t.TempDir()
	snap := snapshot.NewVFSDriver()
	d := NewDriver(root, []string{"base"}, snap, func(string) error { return nil }, testLog())

	block := make(chan struct{})
	proc := &fakeProcess{}
	d.SetExtractor(&slowExtractor{proc: proc, block: block})

	_, err := d.BeginLayer("base")
	require.NoError(t, err)

	done := make(chan error, 1)
	d.FinishLayer(nil, func(err error) { done <- err })

	d.Cleanup() // must only signal, not race the in-flight Wait
	close(block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("FinishLayer's helper goroutine never completed after Cleanup")
	}
}
