package extract

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain mirrors moby's own reexec-based archive tests: Init must run
// before any other test code, since it is what turns this same test
// binary into the extractor child when re-invoked under the registered
// entrypoint name.
func TestMain(m *testing.M) {
	if Init() {
		return
	}
	os.Exit(m.Run())
}

func buildTar(t *testing.T, name, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestStartExtractsArchive(t *testing.T) {
	dir := t.TempDir()
	child, err := Start(dir)
	require.NoError(t, err)

	data := buildTar(t, "hello.txt", "world")
	_, err = child.StdinWriter().Write(data)
	require.NoError(t, err)
	require.NoError(t, child.StdinWriter().Close())

	require.NoError(t, child.Wait())

	got, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestStartInvalidArchiveFails(t *testing.T) {
	dir := t.TempDir()
	child, err := Start(dir)
	require.NoError(t, err)

	_, err = child.StdinWriter().Write([]byte("not a tar stream"))
	require.NoError(t, err)
	require.NoError(t, child.StdinWriter().Close())

	err = child.Wait()
	assert.ErrorIs(t, err, ErrExtractFailed)
}

func TestKillBeforeWait(t *testing.T) {
	dir := t.TempDir()
	child, err := Start(dir)
	require.NoError(t, err)

	child.Kill()
	assert.NotZero(t, child.ProcessID())

	// Kill only signals; the caller is still responsible for reaping.
	_ = child.Wait()
}
