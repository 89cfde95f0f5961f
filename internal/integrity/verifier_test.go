package integrity

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbmm/internal/storage"
)

func newTestVerifier(t *testing.T) (*Verifier, *storage.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.Open(log, filepath.Join(t.TempDir(), "vr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewVerifier(log, store), store
}

func writeFileRow(t *testing.T, store *storage.Store, dir, name, content string, recordSize int64, checksum string) *storage.File {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	f := &storage.File{
		Name: name, ObjItemName: "video", ObjID: int64(len(name)),
		ObjURLField: "hd_url", Path: path, SizeBytes: recordSize, Checksum: checksum,
	}
	require.NoError(t, store.DB().Create(f).Error)
	return f
}

func TestVerifyAllClean(t *testing.T) {
	v, store := newTestVerifier(t)
	dir := t.TempDir()

	sum := mustChecksum(t, dir, "a.mp4", "hello")
	writeFileRow(t, store, dir, "a.mp4", "hello", 5, sum)

	report, err := v.VerifyAll(true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.True(t, report.OK())
}

func TestVerifyAllProblems(t *testing.T) {
	v, store := newTestVerifier(t)
	dir := t.TempDir()

	// Missing from disk.
	require.NoError(t, store.DB().Create(&storage.File{
		Name: "gone", ObjItemName: "video", ObjID: 1, ObjURLField: "hd_url",
		Path: filepath.Join(dir, "gone.mp4"), SizeBytes: 10,
	}).Error)
	// Recorded size disagrees with disk.
	writeFileRow(t, store, dir, "short.mp4", "abc", 99, "")
	// Content changed after download.
	writeFileRow(t, store, dir, "tampered.mp4", "evil", 4, "0000000000000000000000000000000000000000000000000000000000000000")

	report, err := v.VerifyAll(true)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Checked)
	require.Len(t, report.Problems, 3)
	reasons := map[string]bool{}
	for _, p := range report.Problems {
		reasons[p.Reason] = true
	}
	assert.True(t, reasons["missing from disk"])
	assert.True(t, reasons["size mismatch"])
	assert.True(t, reasons["checksum mismatch"])

	// A shallow pass skips the checksum read.
	report, err = v.VerifyAll(false)
	require.NoError(t, err)
	assert.Len(t, report.Problems, 2)
}

func mustChecksum(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	sum, err := ChecksumFile(path)
	require.NoError(t, err)
	return sum
}
