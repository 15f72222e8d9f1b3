package snapshot_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/DDDHLA/cursor-switcher/internal/errors"
	"github.com/DDDHLA/cursor-switcher/internal/snapshot"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := writeFiles(t, map[string]string{
		"storage.json": `{"telemetry.machineId":"abc"}`,
		"state.vscdb":  "sqlite bytes",
	})

	var buf bytes.Buffer
	digest, manifest, err := snapshot.Encode(&buf, src, []string{"storage.json", "state.vscdb"})
	require.NoError(t, err)
	require.Len(t, digest, 64)
	require.Len(t, manifest.Files, 2)

	dest := t.TempDir()
	decoded, err := snapshot.Decode(bytes.NewReader(buf.Bytes()), digest, dest)
	require.NoError(t, err)
	assert.Equal(t, manifest.Hashes(), decoded.Hashes())

	for _, name := range []string{"storage.json", "state.vscdb"} {
		want, _ := os.ReadFile(filepath.Join(src, name))
		got, err := os.ReadFile(filepath.Join(dest, name))
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
}

func TestDecodeRejectsDigestMismatch(t *testing.T) {
	src := writeFiles(t, map[string]string{"storage.json": "{}"})

	var buf bytes.Buffer
	_, _, err := snapshot.Encode(&buf, src, []string{"storage.json"})
	require.NoError(t, err)

	_, err = snapshot.Decode(bytes.NewReader(buf.Bytes()), "deadbeef", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, serrors.ErrCorruptSnapshot))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := snapshot.Decode(bytes.NewReader([]byte("not a snapshot")), "", "")
	require.Error(t, err)
	assert.Equal(t, serrors.KindCorruptSnapshot, serrors.KindOf(err))
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	src := writeFiles(t, map[string]string{"state.vscdb": string(bytes.Repeat([]byte("x"), 64<<10))})

	var buf bytes.Buffer
	_, _, err := snapshot.Encode(&buf, src, []string{"state.vscdb"})
	require.NoError(t, err)

	truncated := buf.Bytes()[:buf.Len()/2]
	_, err = snapshot.Decode(bytes.NewReader(truncated), "", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, serrors.ErrCorruptSnapshot))
}

func TestVerifyOnlyWritesNothing(t *testing.T) {
	src := writeFiles(t, map[string]string{"storage.json": "{}"})

	var buf bytes.Buffer
	digest, _, err := snapshot.Encode(&buf, src, []string{"storage.json"})
	require.NoError(t, err)

	manifest, err := snapshot.Decode(bytes.NewReader(buf.Bytes()), digest, "")
	require.NoError(t, err)
	assert.Equal(t, "storage.json", manifest.Files[0].Name)
}

func TestReadManifest(t *testing.T) {
	src := writeFiles(t, map[string]string{"storage.json": "{}", "state.vscdb": "db"})

	var buf bytes.Buffer
	_, _, err := snapshot.Encode(&buf, src, []string{"storage.json", "state.vscdb"})
	require.NoError(t, err)

	manifest, err := snapshot.ReadManifest(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, snapshot.FormatVersion, manifest.Version)
	assert.Len(t, manifest.Files, 2)
}

func TestEncodeRejectsPathNames(t *testing.T) {
	src := writeFiles(t, map[string]string{"storage.json": "{}"})

	var buf bytes.Buffer
	_, _, err := snapshot.Encode(&buf, src, []string{"../storage.json"})
	assert.Error(t, err)
}

func TestDecodeFileMissingPayload(t *testing.T) {
	_, err := snapshot.DecodeFile(filepath.Join(t.TempDir(), "gone.snap"), "", "")
	assert.True(t, errors.Is(err, serrors.ErrCorruptSnapshot))
}
