package profile

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/DDDHLA/cursor-switcher/internal/errors"
	"github.com/DDDHLA/cursor-switcher/internal/live"
	"github.com/DDDHLA/cursor-switcher/internal/live/livetest"
)

func saveTwo(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	_, err := env.store.Save(ctx, "work")
	require.NoError(t, err)
	livetest.Seed(t, env.liveDir, "bob@example.com")
	_, err = env.store.Save(ctx, "personal")
	require.NoError(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	saveTwo(t, env)

	dest := filepath.Join(env.root, "profiles.zip")
	n, err := env.store.Export(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = env.store.Switch(ctx, "work", SwitchOptions{})
	require.NoError(t, err)
	workBytes := livetest.Read(t, env.liveDir)

	other := newStoreAt(t, filepath.Join(env.root, "other"), env.liveDir, nil)
	names, err := other.Import(ctx, dest)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"work", "personal"}, names)

	want, err := env.store.List(ctx)
	require.NoError(t, err)
	got, err := other.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Equal(t, want[i].Email, got[i].Email)
		assert.False(t, got[i].IsCurrent)
	}

	// The imported store is unmanaged; switching restores the exact bytes.
	st, err := other.Status(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.CurrentProfile)

	_, err = other.Switch(ctx, "personal", SwitchOptions{})
	require.NoError(t, err)
	_, err = other.Switch(ctx, "work", SwitchOptions{})
	require.NoError(t, err)
	assert.Equal(t, workBytes, livetest.Read(t, env.liveDir))
}

func TestImportOverwritesCollidingNames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	saveTwo(t, env)

	dest := filepath.Join(env.root, "profiles.zip")
	_, err := env.store.Export(ctx, dest)
	require.NoError(t, err)

	// Replace work with carol locally, then import the archive again.
	livetest.Seed(t, env.liveDir, "carol@example.com")
	_, err = env.store.Save(ctx, "work")
	require.NoError(t, err)
	old := env.loadIndex(t).Profiles["work"].Snapshot

	_, err = env.store.Import(ctx, dest)
	require.NoError(t, err)

	ix := env.loadIndex(t)
	assert.Equal(t, "alice@example.com", ix.Profiles["work"].Email)
	assert.NoFileExists(t, env.store.payloadPath(old))

	// work was current and is now a different snapshot than the live files.
	assert.Empty(t, ix.Current)
	st := env.status(t)
	assert.Nil(t, st.CurrentProfile)
	assert.Equal(t, "carol@example.com", st.CurrentEmail)
}

func TestImportOverCurrentKeepsImportedSnapshot(t *testing.T) {
	ctx := context.Background()

	// Machine A holds a newer login for work.
	a := newTestEnv(t)
	db := livetest.Open(t, a.liveDir)
	livetest.Set(t, db, "cursorAuth/accessToken", "NEW-TOKEN")
	require.NoError(t, db.Close())
	_, err := a.store.Save(ctx, "work")
	require.NoError(t, err)
	archive := filepath.Join(a.root, "profiles.zip")
	_, err = a.store.Export(ctx, archive)
	require.NoError(t, err)

	// Machine B has an older work profile installed.
	b := newTestEnv(t)
	_, err = b.store.Save(ctx, "work")
	require.NoError(t, err)
	_, err = b.store.Import(ctx, archive)
	require.NoError(t, err)
	imported := b.loadIndex(t).Profiles["work"].Digest

	st := b.status(t)
	assert.Nil(t, st.CurrentProfile)
	assert.Equal(t, "alice@example.com", st.CurrentEmail)

	_, err = b.store.Switch(ctx, "work", SwitchOptions{})
	require.NoError(t, err)
	assert.Equal(t, imported, b.loadIndex(t).Profiles["work"].Digest)
	token, ok := livetest.Get(t, b.liveDir, "cursorAuth/accessToken")
	require.True(t, ok)
	assert.Equal(t, "NEW-TOKEN", token)
}

func TestImportOfInstalledSnapshotKeepsCurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.Save(ctx, "work")
	require.NoError(t, err)
	archive := filepath.Join(env.root, "profiles.zip")
	_, err = env.store.Export(ctx, archive)
	require.NoError(t, err)

	_, err = env.store.Import(ctx, archive)
	require.NoError(t, err)
	assert.Equal(t, "work", env.loadIndex(t).Current)
}

func TestExportEmptyStore(t *testing.T) {
	env := newTestEnv(t)
	dest := filepath.Join(env.root, "empty.zip")

	n, err := env.store.Export(context.Background(), dest)
	require.NoError(t, err)
	assert.Zero(t, n)

	zr, err := zip.OpenReader(dest)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, bundleManifestName, zr.File[0].Name)
}

func TestExportFailureLeavesNoFile(t *testing.T) {
	env := newTestEnv(t)
	dest := filepath.Join(env.root, "missing-dir", "profiles.zip")

	_, err := env.store.Export(context.Background(), dest)
	assert.True(t, errors.Is(err, serrors.ErrIO), "got %v", err)
	assert.NoFileExists(t, dest)
}

func TestImportRejectsNonZip(t *testing.T) {
	env := newTestEnv(t)
	src := filepath.Join(env.root, "bogus.zip")
	require.NoError(t, os.WriteFile(src, []byte("definitely not a zip"), 0o600))

	_, err := env.store.Import(context.Background(), src)
	assert.True(t, errors.Is(err, serrors.ErrCorruptArchive))

	_, err = env.store.Import(context.Background(), filepath.Join(env.root, "absent.zip"))
	assert.True(t, errors.Is(err, serrors.ErrIO))
}

func TestImportIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	saveTwo(t, env)

	src := filepath.Join(env.root, "profiles.zip")
	_, err := env.store.Export(ctx, src)
	require.NoError(t, err)

	// Rewrite the archive with one digest altered.
	tampered := filepath.Join(env.root, "tampered.zip")
	rewriteArchive(t, src, tampered, func(m *bundleManifest) {
		m.Profiles[1].Digest = strings.Repeat("0", len(m.Profiles[1].Digest))
	})

	other := newStoreAt(t, filepath.Join(env.root, "other"), env.liveDir, nil)
	_, err = other.Import(ctx, tampered)
	assert.True(t, errors.Is(err, serrors.ErrCorruptArchive), "got %v", err)

	list, err := other.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	entries, err := os.ReadDir(filepath.Join(other.Home(), snapshotsDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestImportRejectsUnsafeNames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	saveTwo(t, env)

	src := filepath.Join(env.root, "profiles.zip")
	_, err := env.store.Export(ctx, src)
	require.NoError(t, err)

	tampered := filepath.Join(env.root, "tampered.zip")
	rewriteArchive(t, src, tampered, func(m *bundleManifest) {
		m.Profiles[0].Name = "../evil"
	})

	_, err = env.store.Import(ctx, tampered)
	assert.True(t, errors.Is(err, serrors.ErrCorruptArchive))
}

func TestImportLegacyLayout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	legacyDir := livetest.Seed(t, filepath.Join(env.root, "legacy", "work"), "dave@example.com")
	src := filepath.Join(env.root, "legacy.zip")
	writeZip(t, src, map[string][]byte{
		"work/storage.json":    readFile(t, filepath.Join(legacyDir, live.StorageFile)),
		"work/state.vscdb":     readFile(t, filepath.Join(legacyDir, live.DatabaseFile)),
		"work/last_active.txt": []byte("2024-05-01 10:30:00\n"),
		"current_profile.txt":  []byte("work"),
	})

	names, err := env.store.Import(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, names)

	list, err := env.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "dave@example.com", list[0].Email)
	require.NotNil(t, list[0].LastActive)
	want := time.Date(2024, 5, 1, 10, 30, 0, 0, time.Local)
	assert.True(t, want.Equal(*list[0].LastActive), "got %v", list[0].LastActive)

	_, err = env.store.Switch(ctx, "work", SwitchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "dave@example.com", live.ReadIdentity(env.liveDir).Email)
}

func TestImportLegacyIncompleteProfile(t *testing.T) {
	env := newTestEnv(t)
	src := filepath.Join(env.root, "legacy.zip")
	writeZip(t, src, map[string][]byte{
		"work/storage.json": []byte("{}"),
	})

	_, err := env.store.Import(context.Background(), src)
	assert.True(t, errors.Is(err, serrors.ErrCorruptArchive))
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func writeZip(t *testing.T, path string, files map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

// rewriteArchive copies src to dst, passing the manifest through edit.
func rewriteArchive(t *testing.T, src, dst string, edit func(m *bundleManifest)) {
	t.Helper()
	zr, err := zip.OpenReader(src)
	require.NoError(t, err)
	defer zr.Close()

	files := make(map[string][]byte)
	for _, zf := range zr.File {
		data, err := readZipFile(zf, maxBundleManifest)
		require.NoError(t, err)
		if zf.Name == bundleManifestName {
			var m bundleManifest
			require.NoError(t, json.Unmarshal(data, &m))
			edit(&m)
			data, err = json.Marshal(&m)
			require.NoError(t, err)
		}
		files[zf.Name] = data
	}
	writeZip(t, dst, files)
}
