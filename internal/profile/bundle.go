package profile

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	serrors "github.com/DDDHLA/cursor-switcher/internal/errors"
	"github.com/DDDHLA/cursor-switcher/internal/fsutil"
	"github.com/DDDHLA/cursor-switcher/internal/live"
	"github.com/DDDHLA/cursor-switcher/internal/snapshot"
)

const (
	bundleManifestName = "cursor-switcher.json"
	bundleFormat       = "cursor-switcher"
	bundleVersion      = 1
	maxBundleManifest  = 8 << 20

	// LegacyTimeLayout is the last_active.txt format of archives written by
	// the earlier zip exporter.
	LegacyTimeLayout = "2006-01-02 15:04:05"
	legacyLastActive = "last_active.txt"
)

type bundleManifest struct {
	Format     string          `json:"format"`
	Version    int             `json:"version"`
	ExportedAt time.Time       `json:"exported_at"`
	Profiles   []bundleProfile `json:"profiles"`
}

type bundleProfile struct {
	Name       string            `json:"name"`
	Email      string            `json:"email"`
	CreatedAt  time.Time         `json:"created_at"`
	LastActive *time.Time        `json:"last_active,omitempty"`
	Digest     string            `json:"digest"`
	Files      map[string]string `json:"files,omitempty"`
	// Payload is the zip entry holding the snapshot.
	Payload string `json:"payload"`
}

// Export writes every profile into a single zip archive at dest and returns
// how many were written. dest is replaced atomically.
func (s *Store) Export(ctx context.Context, dest string) (int, error) {
	var count int
	err := s.withLock(ctx, func(ix *Index) error {
		m := bundleManifest{
			Format:     bundleFormat,
			Version:    bundleVersion,
			ExportedAt: s.now().UTC(),
		}
		for _, name := range ix.Names() {
			e := ix.Profiles[name]
			m.Profiles = append(m.Profiles, bundleProfile{
				Name:       name,
				Email:      e.Email,
				CreatedAt:  e.CreatedAt,
				LastActive: e.LastActive,
				Digest:     e.Digest,
				Files:      e.Files,
				Payload:    path.Join(snapshotsDir, e.Snapshot+payloadExt),
			})
		}

		err := fsutil.WriteAtomic(dest, 0o600, func(w io.Writer) error {
			zw := zip.NewWriter(w)
			mw, err := zw.CreateHeader(&zip.FileHeader{
				Name:     bundleManifestName,
				Method:   zip.Deflate,
				Modified: m.ExportedAt,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(mw)
			enc.SetIndent("", "  ")
			if err := enc.Encode(&m); err != nil {
				return fmt.Errorf("write archive manifest: %w", err)
			}

			for _, p := range m.Profiles {
				if err := s.exportPayload(zw, ix.Profiles[p.Name], p, m.ExportedAt); err != nil {
					return err
				}
			}
			return zw.Close()
		})
		if err != nil {
			return wrapOp(err, "export", "")
		}
		count = len(m.Profiles)
		s.log.Info().Int("profiles", count).Str("dest", dest).Msg("Exported profiles")
		return nil
	})
	return count, err
}

// exportPayload copies one payload into zw, checking its digest on the way.
func (s *Store) exportPayload(zw *zip.Writer, e *Entry, p bundleProfile, modified time.Time) error {
	f, err := os.Open(s.payloadPath(e.Snapshot))
	if err != nil {
		if os.IsNotExist(err) {
			return serrors.Newf(serrors.KindCorruptSnapshot, "export", p.Name, "payload %s is missing", e.Snapshot)
		}
		return serrors.IO("export", p.Name, err)
	}
	defer f.Close()

	// Payloads are already compressed.
	w, err := zw.CreateHeader(&zip.FileHeader{Name: p.Payload, Method: zip.Store, Modified: modified})
	if err != nil {
		return err
	}
	h := sha256.New()
	if _, err := io.Copy(w, io.TeeReader(f, h)); err != nil {
		return serrors.IO("export", p.Name, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != e.Digest {
		return serrors.Newf(serrors.KindCorruptSnapshot, "export", p.Name, "payload digest mismatch")
	}
	return nil
}

// stagedImport is a verified payload waiting in tmp/ to be published.
type stagedImport struct {
	name    string
	id      string
	scratch string
	entry   *Entry
}

// Import adds every profile in the archive at src to the store and returns
// their names. Profiles with an existing name are overwritten. Nothing is
// published unless every payload in the archive verifies. The live state is
// never touched; replacing the current profile with a different snapshot
// leaves the store unmanaged.
func (s *Store) Import(ctx context.Context, src string) ([]string, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		var pe *fs.PathError
		if errors.As(err, &pe) {
			return nil, serrors.IO("import", "", err)
		}
		return nil, serrors.New(serrors.KindCorruptArchive, "import", "", err)
	}
	defer zr.Close()

	var names []string
	err = s.withLock(ctx, func(ix *Index) error {
		var staged []stagedImport
		var err error
		if mf := findZipFile(&zr.Reader, bundleManifestName); mf != nil {
			staged, err = s.stageBundle(&zr.Reader, mf)
		} else {
			staged, err = s.stageLegacy(&zr.Reader)
		}
		if err != nil {
			for _, st := range staged {
				os.Remove(st.scratch)
			}
			return err
		}

		c := &change{}
		for _, st := range staged {
			if err := os.Rename(st.scratch, s.payloadPath(st.id)); err != nil {
				s.abort(c)
				return serrors.IO("import", st.name, err)
			}
			c.published = append(c.published, st.id)
		}
		fsutil.SyncDir(filepath.Join(s.home, snapshotsDir))

		for _, st := range staged {
			if old, ok := ix.Get(st.name); ok {
				c.superseded = append(c.superseded, old.Snapshot)
			}
			ix.Put(st.name, st.entry)
			names = append(names, st.name)
			if st.name == ix.Current {
				s.detachReplacedCurrent(ix, st.entry)
			}
		}
		if err := s.index.Save(ix); err != nil {
			s.abort(c)
			return wrapOp(err, "import", "")
		}
		s.commit(c)

		s.log.Info().Int("profiles", len(names)).Str("src", src).Msg("Imported profiles")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// detachReplacedCurrent clears the current pointer when the entry that
// replaced the current profile no longer describes the live files.
func (s *Store) detachReplacedCurrent(ix *Index, e *Entry) {
	hashes, err := live.HashFiles(s.live.Dir(), live.Files())
	if err == nil && sameFiles(hashes, e.Files) && !hasPendingWAL(s.live.Dir()) {
		return
	}
	s.log.Warn().Str("profile", ix.Current).
		Msg("Imported profile replaced the current one; the live state is now unmanaged. Use switch --backup to keep it")
	ix.Current = ""
}

func (s *Store) stageBundle(zr *zip.Reader, mf *zip.File) ([]stagedImport, error) {
	data, err := readZipFile(mf, maxBundleManifest)
	if err != nil {
		return nil, corruptArchive("", "read %s: %v", bundleManifestName, err)
	}
	var m bundleManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, corruptArchive("", "parse %s: %v", bundleManifestName, err)
	}
	if m.Format != bundleFormat || m.Version < 1 || m.Version > bundleVersion {
		return nil, corruptArchive("", "unsupported archive format %q version %d", m.Format, m.Version)
	}

	var staged []stagedImport
	seen := make(map[string]bool, len(m.Profiles))
	for _, p := range m.Profiles {
		if err := ValidateName(p.Name); err != nil {
			return staged, corruptArchive(p.Name, "%v", err)
		}
		if seen[p.Name] {
			return staged, corruptArchive(p.Name, "profile listed twice")
		}
		seen[p.Name] = true
		if p.Digest == "" {
			return staged, corruptArchive(p.Name, "profile has no digest")
		}
		zf := findZipFile(zr, p.Payload)
		if zf == nil {
			return staged, corruptArchive(p.Name, "payload %q not in archive", p.Payload)
		}

		id := ulid.Make().String()
		scratch := filepath.Join(s.tmpDir(), id+payloadExt)
		if err := copyZipFile(zf, scratch); err != nil {
			return staged, corruptArchive(p.Name, "extract payload: %v", err)
		}
		staged = append(staged, stagedImport{name: p.Name, id: id, scratch: scratch})

		if err := checkPayloadFiles(scratch); err != nil {
			return staged, corruptArchive(p.Name, "%v", err)
		}
		sm, err := snapshot.DecodeFile(scratch, p.Digest, "")
		if err != nil {
			return staged, corruptArchive(p.Name, "%v", err)
		}
		hashes := sm.Hashes()
		if len(p.Files) > 0 && !sameFiles(hashes, p.Files) {
			return staged, corruptArchive(p.Name, "payload does not match the listed file hashes")
		}

		created := p.CreatedAt
		if created.IsZero() {
			created = s.now().UTC()
		}
		email := p.Email
		if email == "" {
			email = live.UnknownEmail
		}
		staged[len(staged)-1].entry = &Entry{
			Email:      email,
			CreatedAt:  created,
			LastActive: p.LastActive,
			Snapshot:   id,
			Digest:     p.Digest,
			Files:      hashes,
		}
	}
	return staged, nil
}

// legacyProfile is one <name>/ directory of an archive written by the
// earlier zip exporter.
type legacyProfile struct {
	name  string
	files map[string]*zip.File
}

// stageLegacy accepts the layout <name>/storage.json, <name>/state.vscdb
// and optionally <name>/last_active.txt.
func (s *Store) stageLegacy(zr *zip.Reader) ([]stagedImport, error) {
	var order []string
	byName := make(map[string]*legacyProfile)
	for _, zf := range zr.File {
		parts := strings.Split(strings.TrimSuffix(zf.Name, "/"), "/")
		if len(parts) != 2 || zf.FileInfo().IsDir() {
			continue
		}
		name, file := parts[0], parts[1]
		if file != live.StorageFile && file != live.DatabaseFile && file != legacyLastActive {
			continue
		}
		lp, ok := byName[name]
		if !ok {
			lp = &legacyProfile{name: name, files: make(map[string]*zip.File)}
			byName[name] = lp
			order = append(order, name)
		}
		lp.files[file] = zf
	}
	if len(order) == 0 {
		return nil, corruptArchive("", "archive has neither %s nor profile directories", bundleManifestName)
	}

	var staged []stagedImport
	for _, name := range order {
		lp := byName[name]
		if err := ValidateName(name); err != nil {
			return staged, corruptArchive(name, "%v", err)
		}
		for _, required := range live.Files() {
			if lp.files[required] == nil {
				return staged, corruptArchive(name, "missing %s", required)
			}
		}

		st, err := s.stageLegacyProfile(lp)
		if st.scratch != "" {
			staged = append(staged, st)
		}
		if err != nil {
			return staged, err
		}
	}
	return staged, nil
}

func (s *Store) stageLegacyProfile(lp *legacyProfile) (stagedImport, error) {
	dir, err := os.MkdirTemp(s.tmpDir(), "legacy-")
	if err != nil {
		return stagedImport{}, serrors.IO("import", lp.name, err)
	}
	defer os.RemoveAll(dir)

	for _, name := range live.Files() {
		if err := copyZipFile(lp.files[name], filepath.Join(dir, name)); err != nil {
			return stagedImport{}, corruptArchive(lp.name, "extract %s: %v", name, err)
		}
	}

	id := ulid.Make().String()
	scratch := filepath.Join(s.tmpDir(), id+payloadExt)
	var digest string
	var manifest *snapshot.Manifest
	err = fsutil.WriteAtomic(scratch, 0o600, func(w io.Writer) error {
		var err error
		digest, manifest, err = snapshot.Encode(w, dir, live.Files())
		return err
	})
	if err != nil {
		return stagedImport{}, serrors.IO("import", lp.name, err)
	}

	lastActive := lp.files[live.DatabaseFile].Modified.UTC()
	if zf := lp.files[legacyLastActive]; zf != nil {
		if data, err := readZipFile(zf, 256); err == nil {
			if t, err := time.ParseInLocation(LegacyTimeLayout, strings.TrimSpace(string(data)), time.Local); err == nil {
				lastActive = t.UTC()
			}
		}
	}

	return stagedImport{
		name:    lp.name,
		id:      id,
		scratch: scratch,
		entry: &Entry{
			Email:      live.ReadIdentity(dir).Email,
			CreatedAt:  s.now().UTC(),
			LastActive: &lastActive,
			Snapshot:   id,
			Digest:     digest,
			Files:      manifest.Hashes(),
		},
	}, nil
}

// checkPayloadFiles makes sure a payload holds exactly the live files, so a
// switch can never install a partial state.
func checkPayloadFiles(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	m, err := snapshot.ReadManifest(f)
	if err != nil {
		return err
	}
	have := m.Hashes()
	for _, name := range live.Files() {
		if _, ok := have[name]; !ok {
			return fmt.Errorf("payload lacks %s", name)
		}
	}
	if len(have) != len(live.Files()) {
		return fmt.Errorf("payload holds %d files, want %d", len(have), len(live.Files()))
	}
	return nil
}

func findZipFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readZipFile(zf *zip.File, limit int64) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s is larger than %d bytes", zf.Name, limit)
	}
	return data, nil
}

// copyZipFile extracts zf to dst. The zip reader checks the entry's CRC
// when the copy reaches the end.
func copyZipFile(zf *zip.File, dst string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func corruptArchive(name, format string, args ...any) error {
	return serrors.Newf(serrors.KindCorruptArchive, "import", name, format, args...)
}
