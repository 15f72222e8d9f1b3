// Package snapshot encodes a captured set of live-state files into a single
// self-describing payload and back.
//
// A payload is a gzip-compressed tar stream. The first entry is
// manifest.json, listing every file with its size, mode and sha256; the
// files follow in manifest order. The sha256 of the whole encoded payload is
// the snapshot digest recorded by the store.
package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	serrors "github.com/DDDHLA/cursor-switcher/internal/errors"
)

const (
	manifestName    = "manifest.json"
	maxManifestSize = 1 << 20

	// FormatVersion is the payload layout written by Encode.
	FormatVersion = 1
)

// FileEntry describes one file inside a snapshot.
type FileEntry struct {
	Name   string      `json:"name"`
	Size   int64       `json:"size"`
	Mode   os.FileMode `json:"mode"`
	SHA256 string      `json:"sha256"`
}

// Manifest is the first entry of every payload.
type Manifest struct {
	Version   int         `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
	Files     []FileEntry `json:"files"`
}

// Hashes returns file name -> sha256.
func (m *Manifest) Hashes() map[string]string {
	out := make(map[string]string, len(m.Files))
	for _, f := range m.Files {
		out[f.Name] = f.SHA256
	}
	return out
}

// Encode writes the named files from dir to w and returns the payload
// digest together with the manifest that was embedded.
func Encode(w io.Writer, dir string, names []string) (string, *Manifest, error) {
	manifest := &Manifest{
		Version:   FormatVersion,
		CreatedAt: time.Now().UTC(),
	}
	for _, name := range names {
		if err := validEntryName(name); err != nil {
			return "", nil, err
		}
		entry, err := describeFile(filepath.Join(dir, name))
		if err != nil {
			return "", nil, fmt.Errorf("hash %s: %w", name, err)
		}
		entry.Name = name
		manifest.Files = append(manifest.Files, entry)
	}

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", nil, fmt.Errorf("marshal manifest: %w", err)
	}

	h := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(w, h))
	tw := tar.NewWriter(gz)

	if err := tw.WriteHeader(&tar.Header{
		Name:    manifestName,
		Mode:    0o644,
		Size:    int64(len(manifestData)),
		ModTime: manifest.CreatedAt,
	}); err != nil {
		return "", nil, fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestData); err != nil {
		return "", nil, fmt.Errorf("write manifest: %w", err)
	}

	for _, entry := range manifest.Files {
		if err := writeEntry(tw, filepath.Join(dir, entry.Name), entry, manifest.CreatedAt); err != nil {
			return "", nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return "", nil, fmt.Errorf("close tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", nil, fmt.Errorf("close gzip stream: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), manifest, nil
}

func describeFile(path string) (FileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileEntry{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return FileEntry{}, err
	}
	if !info.Mode().IsRegular() {
		return FileEntry{}, fmt.Errorf("%s is not a regular file", path)
	}

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return FileEntry{}, err
	}
	return FileEntry{
		Size:   n,
		Mode:   info.Mode().Perm(),
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func writeEntry(tw *tar.Writer, path string, entry FileEntry, modTime time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", entry.Name, err)
	}
	defer f.Close()

	if err := tw.WriteHeader(&tar.Header{
		Name:    entry.Name,
		Mode:    int64(entry.Mode),
		Size:    entry.Size,
		ModTime: modTime,
	}); err != nil {
		return fmt.Errorf("write header for %s: %w", entry.Name, err)
	}

	// A file that changed size since it was hashed makes the tar writer fail
	// with ErrWriteTooLong or a short write on Close.
	h := sha256.New()
	if _, err := io.Copy(tw, io.TeeReader(io.LimitReader(f, entry.Size+1), h)); err != nil {
		return fmt.Errorf("write %s: %w", entry.Name, err)
	}
	if hex.EncodeToString(h.Sum(nil)) != entry.SHA256 {
		return fmt.Errorf("%s changed while encoding", entry.Name)
	}
	return nil
}

// Decode reads a payload from r, checks it against digest and extracts the
// files into dest. An empty digest skips the whole-payload check. An empty
// dest only verifies the payload. All format and integrity failures are
// reported as CorruptSnapshot; callers own cleanup of dest on error.
func Decode(r io.Reader, digest, dest string) (*Manifest, error) {
	h := sha256.New()
	tee := io.TeeReader(r, h)

	gz, err := gzip.NewReader(tee)
	if err != nil {
		return nil, corrupt("open gzip stream: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	manifest, err := readManifest(tr)
	if err != nil {
		return nil, err
	}

	expected := make(map[string]FileEntry, len(manifest.Files))
	for _, f := range manifest.Files {
		expected[f.Name] = f
	}
	seen := make(map[string]bool, len(manifest.Files))

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, corrupt("read tar entry: %v", err)
		}
		entry, ok := expected[hdr.Name]
		if !ok || seen[hdr.Name] {
			return nil, corrupt("unexpected entry %q", hdr.Name)
		}
		if hdr.Typeflag != tar.TypeReg || hdr.Size != entry.Size {
			return nil, corrupt("entry %q does not match manifest", hdr.Name)
		}
		seen[hdr.Name] = true

		if err := extractEntry(tr, entry, dest); err != nil {
			return nil, err
		}
	}

	for name := range expected {
		if !seen[name] {
			return nil, corrupt("missing entry %q", name)
		}
	}

	// Consume the rest of the stream so the digest covers every byte.
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return nil, corrupt("drain gzip stream: %v", err)
	}
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return nil, corrupt("drain payload: %v", err)
	}

	if digest != "" {
		if got := hex.EncodeToString(h.Sum(nil)); got != digest {
			return nil, corrupt("digest mismatch: have %s, want %s", got, digest)
		}
	}
	return manifest, nil
}

// DecodeFile is Decode over a payload file on disk.
func DecodeFile(path, digest, dest string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, corrupt("payload %s is missing", filepath.Base(path))
		}
		return nil, serrors.IO("open snapshot", "", err)
	}
	defer f.Close()
	return Decode(f, digest, dest)
}

// ReadManifest returns the manifest of a payload without reading the files.
func ReadManifest(r io.Reader) (*Manifest, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, corrupt("open gzip stream: %v", err)
	}
	defer gz.Close()
	return readManifest(tar.NewReader(gz))
}

func readManifest(tr *tar.Reader) (*Manifest, error) {
	hdr, err := tr.Next()
	if err != nil {
		return nil, corrupt("read manifest header: %v", err)
	}
	if hdr.Name != manifestName || hdr.Size > maxManifestSize {
		return nil, corrupt("first entry is %q, want %s", hdr.Name, manifestName)
	}

	var manifest Manifest
	if err := json.NewDecoder(io.LimitReader(tr, maxManifestSize)).Decode(&manifest); err != nil {
		return nil, corrupt("parse manifest: %v", err)
	}
	if manifest.Version != FormatVersion {
		return nil, corrupt("unsupported snapshot version %d", manifest.Version)
	}

	names := make(map[string]bool, len(manifest.Files))
	for _, f := range manifest.Files {
		if err := validEntryName(f.Name); err != nil {
			return nil, corrupt("%v", err)
		}
		if names[f.Name] {
			return nil, corrupt("duplicate entry %q", f.Name)
		}
		names[f.Name] = true
	}
	return &manifest, nil
}

func extractEntry(r io.Reader, entry FileEntry, dest string) error {
	h := sha256.New()
	var w io.Writer = h
	var out *os.File
	if dest != "" {
		var err error
		out, err = os.OpenFile(filepath.Join(dest, entry.Name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, entry.Mode.Perm()|0o600)
		if err != nil {
			return serrors.IO("extract snapshot", "", err)
		}
		defer out.Close()
		w = io.MultiWriter(out, h)
	}

	if _, err := io.Copy(w, r); err != nil {
		return corrupt("read %s: %v", entry.Name, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != entry.SHA256 {
		return corrupt("checksum mismatch for %s", entry.Name)
	}
	if out != nil {
		if err := out.Sync(); err != nil {
			return serrors.IO("extract snapshot", "", err)
		}
	}
	return nil
}

func validEntryName(name string) error {
	if name == "" || name == "." || name == ".." || name == manifestName ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("invalid snapshot entry name %q", name)
	}
	return nil
}

func corrupt(format string, args ...any) error {
	return serrors.Newf(serrors.KindCorruptSnapshot, "decode snapshot", "", format, args...)
}
