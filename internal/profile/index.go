package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	serrors "github.com/DDDHLA/cursor-switcher/internal/errors"
	"github.com/DDDHLA/cursor-switcher/internal/fsutil"
)

const indexVersion = 1

// Entry is the persisted metadata of one profile.
type Entry struct {
	Email      string     `json:"email"`
	CreatedAt  time.Time  `json:"created_at"`
	LastActive *time.Time `json:"last_active,omitempty"`
	// Snapshot is the payload ID under snapshots/.
	Snapshot string `json:"snapshot"`
	// Digest is the sha256 of the encoded payload.
	Digest string `json:"digest"`
	// Files maps live file name to the sha256 it had when captured.
	Files map[string]string `json:"files,omitempty"`
}

// Pending marks a live-state change that was started but whose outcome
// has not been recorded yet. Profile is the profile being applied, empty
// for a reset.
type Pending struct {
	Profile  string    `json:"profile,omitempty"`
	Previous string    `json:"previous,omitempty"`
	Started  time.Time `json:"started"`
}

// Index is the in-memory form of index.json. Current is empty when the live
// state does not correspond to any stored profile.
type Index struct {
	Version  int               `json:"version"`
	Current  string            `json:"current,omitempty"`
	Pending  *Pending          `json:"pending,omitempty"`
	Profiles map[string]*Entry `json:"profiles"`
}

// Summary is one row of List.
type Summary struct {
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	IsCurrent  bool       `json:"is_current"`
	LastActive *time.Time `json:"last_active"`
	CreatedAt  time.Time  `json:"created_at"`
}

func newIndex() *Index {
	return &Index{Version: indexVersion, Profiles: make(map[string]*Entry)}
}

// Get returns the entry for name.
func (ix *Index) Get(name string) (*Entry, bool) {
	e, ok := ix.Profiles[name]
	return e, ok
}

// Names returns all profile names sorted.
func (ix *Index) Names() []string {
	names := make([]string, 0, len(ix.Profiles))
	for n := range ix.Profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List returns every profile sorted by name.
func (ix *Index) List() []Summary {
	out := make([]Summary, 0, len(ix.Profiles))
	for _, name := range ix.Names() {
		e := ix.Profiles[name]
		out = append(out, Summary{
			Name:       name,
			Email:      e.Email,
			IsCurrent:  name == ix.Current,
			LastActive: e.LastActive,
			CreatedAt:  e.CreatedAt,
		})
	}
	return out
}

// Put inserts or replaces the entry for name.
func (ix *Index) Put(name string, e *Entry) {
	ix.Profiles[name] = e
}

// Remove deletes name and returns its entry. Removing the current profile
// leaves the store unmanaged.
func (ix *Index) Remove(name string) (*Entry, bool) {
	e, ok := ix.Profiles[name]
	if !ok {
		return nil, false
	}
	delete(ix.Profiles, name)
	if ix.Current == name {
		ix.Current = ""
	}
	return e, true
}

// Rename moves the entry at oldName to newName, following Current.
func (ix *Index) Rename(oldName, newName string) error {
	e, ok := ix.Profiles[oldName]
	if !ok {
		return serrors.New(serrors.KindNotFound, "rename", oldName, nil)
	}
	if _, taken := ix.Profiles[newName]; taken {
		return serrors.New(serrors.KindAlreadyExists, "rename", newName, nil)
	}
	delete(ix.Profiles, oldName)
	ix.Profiles[newName] = e
	if ix.Current == oldName {
		ix.Current = newName
	}
	return nil
}

// SetCurrent points Current at name; an empty name means unmanaged.
func (ix *Index) SetCurrent(name string) error {
	if name != "" {
		if _, ok := ix.Profiles[name]; !ok {
			return serrors.New(serrors.KindNotFound, "set current", name, nil)
		}
	}
	ix.Current = name
	return nil
}

// Clone returns a copy that can be mutated without affecting ix. Entries are
// copied by value; their LastActive and Files are replaced, never mutated.
func (ix *Index) Clone() *Index {
	out := &Index{Version: ix.Version, Current: ix.Current, Profiles: make(map[string]*Entry, len(ix.Profiles))}
	if ix.Pending != nil {
		p := *ix.Pending
		out.Pending = &p
	}
	for name, e := range ix.Profiles {
		cp := *e
		out.Profiles[name] = &cp
	}
	return out
}

// IndexFile reads and writes index.json.
type IndexFile struct {
	path string
}

func NewIndexFile(path string) *IndexFile {
	return &IndexFile{path: path}
}

// Load reads the index. A missing file is an empty index.
func (f *IndexFile) Load() (*Index, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return newIndex(), nil
		}
		return nil, serrors.IO("load index", "", err)
	}

	ix := newIndex()
	if err := json.Unmarshal(data, ix); err != nil {
		return nil, serrors.IO("load index", "", fmt.Errorf("parse %s: %w", filepath.Base(f.path), err))
	}
	if ix.Version > indexVersion {
		return nil, serrors.Newf(serrors.KindIO, "load index", "", "index version %d is newer than supported %d", ix.Version, indexVersion)
	}
	if ix.Profiles == nil {
		ix.Profiles = make(map[string]*Entry)
	}
	if _, ok := ix.Profiles[ix.Current]; ix.Current != "" && !ok {
		ix.Current = ""
	}
	return ix, nil
}

// Save writes the whole index atomically.
func (f *IndexFile) Save(ix *Index) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return serrors.IO("save index", "", fmt.Errorf("create store directory: %w", err))
	}

	ix.Version = indexVersion
	data, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return serrors.IO("save index", "", fmt.Errorf("marshal index: %w", err))
	}
	if err := fsutil.WriteFileAtomic(f.path, data, 0o600); err != nil {
		return serrors.IO("save index", "", err)
	}
	return nil
}
