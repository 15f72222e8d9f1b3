// Package live reads and atomically replaces the target application's live
// identity files.
//
// The live state is storage.json (machine identifiers) and state.vscdb, the
// SQLite key/value database holding auth tokens, plus the database's WAL
// sidecars. Every mutation goes through Apply: staged files are renamed into
// place back-to-back while the previous files sit in a rollback directory
// described by a journal, so an interrupted swap can be undone by Recover.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/DDDHLA/cursor-switcher/internal/errors"
	"github.com/DDDHLA/cursor-switcher/internal/fsutil"
)

const (
	StorageFile  = "storage.json"
	DatabaseFile = "state.vscdb"

	journalName = "swap-journal.json"
)

// Files are the live files captured into every snapshot.
func Files() []string {
	return []string{StorageFile, DatabaseFile}
}

// managed lists every live file a swap replaces or removes. Sidecars go
// first so a stale WAL is never paired with a new database; the identifier
// file goes last.
var managed = []string{
	DatabaseFile + "-wal",
	DatabaseFile + "-shm",
	DatabaseFile,
	StorageFile,
}

// RunningFunc reports whether the target application is running.
type RunningFunc func(ctx context.Context) (bool, error)

// Options configures an Accessor.
type Options struct {
	// Dir is the application's globalStorage directory.
	Dir string
	// WorkDir holds stage and rollback directories and the swap journal. It
	// must be on the same filesystem as Dir. Defaults to a sibling of Dir.
	WorkDir string
	// Running is consulted before touching live files; nil skips the check.
	Running RunningFunc
	Logger  zerolog.Logger
}

// Accessor reads, captures and replaces the live identity files.
type Accessor struct {
	dir     string
	workDir string
	running RunningFunc
	log     zerolog.Logger
}

func NewAccessor(opts Options) *Accessor {
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = filepath.Join(filepath.Dir(opts.Dir), ".cursor-switcher")
	}
	return &Accessor{
		dir:     opts.Dir,
		workDir: workDir,
		running: opts.Running,
		log:     opts.Logger.With().Str("component", "live").Logger(),
	}
}

// Dir returns the live directory.
func (a *Accessor) Dir() string { return a.dir }

// ReadIdentitySummary returns the identity of the live state. It never
// fails; unreadable state yields UnknownEmail.
func (a *Accessor) ReadIdentitySummary() Identity {
	return ReadIdentity(a.dir)
}

// Check verifies the live directory and files exist.
func (a *Accessor) Check() error {
	info, err := os.Stat(a.dir)
	if err != nil || !info.IsDir() {
		return serrors.Newf(serrors.KindLiveStatePathMissing, "check live state", "",
			"%s not found (is the application installed and has it been run once?)", a.dir)
	}
	for _, name := range Files() {
		if _, err := os.Stat(filepath.Join(a.dir, name)); err != nil {
			return serrors.Newf(serrors.KindLiveStatePathMissing, "check live state", "",
				"%s not found in %s", name, a.dir)
		}
	}
	return nil
}

func (a *Accessor) ensureIdle(ctx context.Context, op string) error {
	if a.running == nil {
		return nil
	}
	running, err := a.running(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("Could not determine whether the application is running")
		return nil
	}
	if running {
		return serrors.Newf(serrors.KindLiveStateBusy, op, "",
			"the application is running; quit it first or pass --restart")
	}
	return nil
}

// Stage creates an empty staging directory on the live filesystem.
func (a *Accessor) Stage() (string, error) {
	if err := os.MkdirAll(a.workDir, 0o700); err != nil {
		return "", serrors.IO("stage", "", fmt.Errorf("create work directory: %w", err))
	}
	dir, err := os.MkdirTemp(a.workDir, "stage-")
	if err != nil {
		return "", serrors.IO("stage", "", fmt.Errorf("create stage directory: %w", err))
	}
	return dir, nil
}

// Capture copies the live files into dest and returns their sha256 by name.
// A WAL present next to the database is folded into the copied database so
// dest is self-contained; live files are only read.
func (a *Accessor) Capture(ctx context.Context, dest string) (map[string]string, error) {
	if err := a.Check(); err != nil {
		return nil, err
	}
	if err := a.ensureIdle(ctx, "capture live state"); err != nil {
		return nil, err
	}

	watcher := watchFiles(a.dir, managed, a.log)
	before := a.statManaged()

	copied, err := a.copyLive(dest)
	changed := watcher.stop()
	if err != nil {
		return nil, err
	}
	if changed || !before.equal(a.statManaged()) {
		return nil, serrors.Newf(serrors.KindLiveStateBusy, "capture live state", "",
			"live files changed while they were being copied")
	}

	if copied[DatabaseFile+"-wal"] {
		if err := foldWAL(filepath.Join(dest, DatabaseFile)); err != nil {
			return nil, serrors.Newf(serrors.KindLiveStateBusy, "capture live state", "",
				"fold write-ahead log: %v", err)
		}
	}
	removeSidecars(dest)

	hashes, err := HashFiles(dest, Files())
	if err != nil {
		return nil, serrors.IO("capture live state", "", err)
	}

	a.log.Debug().Str("dest", dest).Bool("wal", copied[DatabaseFile+"-wal"]).Msg("Captured live state")
	return hashes, nil
}

func (a *Accessor) copyLive(dest string) (map[string]bool, error) {
	copied := make(map[string]bool)
	for _, name := range append(Files(), DatabaseFile+"-wal") {
		src := filepath.Join(a.dir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := fsutil.CopyFile(src, filepath.Join(dest, name)); err != nil {
			if os.IsNotExist(err) {
				return nil, serrors.Newf(serrors.KindLiveStateBusy, "capture live state", "",
					"%s disappeared during copy", name)
			}
			return nil, serrors.IO("capture live state", "", err)
		}
		copied[name] = true
	}
	return copied, nil
}

type fileStamp struct {
	exists  bool
	size    int64
	modTime time.Time
}

type stamps map[string]fileStamp

func (a *Accessor) statManaged() stamps {
	out := make(stamps, len(managed))
	for _, name := range managed {
		info, err := os.Stat(filepath.Join(a.dir, name))
		if err != nil {
			out[name] = fileStamp{}
			continue
		}
		out[name] = fileStamp{exists: true, size: info.Size(), modTime: info.ModTime()}
	}
	return out
}

func (s stamps) equal(other stamps) bool {
	for name, st := range s {
		o := other[name]
		if st.exists != o.exists || st.size != o.size || !st.modTime.Equal(o.modTime) {
			return false
		}
	}
	return true
}

// journal records an in-flight swap. Present lists the managed files that
// existed before the swap; their originals are in Rollback until the swap
// completes.
type journal struct {
	Stage    string    `json:"stage"`
	Rollback string    `json:"rollback"`
	Present  []string  `json:"present"`
	Started  time.Time `json:"started"`
}

var renameFn = os.Rename

// Apply makes the live files equal to the files in stage. stage must come
// from Stage. On success the stage directory is consumed; on failure the
// live files are restored to their previous content.
func (a *Accessor) Apply(ctx context.Context, stage string) error {
	info, err := os.Stat(a.dir)
	if err != nil || !info.IsDir() {
		return serrors.Newf(serrors.KindLiveStatePathMissing, "apply live state", "", "%s not found", a.dir)
	}
	if err := a.ensureIdle(ctx, "apply live state"); err != nil {
		return err
	}

	if err := os.MkdirAll(a.workDir, 0o700); err != nil {
		return serrors.IO("apply live state", "", fmt.Errorf("create work directory: %w", err))
	}
	rollback, err := os.MkdirTemp(a.workDir, "rollback-")
	if err != nil {
		return serrors.IO("apply live state", "", fmt.Errorf("create rollback directory: %w", err))
	}

	j := &journal{Stage: stage, Rollback: rollback, Started: time.Now().UTC()}
	for _, name := range managed {
		if fsutil.Exists(filepath.Join(a.dir, name)) {
			j.Present = append(j.Present, name)
		}
	}
	if err := a.writeJournal(j); err != nil {
		os.RemoveAll(rollback)
		return serrors.IO("apply live state", "", fmt.Errorf("write swap journal: %w", err))
	}

	if err := a.swap(j); err != nil {
		if rbErr := a.rollback(j); rbErr != nil {
			a.log.Error().Err(rbErr).Str("rollback", rollback).Msg("Rollback of live state failed; it will be retried on next run")
			return serrors.IO("apply live state", "", fmt.Errorf("%w (rollback failed: %v)", err, rbErr))
		}
		a.finish(j)
		return serrors.IO("apply live state", "", err)
	}

	fsutil.SyncDir(a.dir)
	a.finish(j)
	a.log.Debug().Msg("Applied live state")
	return nil
}

func (a *Accessor) swap(j *journal) error {
	for _, name := range j.Present {
		if err := renameFn(filepath.Join(a.dir, name), filepath.Join(j.Rollback, name)); err != nil {
			return fmt.Errorf("move %s aside: %w", name, err)
		}
	}
	for _, name := range managed {
		src := filepath.Join(j.Stage, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := renameFn(src, filepath.Join(a.dir, name)); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	return nil
}

// rollback restores the pre-swap files recorded in j.
func (a *Accessor) rollback(j *journal) error {
	present := make(map[string]bool, len(j.Present))
	for _, name := range j.Present {
		present[name] = true
	}

	for _, name := range managed {
		live := filepath.Join(a.dir, name)
		saved := filepath.Join(j.Rollback, name)
		if present[name] {
			if _, err := os.Stat(saved); err == nil {
				if err := os.Rename(saved, live); err != nil {
					return fmt.Errorf("restore %s: %w", name, err)
				}
			}
			continue
		}
		if err := os.Remove(live); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	fsutil.SyncDir(a.dir)
	return nil
}

func (a *Accessor) finish(j *journal) {
	os.Remove(filepath.Join(a.workDir, journalName))
	os.RemoveAll(j.Rollback)
	os.RemoveAll(j.Stage)
}

func (a *Accessor) writeJournal(j *journal) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(a.workDir, journalName), data, 0o600)
}

// Recover undoes a swap that was interrupted by a crash. It is a no-op when
// no journal exists.
func (a *Accessor) Recover() error {
	data, err := os.ReadFile(filepath.Join(a.workDir, journalName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return serrors.IO("recover live state", "", err)
	}

	var j journal
	if err := json.Unmarshal(data, &j); err != nil {
		return serrors.IO("recover live state", "", fmt.Errorf("parse swap journal: %w", err))
	}

	a.log.Warn().Time("started", j.Started).Msg("Found interrupted live state swap; restoring previous files")
	if err := a.rollback(&j); err != nil {
		return serrors.IO("recover live state", "", err)
	}
	a.finish(&j)
	return nil
}

func removeSidecars(dir string) {
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(filepath.Join(dir, DatabaseFile+suffix))
	}
}
