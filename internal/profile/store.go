// Package profile keeps named snapshots of the live identity files and
// switches between them.
//
// A store directory holds index.json (the metadata of every profile and the
// name of the one currently installed), one immutable payload per profile
// under snapshots/, a scratch tmp/ directory and store.lock. Every operation
// runs with store.lock held, so concurrent invocations are serialized.
package profile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	serrors "github.com/DDDHLA/cursor-switcher/internal/errors"
	"github.com/DDDHLA/cursor-switcher/internal/fsutil"
	"github.com/DDDHLA/cursor-switcher/internal/live"
	"github.com/DDDHLA/cursor-switcher/internal/snapshot"
)

const (
	indexFileName = "index.json"
	lockFileName  = "store.lock"
	snapshotsDir  = "snapshots"
	tmpDirName    = "tmp"
	payloadExt    = ".snap"

	DefaultLockTimeout = 10 * time.Second
)

// Options configures a Store.
type Options struct {
	// Home is the store root.
	Home        string
	Live        *live.Accessor
	LockTimeout time.Duration
	Logger      zerolog.Logger
	// Now overrides the clock for timestamps.
	Now func() time.Time
}

// Store is the profile store rooted at one directory.
type Store struct {
	home        string
	index       *IndexFile
	live        *live.Accessor
	lockTimeout time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

func New(opts Options) *Store {
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		home:        opts.Home,
		index:       NewIndexFile(filepath.Join(opts.Home, indexFileName)),
		live:        opts.Live,
		lockTimeout: timeout,
		log:         opts.Logger.With().Str("component", "store").Logger(),
		now:         now,
	}
}

// Home returns the store root.
func (s *Store) Home() string { return s.home }

// Live returns the live state accessor.
func (s *Store) Live() *live.Accessor { return s.live }

func (s *Store) payloadPath(id string) string {
	return filepath.Join(s.home, snapshotsDir, id+payloadExt)
}

func (s *Store) tmpDir() string {
	return filepath.Join(s.home, tmpDirName)
}

// withLock runs fn with the store lock held and a freshly loaded index.
// Interrupted live swaps and switches are settled first.
func (s *Store) withLock(ctx context.Context, fn func(ix *Index) error) error {
	lock, err := acquireLock(ctx, filepath.Join(s.home, lockFileName), s.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.release()

	for _, dir := range []string{filepath.Join(s.home, snapshotsDir), s.tmpDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return serrors.IO("open store", "", err)
		}
	}

	if err := s.live.Recover(); err != nil {
		return err
	}
	ix, err := s.index.Load()
	if err != nil {
		return err
	}
	if err := s.reconcile(ix); err != nil {
		return err
	}
	s.sweep(ix)

	return fn(ix)
}

// reconcile settles a switch or reset that was interrupted after it was
// recorded as pending. Recover has already rolled back any half-done swap,
// so the live files either match the target or the previous profile.
func (s *Store) reconcile(ix *Index) error {
	p := ix.Pending
	if p == nil {
		return nil
	}

	hashes, _ := live.HashFiles(s.live.Dir(), live.Files())
	matches := func(name string) bool {
		e, ok := ix.Get(name)
		return ok && hashes != nil && sameFiles(hashes, e.Files)
	}

	switch {
	case p.Profile != "" && matches(p.Profile):
		ix.Current = p.Profile
	case p.Previous != "" && matches(p.Previous):
		ix.Current = p.Previous
	default:
		ix.Current = ""
	}
	ix.Pending = nil

	s.log.Warn().Str("target", p.Profile).Str("current", ix.Current).Msg("Settled interrupted profile change")
	return s.index.Save(ix)
}

// sweep removes payloads no entry references and leftover scratch files.
func (s *Store) sweep(ix *Index) {
	referenced := make(map[string]bool, len(ix.Profiles))
	for _, e := range ix.Profiles {
		referenced[e.Snapshot+payloadExt] = true
	}

	dir := filepath.Join(s.home, snapshotsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, de := range entries {
		if referenced[de.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, de.Name())); err == nil {
			s.log.Debug().Str("file", de.Name()).Msg("Removed orphaned payload")
		}
	}

	if scratch, err := os.ReadDir(s.tmpDir()); err == nil {
		for _, de := range scratch {
			os.RemoveAll(filepath.Join(s.tmpDir(), de.Name()))
		}
	}
}

// hasPendingWAL reports whether the live database has writes that were not
// checkpointed into the main file yet.
func hasPendingWAL(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, live.DatabaseFile+"-wal"))
	return err == nil && info.Size() > 0
}

func sameFiles(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// change tracks payloads written and superseded by one operation.
type change struct {
	published  []string
	superseded []string
}

// abort removes payloads that never became reachable.
func (s *Store) abort(c *change) {
	for _, id := range c.published {
		os.Remove(s.payloadPath(id))
	}
}

// commit removes payloads that are no longer reachable.
func (s *Store) commit(c *change) {
	for _, id := range c.superseded {
		if err := os.Remove(s.payloadPath(id)); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("snapshot", id).Msg("Failed to remove superseded payload; it will be swept later")
		}
	}
}

// publish encodes the live files in dir into a new payload and returns its
// ID and digest. The payload is written under tmp/ and renamed into
// snapshots/.
func (s *Store) publish(dir string) (string, string, error) {
	id := ulid.Make().String()
	scratch := filepath.Join(s.tmpDir(), id+payloadExt)

	var digest string
	err := fsutil.WriteAtomic(scratch, 0o600, func(w io.Writer) error {
		var err error
		digest, _, err = snapshot.Encode(w, dir, live.Files())
		return err
	})
	if err != nil {
		return "", "", serrors.IO("write snapshot", "", err)
	}
	if err := os.Rename(scratch, s.payloadPath(id)); err != nil {
		os.Remove(scratch)
		return "", "", serrors.IO("write snapshot", "", err)
	}
	fsutil.SyncDir(filepath.Join(s.home, snapshotsDir))
	return id, digest, nil
}

// captured is the live state copied into a stage directory.
type captured struct {
	stage  string
	email  string
	hashes map[string]string
}

func (s *Store) capture(ctx context.Context) (*captured, error) {
	stage, err := s.live.Stage()
	if err != nil {
		return nil, err
	}
	hashes, err := s.live.Capture(ctx, stage)
	if err != nil {
		os.RemoveAll(stage)
		return nil, err
	}
	return &captured{stage: stage, email: live.ReadIdentity(stage).Email, hashes: hashes}, nil
}

// storeCaptured publishes got as the payload of name, creating or replacing
// its entry. The index is not saved.
func (s *Store) storeCaptured(ix *Index, name string, got *captured, c *change) error {
	id, digest, err := s.publish(got.stage)
	if err != nil {
		return err
	}
	c.published = append(c.published, id)

	now := s.now().UTC()
	entry := &Entry{
		Email:      got.email,
		CreatedAt:  now,
		LastActive: &now,
		Snapshot:   id,
		Digest:     digest,
		Files:      got.hashes,
	}
	if old, ok := ix.Get(name); ok {
		entry.CreatedAt = old.CreatedAt
		entry.LastActive = old.LastActive
		c.superseded = append(c.superseded, old.Snapshot)
	}
	ix.Put(name, entry)
	return nil
}

// Status is the outcome of Store.Status.
type Status struct {
	CurrentProfile *string `json:"current_profile"`
	CurrentEmail   string  `json:"current_email"`
}

// Status reports the current profile, or nil when the live state is
// unmanaged, together with the logged-in email.
func (s *Store) Status(ctx context.Context) (*Status, error) {
	var st Status
	err := s.withLock(ctx, func(ix *Index) error {
		if e, ok := ix.Get(ix.Current); ok && ix.Current != "" {
			name := ix.Current
			st.CurrentProfile = &name
			st.CurrentEmail = e.Email
			return nil
		}
		st.CurrentEmail = s.live.ReadIdentitySummary().Email
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// List returns every profile sorted by name.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := s.withLock(ctx, func(ix *Index) error {
		out = ix.List()
		return nil
	})
	return out, err
}

// Save captures the live state as name, replacing any profile of that name,
// and makes it the current profile.
func (s *Store) Save(ctx context.Context, name string) (*Summary, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	var saved Summary
	err := s.withLock(ctx, func(ix *Index) error {
		got, err := s.capture(ctx)
		if err != nil {
			return wrapOp(err, "save", name)
		}
		defer os.RemoveAll(got.stage)

		c := &change{}
		if err := s.storeCaptured(ix, name, got, c); err != nil {
			return wrapOp(err, "save", name)
		}
		now := s.now().UTC()
		ix.Profiles[name].LastActive = &now
		ix.Current = name

		if err := s.index.Save(ix); err != nil {
			s.abort(c)
			return wrapOp(err, "save", name)
		}
		s.commit(c)

		saved = summaryOf(ix, name)
		s.log.Info().Str("profile", name).Str("email", got.email).Msg("Saved profile")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// SwitchOptions tunes Switch.
type SwitchOptions struct {
	// BackupName saves an unmanaged live state under this name before it is
	// replaced. Ignored when the live state belongs to a tracked profile.
	BackupName string
	// NewMachineID gives the installed profile fresh machine identifiers.
	NewMachineID bool
}

// Switch installs the snapshot of name as the live state.
//
// When the live state belongs to a tracked profile and has changed since it
// was captured, the changes are saved back into that profile first. Changes
// to an unmanaged live state are discarded unless opts.BackupName is set.
func (s *Store) Switch(ctx context.Context, name string, opts SwitchOptions) (*Summary, error) {
	if opts.BackupName != "" {
		if err := ValidateName(opts.BackupName); err != nil {
			return nil, err
		}
		if opts.BackupName == name {
			return nil, serrors.Newf(serrors.KindInvalidName, "switch", name,
				"backup name must differ from the profile being switched to")
		}
	}

	var switched Summary
	err := s.withLock(ctx, func(ix *Index) error {
		target, ok := ix.Get(name)
		if !ok {
			return serrors.New(serrors.KindNotFound, "switch", name, nil)
		}

		orig := ix.Clone()
		c := &change{}
		fail := func(err error) error {
			s.abort(c)
			if saveErr := s.index.Save(orig); saveErr != nil {
				s.log.Error().Err(saveErr).Msg("Failed to restore index after aborted switch")
			}
			return wrapOp(err, "switch", name)
		}

		if err := s.preserveOutgoing(ctx, ix, name, opts.BackupName, c); err != nil {
			s.abort(c)
			return wrapOp(err, "switch", name)
		}
		// storeCaptured may have replaced the target's entry when it is
		// also the current profile.
		target, _ = ix.Get(name)

		stage, err := s.live.Stage()
		if err != nil {
			s.abort(c)
			return wrapOp(err, "switch", name)
		}
		if _, err := snapshot.DecodeFile(s.payloadPath(target.Snapshot), target.Digest, stage); err != nil {
			os.RemoveAll(stage)
			s.abort(c)
			return wrapOp(err, "switch", name)
		}

		ix.Pending = &Pending{Profile: name, Previous: ix.Current, Started: s.now().UTC()}
		if err := s.index.Save(ix); err != nil {
			os.RemoveAll(stage)
			return fail(err)
		}

		if err := s.live.Apply(ctx, stage); err != nil {
			os.RemoveAll(stage)
			return fail(err)
		}

		now := s.now().UTC()
		target.LastActive = &now
		ix.Current = name
		ix.Pending = nil
		if err := s.index.Save(ix); err != nil {
			// The live files already hold the target; the pending record
			// lets the next run settle current.
			return wrapOp(err, "switch", name)
		}
		s.commit(c)

		s.log.Info().Str("profile", name).Str("email", target.Email).Msg("Switched profile")

		if opts.NewMachineID {
			if err := s.live.RegenerateMachineIDs(ctx); err != nil {
				return wrapOp(fmt.Errorf("switched, but regenerating machine ids failed: %w", err), "switch", name)
			}
		}

		switched = summaryOf(ix, name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &switched, nil
}

// preserveOutgoing saves the live state about to be replaced when it is
// worth keeping.
func (s *Store) preserveOutgoing(ctx context.Context, ix *Index, target, backup string, c *change) error {
	if ix.Current == "" {
		if backup == "" {
			s.log.Debug().Msg("Live state is unmanaged; discarding it")
			return nil
		}
		got, err := s.capture(ctx)
		if err != nil {
			return err
		}
		defer os.RemoveAll(got.stage)
		if err := s.storeCaptured(ix, backup, got, c); err != nil {
			return err
		}
		s.log.Info().Str("profile", backup).Str("email", got.email).Msg("Backed up unmanaged live state")
		return nil
	}

	current, _ := ix.Get(ix.Current)
	hashes, err := live.HashFiles(s.live.Dir(), live.Files())
	if err != nil {
		// Nothing to save back; the live files will be replaced as a whole.
		s.log.Debug().Err(err).Msg("Live state incomplete; skipping save-back")
		return nil
	}
	if sameFiles(hashes, current.Files) && !hasPendingWAL(s.live.Dir()) {
		return nil
	}

	got, err := s.capture(ctx)
	if err != nil {
		return err
	}
	defer os.RemoveAll(got.stage)

	if got.email != current.Email && current.Email != live.UnknownEmail {
		s.log.Warn().Str("profile", ix.Current).Str("live_email", got.email).
			Msg("Live state belongs to a different account than the current profile; not saving it back")
		return nil
	}
	if err := s.storeCaptured(ix, ix.Current, got, c); err != nil {
		return err
	}
	s.log.Info().Str("profile", ix.Current).Str("next", target).Msg("Saved live changes back into current profile")
	return nil
}

// Reset logs the application out with fresh machine identifiers. The store
// becomes unmanaged; profiles are untouched.
func (s *Store) Reset(ctx context.Context) error {
	return s.withLock(ctx, func(ix *Index) error {
		if err := s.live.Check(); err != nil {
			return wrapOp(err, "reset", "")
		}

		ix.Pending = &Pending{Previous: ix.Current, Started: s.now().UTC()}
		if err := s.index.Save(ix); err != nil {
			return wrapOp(err, "reset", "")
		}

		resetErr := s.live.Reset(ctx)
		if resetErr == nil {
			ix.Current = ""
		}
		ix.Pending = nil
		if err := s.index.Save(ix); err != nil {
			return wrapOp(err, "reset", "")
		}
		if resetErr != nil {
			return wrapOp(resetErr, "reset", "")
		}
		s.log.Info().Msg("Reset live state")
		return nil
	})
}

// Delete removes one profile. The live state is not touched; deleting the
// current profile leaves the store unmanaged.
func (s *Store) Delete(ctx context.Context, name string) error {
	return s.withLock(ctx, func(ix *Index) error {
		return s.deleteLocked(ix, name)
	})
}

// DeleteResult is the outcome for one name passed to DeleteMany.
type DeleteResult struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

// DeleteMany deletes each name in order under a single lock hold. The
// returned error covers only failures to run at all; per-name failures are
// in the results.
func (s *Store) DeleteMany(ctx context.Context, names []string) ([]DeleteResult, error) {
	return s.deleteAll(ctx, func(*Index) ([]string, error) { return names, nil })
}

// DeleteMatching is DeleteMany over names plus every profile matching one
// of the wildcard patterns. Patterns are resolved under the same lock hold
// as the deletes. It fails with NotFound when no names are given and no
// profile matches.
func (s *Store) DeleteMatching(ctx context.Context, names, patterns []string) ([]DeleteResult, error) {
	return s.deleteAll(ctx, func(ix *Index) ([]string, error) {
		matched := MatchNames(ix.Names(), patterns)
		if len(matched) == 0 && len(names) == 0 {
			return nil, serrors.Newf(serrors.KindNotFound, "delete", "", "no profile matches %s", quoteNames(patterns))
		}
		return appendUnique(append([]string(nil), names...), matched...), nil
	})
}

func (s *Store) deleteAll(ctx context.Context, resolve func(ix *Index) ([]string, error)) ([]DeleteResult, error) {
	var results []DeleteResult
	err := s.withLock(ctx, func(ix *Index) error {
		names, err := resolve(ix)
		if err != nil {
			return err
		}
		results = make([]DeleteResult, 0, len(names))
		for _, name := range names {
			results = append(results, DeleteResult{Name: name, Err: s.deleteLocked(ix, name)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var failed []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Name)
		}
	}
	if len(failed) > 0 {
		s.log.Warn().Msgf("Could not delete %s", quoteNames(failed))
	}
	return results, nil
}

func (s *Store) deleteLocked(ix *Index, name string) error {
	wasCurrent := ix.Current == name
	entry, ok := ix.Remove(name)
	if !ok {
		return serrors.New(serrors.KindNotFound, "delete", name, nil)
	}
	if err := s.index.Save(ix); err != nil {
		ix.Put(name, entry)
		if wasCurrent {
			ix.Current = name
		}
		return wrapOp(err, "delete", name)
	}
	s.commit(&change{superseded: []string{entry.Snapshot}})
	s.log.Info().Str("profile", name).Msg("Deleted profile")
	return nil
}

// Rename changes a profile's name, following the current pointer.
func (s *Store) Rename(ctx context.Context, oldName, newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}
	return s.withLock(ctx, func(ix *Index) error {
		if err := ix.Rename(oldName, newName); err != nil {
			return err
		}
		if err := s.index.Save(ix); err != nil {
			return wrapOp(err, "rename", oldName)
		}
		s.log.Info().Str("from", oldName).Str("to", newName).Msg("Renamed profile")
		return nil
	})
}

// VerifyResult is the integrity outcome of one stored payload.
type VerifyResult struct {
	Name  string
	Files int
	Err   error
}

// Verify decodes every payload and checks its digest and per-file hashes.
func (s *Store) Verify(ctx context.Context) ([]VerifyResult, error) {
	var results []VerifyResult
	err := s.withLock(ctx, func(ix *Index) error {
		for _, name := range ix.Names() {
			e := ix.Profiles[name]
			m, err := snapshot.DecodeFile(s.payloadPath(e.Snapshot), e.Digest, "")
			r := VerifyResult{Name: name}
			if err != nil {
				r.Err = wrapOp(err, "verify", name)
			} else {
				r.Files = len(m.Files)
				if len(e.Files) > 0 && !sameFiles(m.Hashes(), e.Files) {
					r.Err = serrors.Newf(serrors.KindCorruptSnapshot, "verify", name,
						"payload does not match the recorded file hashes")
				}
			}
			results = append(results, r)
		}
		return nil
	})
	return results, err
}

func summaryOf(ix *Index, name string) Summary {
	for _, sum := range ix.List() {
		if sum.Name == name {
			return sum
		}
	}
	return Summary{Name: name}
}

// wrapOp attaches the operation and profile name to a categorized error
// raised by a lower layer.
func wrapOp(err error, op, name string) error {
	if err == nil {
		return nil
	}
	var e *serrors.Error
	if errors.As(err, &e) {
		if e.Op == op && e.Name == name {
			return err
		}
		return serrors.New(e.Kind, op, name, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return serrors.New(serrors.KindIO, op, name, err)
}

// SortByRecent orders summaries by last activity, most recent first; never
// used profiles go last in name order.
func SortByRecent(list []Summary) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].LastActive, list[j].LastActive
		switch {
		case a == nil || b == nil:
			return a != nil
		case a.Equal(*b):
			return false
		default:
			return a.After(*b)
		}
	})
}
