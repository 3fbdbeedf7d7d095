package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/afero"
)

// LockBackoff controls how a ref lock acquisition retries once the
// <ref>.lock file already exists, per spec §4.11/§5 ("a configurable
// backoff policy").
type LockBackoff = retry.Backoff

// ImmediateFailBackoff never retries: the first failed lock attempt
// fails the transaction right away.
func ImmediateFailBackoff() LockBackoff {
	b := retry.NewConstant(time.Millisecond)
	return retry.WithMaxRetries(0, b)
}

// FailAfterAttemptsBackoff retries up to maxAttempts times with a
// constant delay between attempts.
func FailAfterAttemptsBackoff(maxAttempts uint64, delay time.Duration) LockBackoff {
	b := retry.NewConstant(delay)
	return retry.WithMaxRetries(maxAttempts, b)
}

// DefaultLockBackoff is used by NewTransaction when the caller
// doesn't select a policy explicitly: up to 10 retries, 10ms apart.
func DefaultLockBackoff() LockBackoff {
	return FailAfterAttemptsBackoff(10, 10*time.Millisecond)
}

// Transaction is a batch of reference edits applied with the
// prepare/commit discipline of spec §4.11 (C13): every edit locks its
// target ref file, the batch is validated against its preconditions,
// then every lock is committed via an atomic rename.
type Transaction struct {
	b         *FSBackend
	edits     []ginternals.RefEdit
	backoff   LockBackoff
	timeout   time.Duration
	committed bool
}

// NewTransaction starts a new, empty Transaction against this backend.
func (b *FSBackend) NewTransaction() *Transaction {
	return &Transaction{b: b, backoff: DefaultLockBackoff()}
}

// WithBackoff overrides the lock-acquisition retry policy.
func (t *Transaction) WithBackoff(backoff LockBackoff) *Transaction {
	t.backoff = backoff
	return t
}

// WithTimeout bounds the total time spent retrying any single lock
// acquisition ("fail-after-duration" from spec §5). Zero means no
// bound beyond the backoff policy's own retry count.
func (t *Transaction) WithTimeout(d time.Duration) *Transaction {
	t.timeout = d
	return t
}

// AddEdit appends an edit to the transaction's batch. It is an error
// to call this after Commit has run.
func (t *Transaction) AddEdit(e ginternals.RefEdit) error {
	if t.committed {
		return ginternals.ErrWriteAfterFinalize
	}
	t.edits = append(t.edits, e)
	return nil
}

type preparedEdit struct {
	edit         ginternals.RefEdit
	finalName    string
	logOnlyNames []string
	lockFile     afero.File
	lockPath     string
	oldTarget    ginternals.Target
	oldExists    bool
}

// Commit runs the prepare phase (acquire+validate every edit's lock)
// then the commit phase (write+rename every lock in edit order),
// exactly as spec §4.11 describes. A prepare-phase failure releases
// every lock acquired so far and performs no writes; a commit-phase
// failure may leave partial state, which is the documented
// non-atomicity across multiple refs (spec §7).
func (t *Transaction) Commit() (err error) {
	if t.committed {
		return ginternals.ErrWriteAfterFinalize
	}
	t.committed = true

	preps := make([]*preparedEdit, 0, len(t.edits))
	releaseAll := func() {
		for _, p := range preps {
			if p.lockFile != nil {
				_ = p.lockFile.Close()
				_ = t.b.fs.Remove(p.lockPath)
			}
		}
	}

	for _, e := range t.edits {
		finalName := e.Name
		var logOnly []string
		if e.Deref {
			chain, fn, cerr := t.b.symbolicChain(e.Name, 0)
			if cerr != nil {
				releaseAll()
				return cerr
			}
			logOnly = chain
			finalName = fn
		}
		if !ginternals.IsRefNameValid(finalName) {
			releaseAll()
			return fmt.Errorf(`ref "%s": %w`, finalName, ginternals.ErrRefNameInvalid)
		}

		lockPath := t.b.systemPath(finalName) + ".lock"
		if mkErr := t.b.fs.MkdirAll(filepath.Dir(lockPath), 0o755); mkErr != nil {
			releaseAll()
			return fmt.Errorf(`could not prepare ref "%s": %w`, finalName, mkErr)
		}
		lf, lerr := t.acquireLock(lockPath)
		if lerr != nil {
			releaseAll()
			return lerr
		}

		oldTarget, exists, rerr := t.b.currentTarget(finalName)
		if rerr != nil {
			_ = lf.Close()
			_ = t.b.fs.Remove(lockPath)
			releaseAll()
			return rerr
		}

		if verr := checkExpected(e.Change.Expected, exists, oldTarget); verr != nil {
			_ = lf.Close()
			_ = t.b.fs.Remove(lockPath)
			releaseAll()
			return fmt.Errorf(`ref "%s": %w`, finalName, verr)
		}

		preps = append(preps, &preparedEdit{
			edit:         e,
			finalName:    finalName,
			logOnlyNames: logOnly,
			lockFile:     lf,
			lockPath:     lockPath,
			oldTarget:    oldTarget,
			oldExists:    exists,
		})
	}

	deleted := map[string]struct{}{}
	for _, p := range preps {
		switch p.edit.Change.Kind {
		case ginternals.ChangeUpdate:
			if cerr := t.commitUpdate(p); cerr != nil {
				return cerr
			}
		case ginternals.ChangeDelete:
			if cerr := t.commitDelete(p); cerr != nil {
				return cerr
			}
			deleted[p.finalName] = struct{}{}
		default:
			return fmt.Errorf(`ref "%s": %w`, p.finalName, ginternals.ErrUnknownRefType)
		}
	}

	// The packed-refs transaction commits last: in every failure
	// window up to this point the live (loose) ref set is a superset
	// of what's committed to packed-refs, never a subset (spec §4.11
	// step 4).
	if len(deleted) > 0 {
		if perr := t.b.removeFromPackedRefs(deleted); perr != nil {
			return perr
		}
	}

	return nil
}

func (t *Transaction) commitUpdate(p *preparedEdit) error {
	newTarget := p.edit.Change.New
	var content string
	switch newTarget.Kind {
	case ginternals.TargetPeeled:
		content = newTarget.Oid.String() + "\n"
	case ginternals.TargetSymbolic:
		content = "ref: " + newTarget.RefName + "\n"
	default:
		return fmt.Errorf(`ref "%s": unknown target kind %d: %w`, p.finalName, newTarget.Kind, ginternals.ErrUnknownRefType)
	}

	if _, werr := p.lockFile.WriteString(content); werr != nil {
		_ = p.lockFile.Close()
		_ = t.b.fs.Remove(p.lockPath)
		return fmt.Errorf(`could not write ref "%s": %w`, p.finalName, werr)
	}
	if cerr := p.lockFile.Close(); cerr != nil {
		_ = t.b.fs.Remove(p.lockPath)
		return fmt.Errorf(`could not close lock for ref "%s": %w`, p.finalName, cerr)
	}
	path := t.b.systemPath(p.finalName)
	if rerr := t.b.fs.Rename(p.lockPath, path); rerr != nil {
		_ = t.b.fs.Remove(p.lockPath)
		return fmt.Errorf(`could not commit ref "%s": %w`, p.finalName, rerr)
	}
	t.b.refs.Store(p.finalName, []byte(content))

	// Per the Open Question decision recorded in DESIGN.md/SPEC_FULL.md
	// §13: the rename is not rolled back if a reflog write below
	// fails; the error is reported with the ref's full name and the
	// ref keeps its new state.
	if newTarget.Kind == ginternals.TargetPeeled && !p.edit.Change.Log.NoLog {
		var oldOid githash.Oid
		if p.oldTarget.Kind == ginternals.TargetPeeled {
			oldOid = p.oldTarget.Oid
		}
		// A no-op update gets no reflog line: the entry is only
		// written when the value actually changes.
		if oldOid != nil && oldOid.String() == newTarget.Oid.String() {
			return nil
		}
		if lerr := t.writeReflogFor(p.finalName, oldOid, newTarget.Oid, p.edit.Change.Log); lerr != nil {
			return fmt.Errorf(`ref "%s" updated but reflog failed: %w`, p.finalName, lerr)
		}
		for _, sym := range p.logOnlyNames {
			if lerr := t.writeReflogFor(sym, oldOid, newTarget.Oid, p.edit.Change.Log); lerr != nil {
				return fmt.Errorf(`ref "%s" updated but reflog for "%s" failed: %w`, p.finalName, sym, lerr)
			}
		}
	}
	return nil
}

func (t *Transaction) commitDelete(p *preparedEdit) error {
	if cerr := p.lockFile.Close(); cerr != nil {
		_ = t.b.fs.Remove(p.lockPath)
		return fmt.Errorf(`could not close lock for ref "%s": %w`, p.finalName, cerr)
	}
	path := t.b.systemPath(p.finalName)
	if rerr := t.b.fs.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		_ = t.b.fs.Remove(p.lockPath)
		return fmt.Errorf(`could not delete ref "%s": %w`, p.finalName, rerr)
	}
	_ = t.b.fs.Remove(p.lockPath)
	t.b.refs.Delete(p.finalName)
	t.b.removeEmptyParents(path)
	return nil
}

// acquireLock creates <path> exclusively, retrying per the
// transaction's backoff policy whenever it's already locked by
// another writer. Grounded on the create-exclusive-then-rename lock
// idiom SPEC_FULL.md §12 traces to the pack's own ref stores.
func (t *Transaction) acquireLock(path string) (afero.File, error) {
	ctx := context.Background()
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var f afero.File
	err := retry.Do(ctx, t.backoff, func(_ context.Context) error {
		var oerr error
		f, oerr = t.b.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if oerr != nil {
			if errors.Is(oerr, os.ErrExist) {
				return retry.RetryableError(oerr)
			}
			return oerr
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf(`could not acquire lock "%s": %w`, path, err)
	}
	return f, nil
}

func (t *Transaction) writeReflogFor(name string, oldOid, newOid githash.Oid, log ginternals.LogChange) error {
	old := oldOid
	if old == nil {
		old = t.b.hash.NullOid()
	}
	entry := ReflogEntry{
		Old:       old,
		New:       newOid,
		Signature: log.Signature,
		Message:   log.Message,
	}
	return t.b.AppendReflog(name, entry, log.ForceCreate)
}

// rawRef returns the raw on-disk content for name as currently held
// in memory, without resolving a symbolic chain.
func (b *FSBackend) rawRef(name string) ([]byte, bool) {
	v, ok := b.refs.Load(name)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// symbolicChain follows name's symbolic chain one level at a time,
// returning every symbolic ref name visited (in order) and the final,
// non-symbolic name the chain resolves to. The final name need not
// currently exist: a transaction may be creating it. Bounded depth
// and cycle detection mirror PeelReference.
func (b *FSBackend) symbolicChain(name string, maxIndirections int) (chain []string, finalName string, err error) {
	if maxIndirections <= 0 {
		maxIndirections = DefaultMaxIndirections
	}
	visited := map[string]struct{}{}
	cur := name
	for i := 0; ; i++ {
		if i > maxIndirections {
			return nil, "", fmt.Errorf(`ref "%s": %w`, name, ErrTooManyIndirections)
		}
		if _, seen := visited[cur]; seen {
			return nil, "", fmt.Errorf(`ref "%s": %w`, name, ErrCycleDetected)
		}
		visited[cur] = struct{}{}

		raw, ok := b.rawRef(cur)
		if !ok {
			return chain, cur, nil
		}
		trimmed := bytes.TrimSpace(raw)
		if bytes.HasPrefix(trimmed, []byte("ref: ")) {
			chain = append(chain, cur)
			cur = string(trimmed[5:])
			continue
		}
		return chain, cur, nil
	}
}

// currentTarget reads name's current value without following a
// symbolic chain, checking the loose refs map first and falling back
// to the packed-refs snapshot.
func (b *FSBackend) currentTarget(name string) (ginternals.Target, bool, error) {
	raw, ok := b.rawRef(name)
	if !ok {
		if e, pok := b.packedRefsSnapshot().Find(name); pok {
			return ginternals.PeeledTarget(e.Target), true, nil
		}
		return ginternals.Target{}, false, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if bytes.HasPrefix(trimmed, []byte("ref: ")) {
		return ginternals.SymbolicTargetValue(string(trimmed[5:])), true, nil
	}
	oid, err := b.hash.ConvertFromChars(trimmed)
	if err != nil {
		return ginternals.Target{}, false, fmt.Errorf(`ref "%s": %w`, name, ginternals.ErrRefInvalid)
	}
	return ginternals.PeeledTarget(oid), true, nil
}

func checkExpected(pv ginternals.PreviousValue, exists bool, cur ginternals.Target) error {
	switch pv.Kind {
	case ginternals.PreviousAny:
		return nil
	case ginternals.PreviousMustNotExist:
		if exists {
			return ginternals.ErrExpectedValueMismatch
		}
		return nil
	case ginternals.PreviousMustExist:
		if !exists {
			return ginternals.ErrExpectedValueMismatch
		}
		return nil
	case ginternals.PreviousExistingMustMatch:
		if !exists {
			return nil
		}
		if !targetsEqual(cur, pv.Target) {
			return ginternals.ErrExpectedValueMismatch
		}
		return nil
	case ginternals.PreviousMustExistAndMatch:
		if !exists || !targetsEqual(cur, pv.Target) {
			return ginternals.ErrExpectedValueMismatch
		}
		return nil
	default:
		return fmt.Errorf("unknown precondition kind %d", pv.Kind)
	}
}

func targetsEqual(a, b ginternals.Target) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case ginternals.TargetPeeled:
		return a.Oid != nil && b.Oid != nil && a.Oid.String() == b.Oid.String()
	case ginternals.TargetSymbolic:
		return a.RefName == b.RefName
	default:
		return false
	}
}

// removeEmptyParents removes dir's parent directories, walking
// upward, as long as each is empty and still under the repository
// root. Used after deleting a loose ref file (spec §4.11 step 3).
func (b *FSBackend) removeEmptyParents(path string) {
	root := filepath.Clean(b.Path())
	dir := filepath.Dir(path)
	for dir != root && strings.HasPrefix(dir, root) {
		entries, err := afero.ReadDir(b.fs, dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if rerr := b.fs.Remove(dir); rerr != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// removeFromPackedRefs drops the given ref names from the
// packed-refs file under its own lock, then installs the new snapshot.
// It is a no-op if none of the names are currently packed.
func (b *FSBackend) removeFromPackedRefs(names map[string]struct{}) error {
	snap := b.packedRefsSnapshot()
	present := false
	for n := range names {
		if _, ok := snap.Find(n); ok {
			present = true
			break
		}
	}
	if !present {
		return nil
	}

	path := ginternals.PackedRefsPath(b.config)
	lockPath := path + ".lock"
	lf, err := b.fs.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("could not acquire packed-refs lock: %w", err)
	}
	updated := snap.Remove(names)
	if _, werr := lf.Write(updated.Serialize()); werr != nil {
		_ = lf.Close()
		_ = b.fs.Remove(lockPath)
		return fmt.Errorf("could not write packed-refs: %w", werr)
	}
	if cerr := lf.Close(); cerr != nil {
		_ = b.fs.Remove(lockPath)
		return fmt.Errorf("could not close packed-refs lock: %w", cerr)
	}
	if rerr := b.fs.Rename(lockPath, path); rerr != nil {
		_ = b.fs.Remove(lockPath)
		return fmt.Errorf("could not commit packed-refs: %w", rerr)
	}
	b.setPackedRefs(updated)
	return nil
}
