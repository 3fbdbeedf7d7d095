package backend

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/harlowlabs/gitcore/ginternals/object"
)

// ErrReflogMessageInvalid is returned when a reflog message contains a
// raw newline, which would corrupt the line-oriented log format.
var ErrReflogMessageInvalid = errors.New("reflog message cannot contain a newline")

// ReflogEntry represents one line appended to a reference's reflog:
// "<old> SP <new> SP <signature> [TAB <message>] LF"
type ReflogEntry struct {
	Old       githash.Oid
	New       githash.Oid
	Signature object.Signature
	Message   string
}

// AppendReflog appends one entry to the reflog of the given ref name.
// Parent directories are created automatically when the ref's
// Category auto-creates a reflog (refs/heads/*, refs/remotes/*,
// refs/notes/*, refs/worktree/*, HEAD) or forceCreate is set.
func (b *FSBackend) AppendReflog(name string, entry ReflogEntry, forceCreate bool) error {
	if strings.ContainsAny(entry.Message, "\n\r") {
		return ErrReflogMessageInvalid
	}

	cat, _ := ginternals.CategorizeRef(name)
	if !forceCreate && !ginternals.AutoCreatesReflog(cat, name) {
		return nil
	}

	p := ginternals.ReflogPath(b.config, name)
	dir := filepath.Dir(p)
	if err := b.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create reflog directory %s: %w", dir, err)
	}

	f, err := b.fs.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("could not open reflog %s: %w", p, err)
	}
	defer f.Close() //nolint:errcheck // best effort on a write we already flushed

	line := fmt.Sprintf("%s %s %s", entry.Old.String(), entry.New.String(), entry.Signature.String())
	if entry.Message != "" {
		line += "\t" + entry.Message
	}
	line += "\n"

	if _, err = f.Write([]byte(line)); err != nil {
		return fmt.Errorf("could not append to reflog %s: %w", p, err)
	}
	return nil
}

// WalkReflog reads the reflog of the given ref forward (oldest entry
// first) and calls f for each entry. It stops at the first error f
// returns (WalkStop stops iteration without propagating an error).
func (b *FSBackend) WalkReflog(name string, f func(ReflogEntry) error) error {
	p := ginternals.ReflogPath(b.config, name)
	file, err := b.fs.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("could not open reflog %s: %w", p, err)
	}
	defer file.Close() //nolint:errcheck // read-only handle

	sc := bufio.NewScanner(file)
	for sc.Scan() {
		entry, err := parseReflogLine(sc.Bytes(), b.hash)
		if err != nil {
			return fmt.Errorf("could not parse reflog %s: %w", p, err)
		}
		if err = f(entry); err != nil {
			if err == WalkStop { //nolint:errorlint,goerr113 // fake error, no need for errors.Is
				return nil
			}
			return err
		}
	}
	if sc.Err() != nil {
		return fmt.Errorf("could not read reflog %s: %w", p, sc.Err())
	}
	return nil
}

// WalkReflogReverse reads the reflog of the given ref from the most
// recent entry to the oldest, reading the file in fixed-size chunks
// from the tail rather than loading it whole. Grounded on gix-ref's
// reverse reflog iterator (SPEC_FULL.md §12): a cursor walks backward
// in chunkSize-byte windows, growing the window leftward whenever a
// line spans a chunk boundary.
func (b *FSBackend) WalkReflogReverse(name string, f func(ReflogEntry) error) error {
	const chunkSize = 4096

	p := ginternals.ReflogPath(b.config, name)
	file, err := b.fs.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("could not open reflog %s: %w", p, err)
	}
	defer file.Close() //nolint:errcheck // read-only handle

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("could not stat reflog %s: %w", p, err)
	}

	var pending []byte // bytes read so far that don't yet form a complete trailing line
	pos := info.Size()

	for pos > 0 {
		readSize := int64(chunkSize)
		if readSize > pos {
			readSize = pos
		}
		pos -= readSize

		buf := make([]byte, readSize)
		if _, err = file.ReadAt(buf, pos); err != nil {
			return fmt.Errorf("could not read reflog %s at offset %d: %w", p, pos, err)
		}
		pending = append(buf, pending...)

		for {
			idx := bytes.LastIndexByte(pending, '\n')
			if idx < 0 {
				// No full line yet unless we're at the start of the file,
				// in which case whatever remains is the first line.
				if pos == 0 && len(pending) > 0 {
					entry, perr := parseReflogLine(pending, b.hash)
					if perr != nil {
						return fmt.Errorf("could not parse reflog %s: %w", p, perr)
					}
					pending = nil
					if err = f(entry); err != nil {
						if err == WalkStop { //nolint:errorlint,goerr113 // fake error
							return nil
						}
						return err
					}
				}
				break
			}
			// idx+1 is the start of the (possibly last, trailing-LF-stripped)
			// line; anything after idx is a complete line we can emit.
			line := pending[idx+1:]
			pending = pending[:idx]
			if len(line) == 0 {
				continue
			}
			entry, perr := parseReflogLine(line, b.hash)
			if perr != nil {
				return fmt.Errorf("could not parse reflog %s: %w", p, perr)
			}
			if err = f(entry); err != nil {
				if err == WalkStop { //nolint:errorlint,goerr113 // fake error
					return nil
				}
				return err
			}
		}
	}
	return nil
}

func parseReflogLine(line []byte, hash githash.Hash) (ReflogEntry, error) {
	var entry ReflogEntry

	oldHex, rest, ok := cutSpace(line)
	if !ok {
		return entry, fmt.Errorf("missing old oid: %w", ginternals.ErrRefInvalid)
	}
	newHex, rest, ok := cutSpace(rest)
	if !ok {
		return entry, fmt.Errorf("missing new oid: %w", ginternals.ErrRefInvalid)
	}

	var message string
	sigBytes := rest
	if i := bytes.IndexByte(rest, '\t'); i >= 0 {
		sigBytes = rest[:i]
		message = string(rest[i+1:])
	}

	old, err := hash.ConvertFromChars(oldHex)
	if err != nil {
		return entry, fmt.Errorf("invalid old oid %q: %w", oldHex, err)
	}
	newOid, err := hash.ConvertFromChars(newHex)
	if err != nil {
		return entry, fmt.Errorf("invalid new oid %q: %w", newHex, err)
	}
	sig, err := object.NewSignatureFromBytes(sigBytes)
	if err != nil {
		return entry, fmt.Errorf("invalid signature: %w", err)
	}

	entry.Old = old
	entry.New = newOid
	entry.Signature = sig
	entry.Message = message
	return entry, nil
}

// cutSpace splits b at the first space, returning (before, after, ok).
func cutSpace(b []byte) (before, after []byte, ok bool) {
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return nil, nil, false
	}
	return b[:i], b[i+1:], true
}

// LatestReflogEntry returns the most recent reflog entry for name,
// i.e. the entry a "@{0}" reflog selector would resolve to. The
// second return value is false if the ref has no reflog (or an empty
// one).
func (b *FSBackend) LatestReflogEntry(name string) (ReflogEntry, bool, error) {
	var latest ReflogEntry
	found := false
	err := b.WalkReflogReverse(name, func(e ReflogEntry) error {
		latest = e
		found = true
		return WalkStop
	})
	if err != nil {
		return ReflogEntry{}, false, err
	}
	return latest, found, nil
}
