package backend

import (
	"fmt"
	"sync"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/ginternals/config"
	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/harlowlabs/gitcore/ginternals/packfile"
	"github.com/harlowlabs/gitcore/internal/cache"
	"github.com/harlowlabs/gitcore/internal/syncutil"
	"github.com/spf13/afero"
)

// defaultObjectCacheSize is the amount of objects we keep in memory to
// avoid re-reading and re-inflating them from disk.
const defaultObjectCacheSize = 5000

// defaultMutexShardCount is the amount of locks used by objectMu to
// serialize access to a given object without serializing access to
// the whole odb.
const defaultMutexShardCount = 256

// FSBackend is a Backend implementation that stores its data on a
// filesystem, using the same on-disk layout as the git CLI
// (loose objects under objects/, packfiles under objects/pack, refs
// under refs/ and packed-refs).
type FSBackend struct {
	fs     afero.Fs
	hash   githash.Hash
	config *config.Config

	// refs maps a reference name to its raw (un-resolved) on-disk
	// content.
	refs sync.Map

	// packedRefsMu guards packedRefsVal, the parsed, binary-searchable
	// view of the packed-refs file (C12), rebuilt whenever loadRefs or
	// a transaction commit runs. The pointer is replaced wholesale
	// rather than mutated in place so that readers mid-walk keep
	// observing a consistent snapshot (spec §5's copy-on-write policy).
	packedRefsMu  sync.RWMutex
	packedRefsVal *ginternals.PackedRefs

	// objectMu shards locking by oid so unrelated objects can be
	// read/written concurrently.
	objectMu *syncutil.NamedMutex
	cache    *cache.LRU

	// looseObjects keeps track of which oid exists as a loose object on
	// disk, without holding their content in memory.
	looseObjects sync.Map
	packfiles    map[githash.Oid]*packfile.Pack
	packsByName  map[string]*packfile.Pack

	// midx is the repository's multi-pack-index, if it has one.
	// midxPacks maps a MultiIndexEntry.PackID to the matching entry
	// of packfiles. Both are nil when no usable multi-pack-index
	// exists, in which case lookups scan every pack's own index.
	midx      *packfile.MultiIndex
	midxPacks []*packfile.Pack

	// cgState backs the lazily-loaded commit-graph acceleration used
	// by traversal (C14).
	cgState
}

// we make sure the struct implements the interface
var _ Backend = (*FSBackend)(nil)

// NewFS returns a new Backend that persists its data on the provided
// config's filesystem.
// This method browses the odb and the refs so it may be slow on large
// repositories.
func NewFS(cfg *config.Config) (b *FSBackend, err error) {
	b = &FSBackend{
		fs:          cfg.FS,
		hash:        githash.NewSHA1(),
		config:      cfg,
		objectMu:    syncutil.NewNamedMutex(defaultMutexShardCount),
		packfiles:   map[githash.Oid]*packfile.Pack{},
		packsByName: map[string]*packfile.Pack{},
	}

	if b.cache, err = cache.NewLRU(defaultObjectCacheSize); err != nil {
		return nil, fmt.Errorf("could not create object cache: %w", err)
	}
	if err = b.loadConfig(); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	if err = b.loadRefs(); err != nil {
		return nil, fmt.Errorf("could not load references: %w", err)
	}
	if err = b.loadPacks(); err != nil {
		return nil, fmt.Errorf("could not load packfiles: %w", err)
	}
	if err = b.loadLooseObject(); err != nil {
		return nil, fmt.Errorf("could not load loose objects: %w", err)
	}

	return b, nil
}

// Path returns the path of the .git directory
func (b *FSBackend) Path() string {
	return b.config.GitDirPath
}

// ObjectsPath returns the path to the directory containing the odb
func (b *FSBackend) ObjectsPath() string {
	return b.config.ObjectDirPath
}

// Close closes all the packfiles that may be opened, along with the
// commit-graph's backing handle if traversal ever loaded one.
func (b *FSBackend) Close() (err error) {
	for _, pack := range b.packfiles {
		if closeErr := pack.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	if closeErr := b.closeCommitGraph(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// packedRefsSnapshot returns the currently loaded packed-refs view.
// It is never nil: loadRefs always installs at least an empty one.
func (b *FSBackend) packedRefsSnapshot() *ginternals.PackedRefs {
	b.packedRefsMu.RLock()
	defer b.packedRefsMu.RUnlock()
	return b.packedRefsVal
}

// setPackedRefs installs a new packed-refs snapshot, replacing the
// old one atomically so concurrent readers never observe a partially
// updated file.
func (b *FSBackend) setPackedRefs(pr *ginternals.PackedRefs) {
	b.packedRefsMu.Lock()
	defer b.packedRefsMu.Unlock()
	b.packedRefsVal = pr
}
