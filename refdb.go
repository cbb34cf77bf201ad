// Copyright 2022 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

/*
Package refdb reads and writes Git references directly from a
repository directory, without running a Git subprocess. It covers the
reference naming layer only: loose ref files, the consolidated
packed-refs table, and symbolic references like HEAD. Object storage
is out of scope; the package treats object IDs as opaque values and
interoperates with gg-scm.io/pkg/git through the githash types.

Every mutation takes a per-reference lock file ("<name>.lock") and
commits by atomically renaming fully-written content into place, so
concurrent readers (including a racing git process) never observe a
partially written reference. Lock acquisition never blocks: a held
lock surfaces as an error wrapping ErrLocked that the caller may
retry.
*/
package refdb // import "gg-scm.io/pkg/refdb"

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gg-scm.io/pkg/git/githash"
)

// A Ref is a Git reference name, such as "HEAD" or "refs/heads/main".
type Ref = githash.Ref

// Top-level refs.
const (
	// Head names the commit on which the changes in the working tree
	// are based.
	Head = githash.Head

	// FetchHead records the branch which was fetched from a remote
	// repository with the last git fetch invocation.
	FetchHead = githash.FetchHead
)

// Kind enumerates the two kinds of reference values.
type Kind int

// Reference kinds.
const (
	// KindDirect is a reference that names an object directly.
	KindDirect Kind = iota
	// KindSymbolic is a reference whose value is the name of another
	// reference.
	KindSymbolic
)

// String returns the kind as a short lowercase word.
func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindSymbolic:
		return "symbolic"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Errors returned by store operations, matched with errors.Is.
// Failures of the underlying filesystem are returned as wrapped
// *os.PathError values instead.
var (
	// ErrInvalidName indicates a reference name that violates the
	// rules enforced by ValidateRef.
	ErrInvalidName = errors.New("invalid reference name")
	// ErrNotFound indicates that no loose or packed reference exists
	// for a name.
	ErrNotFound = errors.New("reference not found")
	// ErrExists indicates that a reference already occupies the name
	// given to a non-forced create or rename.
	ErrExists = errors.New("reference already exists")
	// ErrTypeMismatch indicates an update that would change a
	// reference from direct to symbolic or vice versa.
	ErrTypeMismatch = errors.New("reference type mismatch")
	// ErrStale indicates that the on-disk value no longer matches the
	// value the caller's handle observed. The caller should re-fetch
	// the reference and retry.
	ErrStale = errors.New("reference changed concurrently")
	// ErrLocked indicates that another writer holds a reference's lock
	// (or the store-wide lock). The caller may retry.
	ErrLocked = errors.New("reference is locked")
	// ErrTooManyRedirects indicates a symbolic chain longer than the
	// store's redirect limit. Cycles report the same error.
	ErrTooManyRedirects = errors.New("too many symbolic reference redirects")
	// ErrCorrupt indicates an on-disk record that cannot be parsed.
	ErrCorrupt = errors.New("corrupt reference")
	// ErrInvalidated indicates an operation on a handle whose
	// reference was deleted through that handle.
	ErrInvalidated = errors.New("reference handle invalidated")
)

// Options configures a Store.
type Options struct {
	// Dir is the directory holding the references: loose files under
	// it (conventionally below "refs/") plus the "packed-refs" table.
	// For an ordinary repository this is the .git directory. Required.
	Dir string

	// MaxRedirects bounds how many symbolic hops Resolve follows
	// before giving up. Zero means DefaultMaxRedirects.
	MaxRedirects int

	// Warn is called for each malformed packed-refs line skipped
	// during load or compaction. If nil, skipped lines are not
	// reported.
	Warn func(error)

	// ObjectExists, if non-nil, is consulted before a direct
	// reference is written: writing an object ID for which it reports
	// false fails. Leave nil to accept any well-formed ID.
	ObjectExists func(githash.SHA1) bool
}

// A Store reads and writes the references of a single repository
// directory. It is safe for concurrent use by multiple goroutines,
// and coordinates with other processes sharing the directory through
// lock files.
type Store struct {
	dir          string
	maxRedirects int
	warn         func(error)
	objectExists func(githash.SHA1) bool

	mu         sync.Mutex // guards packed and tombstones
	packed     *packedTable
	tombstones map[Ref]struct{} // packed names deleted since load
}

// Open opens the reference store in opts.Dir, creating the directory
// (and its "refs" subdirectory) if it does not exist. The packed-refs
// table is loaded once; loose references are read from disk on every
// lookup.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("open ref store: no directory given")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("open ref store: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "refs"), 0o777); err != nil {
		return nil, fmt.Errorf("open ref store: %w", err)
	}
	s := &Store{
		dir:          dir,
		maxRedirects: opts.MaxRedirects,
		warn:         opts.Warn,
		objectExists: opts.ObjectExists,
		tombstones:   make(map[Ref]struct{}),
	}
	if s.maxRedirects <= 0 {
		s.maxRedirects = DefaultMaxRedirects
	}
	if s.warn == nil {
		s.warn = func(error) {}
	}
	data, err := os.ReadFile(s.packedPath())
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("open ref store: %w", err)
	}
	s.packed = parsePackedRefs(data, s.warn)
	return s, nil
}

// Dir returns the absolute path of the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

// refPath maps a validated reference name to its loose file path.
func (s *Store) refPath(name Ref) string {
	return filepath.Join(s.dir, filepath.FromSlash(string(name)))
}

func (s *Store) packedPath() string {
	return filepath.Join(s.dir, packedRefsName)
}

// packedLookup returns the live packed entry for name, ignoring
// entries deleted since the table was loaded.
func (s *Store) packedLookup(name Ref) *packedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dead := s.tombstones[name]; dead {
		return nil
	}
	return s.packed.lookup(name)
}

// tombstone marks name as deleted: lookups skip any packed entry for
// it until a loose write supersedes the deletion or a compaction drops
// the entry. Recording the name even when the current table lacks it
// keeps a deletion effective across a concurrent Pack, whose table may
// have absorbed the loose file before it was removed.
func (s *Store) tombstone(name Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstones[name] = struct{}{}
}

// clearTombstone records that a loose write superseded any earlier
// deletion of name.
func (s *Store) clearTombstone(name Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tombstones, name)
}

// currentValue reads the value a lookup of name would observe right
// now: the loose file if one exists, otherwise the packed entry.
func (s *Store) currentValue(name Ref) (refValue, error) {
	v, err := s.readLooseRef(name)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return refValue{}, err
	}
	if e := s.packedLookup(name); e != nil {
		return directValue(e.oid), nil
	}
	return refValue{}, fmt.Errorf("ref %s: %w", name, ErrNotFound)
}

// Lookup returns the reference with the given name without resolving
// symbolic references. A loose file shadows any packed entry of the
// same name. The returned handle remembers the value it observed;
// mutations through the handle fail with ErrStale if the reference
// has changed since.
func (s *Store) Lookup(name Ref) (*Reference, error) {
	if err := ValidateRef(name); err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	v, err := s.readLooseRef(name)
	switch {
	case err == nil:
		return &Reference{store: s, name: name, val: v}, nil
	case errors.Is(err, ErrNotFound):
		if e := s.packedLookup(name); e != nil {
			return &Reference{
				store:     s,
				name:      name,
				val:       directValue(e.oid),
				packed:    true,
				peeled:    e.peeled,
				hasPeeled: e.hasPeeled,
			}, nil
		}
		return nil, fmt.Errorf("lookup ref %s: %w", name, ErrNotFound)
	default:
		return nil, fmt.Errorf("lookup: %w", err)
	}
}

// Create writes a new direct reference and returns a handle to it.
// Unless force is set, Create fails with an error wrapping ErrExists
// if any reference (loose or packed) already has the name.
func (s *Store) Create(name Ref, id githash.SHA1, force bool) (*Reference, error) {
	return s.create(name, directValue(id), force)
}

// CreateSymbolic writes a new symbolic reference pointing at target
// and returns a handle to it. The target name must be valid but need
// not exist yet. Unless force is set, CreateSymbolic fails with an
// error wrapping ErrExists if any reference already has the name.
func (s *Store) CreateSymbolic(name, target Ref, force bool) (*Reference, error) {
	if err := ValidateRef(target); err != nil {
		return nil, fmt.Errorf("create ref %s: target: %w", name, err)
	}
	return s.create(name, symbolicValue(target), force)
}

func (s *Store) create(name Ref, v refValue, force bool) (*Reference, error) {
	if err := ValidateRef(name); err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	if err := s.checkObject(v); err != nil {
		return nil, fmt.Errorf("create ref %s: %w", name, err)
	}
	lf, err := s.lockRef(name)
	if err != nil {
		return nil, fmt.Errorf("create ref %s: %w", name, err)
	}
	defer lf.rollback()
	if !force {
		switch _, err := s.currentValue(name); {
		case err == nil:
			return nil, fmt.Errorf("create ref %s: %w", name, ErrExists)
		case !errors.Is(err, ErrNotFound):
			// The name is occupied by a record we cannot read.
			// Force create can still replace it.
			return nil, fmt.Errorf("create: %w", err)
		}
	}
	if err := lf.write(appendRefValue(nil, v)); err != nil {
		return nil, fmt.Errorf("create ref %s: %w", name, err)
	}
	if err := lf.commit(); err != nil {
		return nil, fmt.Errorf("create ref %s: %w", name, err)
	}
	s.clearTombstone(name)
	return &Reference{store: s, name: name, val: v}, nil
}

// checkObject applies the optional ObjectExists hook to a direct
// value.
func (s *Store) checkObject(v refValue) error {
	if v.symbolic || s.objectExists == nil || s.objectExists(v.oid) {
		return nil
	}
	return fmt.Errorf("unknown object %v", v.oid)
}
