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

package refdb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gg-scm.io/pkg/git/githash"
)

// IterateRefsOptions specifies filters for [Store.IterateRefs].
type IterateRefsOptions struct {
	// If IncludeHead is true, the HEAD ref is included.
	IncludeHead bool
	// LimitToBranches limits the refs to those starting with
	// "refs/heads/". This is additive with IncludeHead, LimitToTags,
	// and Prefix.
	LimitToBranches bool
	// LimitToTags limits the refs to those starting with "refs/tags/".
	// This is additive with IncludeHead, LimitToBranches, and Prefix.
	LimitToTags bool
	// Prefix limits the refs to those whose name starts with the
	// given string (e.g. "refs/remotes/origin/"). This is additive
	// with the other filters.
	Prefix Ref
}

func (opts IterateRefsOptions) limited() bool {
	return opts.LimitToBranches || opts.LimitToTags || opts.Prefix != ""
}

func (opts IterateRefsOptions) match(name Ref) bool {
	switch {
	case name == githash.Head:
		return opts.IncludeHead
	case opts.LimitToBranches && name.IsBranch():
		return true
	case opts.LimitToTags && name.IsTag():
		return true
	case opts.Prefix != "" && strings.HasPrefix(string(name), string(opts.Prefix)):
		return true
	default:
		return !opts.limited() && strings.HasPrefix(string(name), "refs/")
	}
}

// IterateRefs starts listing the refs in the store, merging the loose
// files with the packed-refs table (a loose file shadows its packed
// entry). Refs are produced in byte-wise name order from a snapshot
// of the names taken when IterateRefs is called; values are read as
// the iterator advances.
func (s *Store) IterateRefs(opts IterateRefsOptions) *RefIterator {
	names, err := s.collectNames(opts)
	if err != nil {
		return &RefIterator{err: fmt.Errorf("iterate refs: %w", err)}
	}
	return &RefIterator{store: s, names: names}
}

// collectNames walks the refs/ subtree and the packed table and
// returns the matching names, sorted and deduplicated. Files that are
// not valid refs (editor droppings, stray locks) are reported through
// the store's warning callback and skipped.
func (s *Store) collectNames(opts IterateRefsOptions) ([]Ref, error) {
	seen := make(map[Ref]struct{})
	add := func(name Ref) {
		if opts.match(name) {
			seen[name] = struct{}{}
		}
	}

	root := filepath.Join(s.dir, "refs")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, lockSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		name, err := normalizeName(filepath.ToSlash(rel))
		if err != nil {
			s.warn(err)
			return nil
		}
		add(name)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if info, err := os.Stat(s.refPath(githash.Head)); err == nil && info.Mode().IsRegular() {
		add(githash.Head)
	}

	s.mu.Lock()
	for i := range s.packed.entries {
		name := s.packed.entries[i].name
		if _, dead := s.tombstones[name]; !dead {
			add(name)
		}
	}
	s.mu.Unlock()

	names := make([]Ref, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names, nil
}

// RefIterator lists refs one at a time. Closing the iterator reports
// any error that stopped the iteration early.
type RefIterator struct {
	store *Store
	names []Ref
	cur   *Reference
	err   error
	done  bool
}

// Next attempts to advance to the next ref and reports whether one
// exists. It returns false when the snapshot is exhausted or reading
// a ref fails; Close tells those cases apart.
func (iter *RefIterator) Next() bool {
	if iter.done || iter.err != nil {
		return false
	}
	for len(iter.names) > 0 {
		name := iter.names[0]
		iter.names = iter.names[1:]
		ref, err := iter.store.Lookup(name)
		if errors.Is(err, ErrNotFound) {
			// Deleted since the snapshot was taken.
			continue
		}
		if err != nil {
			iter.err = err
			return false
		}
		iter.cur = ref
		return true
	}
	iter.done = true
	iter.cur = nil
	return false
}

// Ref returns the name of the current ref.
// [RefIterator.Next] must have returned true before calling Ref.
func (iter *RefIterator) Ref() Ref {
	return iter.cur.Name()
}

// Reference returns the current ref as a handle that can be resolved
// or mutated.
// [RefIterator.Next] must have returned true before calling Reference.
func (iter *RefIterator) Reference() *Reference {
	return iter.cur
}

// ObjectSHA1 returns the object ID of the current ref, or the zero
// hash if the ref is symbolic.
// [RefIterator.Next] must have returned true before calling
// ObjectSHA1.
func (iter *RefIterator) ObjectSHA1() githash.SHA1 {
	return iter.cur.OID()
}

// Close ends the iteration. It returns an error if
// [RefIterator.Next] returned false because a ref could not be read.
// Subsequent calls to Close no-op and return the same error.
func (iter *RefIterator) Close() error {
	iter.done = true
	iter.names = nil
	iter.cur = nil
	return iter.err
}

// ListRefs lists all of the refs in the store with symbolic refs
// (including HEAD) resolved to object IDs. Symbolic refs that point
// at a missing ref, such as HEAD in an empty repository, are
// omitted.
func (s *Store) ListRefs() (map[Ref]githash.SHA1, error) {
	iter := s.IterateRefs(IterateRefsOptions{IncludeHead: true})
	defer iter.Close()
	refs := make(map[Ref]githash.SHA1)
	for iter.Next() {
		ref := iter.Reference()
		if ref.Kind() == KindSymbolic {
			resolved, err := ref.Resolve()
			if err != nil {
				if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTooManyRedirects) {
					continue
				}
				return nil, fmt.Errorf("list refs: %w", err)
			}
			refs[ref.Name()] = resolved.OID()
			continue
		}
		refs[ref.Name()] = ref.OID()
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return refs, nil
}
