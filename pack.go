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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gg-scm.io/pkg/git/githash"
)

// Pack rewrites the packed-refs table so that it holds every direct
// ref under refs/, drops entries deleted since the table was loaded,
// and then prunes the loose files the new table absorbed. Symbolic
// refs always stay loose. Pack holds the store-wide packed-refs lock
// for the duration; a concurrent Pack fails with an error wrapping
// ErrLocked.
func (s *Store) Pack() error {
	lf, err := lockPath(s.packedPath())
	if err != nil {
		return fmt.Errorf("pack refs: %w", err)
	}
	defer lf.rollback()

	loose, err := s.looseDirectRefs()
	if err != nil {
		return fmt.Errorf("pack refs: %w", err)
	}

	// Start from the surviving packed entries so that peel data
	// carries over, then lay the loose values on top.
	merged := make(map[Ref]packedEntry)
	s.mu.Lock()
	for _, e := range s.packed.entries {
		if _, dead := s.tombstones[e.name]; !dead {
			merged[e.name] = e
		}
	}
	s.mu.Unlock()
	for name, id := range loose {
		if e, ok := merged[name]; ok && e.oid == id {
			continue // unchanged; keeps the peel line
		}
		merged[name] = packedEntry{name: name, oid: id}
	}
	table := new(packedTable)
	table.entries = make([]packedEntry, 0, len(merged))
	for _, e := range merged {
		table.entries = append(table.entries, e)
	}
	table.sortAndDedupe(nil)

	if err := lf.write(table.appendTo(nil)); err != nil {
		return fmt.Errorf("pack refs: %w", err)
	}
	if err := lf.commit(); err != nil {
		return fmt.Errorf("pack refs: %w", err)
	}

	// A delete that landed after the loose walk keeps its tombstone:
	// the table just written may hold the deleted ref, and the
	// tombstone is all that hides it until the next compaction drops
	// the entry. Tombstones for names outside the table are spent.
	s.mu.Lock()
	s.packed = table
	for name := range s.tombstones {
		if table.lookup(name) == nil {
			delete(s.tombstones, name)
		}
	}
	s.mu.Unlock()

	for name, id := range loose {
		s.pruneLoose(name, id)
	}
	return nil
}

// looseDirectRefs walks the refs/ subtree and returns the direct refs
// it holds. Symbolic refs are skipped; unreadable or corrupt files
// are reported through the warning callback and left alone.
func (s *Store) looseDirectRefs() (map[Ref]githash.SHA1, error) {
	loose := make(map[Ref]githash.SHA1)
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
		v, err := s.readLooseRef(name)
		if err != nil {
			s.warn(err)
			return nil
		}
		if !v.symbolic {
			loose[name] = v.oid
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loose, nil
}

// pruneLoose removes the loose file for name if it still holds id.
// The ref stays readable throughout: its value is already in the
// packed table. A ref that is locked or was updated since the table
// was written is left alone.
func (s *Store) pruneLoose(name Ref, id githash.SHA1) {
	lf, err := s.lockRef(name)
	if err != nil {
		return
	}
	defer lf.rollback()
	v, err := s.readLooseRef(name)
	if err != nil || v != directValue(id) {
		return
	}
	os.Remove(s.refPath(name))
}
