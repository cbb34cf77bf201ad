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
	"os"
	"path/filepath"
)

// lockSuffix is appended to a file's path to form its lock file path.
// Reference names ending in ".lock" are rejected by validation so a
// lock file can never collide with a ref.
const lockSuffix = ".lock"

// A lockFile is an exclusive advisory lock on a single file, held as
// long as the "<path>.lock" file exists. The lock file doubles as the
// staging area for the file's next content: commit renames it over the
// locked path, so readers only ever observe complete records.
// Acquisition never blocks; a held lock surfaces as ErrLocked.
type lockFile struct {
	f      *os.File
	path   string // the ".lock" file
	target string // the file the lock protects
	done   bool
}

// lockRef acquires the lock for a reference's loose file, creating any
// missing parent directories. Callers add their own operation prefix
// when wrapping the error.
func (s *Store) lockRef(name Ref) (*lockFile, error) {
	return lockPath(s.refPath(name))
}

func lockPath(target string) (*lockFile, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
		return nil, err
	}
	path := target + lockSuffix
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLocked
		}
		return nil, err
	}
	return &lockFile{f: f, path: path, target: target}, nil
}

// write appends data to the lock file and flushes it to stable
// storage.
func (lf *lockFile) write(data []byte) error {
	if _, err := lf.f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", lf.path, err)
	}
	if err := syncFile(lf.f); err != nil {
		return fmt.Errorf("write %s: %w", lf.path, err)
	}
	return nil
}

// commit atomically renames the lock file over the locked path,
// releasing the lock. The written content becomes visible to readers
// in a single step.
func (lf *lockFile) commit() error {
	if lf.done {
		return fmt.Errorf("commit %s: lock already released", lf.path)
	}
	if err := lf.f.Close(); err != nil {
		return fmt.Errorf("commit %s: %w", lf.path, err)
	}
	if err := os.Rename(lf.path, lf.target); err != nil {
		// The lock is still held: leave release to rollback so the
		// caller can restore prior state first.
		lf.f = nil
		return fmt.Errorf("commit %s: %w", lf.path, err)
	}
	lf.done = true
	return nil
}

// rollback releases the lock without touching the locked path,
// discarding anything written to the lock file. It is a no-op after a
// successful commit, so it is safe to defer alongside commit.
func (lf *lockFile) rollback() {
	if lf.done {
		return
	}
	if lf.f != nil {
		lf.f.Close()
	}
	os.Remove(lf.path)
	lf.done = true
}
