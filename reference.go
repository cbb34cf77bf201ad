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
	"os"

	"gg-scm.io/pkg/git/githash"
)

// A Reference is a handle to a single reference, created by the
// store's lookup and create operations. The handle remembers the
// value it last observed; mutating methods compare that snapshot
// against the current on-disk value and fail with an error wrapping
// ErrStale when another writer has intervened, so concurrent updates
// are never silently lost.
//
// A Reference is not safe for concurrent use. Concurrent callers
// should each obtain their own handle.
type Reference struct {
	store     *Store
	name      Ref
	val       refValue
	packed    bool
	peeled    githash.SHA1
	hasPeeled bool
	invalid   bool
}

// Name returns the reference's name.
func (r *Reference) Name() Ref {
	return r.name
}

// Kind reports whether the reference is direct or symbolic.
func (r *Reference) Kind() Kind {
	return r.val.kind()
}

// OID returns the object ID of a direct reference. It returns the
// zero SHA1 for a symbolic reference.
func (r *Reference) OID() githash.SHA1 {
	if r.val.symbolic {
		return githash.SHA1{}
	}
	return r.val.oid
}

// Target returns the name a symbolic reference points at. It returns
// an empty Ref for a direct reference.
func (r *Reference) Target() Ref {
	return r.val.target
}

// Packed reports whether the value was read from the packed-refs
// table rather than a loose file. A packed reference becomes loose on
// its first write.
func (r *Reference) Packed() bool {
	return r.packed
}

// Peeled returns the object the annotated tag at this reference
// ultimately points to, as recorded by a peel line in the packed-refs
// table. ok is false if no peel data was recorded.
func (r *Reference) Peeled() (_ githash.SHA1, ok bool) {
	return r.peeled, r.hasPeeled
}

// String returns the reference in loose-file form without the
// trailing newline, e.g. "ref: refs/heads/main".
func (r *Reference) String() string {
	b := appendRefValue(nil, r.val)
	return string(b[:len(b)-1])
}

// Resolve follows the chain of symbolic references starting at r and
// returns the terminal direct reference. See Store.Resolve.
func (r *Reference) Resolve() (*Reference, error) {
	if r.invalid {
		return nil, fmt.Errorf("resolve ref %s: %w", r.name, ErrInvalidated)
	}
	if !r.val.symbolic {
		return r, nil
	}
	return r.store.resolveFrom(r.name, r.val.target, r.store.maxRedirects-1)
}

// SetOID points a direct reference at a new object. Changing a
// symbolic reference into a direct one is refused with an error
// wrapping ErrTypeMismatch before anything is written.
func (r *Reference) SetOID(id githash.SHA1) error {
	if r.invalid {
		return fmt.Errorf("set ref %s: %w", r.name, ErrInvalidated)
	}
	if r.val.symbolic {
		return fmt.Errorf("set ref %s: reference is %v, not %v: %w", r.name, KindSymbolic, KindDirect, ErrTypeMismatch)
	}
	return r.update(directValue(id))
}

// SetTarget points a symbolic reference at a new target name.
// Changing a direct reference into a symbolic one is refused with an
// error wrapping ErrTypeMismatch before anything is written.
func (r *Reference) SetTarget(target Ref) error {
	if r.invalid {
		return fmt.Errorf("set ref %s: %w", r.name, ErrInvalidated)
	}
	if !r.val.symbolic {
		return fmt.Errorf("set ref %s: reference is %v, not %v: %w", r.name, KindDirect, KindSymbolic, ErrTypeMismatch)
	}
	if err := ValidateRef(target); err != nil {
		return fmt.Errorf("set ref %s: target: %w", r.name, err)
	}
	return r.update(symbolicValue(target))
}

// update commits a same-kind value under the reference's lock,
// failing if the on-disk value no longer matches the handle's
// snapshot.
func (r *Reference) update(v refValue) error {
	if err := r.store.checkObject(v); err != nil {
		return fmt.Errorf("set ref %s: %w", r.name, err)
	}
	lf, err := r.store.lockRef(r.name)
	if err != nil {
		return fmt.Errorf("set ref %s: %w", r.name, err)
	}
	defer lf.rollback()
	cur, err := r.store.currentValue(r.name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Deleted behind our back; the snapshot is out of date.
			return fmt.Errorf("set ref %s: %w", r.name, ErrStale)
		}
		return fmt.Errorf("set ref %s: %w", r.name, err)
	}
	if cur != r.val {
		return fmt.Errorf("set ref %s: %w", r.name, ErrStale)
	}
	if err := lf.write(appendRefValue(nil, v)); err != nil {
		return fmt.Errorf("set ref %s: %w", r.name, err)
	}
	if err := lf.commit(); err != nil {
		return fmt.Errorf("set ref %s: %w", r.name, err)
	}
	r.store.clearTombstone(r.name)
	r.val = v
	r.packed = false
	r.hasPeeled = false
	return nil
}

// Rename moves the reference to newName, keeping its current value.
// Unless force is set, Rename fails with an error wrapping ErrExists
// if newName is already taken. Both names are locked for the duration
// (always in byte-wise order, so two concurrent renames cannot
// deadlock); if any step fails, the store is left exactly as it was.
// On success the handle refers to the new name.
func (r *Reference) Rename(newName Ref, force bool) error {
	if r.invalid {
		return fmt.Errorf("rename ref %s: %w", r.name, ErrInvalidated)
	}
	op := fmt.Sprintf("rename ref %s to %s", r.name, newName)
	if err := ValidateRef(newName); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if newName == r.name {
		return nil
	}

	first, second := r.name, newName
	if second < first {
		first, second = second, first
	}
	firstLock, err := r.store.lockRef(first)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer firstLock.rollback()
	secondLock, err := r.store.lockRef(second)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer secondLock.rollback()
	oldLock, newLock := firstLock, secondLock
	if first != r.name {
		oldLock, newLock = secondLock, firstLock
	}

	cur, err := r.store.currentValue(r.name)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !force {
		switch _, err := r.store.currentValue(newName); {
		case err == nil:
			return fmt.Errorf("%s: %w", op, ErrExists)
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := newLock.write(appendRefValue(nil, cur)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	hadLoose := true
	if err := os.Remove(r.store.refPath(r.name)); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		hadLoose = false
	}
	if err := newLock.commit(); err != nil {
		// Put the old loose record back so the store looks untouched.
		// The locks are still held, so nobody can observe the gap.
		if hadLoose {
			if rerr := restoreLoose(oldLock, cur); rerr != nil {
				return fmt.Errorf("%s: %w (restoring %s failed: %v)", op, err, r.name, rerr)
			}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	r.store.clearTombstone(newName)
	r.store.tombstone(r.name)
	r.name = newName
	r.val = cur
	r.packed = false
	r.hasPeeled = false
	return nil
}

// restoreLoose rewrites a loose record whose file was removed
// mid-operation, using the lock already held for it.
func restoreLoose(lf *lockFile, v refValue) error {
	if err := lf.write(appendRefValue(nil, v)); err != nil {
		return err
	}
	return lf.commit()
}

// Delete removes the reference: the loose record is deleted and any
// packed entry is dropped at the next Pack. The handle is invalidated;
// every later operation on it fails with an error wrapping
// ErrInvalidated.
func (r *Reference) Delete() error {
	if r.invalid {
		return fmt.Errorf("delete ref %s: %w", r.name, ErrInvalidated)
	}
	lf, err := r.store.lockRef(r.name)
	if err != nil {
		return fmt.Errorf("delete ref %s: %w", r.name, err)
	}
	defer lf.rollback()
	if err := os.Remove(r.store.refPath(r.name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete ref %s: %w", r.name, err)
	}
	r.store.tombstone(r.name)
	r.invalid = true
	return nil
}
