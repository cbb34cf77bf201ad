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

import "fmt"

// DefaultMaxRedirects is the symbolic hop bound used when
// Options.MaxRedirects is zero. It matches the nesting limit git
// itself enforces.
const DefaultMaxRedirects = 5

// Resolve follows the chain of symbolic references starting at name
// until it reaches a direct reference, which it returns. A direct
// reference resolves to itself. A chain longer than the store's
// redirect limit, including any cycle, fails with an error wrapping
// ErrTooManyRedirects; a chain ending at a nonexistent name fails
// with an error wrapping ErrNotFound.
func (s *Store) Resolve(name Ref) (*Reference, error) {
	return s.resolveFrom(name, name, s.maxRedirects)
}

// resolveFrom performs up to limit lookups starting at next,
// reporting errors against start.
func (s *Store) resolveFrom(start, next Ref, limit int) (*Reference, error) {
	for i := 0; i < limit; i++ {
		ref, err := s.Lookup(next)
		if err != nil {
			return nil, fmt.Errorf("resolve ref %s: %w", start, err)
		}
		if !ref.val.symbolic {
			return ref, nil
		}
		next = ref.val.target
	}
	return nil, fmt.Errorf("resolve ref %s: %w", start, ErrTooManyRedirects)
}
