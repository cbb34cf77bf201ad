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
	"bytes"
	"fmt"
	"os"

	"gg-scm.io/pkg/git/githash"
)

// symrefPrefix marks the content of a symbolic loose ref file,
// e.g. "ref: refs/heads/main\n".
const symrefPrefix = "ref: "

// refValue is the value of a reference: either an object ID or the
// name of another reference.
type refValue struct {
	symbolic bool
	oid      githash.SHA1
	target   Ref
}

func directValue(id githash.SHA1) refValue {
	return refValue{oid: id}
}

func symbolicValue(target Ref) refValue {
	return refValue{symbolic: true, target: target}
}

func (v refValue) kind() Kind {
	if v.symbolic {
		return KindSymbolic
	}
	return KindDirect
}

// parseRefValue parses the content of a loose ref file. Trailing
// whitespace (including the final newline and any CRLF pair) is
// ignored. Any other deviation from the two-line grammars below makes
// the record corrupt:
//
//	<40 hexadecimal digits>\n
//	ref: <valid reference name>\n
func parseRefValue(data []byte) (refValue, error) {
	line := bytes.TrimRight(data, " \t\r\n")
	if bytes.HasPrefix(line, []byte(symrefPrefix)) {
		target, err := normalizeName(string(line[len(symrefPrefix):]))
		if err != nil {
			return refValue{}, fmt.Errorf("symbolic target: %w: %v", ErrCorrupt, err)
		}
		return symbolicValue(target), nil
	}
	id, err := githash.ParseSHA1(string(line))
	if err != nil {
		return refValue{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return directValue(id), nil
}

// appendRefValue appends the canonical loose file representation of v
// to dst. parseRefValue(appendRefValue(nil, v)) returns v for every
// valid v.
func appendRefValue(dst []byte, v refValue) []byte {
	if v.symbolic {
		dst = append(dst, symrefPrefix...)
		dst = append(dst, v.target...)
	} else {
		dst = append(dst, v.oid.String()...)
	}
	return append(dst, '\n')
}

// readLooseRef reads and parses the loose file for name. It returns an
// error wrapping ErrNotFound if no loose file exists (a directory at
// the ref's path counts as absent: directories hold nested refs, never
// a value), an error wrapping ErrCorrupt if the file cannot be parsed,
// and the underlying I/O error otherwise.
func (s *Store) readLooseRef(name Ref) (refValue, error) {
	path := s.refPath(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return refValue{}, fmt.Errorf("ref %s: %w", name, ErrNotFound)
		}
		if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
			return refValue{}, fmt.Errorf("ref %s: %w", name, ErrNotFound)
		}
		return refValue{}, fmt.Errorf("ref %s: %w", name, err)
	}
	v, err := parseRefValue(data)
	if err != nil {
		return refValue{}, fmt.Errorf("ref %s: %w", name, err)
	}
	return v, nil
}
