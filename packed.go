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
	"bufio"
	"bytes"
	"fmt"
	"sort"

	"gg-scm.io/pkg/git/githash"
)

// packedRefsName is the name of the consolidated table file inside the
// store directory.
const packedRefsName = "packed-refs"

// packedRefsHeader is written at the top of every packed-refs file the
// store serializes. The traits match what git itself writes: entries
// are sorted and annotated tags carry peel lines.
const packedRefsHeader = "# pack-refs with: peeled fully-peeled sorted"

// A packedEntry is one reference in the packed-refs table. Packed
// entries are always direct: symbolic references only exist as loose
// files.
type packedEntry struct {
	name      Ref
	oid       githash.SHA1
	peeled    githash.SHA1 // target of the annotated tag at oid
	hasPeeled bool
}

// A packedTable is the parsed content of a packed-refs file. It is
// immutable once built: the store swaps in a whole new table when the
// file is rewritten.
type packedTable struct {
	entries []packedEntry // sorted byte-wise by name
}

// parsePackedRefs parses the content of a packed-refs file. Lines that
// cannot be parsed are reported to warn (which may be nil) and
// skipped: one mangled line must not make every other packed ref
// unreachable.
func parsePackedRefs(data []byte, warn func(error)) *packedTable {
	if warn == nil {
		warn = func(error) {}
	}
	t := new(packedTable)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; scanner.Scan(); n++ {
		line := bytes.TrimRight(scanner.Bytes(), " \t\r")
		switch {
		case len(line) == 0 || line[0] == '#':
			// Header or blank line.
		case line[0] == '^':
			id, err := githash.ParseSHA1(string(line[1:]))
			if err != nil {
				warn(fmt.Errorf("packed-refs line %d: peel: %w: %v", n, ErrCorrupt, err))
				continue
			}
			if len(t.entries) == 0 {
				warn(fmt.Errorf("packed-refs line %d: peel without a preceding ref: %w", n, ErrCorrupt))
				continue
			}
			last := &t.entries[len(t.entries)-1]
			last.peeled = id
			last.hasPeeled = true
		default:
			sp := bytes.IndexByte(line, ' ')
			if sp == -1 {
				warn(fmt.Errorf("packed-refs line %d: missing space: %w", n, ErrCorrupt))
				continue
			}
			id, err := githash.ParseSHA1(string(line[:sp]))
			if err != nil {
				warn(fmt.Errorf("packed-refs line %d: %w: %v", n, ErrCorrupt, err))
				continue
			}
			name, err := normalizeName(string(line[sp+1:]))
			if err != nil {
				warn(fmt.Errorf("packed-refs line %d: %w: %v", n, ErrCorrupt, err))
				continue
			}
			t.entries = append(t.entries, packedEntry{name: name, oid: id})
		}
	}
	// The scanner reads from memory; the only possible error is a
	// line longer than the scanner's buffer, which no valid ref or
	// peel line can reach.
	if err := scanner.Err(); err != nil {
		warn(fmt.Errorf("packed-refs: %w: %v", ErrCorrupt, err))
	}
	t.sortAndDedupe(warn)
	return t
}

// sortAndDedupe establishes the table's sorted order. Later lines win
// when a file mentions the same name twice.
func (t *packedTable) sortAndDedupe(warn func(error)) {
	if warn == nil {
		warn = func(error) {}
	}
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].name < t.entries[j].name
	})
	out := t.entries[:0]
	for _, e := range t.entries {
		if len(out) > 0 && out[len(out)-1].name == e.name {
			warn(fmt.Errorf("packed-refs: duplicate entry for %s: %w", e.name, ErrCorrupt))
			out[len(out)-1] = e
			continue
		}
		out = append(out, e)
	}
	t.entries = out
}

// lookup returns the entry for name, or nil if the table has none.
func (t *packedTable) lookup(name Ref) *packedEntry {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].name >= name
	})
	if i < len(t.entries) && t.entries[i].name == name {
		return &t.entries[i]
	}
	return nil
}

// appendTo appends the serialized table to dst. The output is
// deterministic: a header line followed by the entries in name order.
func (t *packedTable) appendTo(dst []byte) []byte {
	dst = append(dst, packedRefsHeader...)
	dst = append(dst, '\n')
	for _, e := range t.entries {
		dst = append(dst, e.oid.String()...)
		dst = append(dst, ' ')
		dst = append(dst, e.name...)
		dst = append(dst, '\n')
		if e.hasPeeled {
			dst = append(dst, '^')
			dst = append(dst, e.peeled.String()...)
			dst = append(dst, '\n')
		}
	}
	return dst
}
