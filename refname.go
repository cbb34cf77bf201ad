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
	"strings"
)

// ValidateRef checks r against the reference naming rules described in
// https://git-scm.com/docs/git-check-ref-format. It returns nil for a
// well-formed name and an error that wraps [ErrInvalidName] otherwise.
//
// Unlike git-check-ref-format, one-level names like "HEAD" are
// accepted: the store does not decide which one-level names are
// meaningful, only whether a name is safe to map to a file path.
// Names that would map onto the store's own metadata files, like
// "packed-refs", are rejected.
func ValidateRef(r Ref) error {
	reason := checkRefName(string(r))
	if reason == "" {
		return nil
	}
	return fmt.Errorf("ref %q: %s: %w", string(r), reason, ErrInvalidName)
}

// normalizeName validates name and converts it to a Ref. The returned
// name is byte-for-byte equal to the input: normalization reserves the
// right to rewrite names (for example, future case-folding rules), but
// currently only canonically-written names are accepted.
func normalizeName(name string) (Ref, error) {
	if err := ValidateRef(Ref(name)); err != nil {
		return "", err
	}
	return Ref(name), nil
}

// checkRefName returns an empty string if name is a valid reference
// name, or a short reason describing the first rule it violates.
func checkRefName(name string) string {
	switch {
	case name == "":
		return "empty name"
	case name == "@":
		return "name is a single @"
	case name[0] == '-':
		return "starts with -"
	case name[0] == '/':
		return "starts with /"
	case name[len(name)-1] == '/':
		return "ends with /"
	case name[len(name)-1] == '.':
		return "ends with ."
	case strings.Contains(name, ".."):
		return "contains .."
	case strings.Contains(name, "@{"):
		return "contains @{"
	// The packed-refs table lives at the top of the store directory; a
	// loose ref mapped to that path would overwrite it.
	case name == packedRefsName || strings.HasPrefix(name, packedRefsName+"/"):
		return "reserved name"
	}
	if i := strings.IndexFunc(name, isBadRefRune); i >= 0 {
		return fmt.Sprintf("contains %q", name[i])
	}
	for _, segment := range strings.Split(name, "/") {
		switch {
		case segment == "":
			return "contains //"
		case segment[0] == '.':
			return "segment starts with ."
		case strings.HasSuffix(segment, ".lock"):
			return "segment ends with .lock"
		}
	}
	return ""
}

func isBadRefRune(c rune) bool {
	return c < 0x20 || c == 0x7f ||
		c == ' ' || c == '~' || c == '^' || c == ':' ||
		c == '?' || c == '*' || c == '[' ||
		c == '\\'
}
