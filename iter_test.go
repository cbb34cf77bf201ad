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
	"os"
	"path/filepath"
	"testing"

	"gg-scm.io/pkg/git/githash"
	"github.com/google/go-cmp/cmp"
)

// newIterTestStore builds a store with a mix of loose and packed refs:
//
//	HEAD             -> refs/heads/main (loose, symbolic)
//	refs/heads/main  =  commit1 (loose, shadows a packed entry at commit3)
//	refs/heads/topic =  commit2 (loose)
//	refs/tags/v1.0.0 =  commit3 (packed)
func newIterTestStore(t *testing.T) *Store {
	t.Helper()
	s := newPackedStore(t,
		commit3.String()+" refs/heads/main\n"+
			commit3.String()+" refs/tags/v1.0.0\n", nil)
	if _, err := s.Create("refs/heads/main", commit1, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("refs/heads/topic", commit2, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateSymbolic("HEAD", "refs/heads/main", false); err != nil {
		t.Fatal(err)
	}
	return s
}

func iterNames(t *testing.T, iter *RefIterator) []Ref {
	t.Helper()
	var names []Ref
	for iter.Next() {
		names = append(names, iter.Ref())
	}
	if err := iter.Close(); err != nil {
		t.Fatal("Close:", err)
	}
	return names
}

func TestIterateRefs(t *testing.T) {
	tests := []struct {
		name string
		opts IterateRefsOptions
		want []Ref
	}{
		{
			name: "All",
			opts: IterateRefsOptions{},
			want: []Ref{"refs/heads/main", "refs/heads/topic", "refs/tags/v1.0.0"},
		},
		{
			name: "IncludeHead",
			opts: IterateRefsOptions{IncludeHead: true},
			want: []Ref{"HEAD", "refs/heads/main", "refs/heads/topic", "refs/tags/v1.0.0"},
		},
		{
			name: "Branches",
			opts: IterateRefsOptions{LimitToBranches: true},
			want: []Ref{"refs/heads/main", "refs/heads/topic"},
		},
		{
			name: "Tags",
			opts: IterateRefsOptions{LimitToTags: true},
			want: []Ref{"refs/tags/v1.0.0"},
		},
		{
			name: "BranchesAndTags",
			opts: IterateRefsOptions{LimitToBranches: true, LimitToTags: true},
			want: []Ref{"refs/heads/main", "refs/heads/topic", "refs/tags/v1.0.0"},
		},
		{
			name: "HeadAndBranches",
			opts: IterateRefsOptions{IncludeHead: true, LimitToBranches: true},
			want: []Ref{"HEAD", "refs/heads/main", "refs/heads/topic"},
		},
		{
			name: "Prefix",
			opts: IterateRefsOptions{Prefix: "refs/heads/to"},
			want: []Ref{"refs/heads/topic"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newIterTestStore(t)
			got := iterNames(t, s.IterateRefs(test.opts))
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("names (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIterateRefsShadowing(t *testing.T) {
	// refs/heads/main is both loose (commit1) and packed (commit3); the
	// iterator must produce it once, with the loose value.
	s := newIterTestStore(t)
	iter := s.IterateRefs(IterateRefsOptions{LimitToBranches: true})
	defer iter.Close()
	seen := 0
	for iter.Next() {
		if iter.Ref() != "refs/heads/main" {
			continue
		}
		seen++
		if got := iter.ObjectSHA1(); got != commit1 {
			t.Errorf("refs/heads/main OID = %v; want %v", got, commit1)
		}
		if iter.Reference().Packed() {
			t.Error("refs/heads/main reported as packed")
		}
	}
	if err := iter.Close(); err != nil {
		t.Fatal("Close:", err)
	}
	if seen != 1 {
		t.Errorf("saw refs/heads/main %d times; want 1", seen)
	}
}

func TestIterateRefsDeleted(t *testing.T) {
	// Deleting a packed ref hides it from iteration even though the
	// packed-refs file still holds its line.
	s := newIterTestStore(t)
	r, err := s.Lookup("refs/tags/v1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(); err != nil {
		t.Fatal("Delete:", err)
	}
	got := iterNames(t, s.IterateRefs(IterateRefsOptions{}))
	want := []Ref{"refs/heads/main", "refs/heads/topic"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}
}

func TestIterateRefsEmpty(t *testing.T) {
	s := newTestStore(t)
	if got := iterNames(t, s.IterateRefs(IterateRefsOptions{})); len(got) != 0 {
		t.Errorf("names = %v; want none", got)
	}
}

func TestIterateRefsSkipsJunk(t *testing.T) {
	var warnings []error
	s, err := Open(Options{Dir: t.TempDir(), Warn: func(err error) { warnings = append(warnings, err) }})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("refs/heads/main", commit1, false); err != nil {
		t.Fatal(err)
	}
	// A stray lock file and an invalidly named file must not show up.
	held, err := s.lockRef("refs/heads/topic")
	if err != nil {
		t.Fatal(err)
	}
	defer held.rollback()
	if err := os.WriteFile(filepath.Join(s.Dir(), "refs", "heads", ".hidden"), []byte("junk\n"), 0o666); err != nil {
		t.Fatal(err)
	}

	got := iterNames(t, s.IterateRefs(IterateRefsOptions{}))
	want := []Ref{"refs/heads/main"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}
	if len(warnings) != 1 {
		t.Errorf("got %d warnings (%v); want 1", len(warnings), warnings)
	}
}

func TestListRefs(t *testing.T) {
	t.Run("Resolved", func(t *testing.T) {
		s := newIterTestStore(t)
		got, err := s.ListRefs()
		if err != nil {
			t.Fatal("ListRefs:", err)
		}
		want := map[Ref]githash.SHA1{
			"HEAD":             commit1,
			"refs/heads/main":  commit1,
			"refs/heads/topic": commit2,
			"refs/tags/v1.0.0": commit3,
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("refs (-want +got):\n%s", diff)
		}
	})

	t.Run("DanglingHeadOmitted", func(t *testing.T) {
		s := newTestStore(t)
		if _, err := s.CreateSymbolic("HEAD", "refs/heads/main", false); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Create("refs/tags/v1.0.0", commit3, false); err != nil {
			t.Fatal(err)
		}
		got, err := s.ListRefs()
		if err != nil {
			t.Fatal("ListRefs:", err)
		}
		want := map[Ref]githash.SHA1{
			"refs/tags/v1.0.0": commit3,
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("refs (-want +got):\n%s", diff)
		}
	})
}
