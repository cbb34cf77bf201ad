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

//go:build linux

package refdb

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile flushes f's data to stable storage. Ref records carry no
// metadata a reader depends on, so fdatasync suffices and skips the
// extra inode write.
func syncFile(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
