// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"path"
	"strings"
)

// Share paths are relative, slash separated and never start or end with a
// slash. The share root is the empty string. SMB clients send backslashes,
// so both separators are accepted on input.

// NormalizePath cleans a client supplied path into share form.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// SplitPath splits a path into its components
func SplitPath(p string) []string {
	p = NormalizePath(p)
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// JoinPath joins path components
func JoinPath(parts ...string) string {
	return NormalizePath(path.Join(parts...))
}

// ParentPath returns the parent folder of a path ("" for top level entries)
func ParentPath(p string) string {
	parent, _ := SplitParent(p)
	return parent
}

// BaseName returns the last component of a path
func BaseName(p string) string {
	_, name := SplitParent(p)
	return name
}

// SplitParent returns the parent folder and last component of a path.
func SplitParent(p string) (parent, name string) {
	p = NormalizePath(p)
	if p == "" {
		return "", ""
	}
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

// PathKey is the case-folded form used to key per-path state. SMB names
// are case-insensitive, so "Doc.txt" and "doc.TXT" share one entry.
func PathKey(p string) string {
	return strings.ToLower(NormalizePath(p))
}

// IsWithin reports whether p is folder itself or lies below it.
func IsWithin(p, folder string) bool {
	p, folder = PathKey(p), PathKey(folder)
	if folder == "" || p == folder {
		return true
	}
	return strings.HasPrefix(p, folder+"/")
}
