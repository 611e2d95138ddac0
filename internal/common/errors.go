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

import "errors"

// Filesystem-facing error kinds. Every layer wraps these with %w so callers
// can classify failures with errors.Is regardless of how deep they occurred.
var (
	ErrNotFound      = errors.New("not found")
	ErrExists        = errors.New("already exists")
	ErrNotDir        = errors.New("not a directory")
	ErrIsDir         = errors.New("is a directory")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrInvalidPath   = errors.New("invalid path")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrReadOnly      = errors.New("read-only filesystem")
	ErrIO            = errors.New("I/O error")

	// ErrAccessDenied is a failed permission check, a write on a read-only
	// grant, or an operation against a node locked by another owner.
	ErrAccessDenied = errors.New("access denied")

	// ErrDiskFull covers user quota and content store exhaustion.
	ErrDiskFull = errors.New("disk full")

	// ErrConflict is an optimistic concurrency collision. The transaction
	// layer retries it and only surfaces it, wrapped with ErrIO, once the
	// retries are exhausted.
	ErrConflict = errors.New("transaction conflict")

	// ErrContractViolation means a command that must yield a file handle
	// returned nothing. It is never retried.
	ErrContractViolation = errors.New("command contract violation")
)
