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

// Package cache provides the metadata cache shared by every share driver.
//
// Design Principles:
// 1. Path invalidation for content changes, whole-cache invalidation for
// structural changes (delete, move) whose path aliases cannot be enumerated
// 2. Callers always get a private copy, so correcting a result in place never
// leaks into the cache
package cache

import "os"

// Disabled controls whether the metadata cache is bypassed.
// Set via REPOFS_CACHE=0 environment variable.
// When true every lookup goes straight to the loader and nothing is stored.
//
// This is useful for testing and debugging to verify logic works correctly
// without caching, and to isolate cache-related bugs.
var Disabled = os.Getenv("REPOFS_CACHE") == "0"

// Invalidator is implemented by all caches that support full invalidation.
type Invalidator interface {
	// InvalidateAll clears all entries from the cache.
	InvalidateAll()
}
