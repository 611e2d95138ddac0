//go:build tools

// Package tools pins the test runner used by CI.
package tools

import (
	_ "gotest.tools/gotestsum"
)
