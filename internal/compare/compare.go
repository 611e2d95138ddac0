// Package compare decides whether two revisions of a document differ.
package compare

import (
	"bytes"
	"strings"
)

// Comparator reports whether a and b hold the same document.
type Comparator interface {
	Equal(mimetype string, a, b []byte) (bool, error)
}

// Func adapts a function to Comparator.
type Func func(mimetype string, a, b []byte) (bool, error)

func (f Func) Equal(mimetype string, a, b []byte) (bool, error) {
	return f(mimetype, a, b)
}

// Bytes compares content byte for byte.
var Bytes Comparator = Func(func(_ string, a, b []byte) (bool, error) {
	return bytes.Equal(a, b), nil
})

// ByMimetype picks a comparator by mimetype, falling back to Default.
// Keys match the mimetype without parameters, case-insensitively.
type ByMimetype struct {
	Default     Comparator
	Comparators map[string]Comparator
}

func (m ByMimetype) Equal(mimetype string, a, b []byte) (bool, error) {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(mimetype, ";", 2)[0]))
	for k, c := range m.Comparators {
		if strings.ToLower(k) == base {
			return c.Equal(mimetype, a, b)
		}
	}
	if m.Default != nil {
		return m.Default.Equal(mimetype, a, b)
	}
	return Bytes.Equal(mimetype, a, b)
}
