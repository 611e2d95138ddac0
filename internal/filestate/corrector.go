package filestate

import (
	"repofs/internal/common"
	"repofs/internal/storage"
)

// Corrector overlays live state onto metadata read from the repository.
type Corrector struct {
	table *Table
}

// NewCorrector returns a corrector reading t.
func NewCorrector(t *Table) *Corrector {
	return &Corrector{table: t}
}

// Correct updates info in place with the live values of the file named
// info.Name in folder. Only values the live entry defines are written, so
// correcting twice gives the same result as correcting once.
func (c *Corrector) Correct(info *storage.FileInfo, folder string) {
	if info == nil || info.IsFolder() {
		return
	}
	e, ok := c.table.Snapshot(common.JoinPath(folder, info.Name))
	if !ok {
		return
	}
	l := e.Live
	if l.Size != nil {
		info.Size = *l.Size
	}
	if l.AllocationSize != nil {
		info.AllocationSize = *l.AllocationSize
	}
	if l.Modified != nil {
		info.Modified = *l.Modified
	}
	if l.Accessed != nil {
		info.Accessed = *l.Accessed
	}
	if l.Changed != nil {
		info.Changed = *l.Changed
	}
}
