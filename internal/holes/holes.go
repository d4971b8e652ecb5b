// Package holes implements the process-local hole table: sub-ranges of the
// shared region where the write-interception protocol is suspended.
// Grounded on dsm_holes.c's dig/fill/in-hole/overlap semantics, translated
// from a recursive singly-linked list to a flat slice per the portability
// notes on linked-list-heavy tables.
package holes

import "fmt"

// Hole is a process-local sub-range of the shared region.
type Hole struct {
	ID     int
	Offset int64
	Size   int64
}

func (h Hole) end() int64 { return h.Offset + h.Size }

// Table is a process's set of active holes. The zero value is an empty,
// ready-to-use table.
type Table struct {
	nextID int
	holes  []Hole
}

// Dig creates a hole over [offset, offset+size). Returns an error if size
// is not positive or the range overlaps any existing hole; the caller is
// responsible for checking the range lies within the region.
func (t *Table) Dig(offset, size int64) (int, error) {
	if size <= 0 {
		return 0, fmt.Errorf("holes: size must be positive, got %d", size)
	}
	if t.Overlaps(offset, size) {
		return 0, fmt.Errorf("holes: [%d, %d) overlaps an existing hole", offset, offset+size)
	}

	id := t.nextID
	t.nextID++
	t.holes = append(t.holes, Hole{ID: id, Offset: offset, Size: size})
	return id, nil
}

// Fill removes the hole with the given id. Returns an error if no such
// hole exists.
func (t *Table) Fill(id int) error {
	for i, h := range t.holes {
		if h.ID == id {
			t.holes = append(t.holes[:i], t.holes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("holes: no hole with id %d", id)
}

// InHole reports whether [offset, offset+size) lies entirely within a
// single existing hole.
func (t *Table) InHole(offset, size int64) bool {
	start, end := offset, offset+size
	for _, h := range t.holes {
		hs, he := h.Offset, h.end()
		if start >= hs && start < he {
			return end <= he
		}
	}
	return false
}

// Overlaps reports whether [offset, offset+size) intersects any existing
// hole, or whether an existing hole falls entirely within that range.
func (t *Table) Overlaps(offset, size int64) bool {
	start, end := offset, offset+size
	for _, h := range t.holes {
		hs, he := h.Offset, h.end()
		if (start >= hs && start < he) || (end > hs && end < he) {
			return true
		}
		if start < hs && end >= he {
			return true
		}
	}
	return false
}

// Get returns the hole with the given id, if present.
func (t *Table) Get(id int) (Hole, bool) {
	for _, h := range t.holes {
		if h.ID == id {
			return h, true
		}
	}
	return Hole{}, false
}

// Len returns the number of active holes.
func (t *Table) Len() int { return len(t.holes) }
