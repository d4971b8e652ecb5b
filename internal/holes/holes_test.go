package holes

import "testing"

// TestHoleTableScenario follows the hole-table sequence used to validate
// the original dig/fill/overlap/in-hole semantics end to end.
func TestHoleTableScenario(t *testing.T) {
	var tbl Table

	a, err := tbl.Dig(0, 2)
	if err != nil {
		t.Fatalf("dig(0,2): %v", err)
	}
	b, err := tbl.Dig(2, 2)
	if err != nil {
		t.Fatalf("dig(2,2): %v", err)
	}
	if _, err := tbl.Dig(6, 1); err != nil {
		t.Fatalf("dig(6,1): %v", err)
	}

	if !tbl.Overlaps(0, 3) {
		t.Error("expected overlap(0,3)")
	}
	if !tbl.Overlaps(5, 4) {
		t.Error("expected overlap(5,4)")
	}
	if tbl.Overlaps(7, 2) {
		t.Error("expected no overlap(7,2)")
	}
	if _, err := tbl.Dig(5, 3); err == nil {
		t.Error("expected dig(5,3) to fail")
	}

	if err := tbl.Fill(a); err != nil {
		t.Fatalf("fill(a): %v", err)
	}
	if tbl.Overlaps(0, 2) {
		t.Error("expected no overlap(0,2) after fill(a)")
	}
	if !tbl.InHole(2, 2) {
		t.Error("expected in_hole(2,2)")
	}
	if tbl.InHole(1, 2) {
		t.Error("expected !in_hole(1,2)")
	}
	if _, err := tbl.Dig(1, 4); err == nil {
		t.Error("expected dig(1,4) to fail")
	}

	if err := tbl.Fill(b); err != nil {
		t.Fatalf("fill(b): %v", err)
	}
	d, err := tbl.Dig(0, 6)
	if err != nil {
		t.Fatalf("dig(0,6): %v", err)
	}
	if _, err := tbl.Dig(2, 1); err == nil {
		t.Error("expected dig(2,1) to fail")
	}

	if got, ok := tbl.Get(d); !ok || got.Offset != 0 || got.Size != 6 {
		t.Errorf("Get(d) = %+v, %v", got, ok)
	}
}

func TestDigRejectsNonPositiveSize(t *testing.T) {
	var tbl Table
	if _, err := tbl.Dig(0, 0); err == nil {
		t.Error("expected error digging a zero-size hole")
	}
	if _, err := tbl.Dig(0, -1); err == nil {
		t.Error("expected error digging a negative-size hole")
	}
}

func TestFillUnknownIDFails(t *testing.T) {
	var tbl Table
	if err := tbl.Fill(42); err == nil {
		t.Error("expected error filling a nonexistent hole")
	}
}

func TestIDsMonotonic(t *testing.T) {
	var tbl Table
	ids := make([]int, 0, 5)
	offset := int64(0)
	for i := 0; i < 5; i++ {
		id, err := tbl.Dig(offset, 1)
		if err != nil {
			t.Fatalf("dig %d: %v", i, err)
		}
		ids = append(ids, id)
		offset += 2
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not monotonically increasing: %v", ids)
		}
	}
}
