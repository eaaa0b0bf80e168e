package slots

import (
	"slices"
	"testing"

	"shapeshift/internal/shape"
	"shapeshift/internal/value"
)

func TestTableDictKeepsInsertionOrder(t *testing.T) {
	var tbl Table
	tbl.SetDict([]shape.Key{"@z", "@a", "@m"}, []value.Value{value.Int(1), value.Int(2), value.Int(3)})
	if !tbl.Complex() {
		t.Fatalf("table not in dictionary mode")
	}
	tbl.Put("@a", value.Int(20))
	if !tbl.Remove("@z") || tbl.Remove("@z") {
		t.Fatalf("remove did not report presence")
	}
	tbl.Put("@b", value.Int(4))
	tbl.Put("@z", value.Int(5))

	want := []shape.Key{"@a", "@m", "@b", "@z"}
	if !slices.Equal(tbl.Order, want) {
		t.Fatalf("order = %v, want %v", tbl.Order, want)
	}
	if tbl.Dict["@a"].AsInt() != 20 || len(tbl.Dict) != 4 {
		t.Fatalf("dict = %v", tbl.Dict)
	}
	tbl.Reset()
	if tbl.Complex() || tbl.Order != nil {
		t.Fatalf("reset kept dictionary storage")
	}
}
