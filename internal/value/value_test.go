package value

import "testing"

func TestZeroValueIsUndef(t *testing.T) {
	var v Value
	if !v.IsUndef() {
		t.Fatalf("zero value should be undef, got %v", v.Kind)
	}
	if !v.Equal(Undef()) {
		t.Fatalf("zero value should equal Undef()")
	}
	if Nil().IsUndef() {
		t.Fatalf("nil must be distinguishable from undef")
	}
}

func TestForwardRewritesOnlyMovedRefs(t *testing.T) {
	moves := map[Addr]Addr{1: 10}
	fwd := func(a Addr) (Addr, bool) {
		to, ok := moves[a]
		return to, ok
	}

	got, changed := Ref(1).Forward(fwd)
	if !changed || got.AsRef() != 10 {
		t.Fatalf("expected ref to move to 10, got %v changed=%v", got, changed)
	}
	if _, changed := Ref(2).Forward(fwd); changed {
		t.Fatalf("unmoved ref reported as changed")
	}
	if _, changed := Int(1).Forward(fwd); changed {
		t.Fatalf("non-ref value reported as changed")
	}
}

func TestValueString(t *testing.T) {
	cases := []struct {
		v    Value
		want string
	}{
		{Undef(), "undef"},
		{Nil(), "nil"},
		{Bool(true), "true"},
		{Int(-3), "-3"},
		{Float(1.5), "1.5"},
		{Str("hi"), "hi"},
		{Ref(255), "@0xff"},
	}
	for _, tc := range cases {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("%v.String() = %q, want %q", tc.v.Kind, got, tc.want)
		}
	}
}
