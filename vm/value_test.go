package vm

import (
	"math"
	"math/big"
	"testing"
)

func TestCopyOnWriteListIsolation(t *testing.T) {
	orig := NewList([]Value{FromInt(1), FromInt(2), FromInt(3)})

	// Share, then mutate the shared copy.
	shared := orig.Retain()
	l, mutated := shared.listForWrite()
	l.Items[0] = FromInt(99)

	if got := orig.List().Items[0]; got.Int() != 1 {
		t.Errorf("original list changed through shared copy: %s", got)
	}
	if got := mutated.List().Items[0]; got.Int() != 99 {
		t.Errorf("mutated list = %s, want 99", got)
	}
}

func TestCopyOnWriteMapIsolation(t *testing.T) {
	orig := NewMap(
		[]Value{FromString("a")},
		[]Value{FromInt(1)},
	)
	shared := orig.Retain()

	m, mutated := shared.mapForWrite()
	mapPut(m, FromString("b"), FromInt(2))

	if len(orig.Map().Keys) != 1 {
		t.Errorf("original map grew to %d keys", len(orig.Map().Keys))
	}
	if len(mutated.Map().Keys) != 2 {
		t.Errorf("mutated map has %d keys, want 2", len(mutated.Map().Keys))
	}
}

func TestUnsharedMutationInPlace(t *testing.T) {
	v := NewList([]Value{FromInt(1)})
	before := v.List()
	l, after := v.listForWrite()
	if l != before || after.List() != before {
		t.Error("unshared list should mutate in place, not clone")
	}
}

func TestCompareTotalOrder(t *testing.T) {
	// Every pair from this list must order consistently with its position.
	ordered := []Value{
		Null,
		False,
		True,
		FromInt(-5),
		FromInt(3),
		FromFloat(3.5),
		FromBigInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)),
		FromString("a"),
		FromString("b"),
		NewList([]Value{FromInt(1)}),
		NewList([]Value{FromInt(2)}),
	}
	for i, a := range ordered {
		for j, b := range ordered {
			got := Compare(a, b)
			switch {
			case i < j && got >= 0:
				t.Errorf("Compare(%s, %s) = %d, want < 0", a, b, got)
			case i > j && got <= 0:
				t.Errorf("Compare(%s, %s) = %d, want > 0", a, b, got)
			case i == j && got != 0:
				t.Errorf("Compare(%s, %s) = %d, want 0", a, b, got)
			}
		}
	}
}

func TestCompareNaNSortsLast(t *testing.T) {
	nan := FromFloat(math.NaN())
	if Compare(nan, FromFloat(1e300)) <= 0 {
		t.Error("NaN should order after every other float")
	}
	if Compare(nan, nan) != 0 {
		t.Error("NaN should equal itself in the total order")
	}
}

func TestNumericCrossKindEquality(t *testing.T) {
	if !Equal(FromInt(3), FromFloat(3.0)) {
		t.Error("3 and 3.0 should be equal")
	}
	if !Equal(FromInt(7), FromBigInt(big.NewInt(7))) {
		t.Error("int 7 and bigint 7 should be equal")
	}
	if Equal(FromInt(3), FromString("3")) {
		t.Error("3 and \"3\" must not be equal across kinds")
	}
}

func TestIntOverflowPromotes(t *testing.T) {
	v, err := arith(opAdd, FromInt(math.MaxInt64), FromInt(1))
	if err != nil {
		t.Fatalf("overflow add failed: %v", err)
	}
	if v.Kind() != KindBigInt {
		t.Fatalf("overflow result kind = %s, want BigInt", v.Kind())
	}
	want := new(big.Int).Add(big.NewInt(math.MaxInt64), big.NewInt(1))
	if v.BigInt().Cmp(want) != 0 {
		t.Errorf("overflow result = %s, want %s", v.BigInt(), want)
	}
}

func TestBigIntDemotesWhenSmall(t *testing.T) {
	v := FromBigInt(big.NewInt(42))
	if v.Kind() != KindInt {
		t.Errorf("small bigint kind = %s, want Int", v.Kind())
	}
}

func TestDivideByZero(t *testing.T) {
	_, err := arith(opDiv, FromInt(1), FromInt(0))
	re, ok := err.(*RuntimeError)
	if !ok || re.Code != ErrDivideByZero {
		t.Errorf("1/0 error = %v, want %s", err, ErrDivideByZero)
	}
}

func TestMapKeysStaySorted(t *testing.T) {
	m := NewMap(
		[]Value{FromString("c"), FromString("a"), FromString("b")},
		[]Value{FromInt(3), FromInt(1), FromInt(2)},
	)
	keys := m.Map().Keys
	for i := 1; i < len(keys); i++ {
		if Compare(keys[i-1], keys[i]) >= 0 {
			t.Fatalf("map keys not sorted: %s before %s", keys[i-1], keys[i])
		}
	}
	if v, ok := mapFind(m.Map(), FromString("b")); !ok || v.Int() != 2 {
		t.Errorf("lookup b = %s, want 2", v)
	}
}

func TestRecordFieldOrderNormalized(t *testing.T) {
	a := NewRecord("Point", []string{"y", "x"}, []Value{FromInt(2), FromInt(1)})
	b := NewRecord("Point", []string{"x", "y"}, []Value{FromInt(1), FromInt(2)})
	if !Equal(a, b) {
		t.Error("records with same fields in different declaration order should be equal")
	}
}

func TestSetDeduplicates(t *testing.T) {
	s := NewSet([]Value{FromInt(2), FromInt(1), FromInt(2)})
	if n := len(s.Set().Items); n != 2 {
		t.Errorf("set size = %d, want 2", n)
	}
}

func TestTruthy(t *testing.T) {
	// Only null and false are falsy; zero and empty are values too.
	tests := []struct {
		v    Value
		want bool
	}{
		{Null, false},
		{False, false},
		{True, true},
		{FromInt(0), true},
		{FromInt(-1), true},
		{FromString(""), true},
		{NewList(nil), true},
	}
	for _, tt := range tests {
		if got := tt.v.Truthy(); got != tt.want {
			t.Errorf("Truthy(%s) = %v, want %v", tt.v, got, tt.want)
		}
	}
}

func TestDisplayString(t *testing.T) {
	v := NewList([]Value{FromInt(1), FromString("hi"), Null})
	if got := v.String(); got != `[1, "hi", null]` {
		t.Errorf("display = %q", got)
	}
}
