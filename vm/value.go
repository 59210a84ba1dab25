package vm

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync/atomic"
)

// Kind identifies the runtime type of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindBigInt
	KindFloat
	KindString
	KindList
	KindTuple
	KindMap
	KindSet
	KindRecord
	KindUnion
	KindClosure
	KindFuture
	KindContinuation
	KindChannel
	KindInstance // handle to a process runtime extension instance
	KindProcess  // handle to a scheduled process
)

// kindNames is indexed by Kind for diagnostics.
var kindNames = [...]string{
	"Null", "Bool", "Int", "BigInt", "Float", "String",
	"List", "Tuple", "Map", "Set", "Record", "Union",
	"Closure", "Future", "Continuation", "Channel", "Instance", "Process",
}

// String returns the type name of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ---------------------------------------------------------------------------
// Value: tagged runtime value
// ---------------------------------------------------------------------------

// Value is a tagged Lumen runtime value. Scalars (null, bool, int, float)
// are stored inline and never allocate. Strings are immutable Go strings.
// Composite kinds point at shared, reference-counted containers that clone
// on the first write after a share event.
type Value struct {
	kind Kind
	num  uint64 // int bits, bool, float bits, handle ids
	str  string
	obj  any // composite payload (*List, *Map, ... , *big.Int)
}

// Well-known scalar values.
var (
	Null  = Value{kind: KindNull}
	True  = Value{kind: KindBool, num: 1}
	False = Value{kind: KindBool, num: 0}
)

// Kind returns the runtime type tag of the value.
func (v Value) Kind() Kind { return v.kind }

// TypeName returns the user-visible type name (record/union values report
// their declared type).
func (v Value) TypeName() string {
	switch v.kind {
	case KindRecord:
		return v.obj.(*Record).TypeName
	case KindUnion:
		return v.obj.(*Union).TypeName
	default:
		return v.kind.String()
	}
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// FromBool wraps a Go bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// FromInt wraps a fixed-width integer.
func FromInt(n int64) Value {
	return Value{kind: KindInt, num: uint64(n)}
}

// FromBigInt wraps an arbitrary-precision integer, demoting back to a
// fixed-width int when the value fits.
func FromBigInt(n *big.Int) Value {
	if n.IsInt64() {
		return FromInt(n.Int64())
	}
	return Value{kind: KindBigInt, obj: n}
}

// FromFloat wraps a float64.
func FromFloat(f float64) Value {
	return Value{kind: KindFloat, num: math.Float64bits(f)}
}

// FromString wraps a string.
func FromString(s string) Value {
	return Value{kind: KindString, str: s}
}

// NewList builds a list value owning the given slice.
func NewList(items []Value) Value {
	return Value{kind: KindList, obj: &List{Items: items}}
}

// NewTuple builds a fixed tuple value owning the given slice.
func NewTuple(items []Value) Value {
	return Value{kind: KindTuple, obj: &Tuple{Items: items}}
}

// NewMap builds an ordered-key map from unsorted key/value pairs.
// Later duplicates overwrite earlier ones.
func NewMap(keys, vals []Value) Value {
	m := &Map{}
	for i := range keys {
		m.set(keys[i], vals[i])
	}
	return Value{kind: KindMap, obj: m}
}

// NewSet builds a sorted set from the given elements, deduplicating.
func NewSet(items []Value) Value {
	s := &Set{}
	for _, it := range items {
		s.add(it)
	}
	return Value{kind: KindSet, obj: s}
}

// NewRecord builds a record value. Field order is normalized to sorted
// field names so records compare structurally.
func NewRecord(typeName string, names []string, vals []Value) Value {
	r := &Record{TypeName: typeName, Names: names, Fields: vals}
	r.normalize()
	return Value{kind: KindRecord, obj: r}
}

// NewUnion builds a tagged-union value.
func NewUnion(typeName, variant string, payload Value) Value {
	return Value{kind: KindUnion, obj: &Union{TypeName: typeName, Variant: variant, Payload: payload}}
}

// NewClosure builds a closure over a cell with captured values.
func NewClosure(cellIdx int, captures []Value) Value {
	return Value{kind: KindClosure, obj: &Closure{CellIdx: cellIdx, Captures: captures}}
}

// FromChannel wraps a channel handle id.
func FromChannel(id uint64) Value {
	return Value{kind: KindChannel, num: id}
}

// FromInstance wraps a process-extension instance handle id.
func FromInstance(id uint64) Value {
	return Value{kind: KindInstance, num: id}
}

// FromProcess wraps a scheduled-process handle id.
func FromProcess(id uint64) Value {
	return Value{kind: KindProcess, num: id}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload. Panics on other kinds.
func (v Value) Bool() bool {
	if v.kind != KindBool {
		panic(corrupt("Value.Bool on " + v.kind.String()))
	}
	return v.num != 0
}

// Int returns the fixed-width integer payload. Panics on other kinds.
func (v Value) Int() int64 {
	if v.kind != KindInt {
		panic(corrupt("Value.Int on " + v.kind.String()))
	}
	return int64(v.num)
}

// Float returns the float payload. Panics on other kinds.
func (v Value) Float() float64 {
	if v.kind != KindFloat {
		panic(corrupt("Value.Float on " + v.kind.String()))
	}
	return math.Float64frombits(v.num)
}

// Str returns the string payload. Panics on other kinds.
func (v Value) Str() string {
	if v.kind != KindString {
		panic(corrupt("Value.Str on " + v.kind.String()))
	}
	return v.str
}

// Handle returns the opaque id of channel/instance/process values.
func (v Value) Handle() uint64 { return v.num }

// BigInt returns the arbitrary-precision payload. Panics on other kinds.
func (v Value) BigInt() *big.Int {
	if v.kind != KindBigInt {
		panic(corrupt("Value.BigInt on " + v.kind.String()))
	}
	return v.obj.(*big.Int)
}

// List returns the list container for read access.
func (v Value) List() *List { return v.obj.(*List) }

// Tuple returns the tuple container for read access.
func (v Value) Tuple() *Tuple { return v.obj.(*Tuple) }

// Map returns the map container for read access.
func (v Value) Map() *Map { return v.obj.(*Map) }

// Set returns the set container for read access.
func (v Value) Set() *Set { return v.obj.(*Set) }

// Record returns the record container for read access.
func (v Value) Record() *Record { return v.obj.(*Record) }

// Union returns the union container for read access.
func (v Value) Union() *Union { return v.obj.(*Union) }

// Closure returns the closure payload.
func (v Value) Closure() *Closure { return v.obj.(*Closure) }

// Future returns the future payload.
func (v Value) Future() *Future { return v.obj.(*Future) }

// Continuation returns the continuation payload.
func (v Value) Continuation() *Continuation { return v.obj.(*Continuation) }

// Truthy reports the value's truth: null and false are falsy, everything
// else is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.num != 0
	default:
		return true
	}
}

// AsInt converts int-like values to int64. The second result reports
// whether the conversion applied.
func (v Value) AsInt() (int64, bool) {
	switch v.kind {
	case KindInt:
		return int64(v.num), true
	case KindFloat:
		f := math.Float64frombits(v.num)
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int64(f), true
		}
	case KindBigInt:
		if b := v.obj.(*big.Int); b.IsInt64() {
			return b.Int64(), true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Composite containers
// ---------------------------------------------------------------------------

// shared is embedded in every composite container. refs counts owners
// beyond the first; a container with refs > 0 must be cloned before any
// in-place write.
type shared struct {
	refs atomic.Int32
}

// List is an ordered growable sequence.
type List struct {
	shared
	Items []Value
}

// Tuple is a fixed-arity sequence.
type Tuple struct {
	shared
	Items []Value
}

// Map is an ordered-key map: keys are kept sorted by the total value
// ordering so iteration and encoding are deterministic.
type Map struct {
	shared
	Keys []Value
	Vals []Value
}

// Set is a sorted set of values under the total ordering.
type Set struct {
	shared
	Items []Value
}

// Record is a named product type with sorted field names.
type Record struct {
	shared
	TypeName string
	Names    []string
	Fields   []Value
}

// Union is a tagged-union value: one active variant with a payload.
type Union struct {
	shared
	TypeName string
	Variant  string
	Payload  Value
}

// Closure pairs a cell index with its captured environment.
type Closure struct {
	CellIdx  int
	Captures []Value
}

func (m *Map) search(key Value) (int, bool) {
	i := sort.Search(len(m.Keys), func(i int) bool { return Compare(m.Keys[i], key) >= 0 })
	if i < len(m.Keys) && Equal(m.Keys[i], key) {
		return i, true
	}
	return i, false
}

func (m *Map) set(key, val Value) {
	i, ok := m.search(key)
	if ok {
		m.Vals[i] = val
		return
	}
	m.Keys = append(m.Keys, Null)
	m.Vals = append(m.Vals, Null)
	copy(m.Keys[i+1:], m.Keys[i:])
	copy(m.Vals[i+1:], m.Vals[i:])
	m.Keys[i] = key
	m.Vals[i] = val
}

// Get looks up a key, returning (Null, false) when absent.
func (m *Map) Get(key Value) (Value, bool) {
	if i, ok := m.search(key); ok {
		return m.Vals[i], true
	}
	return Null, false
}

func (s *Set) search(item Value) (int, bool) {
	i := sort.Search(len(s.Items), func(i int) bool { return Compare(s.Items[i], item) >= 0 })
	if i < len(s.Items) && Equal(s.Items[i], item) {
		return i, true
	}
	return i, false
}

func (s *Set) add(item Value) {
	i, ok := s.search(item)
	if ok {
		return
	}
	s.Items = append(s.Items, Null)
	copy(s.Items[i+1:], s.Items[i:])
	s.Items[i] = item
}

// Contains reports set membership under structural equality.
func (s *Set) Contains(item Value) bool {
	_, ok := s.search(item)
	return ok
}

func (r *Record) normalize() {
	sort.Sort(byFieldName{r})
}

type byFieldName struct{ r *Record }

func (b byFieldName) Len() int           { return len(b.r.Names) }
func (b byFieldName) Less(i, j int) bool { return b.r.Names[i] < b.r.Names[j] }
func (b byFieldName) Swap(i, j int) {
	b.r.Names[i], b.r.Names[j] = b.r.Names[j], b.r.Names[i]
	b.r.Fields[i], b.r.Fields[j] = b.r.Fields[j], b.r.Fields[i]
}

// Field looks up a record field by name.
func (r *Record) Field(name string) (Value, bool) {
	i := sort.SearchStrings(r.Names, name)
	if i < len(r.Names) && r.Names[i] == name {
		return r.Fields[i], true
	}
	return Null, false
}

// ---------------------------------------------------------------------------
// Ownership: retain / release / copy-on-write
// ---------------------------------------------------------------------------

// Retain records a share event: the value now has one more owner.
// Scalars are unaffected.
func (v Value) Retain() Value {
	switch v.kind {
	case KindList:
		v.obj.(*List).refs.Add(1)
	case KindTuple:
		v.obj.(*Tuple).refs.Add(1)
	case KindMap:
		v.obj.(*Map).refs.Add(1)
	case KindSet:
		v.obj.(*Set).refs.Add(1)
	case KindRecord:
		v.obj.(*Record).refs.Add(1)
	case KindUnion:
		v.obj.(*Union).refs.Add(1)
	}
	return v
}

// Release records that an owner dropped the value.
func (v Value) Release() {
	switch v.kind {
	case KindList:
		v.obj.(*List).refs.Add(-1)
	case KindTuple:
		v.obj.(*Tuple).refs.Add(-1)
	case KindMap:
		v.obj.(*Map).refs.Add(-1)
	case KindSet:
		v.obj.(*Set).refs.Add(-1)
	case KindRecord:
		v.obj.(*Record).refs.Add(-1)
	case KindUnion:
		v.obj.(*Union).refs.Add(-1)
	}
}

// listForWrite returns a list container safe to mutate in place, cloning
// when the container is shared. The returned Value must replace v at the
// write site.
func (v Value) listForWrite() (*List, Value) {
	l := v.obj.(*List)
	if l.refs.Load() <= 0 {
		return l, v
	}
	l.refs.Add(-1)
	clone := &List{Items: make([]Value, len(l.Items))}
	copy(clone.Items, l.Items)
	for _, it := range clone.Items {
		it.Retain()
	}
	return clone, Value{kind: KindList, obj: clone}
}

func (v Value) mapForWrite() (*Map, Value) {
	m := v.obj.(*Map)
	if m.refs.Load() <= 0 {
		return m, v
	}
	m.refs.Add(-1)
	clone := &Map{
		Keys: append([]Value(nil), m.Keys...),
		Vals: append([]Value(nil), m.Vals...),
	}
	for i := range clone.Keys {
		clone.Keys[i].Retain()
		clone.Vals[i].Retain()
	}
	return clone, Value{kind: KindMap, obj: clone}
}

func (v Value) setForWrite() (*Set, Value) {
	s := v.obj.(*Set)
	if s.refs.Load() <= 0 {
		return s, v
	}
	s.refs.Add(-1)
	clone := &Set{Items: append([]Value(nil), s.Items...)}
	for _, it := range clone.Items {
		it.Retain()
	}
	return clone, Value{kind: KindSet, obj: clone}
}

func (v Value) recordForWrite() (*Record, Value) {
	r := v.obj.(*Record)
	if r.refs.Load() <= 0 {
		return r, v
	}
	r.refs.Add(-1)
	clone := &Record{
		TypeName: r.TypeName,
		Names:    append([]string(nil), r.Names...),
		Fields:   append([]Value(nil), r.Fields...),
	}
	for _, f := range clone.Fields {
		f.Retain()
	}
	return clone, Value{kind: KindRecord, obj: clone}
}

func (v Value) tupleForWrite() (*Tuple, Value) {
	t := v.obj.(*Tuple)
	if t.refs.Load() <= 0 {
		return t, v
	}
	t.refs.Add(-1)
	clone := &Tuple{Items: append([]Value(nil), t.Items...)}
	for _, it := range clone.Items {
		it.Retain()
	}
	return clone, Value{kind: KindTuple, obj: clone}
}

// ---------------------------------------------------------------------------
// Equality and total ordering
// ---------------------------------------------------------------------------

// kindRank orders value kinds for the total cross-kind ordering. All
// numeric kinds share a rank so mixed-kind numeric comparison stays
// arithmetic.
func kindRank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindBigInt, KindFloat:
		return 2
	case KindString:
		return 3
	case KindList:
		return 4
	case KindTuple:
		return 5
	case KindSet:
		return 6
	case KindMap:
		return 7
	case KindRecord:
		return 8
	case KindUnion:
		return 9
	default:
		return 10 + int(k)
	}
}

// Equal reports structural equality.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// Compare is the total cross-kind ordering: values of different kind
// ranks order by rank; numbers compare arithmetically regardless of
// representation; composites compare lexicographically. Sorted containers
// rely on this never failing, even for heterogeneous keys.
func Compare(a, b Value) int {
	ra, rb := kindRank(a.kind), kindRank(b.kind)
	if ra != rb {
		return ra - rb
	}
	switch a.kind {
	case KindNull:
		return 0
	case KindBool:
		return int(a.num) - int(b.num)
	case KindInt, KindBigInt, KindFloat:
		return compareNumeric(a, b)
	case KindString:
		return strings.Compare(a.str, b.str)
	case KindList:
		return compareSlices(a.List().Items, b.List().Items)
	case KindTuple:
		return compareSlices(a.Tuple().Items, b.Tuple().Items)
	case KindSet:
		return compareSlices(a.Set().Items, b.Set().Items)
	case KindMap:
		am, bm := a.Map(), b.Map()
		if c := compareSlices(am.Keys, bm.Keys); c != 0 {
			return c
		}
		return compareSlices(am.Vals, bm.Vals)
	case KindRecord:
		ar, br := a.Record(), b.Record()
		if c := strings.Compare(ar.TypeName, br.TypeName); c != 0 {
			return c
		}
		if c := len(ar.Names) - len(br.Names); c != 0 {
			return c
		}
		for i := range ar.Names {
			if c := strings.Compare(ar.Names[i], br.Names[i]); c != 0 {
				return c
			}
		}
		return compareSlices(ar.Fields, br.Fields)
	case KindUnion:
		au, bu := a.Union(), b.Union()
		if c := strings.Compare(au.TypeName, bu.TypeName); c != 0 {
			return c
		}
		if c := strings.Compare(au.Variant, bu.Variant); c != 0 {
			return c
		}
		return Compare(au.Payload, bu.Payload)
	default:
		// Handles (closure, future, channel, ...) order by identity id.
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		default:
			return 0
		}
	}
}

func compareSlices(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func compareNumeric(a, b Value) int {
	// Fast path: both fixed-width.
	if a.kind == KindInt && b.kind == KindInt {
		ai, bi := int64(a.num), int64(b.num)
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	if a.kind == KindBigInt || b.kind == KindBigInt {
		return toBig(a).Cmp(toBig(b))
	}
	af, bf := a.numericFloat(), b.numericFloat()
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	case af == bf:
		return 0
	default:
		// NaN sorts after every other float so ordering stays total.
		if math.IsNaN(af) && math.IsNaN(bf) {
			return 0
		}
		if math.IsNaN(af) {
			return 1
		}
		return -1
	}
}

func (v Value) numericFloat() float64 {
	switch v.kind {
	case KindInt:
		return float64(int64(v.num))
	case KindFloat:
		return math.Float64frombits(v.num)
	case KindBigInt:
		f, _ := new(big.Float).SetInt(v.obj.(*big.Int)).Float64()
		return f
	}
	panic(corrupt("numericFloat on " + v.kind.String()))
}

func toBig(v Value) *big.Int {
	switch v.kind {
	case KindInt:
		return big.NewInt(int64(v.num))
	case KindBigInt:
		return v.obj.(*big.Int)
	case KindFloat:
		bi, _ := big.NewFloat(math.Float64frombits(v.num)).Int(nil)
		return bi
	}
	panic(corrupt("toBig on " + v.kind.String()))
}

// ---------------------------------------------------------------------------
// Display
// ---------------------------------------------------------------------------

// String renders the value for diagnostics and traces.
func (v Value) String() string {
	var sb strings.Builder
	v.write(&sb)
	return sb.String()
}

func (v Value) write(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		if v.num != 0 {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case KindInt:
		fmt.Fprintf(sb, "%d", int64(v.num))
	case KindBigInt:
		sb.WriteString(v.obj.(*big.Int).String())
	case KindFloat:
		fmt.Fprintf(sb, "%g", math.Float64frombits(v.num))
	case KindString:
		fmt.Fprintf(sb, "%q", v.str)
	case KindList:
		writeSeq(sb, "[", "]", v.List().Items)
	case KindTuple:
		writeSeq(sb, "(", ")", v.Tuple().Items)
	case KindSet:
		writeSeq(sb, "#{", "}", v.Set().Items)
	case KindMap:
		m := v.Map()
		sb.WriteString("{")
		for i := range m.Keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			m.Keys[i].write(sb)
			sb.WriteString(": ")
			m.Vals[i].write(sb)
		}
		sb.WriteString("}")
	case KindRecord:
		r := v.Record()
		sb.WriteString(r.TypeName)
		sb.WriteString("{")
		for i := range r.Names {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(r.Names[i])
			sb.WriteString(": ")
			r.Fields[i].write(sb)
		}
		sb.WriteString("}")
	case KindUnion:
		u := v.Union()
		sb.WriteString(u.TypeName)
		sb.WriteString(".")
		sb.WriteString(u.Variant)
		if !u.Payload.IsNull() {
			sb.WriteString("(")
			u.Payload.write(sb)
			sb.WriteString(")")
		}
	case KindClosure:
		fmt.Fprintf(sb, "<closure cell=%d>", v.obj.(*Closure).CellIdx)
	case KindFuture:
		fmt.Fprintf(sb, "<future %d>", v.Future().ID)
	case KindContinuation:
		sb.WriteString("<continuation>")
	case KindChannel:
		fmt.Fprintf(sb, "<channel %d>", v.num)
	case KindInstance:
		fmt.Fprintf(sb, "<instance %d>", v.num)
	case KindProcess:
		fmt.Fprintf(sb, "<process %d>", v.num)
	default:
		fmt.Fprintf(sb, "<%s>", v.kind)
	}
}

func writeSeq(sb *strings.Builder, open, close string, items []Value) {
	sb.WriteString(open)
	for i, it := range items {
		if i > 0 {
			sb.WriteString(", ")
		}
		it.write(sb)
	}
	sb.WriteString(close)
}
