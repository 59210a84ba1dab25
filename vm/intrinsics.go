package vm

import (
	"math"
	"math/big"
	"strconv"
	"strings"
)

// IntrinsicID indexes the builtin table. IDs are part of the wire format
// and never reused.
type IntrinsicID int

const (
	IntrLen IntrinsicID = iota
	IntrContains
	IntrKeys
	IntrValues
	IntrJoin
	IntrSplit
	IntrTrim
	IntrUpper
	IntrLower
	IntrReplace
	IntrSlice
	IntrRange
	IntrAbs
	IntrMin
	IntrMax
	IntrFloor
	IntrCeil
	IntrRound
	IntrTypeOf
	IntrToString
	IntrToInt
	IntrToFloat
	IntrDiff
	intrCount
)

type intrinsicFn struct {
	name  string
	arity int // -1 means variadic
	fn    func(args []Value) (Value, error)
}

var intrinsics [intrCount]intrinsicFn

func init() {
	intrinsics = [intrCount]intrinsicFn{
		IntrLen:      {"len", 1, intrLen},
		IntrContains: {"contains", 2, intrContains},
		IntrKeys:     {"keys", 1, intrKeys},
		IntrValues:   {"values", 1, intrValues},
		IntrJoin:     {"join", 2, intrJoin},
		IntrSplit:    {"split", 2, intrSplit},
		IntrTrim:     {"trim", 1, intrTrim},
		IntrUpper:    {"upper", 1, intrUpper},
		IntrLower:    {"lower", 1, intrLower},
		IntrReplace:  {"replace", 3, intrReplace},
		IntrSlice:    {"slice", 3, intrSlice},
		IntrRange:    {"range", 2, intrRange},
		IntrAbs:      {"abs", 1, intrAbs},
		IntrMin:      {"min", -1, intrMin},
		IntrMax:      {"max", -1, intrMax},
		IntrFloor:    {"floor", 1, intrFloor},
		IntrCeil:     {"ceil", 1, intrCeil},
		IntrRound:    {"round", 1, intrRound},
		IntrTypeOf:   {"typeof", 1, intrTypeOf},
		IntrToString: {"tostring", 1, intrToString},
		IntrToInt:    {"toint", 1, intrToInt},
		IntrToFloat:  {"tofloat", 1, intrToFloat},
		IntrDiff:     {"diff", 2, intrDiff},
	}
}

// callIntrinsic validates the id and arity and runs the builtin.
func (mach *Machine) callIntrinsic(id IntrinsicID, args []Value) (Value, error) {
	if id < 0 || id >= intrCount {
		panic(corrupt("unknown intrinsic id"))
	}
	in := &intrinsics[id]
	if in.arity >= 0 && len(args) != in.arity {
		return Null, runtimeErr(ErrType, "%s takes %d arguments, got %d", in.name, in.arity, len(args))
	}
	return in.fn(args)
}

func intrLen(args []Value) (Value, error) {
	v := args[0]
	switch v.Kind() {
	case KindString:
		return FromInt(int64(len([]rune(v.Str())))), nil
	case KindList:
		return FromInt(int64(len(v.List().Items))), nil
	case KindTuple:
		return FromInt(int64(len(v.Tuple().Items))), nil
	case KindMap:
		return FromInt(int64(len(v.Map().Keys))), nil
	case KindSet:
		return FromInt(int64(len(v.Set().Items))), nil
	case KindRecord:
		return FromInt(int64(len(v.Record().Names))), nil
	default:
		return Null, runtimeErr(ErrType, "len of %s", v.TypeName())
	}
}

func intrContains(args []Value) (Value, error) {
	v, needle := args[0], args[1]
	switch v.Kind() {
	case KindString:
		if needle.Kind() != KindString {
			return Null, runtimeErr(ErrType, "contains needle is %s", needle.TypeName())
		}
		return FromBool(strings.Contains(v.Str(), needle.Str())), nil
	case KindList:
		for _, it := range v.List().Items {
			if Equal(it, needle) {
				return True, nil
			}
		}
		return False, nil
	case KindSet:
		for _, it := range v.Set().Items {
			if Equal(it, needle) {
				return True, nil
			}
		}
		return False, nil
	case KindMap:
		_, ok := mapFind(v.Map(), needle)
		return FromBool(ok), nil
	default:
		return Null, runtimeErr(ErrType, "contains on %s", v.TypeName())
	}
}

func intrKeys(args []Value) (Value, error) {
	v := args[0]
	switch v.Kind() {
	case KindMap:
		m := v.Map()
		out := make([]Value, len(m.Keys))
		for i, k := range m.Keys {
			out[i] = k.Retain()
		}
		return NewList(out), nil
	case KindRecord:
		r := v.Record()
		out := make([]Value, len(r.Names))
		for i, n := range r.Names {
			out[i] = FromString(n)
		}
		return NewList(out), nil
	default:
		return Null, runtimeErr(ErrType, "keys of %s", v.TypeName())
	}
}

func intrValues(args []Value) (Value, error) {
	v := args[0]
	switch v.Kind() {
	case KindMap:
		m := v.Map()
		out := make([]Value, len(m.Vals))
		for i, val := range m.Vals {
			out[i] = val.Retain()
		}
		return NewList(out), nil
	case KindRecord:
		r := v.Record()
		out := make([]Value, len(r.Fields))
		for i, f := range r.Fields {
			out[i] = f.Retain()
		}
		return NewList(out), nil
	case KindSet:
		s := v.Set()
		out := make([]Value, len(s.Items))
		for i, it := range s.Items {
			out[i] = it.Retain()
		}
		return NewList(out), nil
	default:
		return Null, runtimeErr(ErrType, "values of %s", v.TypeName())
	}
}

func intrJoin(args []Value) (Value, error) {
	if args[0].Kind() != KindList || args[1].Kind() != KindString {
		return Null, runtimeErr(ErrType, "join takes (List, String)")
	}
	parts := make([]string, len(args[0].List().Items))
	for i, it := range args[0].List().Items {
		parts[i] = displayString(it)
	}
	return FromString(strings.Join(parts, args[1].Str())), nil
}

func intrSplit(args []Value) (Value, error) {
	if args[0].Kind() != KindString || args[1].Kind() != KindString {
		return Null, runtimeErr(ErrType, "split takes (String, String)")
	}
	parts := strings.Split(args[0].Str(), args[1].Str())
	out := make([]Value, len(parts))
	for i, s := range parts {
		out[i] = FromString(s)
	}
	return NewList(out), nil
}

func intrTrim(args []Value) (Value, error) {
	if args[0].Kind() != KindString {
		return Null, runtimeErr(ErrType, "trim of %s", args[0].TypeName())
	}
	return FromString(strings.TrimSpace(args[0].Str())), nil
}

func intrUpper(args []Value) (Value, error) {
	if args[0].Kind() != KindString {
		return Null, runtimeErr(ErrType, "upper of %s", args[0].TypeName())
	}
	return FromString(strings.ToUpper(args[0].Str())), nil
}

func intrLower(args []Value) (Value, error) {
	if args[0].Kind() != KindString {
		return Null, runtimeErr(ErrType, "lower of %s", args[0].TypeName())
	}
	return FromString(strings.ToLower(args[0].Str())), nil
}

func intrReplace(args []Value) (Value, error) {
	for _, a := range args {
		if a.Kind() != KindString {
			return Null, runtimeErr(ErrType, "replace takes (String, String, String)")
		}
	}
	return FromString(strings.ReplaceAll(args[0].Str(), args[1].Str(), args[2].Str())), nil
}

func intrSlice(args []Value) (Value, error) {
	lo, ok1 := args[1].AsInt()
	hi, ok2 := args[2].AsInt()
	if !ok1 || !ok2 {
		return Null, runtimeErr(ErrType, "slice bounds must be Int")
	}
	clampRange := func(n int) (int, int, error) {
		l, h := lo, hi
		if l < 0 {
			l += int64(n)
		}
		if h < 0 {
			h += int64(n)
		}
		if l < 0 || h > int64(n) || l > h {
			return 0, 0, runtimeErr(ErrBounds, "slice [%d:%d] of length %d", lo, hi, n)
		}
		return int(l), int(h), nil
	}
	switch args[0].Kind() {
	case KindString:
		rs := []rune(args[0].Str())
		l, h, err := clampRange(len(rs))
		if err != nil {
			return Null, err
		}
		return FromString(string(rs[l:h])), nil
	case KindList:
		items := args[0].List().Items
		l, h, err := clampRange(len(items))
		if err != nil {
			return Null, err
		}
		out := make([]Value, h-l)
		for i, it := range items[l:h] {
			out[i] = it.Retain()
		}
		return NewList(out), nil
	default:
		return Null, runtimeErr(ErrType, "slice of %s", args[0].TypeName())
	}
}

func intrRange(args []Value) (Value, error) {
	lo, ok1 := args[0].AsInt()
	hi, ok2 := args[1].AsInt()
	if !ok1 || !ok2 {
		return Null, runtimeErr(ErrType, "range bounds must be Int")
	}
	if hi < lo {
		hi = lo
	}
	out := make([]Value, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, FromInt(i))
	}
	return NewList(out), nil
}

func intrAbs(args []Value) (Value, error) {
	v := args[0]
	switch v.Kind() {
	case KindInt:
		if v.Int() < 0 {
			return neg(v)
		}
		return v, nil
	case KindBigInt:
		n := v.BigInt()
		if n.Sign() < 0 {
			return neg(v)
		}
		return v, nil
	case KindFloat:
		return FromFloat(math.Abs(v.Float())), nil
	default:
		return Null, runtimeErr(ErrType, "abs of %s", v.TypeName())
	}
}

func intrMin(args []Value) (Value, error) {
	if len(args) == 0 {
		return Null, runtimeErr(ErrType, "min of nothing")
	}
	best := args[0]
	for _, v := range args[1:] {
		if Compare(v, best) < 0 {
			best = v
		}
	}
	return best, nil
}

func intrMax(args []Value) (Value, error) {
	if len(args) == 0 {
		return Null, runtimeErr(ErrType, "max of nothing")
	}
	best := args[0]
	for _, v := range args[1:] {
		if Compare(v, best) > 0 {
			best = v
		}
	}
	return best, nil
}

func intrFloor(args []Value) (Value, error) { return floatToInt(args[0], math.Floor) }
func intrCeil(args []Value) (Value, error)  { return floatToInt(args[0], math.Ceil) }
func intrRound(args []Value) (Value, error) { return floatToInt(args[0], math.Round) }

func floatToInt(v Value, f func(float64) float64) (Value, error) {
	switch v.Kind() {
	case KindInt, KindBigInt:
		return v, nil
	case KindFloat:
		r := f(v.Float())
		if r >= math.MinInt64 && r <= math.MaxInt64 {
			return FromInt(int64(r)), nil
		}
		return Null, runtimeErr(ErrOverflow, "%v does not fit in Int", r)
	default:
		return Null, runtimeErr(ErrType, "rounding of %s", v.TypeName())
	}
}

func intrTypeOf(args []Value) (Value, error) {
	return FromString(args[0].TypeName()), nil
}

func intrToString(args []Value) (Value, error) {
	return FromString(displayString(args[0])), nil
}

func intrToInt(args []Value) (Value, error) {
	v := args[0]
	switch v.Kind() {
	case KindInt, KindBigInt:
		return v, nil
	case KindFloat:
		return floatToInt(v, math.Trunc)
	case KindBool:
		if v.Bool() {
			return FromInt(1), nil
		}
		return FromInt(0), nil
	case KindString:
		return parseIntValue(v.Str())
	default:
		return Null, runtimeErr(ErrType, "toint of %s", v.TypeName())
	}
}

func intrToFloat(args []Value) (Value, error) {
	v := args[0]
	switch v.Kind() {
	case KindFloat:
		return v, nil
	case KindInt:
		return FromFloat(float64(v.Int())), nil
	case KindBigInt:
		f, _ := new(big.Float).SetInt(v.BigInt()).Float64()
		return FromFloat(f), nil
	case KindString:
		return parseFloatValue(v.Str())
	default:
		return Null, runtimeErr(ErrType, "tofloat of %s", v.TypeName())
	}
}

// intrDiff computes a structural difference between two values. Scalars
// produce a {before, after} record when unequal; maps and records recurse
// per key into {added, removed, changed}. Agent-facing code uses this to
// reconcile memory snapshots.
func intrDiff(args []Value) (Value, error) {
	return diffValues(args[0], args[1]), nil
}

func diffValues(before, after Value) Value {
	if Equal(before, after) {
		return Null
	}
	switch {
	case before.Kind() == KindMap && after.Kind() == KindMap:
		return diffMaps(before.Map(), after.Map())
	case before.Kind() == KindRecord && after.Kind() == KindRecord &&
		before.Record().TypeName == after.Record().TypeName:
		return diffRecords(before.Record(), after.Record())
	default:
		return NewRecord("Change",
			[]string{"after", "before"},
			[]Value{after.Retain(), before.Retain()})
	}
}

func diffMaps(b, a *Map) Value {
	var added, removed, changed []Value
	addedVals := []Value{}
	changedVals := []Value{}
	for i, k := range a.Keys {
		if old, ok := mapFind(b, k); !ok {
			added = append(added, k.Retain())
			addedVals = append(addedVals, a.Vals[i].Retain())
		} else if !Equal(old, a.Vals[i]) {
			changed = append(changed, k.Retain())
			changedVals = append(changedVals, diffValues(old, a.Vals[i]))
		}
	}
	for _, k := range b.Keys {
		if _, ok := mapFind(a, k); !ok {
			removed = append(removed, k.Retain())
		}
	}
	return NewRecord("Diff",
		[]string{"added", "changed", "removed"},
		[]Value{NewMap(added, addedVals), NewMap(changed, changedVals), NewList(removed)})
}

func diffRecords(b, a *Record) Value {
	var names []string
	var diffs []Value
	for i, n := range a.Names {
		for j, m := range b.Names {
			if n == m && !Equal(a.Fields[i], b.Fields[j]) {
				names = append(names, n)
				diffs = append(diffs, diffValues(b.Fields[j], a.Fields[i]))
			}
		}
	}
	vals := make([]Value, len(names))
	copy(vals, diffs)
	keys := make([]Value, len(names))
	for i, n := range names {
		keys[i] = FromString(n)
	}
	return NewRecord("Diff",
		[]string{"changed", "type"},
		[]Value{NewMap(keys, vals), FromString(a.TypeName)})
}

func parseIntValue(s string) (Value, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Null, runtimeErr(ErrType, "toint of %q", s)
	}
	return FromBigInt(n), nil
}

func parseFloatValue(s string) (Value, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return Null, runtimeErr(ErrType, "tofloat of %q", s)
	}
	return FromFloat(f), nil
}
