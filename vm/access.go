package vm

import "sort"

// Field and index access for composite values. Writes go through the
// forWrite helpers so shared containers clone before mutation.

func getField(v Value, name string) (Value, error) {
	switch v.Kind() {
	case KindRecord:
		r := v.Record()
		for i, n := range r.Names {
			if n == name {
				return r.Fields[i], nil
			}
		}
		return Null, runtimeErr(ErrBounds, "%s has no field %q", r.TypeName, name)
	case KindUnion:
		u := v.Union()
		switch name {
		case "variant":
			return FromString(u.Variant), nil
		case "value":
			return u.Payload, nil
		}
		return Null, runtimeErr(ErrBounds, "%s has no field %q", u.TypeName, name)
	case KindMap:
		if got, ok := mapFind(v.Map(), FromString(name)); ok {
			return got, nil
		}
		return Null, runtimeErr(ErrBounds, "map has no key %q", name)
	default:
		return Null, runtimeErr(ErrType, "field access on %s", v.TypeName())
	}
}

// setField writes a field and returns the container to store back, which
// differs from v when a clone happened. val arrives already retained.
func setField(v Value, name string, val Value) (Value, error) {
	switch v.Kind() {
	case KindRecord:
		r, nv := v.recordForWrite()
		for i, n := range r.Names {
			if n == name {
				r.Fields[i].Release()
				r.Fields[i] = val
				return nv, nil
			}
		}
		nv.Release()
		val.Release()
		return v, runtimeErr(ErrBounds, "%s has no field %q", r.TypeName, name)
	case KindMap:
		m, nv := v.mapForWrite()
		mapPut(m, FromString(name), val)
		return nv, nil
	default:
		val.Release()
		return v, runtimeErr(ErrType, "field assignment on %s", v.TypeName())
	}
}

func getIndex(v, key Value) (Value, error) {
	switch v.Kind() {
	case KindList:
		items := v.List().Items
		i, err := seqIndex(key, len(items))
		if err != nil {
			return Null, err
		}
		return items[i], nil
	case KindTuple:
		items := v.Tuple().Items
		i, err := seqIndex(key, len(items))
		if err != nil {
			return Null, err
		}
		return items[i], nil
	case KindString:
		s := []rune(v.Str())
		i, err := seqIndex(key, len(s))
		if err != nil {
			return Null, err
		}
		return FromString(string(s[i])), nil
	case KindMap:
		if got, ok := mapFind(v.Map(), key); ok {
			return got, nil
		}
		return Null, runtimeErr(ErrBounds, "map has no key %s", displayString(key))
	default:
		return Null, runtimeErr(ErrType, "index access on %s", v.TypeName())
	}
}

func setIndex(v, key, val Value) (Value, error) {
	switch v.Kind() {
	case KindList:
		l, nv := v.listForWrite()
		i, err := seqIndex(key, len(l.Items))
		if err != nil {
			nv.Release()
			val.Release()
			return v, err
		}
		l.Items[i].Release()
		l.Items[i] = val
		return nv, nil
	case KindMap:
		m, nv := v.mapForWrite()
		mapPut(m, key.Retain(), val)
		return nv, nil
	default:
		val.Release()
		return v, runtimeErr(ErrType, "index assignment on %s", v.TypeName())
	}
}

// seqIndex converts an index value for a sequence of length n. Negative
// indices count from the end.
func seqIndex(key Value, n int) (int, error) {
	i, ok := key.AsInt()
	if !ok {
		return 0, runtimeErr(ErrType, "index is %s, not Int", key.TypeName())
	}
	if i < 0 {
		i += int64(n)
	}
	if i < 0 || i >= int64(n) {
		return 0, runtimeErr(ErrBounds, "index %s out of range for length %d", displayString(key), n)
	}
	return int(i), nil
}

// mapFind locates a key in the sorted key slice.
func mapFind(m *Map, key Value) (Value, bool) {
	i := sort.Search(len(m.Keys), func(i int) bool {
		return Compare(m.Keys[i], key) >= 0
	})
	if i < len(m.Keys) && Equal(m.Keys[i], key) {
		return m.Vals[i], true
	}
	return Null, false
}

// mapPut inserts or replaces an entry, keeping keys sorted. key and val
// must arrive retained; a replaced entry releases the old pair.
func mapPut(m *Map, key, val Value) {
	i := sort.Search(len(m.Keys), func(i int) bool {
		return Compare(m.Keys[i], key) >= 0
	})
	if i < len(m.Keys) && Equal(m.Keys[i], key) {
		key.Release()
		m.Vals[i].Release()
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
