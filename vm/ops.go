package vm

import (
	"math"
	"math/big"
)

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------
//
// Fixed-width integer arithmetic takes the inline fast path; on overflow
// the operation is retried in arbitrary precision instead of wrapping or
// trapping. Mixed int/float promotes to float. Division and modulo by
// zero are recoverable runtime errors.

type binOp uint8

const (
	opAdd binOp = iota
	opSub
	opMul
	opDiv
	opMod
	opPow
)

func (op binOp) name() string {
	switch op {
	case opAdd:
		return "addition"
	case opSub:
		return "subtraction"
	case opMul:
		return "multiplication"
	case opDiv:
		return "division"
	case opMod:
		return "modulo"
	default:
		return "exponentiation"
	}
}

// intOp performs checked 64-bit arithmetic. ok is false on overflow or
// division by zero, sending the caller to the big-int path.
func intOp(op binOp, x, y int64) (int64, bool) {
	switch op {
	case opAdd:
		r := x + y
		if (r > x) == (y > 0) {
			return r, true
		}
	case opSub:
		r := x - y
		if (r < x) == (y > 0) {
			return r, true
		}
	case opMul:
		if x == 0 || y == 0 {
			return 0, true
		}
		r := x * y
		if r/y == x && !(x == -1 && y == math.MinInt64) && !(y == -1 && x == math.MinInt64) {
			return r, true
		}
	case opDiv:
		if y == 0 {
			return 0, false
		}
		if x == math.MinInt64 && y == -1 {
			return 0, false
		}
		return x / y, true
	case opMod:
		if y == 0 {
			return 0, false
		}
		r := x % y
		if r != 0 && (r < 0) != (y < 0) {
			r += y
		}
		return r, true
	case opPow:
		if y < 0 || y > 63 {
			return 0, false
		}
		r := int64(1)
		base := x
		for e := y; e > 0; e >>= 1 {
			if e&1 == 1 {
				var ok bool
				if r, ok = intOp(opMul, r, base); !ok {
					return 0, false
				}
			}
			if e > 1 {
				var ok bool
				if base, ok = intOp(opMul, base, base); !ok {
					return 0, false
				}
			}
		}
		return r, true
	}
	return 0, false
}

func floatOp(op binOp, x, y float64) float64 {
	switch op {
	case opAdd:
		return x + y
	case opSub:
		return x - y
	case opMul:
		return x * y
	case opDiv:
		return x / y
	case opMod:
		r := math.Mod(x, y)
		if r != 0 && (r < 0) != (y < 0) {
			r += y
		}
		return r
	default:
		return math.Pow(x, y)
	}
}

// bigOp is the cold path: arbitrary-precision arithmetic for values
// outside the fixed-width domain.
func bigOp(op binOp, x, y *big.Int) (*big.Int, error) {
	z := new(big.Int)
	switch op {
	case opAdd:
		return z.Add(x, y), nil
	case opSub:
		return z.Sub(x, y), nil
	case opMul:
		return z.Mul(x, y), nil
	case opDiv:
		if y.Sign() == 0 {
			return nil, runtimeErr(ErrDivideByZero, "division by zero")
		}
		return z.Quo(x, y), nil
	case opMod:
		if y.Sign() == 0 {
			return nil, runtimeErr(ErrDivideByZero, "modulo by zero")
		}
		return z.Mod(x, y), nil
	default:
		if !y.IsInt64() || y.Int64() < 0 || y.Int64() > math.MaxUint32 {
			return nil, runtimeErr(ErrOverflow, "exponent out of range")
		}
		return z.Exp(x, y, nil), nil
	}
}

// arith applies a binary arithmetic operation with the fast-path /
// promotion rules above.
func arith(op binOp, a, b Value) (Value, error) {
	if a.kind == KindInt && b.kind == KindInt {
		x, y := int64(a.num), int64(b.num)
		if (op == opDiv || op == opMod) && y == 0 {
			return Null, runtimeErr(ErrDivideByZero, "%s by zero", op.name())
		}
		if r, ok := intOp(op, x, y); ok {
			return FromInt(r), nil
		}
		// Overflow promotes silently to arbitrary precision.
		r, err := bigOp(op, big.NewInt(x), big.NewInt(y))
		if err != nil {
			return Null, err
		}
		return FromBigInt(r), nil
	}
	return arithSlow(op, a, b)
}

func arithSlow(op binOp, a, b Value) (Value, error) {
	switch {
	case a.kind == KindBigInt && isIntLike(b), b.kind == KindBigInt && isIntLike(a):
		r, err := bigOp(op, toBig(a), toBig(b))
		if err != nil {
			return Null, err
		}
		return FromBigInt(r), nil
	case isNumeric(a) && isNumeric(b):
		x, y := a.numericFloat(), b.numericFloat()
		if (op == opDiv || op == opMod) && y == 0 {
			return Null, runtimeErr(ErrDivideByZero, "%s by zero", op.name())
		}
		return FromFloat(floatOp(op, x, y)), nil
	case op == opAdd && a.kind == KindString && b.kind == KindString:
		return FromString(a.str + b.str), nil
	case op == opAdd && a.kind == KindList && b.kind == KindList:
		items := make([]Value, 0, len(a.List().Items)+len(b.List().Items))
		for _, it := range a.List().Items {
			items = append(items, it.Retain())
		}
		for _, it := range b.List().Items {
			items = append(items, it.Retain())
		}
		return NewList(items), nil
	default:
		return Null, runtimeErr(ErrType, "%s on %s and %s", op.name(), a.TypeName(), b.TypeName())
	}
}

func isNumeric(v Value) bool {
	return v.kind == KindInt || v.kind == KindFloat || v.kind == KindBigInt
}

func isIntLike(v Value) bool {
	return v.kind == KindInt || v.kind == KindBigInt
}

// neg negates a numeric value with overflow promotion.
func neg(v Value) (Value, error) {
	switch v.kind {
	case KindInt:
		n := int64(v.num)
		if n == math.MinInt64 {
			return FromBigInt(new(big.Int).Neg(big.NewInt(n))), nil
		}
		return FromInt(-n), nil
	case KindFloat:
		return FromFloat(-v.Float()), nil
	case KindBigInt:
		return FromBigInt(new(big.Int).Neg(v.BigInt())), nil
	default:
		return Null, runtimeErr(ErrType, "negation on %s", v.TypeName())
	}
}

// concat joins strings and lists; other kinds are stringified.
func concat(a, b Value) Value {
	if a.kind == KindList && b.kind == KindList {
		v, _ := arithSlow(opAdd, a, b)
		return v
	}
	return FromString(displayString(a) + displayString(b))
}

// displayString renders a value the way string interpolation does:
// strings bare, everything else via String.
func displayString(v Value) string {
	if v.kind == KindString {
		return v.str
	}
	return v.String()
}
