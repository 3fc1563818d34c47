package vm

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Operator dispatch
//
// Immediate operands are computed directly with native numeric semantics.
// As soon as a heap reference is involved, the operation dispatches through
// a fixed per-type table keyed by the payload's TypeTag. Each heap type
// implements its own arithmetic, comparison, and repr; there is no central
// growing switch and no open-ended dynamic lookup.
// ---------------------------------------------------------------------------

// arithOp names one binary arithmetic operation for table dispatch.
type arithOp uint8

const (
	arithAdd arithOp = iota
	arithSub
	arithMul
	arithDiv
	arithFloorDiv
	arithMod
)

var arithSymbols = [...]string{
	arithAdd:      "+",
	arithSub:      "-",
	arithMul:      "*",
	arithDiv:      "/",
	arithFloorDiv: "//",
	arithMod:      "%",
}

func (op arithOp) String() string { return arithSymbols[op] }

// errNoDispatch is an internal sentinel: the tag's arith handler does not
// cover this operand combination, try the other operand's table.
var errNoDispatch = errors.New("no dispatch")

// typeOps is one row of the dispatch table. Nil slots mean the operation is
// unsupported for the tag and surfaces as a guest TypeError.
type typeOps struct {
	// eq compares two payloads of this same tag for structural equality.
	// depth tracks container nesting; implementations recurse through
	// valueEqAt so the comparison stays depth-bounded.
	eq func(h *Heap, a, b Payload, depth int) (bool, *GuestError)

	// compare orders two payloads of this same tag: -1, 0, +1. Nil means
	// the tag is unordered.
	compare func(h *Heap, a, b Payload, depth int) (int, *GuestError)

	// arith handles a binary operation where at least one operand is a ref
	// of this tag. It sees both raw operands and may return errNoDispatch.
	arith func(h *Heap, op arithOp, a, b Value) (Value, error)

	// truthy reports the payload's truth value. Nil means always true.
	truthy func(p Payload) bool

	// repr renders the payload for diagnostics.
	repr func(h *Heap, p Payload, depth int) string

	// length returns len() for the tag. Nil means len() is a TypeError.
	length func(p Payload) int
}

var dispatchTable [TagTimeDelta + 1]typeOps

func init() {
	dispatchTable[TagStr] = typeOps{
		eq:      strEq,
		compare: strCompare,
		arith:   strArith,
		truthy:  func(p Payload) bool { return len(p.(*StrObject).S) > 0 },
		repr:    strRepr,
		length:  func(p Payload) int { return len([]rune(p.(*StrObject).S)) },
	}
	dispatchTable[TagBytes] = typeOps{
		eq:      bytesEq,
		compare: bytesCompare,
		arith:   bytesArith,
		truthy:  func(p Payload) bool { return len(p.(*BytesObject).B) > 0 },
		repr:    bytesRepr,
		length:  func(p Payload) int { return len(p.(*BytesObject).B) },
	}
	dispatchTable[TagList] = typeOps{
		eq:      seqEq,
		compare: seqCompare,
		arith:   listArith,
		truthy:  func(p Payload) bool { return len(p.(*ListObject).Elems) > 0 },
		repr:    listRepr,
		length:  func(p Payload) int { return len(p.(*ListObject).Elems) },
	}
	dispatchTable[TagTuple] = typeOps{
		eq:      seqEq,
		compare: seqCompare,
		arith:   tupleArith,
		truthy:  func(p Payload) bool { return len(p.(*TupleObject).Elems) > 0 },
		repr:    tupleRepr,
		length:  func(p Payload) int { return len(p.(*TupleObject).Elems) },
	}
	dispatchTable[TagDict] = typeOps{
		eq:     dictEq,
		truthy: func(p Payload) bool { return p.(*DictObject).Len() > 0 },
		repr:   dictRepr,
		length: func(p Payload) int { return p.(*DictObject).Len() },
	}
	dispatchTable[TagExc] = typeOps{
		// Exception instances compare by identity, which valueEq already
		// resolves before reaching the table.
		eq:   func(h *Heap, a, b Payload, depth int) (bool, *GuestError) { return a == b, nil },
		repr: excRepr,
	}
	dispatchTable[TagDate] = typeOps{
		eq:      dateEq,
		compare: dateCompare,
		arith:   dateArith,
		repr:    dateRepr,
	}
	dispatchTable[TagTime] = typeOps{
		eq:      timeEq,
		compare: timeCompare,
		repr:    timeRepr,
	}
	dispatchTable[TagDateTime] = typeOps{
		eq:      dateTimeEq,
		compare: dateTimeCompare,
		arith:   dateTimeArith,
		repr:    dateTimeRepr,
	}
	dispatchTable[TagTimeDelta] = typeOps{
		eq:      timeDeltaEq,
		compare: timeDeltaCompare,
		arith:   timeDeltaArith,
		truthy:  func(p Payload) bool { return p.(*TimeDeltaObject).totalMicros() != 0 },
		repr:    timeDeltaRepr,
	}
}

func opsFor(tag TypeTag) *typeOps {
	if int(tag) >= len(dispatchTable) {
		panic(internalf("no dispatch entry for tag %d", tag))
	}
	return &dispatchTable[tag]
}

// ---------------------------------------------------------------------------
// Numeric immediates
// ---------------------------------------------------------------------------

// asInt extracts an integer from a small int or boolean operand.
func asInt(v Value) (int64, bool) {
	switch {
	case v.IsSmallInt():
		return v.SmallInt(), true
	case v == True:
		return 1, true
	case v == False:
		return 0, true
	}
	return 0, false
}

// asFloat widens any numeric immediate to float64.
func asFloat(v Value) (float64, bool) {
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	if v.IsFloat() {
		return v.Float64(), true
	}
	return 0, false
}

func isNumeric(v Value) bool {
	_, ok := asFloat(v)
	return ok
}

// smallIntResult converts an int64 arithmetic result back to a Value,
// failing with a guest error when it leaves the 48-bit immediate range.
func smallIntResult(n int64) (Value, error) {
	v, ok := TryFromSmallInt(n)
	if !ok {
		return None, &GuestError{Kind: ExcValueError, Msg: "integer result out of range"}
	}
	return v, nil
}

func numericArith(op arithOp, a, b Value) (Value, error) {
	ai, aInt := asInt(a)
	bi, bInt := asInt(b)
	if aInt && bInt {
		switch op {
		case arithAdd:
			return smallIntResult(ai + bi)
		case arithSub:
			return smallIntResult(ai - bi)
		case arithMul:
			// 96-bit-safe overflow check via float approximation would be
			// lossy; detect by dividing back instead.
			if ai != 0 && bi != 0 {
				p := ai * bi
				if p/bi != ai {
					return None, &GuestError{Kind: ExcValueError, Msg: "integer result out of range"}
				}
				return smallIntResult(p)
			}
			return smallIntResult(0)
		case arithDiv:
			if bi == 0 {
				return None, &GuestError{Kind: ExcZeroDivisionError, Msg: "division by zero"}
			}
			return FromFloat64(float64(ai) / float64(bi)), nil
		case arithFloorDiv:
			if bi == 0 {
				return None, &GuestError{Kind: ExcZeroDivisionError, Msg: "integer division or modulo by zero"}
			}
			return smallIntResult(floorDivInt(ai, bi))
		case arithMod:
			if bi == 0 {
				return None, &GuestError{Kind: ExcZeroDivisionError, Msg: "integer division or modulo by zero"}
			}
			return smallIntResult(ai - floorDivInt(ai, bi)*bi)
		}
	}

	af, aOK := asFloat(a)
	bf, bOK := asFloat(b)
	if !aOK || !bOK {
		return None, errNoDispatch
	}
	switch op {
	case arithAdd:
		return FromFloat64(af + bf), nil
	case arithSub:
		return FromFloat64(af - bf), nil
	case arithMul:
		return FromFloat64(af * bf), nil
	case arithDiv:
		if bf == 0 {
			return None, &GuestError{Kind: ExcZeroDivisionError, Msg: "float division by zero"}
		}
		return FromFloat64(af / bf), nil
	case arithFloorDiv:
		if bf == 0 {
			return None, &GuestError{Kind: ExcZeroDivisionError, Msg: "float floor division by zero"}
		}
		return FromFloat64(math.Floor(af / bf)), nil
	case arithMod:
		if bf == 0 {
			return None, &GuestError{Kind: ExcZeroDivisionError, Msg: "float modulo by zero"}
		}
		m := math.Mod(af, bf)
		if m != 0 && (m < 0) != (bf < 0) {
			m += bf
		}
		return FromFloat64(m), nil
	}
	panic(internalf("numericArith: unknown op %d", op))
}

// ---------------------------------------------------------------------------
// Entry points used by the interpreter
// ---------------------------------------------------------------------------

// binaryArith evaluates a <op> b. The returned Value is a fresh owned
// reference (or an immediate); operand ownership stays with the caller.
// A *GuestError result is catchable; any other error is fatal.
func binaryArith(h *Heap, op arithOp, a, b Value) (Value, error) {
	if isNumeric(a) && isNumeric(b) {
		v, err := numericArith(op, a, b)
		if err != errNoDispatch {
			return v, err
		}
	}
	if a.IsRef() {
		if fn := opsFor(h.Get(a.ObjectID()).Tag()).arith; fn != nil {
			v, err := fn(h, op, a, b)
			if err != errNoDispatch {
				return v, err
			}
		}
	}
	if b.IsRef() {
		if fn := opsFor(h.Get(b.ObjectID()).Tag()).arith; fn != nil {
			v, err := fn(h, op, a, b)
			if err != errNoDispatch {
				return v, err
			}
		}
	}
	return None, typeErrorf("unsupported operand type(s) for %s: '%s' and '%s'",
		op, typeName(h, a), typeName(h, b))
}

// negateValue evaluates unary minus.
func negateValue(h *Heap, v Value) (Value, error) {
	if i, ok := asInt(v); ok {
		return smallIntResult(-i)
	}
	if v.IsFloat() {
		return FromFloat64(-v.Float64()), nil
	}
	if v.IsRef() {
		if td, ok := h.Get(v.ObjectID()).(*TimeDeltaObject); ok {
			return h.AllocateValue(timeDeltaFromMicros(-td.totalMicros()))
		}
	}
	return None, typeErrorf("bad operand type for unary -: '%s'", typeName(h, v))
}

// maxCompareDepth bounds structural comparison through nested containers.
// Lists and dicts can be made self-referential, so unbounded recursion here
// would exhaust the Go stack and kill the host process instead of failing
// the guest.
const maxCompareDepth = 64

func compareDepthError() *GuestError {
	return &GuestError{Kind: ExcRecursionError, Msg: "maximum recursion depth exceeded in comparison"}
}

// valueEq reports structural equality of two values. Numeric immediates
// compare across representations (1 == 1.0 == True); a ref never equals an
// immediate; refs of different tags are unequal; refs of the same tag
// dispatch to the tag's structural comparison, short-circuiting on identity.
func valueEq(h *Heap, a, b Value) (bool, *GuestError) {
	return valueEqAt(h, a, b, 0)
}

func valueEqAt(h *Heap, a, b Value, depth int) (bool, *GuestError) {
	if depth > maxCompareDepth {
		return false, compareDepthError()
	}
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf, nil
	}
	if !a.IsRef() || !b.IsRef() {
		return a == b, nil
	}
	if a.ObjectID() == b.ObjectID() {
		return true, nil
	}
	pa, pb := h.Get(a.ObjectID()), h.Get(b.ObjectID())
	if pa.Tag() != pb.Tag() {
		return false, nil
	}
	eq := opsFor(pa.Tag()).eq
	if eq == nil {
		return false, nil
	}
	return eq(h, pa, pb, depth)
}

// compareValues orders a and b: -1, 0, +1. Mismatched or unordered types
// are a guest TypeError.
func compareValues(h *Heap, a, b Value) (int, *GuestError) {
	return compareValuesAt(h, a, b, 0)
}

func compareValuesAt(h *Heap, a, b Value, depth int) (int, *GuestError) {
	if depth > maxCompareDepth {
		return 0, compareDepthError()
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			}
			return 0, nil
		}
	}
	if a.IsRef() && b.IsRef() {
		pa, pb := h.Get(a.ObjectID()), h.Get(b.ObjectID())
		if pa.Tag() == pb.Tag() {
			if cmp := opsFor(pa.Tag()).compare; cmp != nil {
				return cmp(h, pa, pb, depth)
			}
		}
	}
	return 0, typeErrorf("'<' not supported between instances of '%s' and '%s'",
		typeName(h, a), typeName(h, b))
}

// truthy reports a value's truth: None, False, numeric zero, and empty
// containers are false.
func truthy(h *Heap, v Value) bool {
	switch {
	case v == None || v == False:
		return false
	case v == True:
		return true
	case v.IsSmallInt():
		return v.SmallInt() != 0
	case v.IsFloat():
		return v.Float64() != 0
	}
	p := h.Get(v.ObjectID())
	if fn := opsFor(p.Tag()).truthy; fn != nil {
		return fn(p)
	}
	return true
}

// containsValue implements `item in container`.
func containsValue(h *Heap, container, item Value) (bool, *GuestError) {
	if !container.IsRef() {
		return false, typeErrorf("argument of type '%s' is not a container", typeName(h, container))
	}
	switch p := h.Get(container.ObjectID()).(type) {
	case *StrObject:
		sub, ok := asStr(h, item)
		if !ok {
			return false, typeErrorf("'in <string>' requires string as left operand, not '%s'", typeName(h, item))
		}
		return strings.Contains(p.S, sub), nil
	case *ListObject:
		return seqContains(h, p.Elems, item)
	case *TupleObject:
		return seqContains(h, p.Elems, item)
	case *DictObject:
		idx, err := p.lookup(h, item)
		return idx >= 0, err
	}
	return false, typeErrorf("argument of type '%s' is not a container", typeName(h, container))
}

func seqContains(h *Heap, elems []Value, item Value) (bool, *GuestError) {
	for _, e := range elems {
		eq, err := valueEq(h, e, item)
		if err != nil {
			return false, err
		}
		if eq {
			return true, nil
		}
	}
	return false, nil
}

// indexValue implements container[key]. The result is borrowed from the
// container; the caller retains it before the container can be released.
func indexValue(h *Heap, container, key Value) (Value, *GuestError) {
	if !container.IsRef() {
		return None, typeErrorf("'%s' object is not subscriptable", typeName(h, container))
	}
	switch p := h.Get(container.ObjectID()).(type) {
	case *ListObject:
		i, err := normalizeIndex(h, key, len(p.Elems), "list")
		if err != nil {
			return None, err
		}
		return p.Elems[i], nil
	case *TupleObject:
		i, err := normalizeIndex(h, key, len(p.Elems), "tuple")
		if err != nil {
			return None, err
		}
		return p.Elems[i], nil
	case *DictObject:
		v, found, err := p.Get(h, key)
		if err != nil {
			return None, err
		}
		if !found {
			return None, keyErrorf("%s", reprValue(h, key))
		}
		return v, nil
	}
	return None, typeErrorf("'%s' object is not subscriptable", typeName(h, container))
}

// normalizeIndex converts a guest index (including negatives) to a slice
// offset, range checked.
func normalizeIndex(h *Heap, key Value, n int, kind string) (int, *GuestError) {
	i, ok := asInt(key)
	if !ok {
		return 0, typeErrorf("%s indices must be integers, not '%s'", kind, typeName(h, key))
	}
	if i < 0 {
		i += int64(n)
	}
	if i < 0 || i >= int64(n) {
		return 0, indexErrorf("%s index out of range", kind)
	}
	return int(i), nil
}

// typeName returns the guest-visible type name of a value.
func typeName(h *Heap, v Value) string {
	switch {
	case v == None:
		return "NoneType"
	case v.IsBool():
		return "bool"
	case v.IsSmallInt():
		return "int"
	case v.IsFloat():
		return "float"
	}
	return h.Get(v.ObjectID()).Tag().Name()
}

// lengthOf implements len().
func lengthOf(h *Heap, v Value) (int, *GuestError) {
	if v.IsRef() {
		if fn := opsFor(h.Get(v.ObjectID()).Tag()).length; fn != nil {
			return fn(h.Get(v.ObjectID())), nil
		}
	}
	return 0, typeErrorf("object of type '%s' has no len()", typeName(h, v))
}

// asStr extracts the Go string behind a str value.
func asStr(h *Heap, v Value) (string, bool) {
	if v.IsRef() {
		if s, ok := h.Get(v.ObjectID()).(*StrObject); ok {
			return s.S, true
		}
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Repr
// ---------------------------------------------------------------------------

// maxReprDepth caps recursion when rendering nested containers. Repr is a
// diagnostic surface, not a serialization format, so truncation is fine.
const maxReprDepth = 8

// reprValue renders a value the way the guest would see it in diagnostics.
func reprValue(h *Heap, v Value) string {
	return reprAtDepth(h, v, 0)
}

func reprAtDepth(h *Heap, v Value, depth int) string {
	switch {
	case v == None:
		return "None"
	case v == True:
		return "True"
	case v == False:
		return "False"
	case v.IsSmallInt():
		return strconv.FormatInt(v.SmallInt(), 10)
	case v.IsFloat():
		f := v.Float64()
		s := strconv.FormatFloat(f, 'g', -1, 64)
		// Keep the float-ness visible for integral values.
		if !strings.ContainsAny(s, ".eE") && !math.IsInf(f, 0) && !math.IsNaN(f) {
			s += ".0"
		}
		return s
	}
	if depth > maxReprDepth {
		return "..."
	}
	p := h.Get(v.ObjectID())
	if fn := opsFor(p.Tag()).repr; fn != nil {
		return fn(h, p, depth)
	}
	return fmt.Sprintf("<%s object>", p.Tag().Name())
}

// strOfValue renders a value for str(): like repr, except strings render
// without quotes.
func strOfValue(h *Heap, v Value) string {
	if s, ok := asStr(h, v); ok {
		return s
	}
	return reprValue(h, v)
}

// ---------------------------------------------------------------------------
// Per-type implementations: str / bytes
// ---------------------------------------------------------------------------

func strEq(h *Heap, a, b Payload, depth int) (bool, *GuestError) {
	return a.(*StrObject).S == b.(*StrObject).S, nil
}

func strCompare(h *Heap, a, b Payload, depth int) (int, *GuestError) {
	return strings.Compare(a.(*StrObject).S, b.(*StrObject).S), nil
}

func strRepr(h *Heap, p Payload, depth int) string {
	return strconv.Quote(p.(*StrObject).S)
}

func strArith(h *Heap, op arithOp, a, b Value) (Value, error) {
	switch op {
	case arithAdd:
		as, aok := asStr(h, a)
		bs, bok := asStr(h, b)
		if aok && bok {
			return h.AllocateValue(&StrObject{S: as + bs})
		}
	case arithMul:
		if s, n, ok := seqRepeatOperands(h, a, b, func(v Value) (string, bool) { return asStr(h, v) }); ok {
			if n < 0 {
				n = 0
			}
			return h.AllocateValue(&StrObject{S: strings.Repeat(s, int(n))})
		}
	}
	return None, errNoDispatch
}

// seqRepeatOperands matches (seq, int) or (int, seq) for repetition.
func seqRepeatOperands[T any](h *Heap, a, b Value, extract func(Value) (T, bool)) (T, int64, bool) {
	if s, ok := extract(a); ok {
		if n, nok := asInt(b); nok {
			return s, n, true
		}
	}
	if s, ok := extract(b); ok {
		if n, nok := asInt(a); nok {
			return s, n, true
		}
	}
	var zero T
	return zero, 0, false
}

func asBytes(h *Heap, v Value) ([]byte, bool) {
	if v.IsRef() {
		if b, ok := h.Get(v.ObjectID()).(*BytesObject); ok {
			return b.B, true
		}
	}
	return nil, false
}

func bytesEq(h *Heap, a, b Payload, depth int) (bool, *GuestError) {
	return string(a.(*BytesObject).B) == string(b.(*BytesObject).B), nil
}

func bytesCompare(h *Heap, a, b Payload, depth int) (int, *GuestError) {
	return strings.Compare(string(a.(*BytesObject).B), string(b.(*BytesObject).B)), nil
}

func bytesRepr(h *Heap, p Payload, depth int) string {
	return "b" + strconv.Quote(string(p.(*BytesObject).B))
}

func bytesArith(h *Heap, op arithOp, a, b Value) (Value, error) {
	switch op {
	case arithAdd:
		ab, aok := asBytes(h, a)
		bb, bok := asBytes(h, b)
		if aok && bok {
			out := make([]byte, 0, len(ab)+len(bb))
			out = append(out, ab...)
			out = append(out, bb...)
			return h.AllocateValue(&BytesObject{B: out})
		}
	case arithMul:
		if s, n, ok := seqRepeatOperands(h, a, b, func(v Value) ([]byte, bool) { return asBytes(h, v) }); ok {
			if n < 0 {
				n = 0
			}
			out := make([]byte, 0, len(s)*int(n))
			for i := int64(0); i < n; i++ {
				out = append(out, s...)
			}
			return h.AllocateValue(&BytesObject{B: out})
		}
	}
	return None, errNoDispatch
}

// ---------------------------------------------------------------------------
// Per-type implementations: sequences
// ---------------------------------------------------------------------------

func seqElems(p Payload) []Value {
	switch s := p.(type) {
	case *ListObject:
		return s.Elems
	case *TupleObject:
		return s.Elems
	}
	panic(internalf("seqElems: not a sequence payload"))
}

func seqEq(h *Heap, a, b Payload, depth int) (bool, *GuestError) {
	ae, be := seqElems(a), seqElems(b)
	if len(ae) != len(be) {
		return false, nil
	}
	for i := range ae {
		eq, err := valueEqAt(h, ae[i], be[i], depth+1)
		if err != nil || !eq {
			return false, err
		}
	}
	return true, nil
}

func seqCompare(h *Heap, a, b Payload, depth int) (int, *GuestError) {
	ae, be := seqElems(a), seqElems(b)
	n := len(ae)
	if len(be) < n {
		n = len(be)
	}
	for i := 0; i < n; i++ {
		eq, err := valueEqAt(h, ae[i], be[i], depth+1)
		if err != nil {
			return 0, err
		}
		if !eq {
			return compareValuesAt(h, ae[i], be[i], depth+1)
		}
	}
	switch {
	case len(ae) < len(be):
		return -1, nil
	case len(ae) > len(be):
		return 1, nil
	}
	return 0, nil
}

// seqConcat builds the concatenation of two element slices, retaining each
// element once for the new container.
func seqConcat(h *Heap, a, b []Value) []Value {
	out := make([]Value, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	for _, v := range out {
		h.Retain(v)
	}
	return out
}

func seqRepeat(h *Heap, elems []Value, n int64) []Value {
	if n < 0 {
		n = 0
	}
	out := make([]Value, 0, len(elems)*int(n))
	for i := int64(0); i < n; i++ {
		out = append(out, elems...)
	}
	for _, v := range out {
		h.Retain(v)
	}
	return out
}

func asListElems(h *Heap, v Value) ([]Value, bool) {
	if v.IsRef() {
		if l, ok := h.Get(v.ObjectID()).(*ListObject); ok {
			return l.Elems, true
		}
	}
	return nil, false
}

func asTupleElems(h *Heap, v Value) ([]Value, bool) {
	if v.IsRef() {
		if t, ok := h.Get(v.ObjectID()).(*TupleObject); ok {
			return t.Elems, true
		}
	}
	return nil, false
}

func listArith(h *Heap, op arithOp, a, b Value) (Value, error) {
	switch op {
	case arithAdd:
		ae, aok := asListElems(h, a)
		be, bok := asListElems(h, b)
		if aok && bok {
			return h.AllocateValue(&ListObject{Elems: seqConcat(h, ae, be)})
		}
	case arithMul:
		if e, n, ok := seqRepeatOperands(h, a, b, func(v Value) ([]Value, bool) { return asListElems(h, v) }); ok {
			return h.AllocateValue(&ListObject{Elems: seqRepeat(h, e, n)})
		}
	}
	return None, errNoDispatch
}

func tupleArith(h *Heap, op arithOp, a, b Value) (Value, error) {
	switch op {
	case arithAdd:
		ae, aok := asTupleElems(h, a)
		be, bok := asTupleElems(h, b)
		if aok && bok {
			return h.AllocateValue(&TupleObject{Elems: seqConcat(h, ae, be)})
		}
	case arithMul:
		if e, n, ok := seqRepeatOperands(h, a, b, func(v Value) ([]Value, bool) { return asTupleElems(h, v) }); ok {
			return h.AllocateValue(&TupleObject{Elems: seqRepeat(h, e, n)})
		}
	}
	return None, errNoDispatch
}

func listRepr(h *Heap, p Payload, depth int) string {
	return seqRepr(h, p.(*ListObject).Elems, "[", "]", depth)
}

func tupleRepr(h *Heap, p Payload, depth int) string {
	t := p.(*TupleObject)
	if len(t.Elems) == 1 {
		return "(" + reprAtDepth(h, t.Elems[0], depth+1) + ",)"
	}
	return seqRepr(h, t.Elems, "(", ")", depth)
}

func seqRepr(h *Heap, elems []Value, open, close string, depth int) string {
	var sb strings.Builder
	sb.WriteString(open)
	for i, e := range elems {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(reprAtDepth(h, e, depth+1))
	}
	sb.WriteString(close)
	return sb.String()
}

// ---------------------------------------------------------------------------
// Per-type implementations: dict
// ---------------------------------------------------------------------------

func dictEq(h *Heap, a, b Payload, depth int) (bool, *GuestError) {
	da, db := a.(*DictObject), b.(*DictObject)
	if da.Len() != db.Len() {
		return false, nil
	}
	for _, e := range da.Entries {
		// Key lookup needs no depth: dict keys are hashable, and hashable
		// structures cannot contain mutable (cyclable) children.
		v, found, err := db.Get(h, e.Key)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		eq, err := valueEqAt(h, e.Val, v, depth+1)
		if err != nil || !eq {
			return false, err
		}
	}
	return true, nil
}

func dictRepr(h *Heap, p Payload, depth int) string {
	d := p.(*DictObject)
	var sb strings.Builder
	sb.WriteString("{")
	for i, e := range d.Entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(reprAtDepth(h, e.Key, depth+1))
		sb.WriteString(": ")
		sb.WriteString(reprAtDepth(h, e.Val, depth+1))
	}
	sb.WriteString("}")
	return sb.String()
}

// ---------------------------------------------------------------------------
// Per-type implementations: exceptions
// ---------------------------------------------------------------------------

func excRepr(h *Heap, p Payload, depth int) string {
	e := p.(*ExcObject)
	return e.Kind.Name() + "(" + strconv.Quote(e.Msg) + ")"
}

// ---------------------------------------------------------------------------
// Per-type implementations: date / time / datetime / timedelta
// ---------------------------------------------------------------------------

func asDate(h *Heap, v Value) (*DateObject, bool) {
	if v.IsRef() {
		d, ok := h.Get(v.ObjectID()).(*DateObject)
		return d, ok
	}
	return nil, false
}

func asDateTime(h *Heap, v Value) (*DateTimeObject, bool) {
	if v.IsRef() {
		dt, ok := h.Get(v.ObjectID()).(*DateTimeObject)
		return dt, ok
	}
	return nil, false
}

func asTimeDelta(h *Heap, v Value) (*TimeDeltaObject, bool) {
	if v.IsRef() {
		td, ok := h.Get(v.ObjectID()).(*TimeDeltaObject)
		return td, ok
	}
	return nil, false
}

func dateEq(h *Heap, a, b Payload, depth int) (bool, *GuestError) {
	da, db := a.(*DateObject), b.(*DateObject)
	return *da == *db, nil
}

func dateCompare(h *Heap, a, b Payload, depth int) (int, *GuestError) {
	return cmpInt64(a.(*DateObject).ordinal(), b.(*DateObject).ordinal()), nil
}

func dateRepr(h *Heap, p Payload, depth int) string {
	d := p.(*DateObject)
	return fmt.Sprintf("date(%d, %d, %d)", d.Year, d.Month, d.Day)
}

// dateFromOrdinal inverts DateObject.ordinal.
func dateFromOrdinal(ord int64) (*DateObject, *GuestError) {
	era := floorDivInt(ord, 146097)
	doe := ord - era*146097
	yoe := (doe - doe/1460 + doe/36524 - doe/146096) / 365
	y := yoe + era*400
	doy := doe - (365*yoe + yoe/4 - yoe/100)
	mp := (5*doy + 2) / 153
	d := doy - (153*mp+2)/5 + 1
	m := mp + 3
	if mp >= 10 {
		m = mp - 9
		y++
	}
	return NewDate(int(y), int(m), int(d))
}

func dateArith(h *Heap, op arithOp, a, b Value) (Value, error) {
	switch op {
	case arithAdd:
		// date + timedelta and timedelta + date
		if d, ok := asDate(h, a); ok {
			if td, ok := asTimeDelta(h, b); ok {
				return dateShift(h, d, td.totalMicros())
			}
		}
		if d, ok := asDate(h, b); ok {
			if td, ok := asTimeDelta(h, a); ok {
				return dateShift(h, d, td.totalMicros())
			}
		}
	case arithSub:
		da, aok := asDate(h, a)
		if !aok {
			break
		}
		if db, ok := asDate(h, b); ok {
			return h.AllocateValue(NewTimeDelta(da.ordinal()-db.ordinal(), 0, 0))
		}
		if td, ok := asTimeDelta(h, b); ok {
			return dateShift(h, da, -td.totalMicros())
		}
	}
	return None, errNoDispatch
}

func dateShift(h *Heap, d *DateObject, deltaMicros int64) (Value, error) {
	// Sub-day components of the delta are discarded toward negative
	// infinity, so shifting by -1 microsecond moves a full day back.
	days := floorDivInt(deltaMicros, 86400*1e6)
	nd, err := dateFromOrdinal(d.ordinal() + days)
	if err != nil {
		return None, err
	}
	return h.AllocateValue(nd)
}

func timeEq(h *Heap, a, b Payload, depth int) (bool, *GuestError) {
	ta, tb := a.(*TimeObject), b.(*TimeObject)
	if ta.Aware != tb.Aware {
		return false, nil
	}
	am, bm := ta.microsOfDay(), tb.microsOfDay()
	if ta.Aware {
		am -= int64(ta.OffsetMin) * 60 * 1e6
		bm -= int64(tb.OffsetMin) * 60 * 1e6
	}
	return am == bm, nil
}

func timeCompare(h *Heap, a, b Payload, depth int) (int, *GuestError) {
	ta, tb := a.(*TimeObject), b.(*TimeObject)
	if ta.Aware != tb.Aware {
		return 0, typeErrorf("can't compare offset-naive and offset-aware times")
	}
	am, bm := ta.microsOfDay(), tb.microsOfDay()
	if ta.Aware {
		am -= int64(ta.OffsetMin) * 60 * 1e6
		bm -= int64(tb.OffsetMin) * 60 * 1e6
	}
	return cmpInt64(am, bm), nil
}

func timeRepr(h *Heap, p Payload, depth int) string {
	t := p.(*TimeObject)
	s := fmt.Sprintf("time(%d, %d, %d, %d", t.Hour, t.Minute, t.Second, t.Micro)
	if t.Aware {
		s += fmt.Sprintf(", offset=%d", t.OffsetMin)
	}
	return s + ")"
}

func dateTimeEq(h *Heap, a, b Payload, depth int) (bool, *GuestError) {
	da, db := a.(*DateTimeObject), b.(*DateTimeObject)
	if da.Aware != db.Aware {
		return false, nil
	}
	return da.utcMicros() == db.utcMicros(), nil
}

func dateTimeCompare(h *Heap, a, b Payload, depth int) (int, *GuestError) {
	da, db := a.(*DateTimeObject), b.(*DateTimeObject)
	if da.Aware != db.Aware {
		return 0, typeErrorf("can't compare offset-naive and offset-aware datetimes")
	}
	return cmpInt64(da.utcMicros(), db.utcMicros()), nil
}

func dateTimeRepr(h *Heap, p Payload, depth int) string {
	dt := p.(*DateTimeObject)
	s := fmt.Sprintf("datetime(%d, %d, %d, %d, %d, %d, %d",
		dt.Year, dt.Month, dt.Day, dt.Hour, dt.Minute, dt.Second, dt.Micro)
	if dt.Aware {
		s += fmt.Sprintf(", offset=%d", dt.OffsetMin)
	}
	return s + ")"
}

func dateTimeArith(h *Heap, op arithOp, a, b Value) (Value, error) {
	switch op {
	case arithAdd:
		if dt, ok := asDateTime(h, a); ok {
			if td, ok := asTimeDelta(h, b); ok {
				return dateTimeShift(h, dt, td.totalMicros())
			}
		}
		if dt, ok := asDateTime(h, b); ok {
			if td, ok := asTimeDelta(h, a); ok {
				return dateTimeShift(h, dt, td.totalMicros())
			}
		}
	case arithSub:
		da, aok := asDateTime(h, a)
		if !aok {
			break
		}
		if db, ok := asDateTime(h, b); ok {
			if da.Aware != db.Aware {
				return None, typeErrorf("can't subtract offset-naive and offset-aware datetimes")
			}
			return h.AllocateValue(timeDeltaFromMicros(da.utcMicros() - db.utcMicros()))
		}
		if td, ok := asTimeDelta(h, b); ok {
			return dateTimeShift(h, da, -td.totalMicros())
		}
	}
	return None, errNoDispatch
}

func dateTimeShift(h *Heap, dt *DateTimeObject, deltaMicros int64) (Value, error) {
	local := dt.utcMicros()
	if dt.Aware {
		local += int64(dt.OffsetMin) * 60 * 1e6
	}
	local += deltaMicros
	days := floorDivInt(local, 86400*1e6)
	rem := local - days*86400*1e6
	d, err := dateFromOrdinal(days)
	if err != nil {
		return None, err
	}
	sec := rem / 1e6
	nd, err := NewDateTime(d.Year, d.Month, d.Day,
		int(sec/3600), int(sec/60%60), int(sec%60), int(rem%1e6),
		dt.OffsetMin, dt.Aware)
	if err != nil {
		return None, err
	}
	return h.AllocateValue(nd)
}

func timeDeltaEq(h *Heap, a, b Payload, depth int) (bool, *GuestError) {
	return a.(*TimeDeltaObject).totalMicros() == b.(*TimeDeltaObject).totalMicros(), nil
}

func timeDeltaCompare(h *Heap, a, b Payload, depth int) (int, *GuestError) {
	return cmpInt64(a.(*TimeDeltaObject).totalMicros(), b.(*TimeDeltaObject).totalMicros()), nil
}

func timeDeltaRepr(h *Heap, p Payload, depth int) string {
	td := p.(*TimeDeltaObject)
	return fmt.Sprintf("timedelta(days=%d, seconds=%d, microseconds=%d)", td.Days, td.Seconds, td.Micros)
}

func timeDeltaArith(h *Heap, op arithOp, a, b Value) (Value, error) {
	ta, aok := asTimeDelta(h, a)
	tb, bok := asTimeDelta(h, b)
	switch op {
	case arithAdd:
		if aok && bok {
			return h.AllocateValue(timeDeltaFromMicros(ta.totalMicros() + tb.totalMicros()))
		}
	case arithSub:
		if aok && bok {
			return h.AllocateValue(timeDeltaFromMicros(ta.totalMicros() - tb.totalMicros()))
		}
	case arithMul:
		if td, n, ok := seqRepeatOperands(h, a, b, func(v Value) (*TimeDeltaObject, bool) { return asTimeDelta(h, v) }); ok {
			return h.AllocateValue(timeDeltaFromMicros(td.totalMicros() * n))
		}
	case arithFloorDiv:
		if aok {
			if n, ok := asInt(b); ok {
				if n == 0 {
					return None, &GuestError{Kind: ExcZeroDivisionError, Msg: "integer division or modulo by zero"}
				}
				return h.AllocateValue(timeDeltaFromMicros(floorDivInt(ta.totalMicros(), n)))
			}
			if bok {
				if tb.totalMicros() == 0 {
					return None, &GuestError{Kind: ExcZeroDivisionError, Msg: "integer division or modulo by zero"}
				}
				return smallIntResult(floorDivInt(ta.totalMicros(), tb.totalMicros()))
			}
		}
	case arithDiv:
		if aok && bok {
			if tb.totalMicros() == 0 {
				return None, &GuestError{Kind: ExcZeroDivisionError, Msg: "division by zero"}
			}
			return FromFloat64(float64(ta.totalMicros()) / float64(tb.totalMicros())), nil
		}
	}
	return None, errNoDispatch
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
