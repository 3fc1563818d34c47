package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Built-in functions
//
// Builtins are called by index through OpCallBuiltin. They borrow their
// arguments and return an owned result value. The table order is part of
// the compiled-program contract: append only.
// ---------------------------------------------------------------------------

type builtinFn func(h *Heap, args []Value) (Value, error)

type builtinEntry struct {
	Name    string
	MinArgs int
	MaxArgs int // -1 means unlimited
	Fn      builtinFn
}

var builtinTable = []builtinEntry{
	{"len", 1, 1, builtinLen},
	{"repr", 1, 1, builtinRepr},
	{"str", 1, 1, builtinStr},
	{"bool", 1, 1, builtinBool},
	{"int", 1, 1, builtinInt},
	{"float", 1, 1, builtinFloat},
	{"abs", 1, 1, builtinAbs},
	{"min", 1, -1, builtinMin},
	{"max", 1, -1, builtinMax},

	{"Exception", 0, 1, excCtor(ExcException)},
	{"TypeError", 0, 1, excCtor(ExcTypeError)},
	{"ValueError", 0, 1, excCtor(ExcValueError)},
	{"KeyError", 0, 1, excCtor(ExcKeyError)},
	{"IndexError", 0, 1, excCtor(ExcIndexError)},
	{"ZeroDivisionError", 0, 1, excCtor(ExcZeroDivisionError)},
	{"NameError", 0, 1, excCtor(ExcNameError)},
	{"RuntimeError", 0, 1, excCtor(ExcRuntimeError)},
	{"StopIteration", 0, 1, excCtor(ExcStopIteration)},
	{"AssertionError", 0, 1, excCtor(ExcAssertionError)},

	{"date", 3, 3, builtinDate},
	{"time", 0, 5, builtinTime},
	{"datetime", 3, 8, builtinDateTime},
	{"timedelta", 0, 3, builtinTimeDelta},

	// Added after the exception group shipped; appended to keep earlier
	// compiled indexes stable.
	{"RecursionError", 0, 1, excCtor(ExcRecursionError)},
}

var builtinByName = func() map[string]uint16 {
	m := make(map[string]uint16, len(builtinTable))
	for i, e := range builtinTable {
		m[e.Name] = uint16(i)
	}
	return m
}()

// BuiltinByName resolves a builtin name to its call index.
func BuiltinByName(name string) (uint16, bool) {
	id, ok := builtinByName[name]
	return id, ok
}

// callBuiltin dispatches OpCallBuiltin.
func callBuiltin(h *Heap, id uint16, args []Value) (Value, error) {
	if int(id) >= len(builtinTable) {
		panic(internalf("unknown builtin index %d", id))
	}
	e := &builtinTable[id]
	if len(args) < e.MinArgs || (e.MaxArgs >= 0 && len(args) > e.MaxArgs) {
		return None, typeErrorf("%s() takes %d to %d arguments (%d given)",
			e.Name, e.MinArgs, e.MaxArgs, len(args))
	}
	return e.Fn(h, args)
}

func builtinLen(h *Heap, args []Value) (Value, error) {
	n, err := lengthOf(h, args[0])
	if err != nil {
		return None, err
	}
	return FromSmallInt(int64(n)), nil
}

func builtinRepr(h *Heap, args []Value) (Value, error) {
	return h.AllocateValue(&StrObject{S: reprValue(h, args[0])})
}

func builtinStr(h *Heap, args []Value) (Value, error) {
	return h.AllocateValue(&StrObject{S: strOfValue(h, args[0])})
}

func builtinBool(h *Heap, args []Value) (Value, error) {
	return FromBool(truthy(h, args[0])), nil
}

func builtinInt(h *Heap, args []Value) (Value, error) {
	v := args[0]
	if i, ok := asInt(v); ok {
		return FromSmallInt(i), nil
	}
	if v.IsFloat() {
		f := math.Trunc(v.Float64())
		if r, ok := TryFromSmallInt(int64(f)); ok {
			return r, nil
		}
		return None, valueErrorf("integer result out of range")
	}
	if s, ok := asStr(h, v); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return None, valueErrorf("invalid literal for int(): %q", s)
		}
		if r, ok := TryFromSmallInt(n); ok {
			return r, nil
		}
		return None, valueErrorf("integer result out of range")
	}
	return None, typeErrorf("int() argument must be a number or string, not '%s'", typeName(h, v))
}

func builtinFloat(h *Heap, args []Value) (Value, error) {
	v := args[0]
	if f, ok := asFloat(v); ok {
		return FromFloat64(f), nil
	}
	if s, ok := asStr(h, v); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return None, valueErrorf("could not convert string to float: %q", s)
		}
		return FromFloat64(f), nil
	}
	return None, typeErrorf("float() argument must be a number or string, not '%s'", typeName(h, v))
}

func builtinAbs(h *Heap, args []Value) (Value, error) {
	v := args[0]
	if i, ok := asInt(v); ok {
		if i < 0 {
			return smallIntResult(-i)
		}
		return FromSmallInt(i), nil
	}
	if v.IsFloat() {
		return FromFloat64(math.Abs(v.Float64())), nil
	}
	if td, ok := asTimeDelta(h, v); ok {
		total := td.totalMicros()
		if total < 0 {
			total = -total
		}
		return h.AllocateValue(timeDeltaFromMicros(total))
	}
	return None, typeErrorf("bad operand type for abs(): '%s'", typeName(h, v))
}

func builtinMin(h *Heap, args []Value) (Value, error) { return extreme(h, args, -1) }
func builtinMax(h *Heap, args []Value) (Value, error) { return extreme(h, args, 1) }

// extreme implements min (want == -1) and max (want == 1). A single list or
// tuple argument is searched elementwise.
func extreme(h *Heap, args []Value, want int) (Value, error) {
	items := args
	if len(args) == 1 {
		if e, ok := asListElems(h, args[0]); ok {
			items = e
		} else if e, ok := asTupleElems(h, args[0]); ok {
			items = e
		}
	}
	if len(items) == 0 {
		return None, valueErrorf("arg is an empty sequence")
	}
	best := items[0]
	for _, v := range items[1:] {
		cmp, err := compareValues(h, v, best)
		if err != nil {
			return None, err
		}
		if cmp == want {
			best = v
		}
	}
	h.Retain(best)
	return best, nil
}

func excCtor(kind ExcKind) builtinFn {
	return func(h *Heap, args []Value) (Value, error) {
		msg := ""
		if len(args) == 1 {
			s, ok := asStr(h, args[0])
			if !ok {
				s = strOfValue(h, args[0])
			}
			msg = s
		}
		return h.AllocateValue(&ExcObject{Kind: kind, Msg: msg})
	}
}

func intArg(h *Heap, name string, args []Value, i int, dflt int64) (int64, *GuestError) {
	if i >= len(args) {
		return dflt, nil
	}
	n, ok := asInt(args[i])
	if !ok {
		return 0, typeErrorf("%s() argument %d must be an integer, not '%s'", name, i+1, typeName(h, args[i]))
	}
	return n, nil
}

func builtinDate(h *Heap, args []Value) (Value, error) {
	var parts [3]int64
	for i := range parts {
		n, err := intArg(h, "date", args, i, 0)
		if err != nil {
			return None, err
		}
		parts[i] = n
	}
	d, err := NewDate(int(parts[0]), int(parts[1]), int(parts[2]))
	if err != nil {
		return None, err
	}
	return h.AllocateValue(d)
}

// builtinTime constructs time(hour, minute, second, microsecond, offset).
// Passing the fifth argument makes the value offset-aware.
func builtinTime(h *Heap, args []Value) (Value, error) {
	var parts [5]int64
	for i := range parts {
		n, err := intArg(h, "time", args, i, 0)
		if err != nil {
			return None, err
		}
		parts[i] = n
	}
	aware := len(args) >= 5
	t, err := NewTime(int(parts[0]), int(parts[1]), int(parts[2]), int(parts[3]), int(parts[4]), aware)
	if err != nil {
		return None, err
	}
	return h.AllocateValue(t)
}

// builtinDateTime constructs datetime(year, month, day, hour, minute,
// second, microsecond, offset). The eighth argument makes it offset-aware.
func builtinDateTime(h *Heap, args []Value) (Value, error) {
	var parts [8]int64
	for i := range parts {
		n, err := intArg(h, "datetime", args, i, 0)
		if err != nil {
			return None, err
		}
		parts[i] = n
	}
	aware := len(args) >= 8
	dt, err := NewDateTime(int(parts[0]), int(parts[1]), int(parts[2]),
		int(parts[3]), int(parts[4]), int(parts[5]), int(parts[6]),
		int(parts[7]), aware)
	if err != nil {
		return None, err
	}
	return h.AllocateValue(dt)
}

func builtinTimeDelta(h *Heap, args []Value) (Value, error) {
	var parts [3]int64
	for i := range parts {
		n, err := intArg(h, "timedelta", args, i, 0)
		if err != nil {
			return None, err
		}
		parts[i] = n
	}
	return h.AllocateValue(NewTimeDelta(parts[0], parts[1], parts[2]))
}

// ---------------------------------------------------------------------------
// Method dispatch
//
// Methods borrow the receiver and arguments and return an owned result.
// ---------------------------------------------------------------------------

func callMethod(h *Heap, recv Value, name string, args []Value) (Value, error) {
	if recv.IsRef() {
		switch p := h.Get(recv.ObjectID()).(type) {
		case *ListObject:
			return listMethod(h, p, name, args)
		case *DictObject:
			return dictMethod(h, p, name, args)
		case *StrObject:
			return strMethod(h, p, name, args)
		case *TimeDeltaObject:
			if name == "total_seconds" && len(args) == 0 {
				return FromFloat64(float64(p.totalMicros()) / 1e6), nil
			}
		case *DateObject:
			if name == "isoformat" && len(args) == 0 {
				s := fmt.Sprintf("%04d-%02d-%02d", p.Year, p.Month, p.Day)
				return h.AllocateValue(&StrObject{S: s})
			}
		case *DateTimeObject:
			if name == "isoformat" && len(args) == 0 {
				return h.AllocateValue(&StrObject{S: isoDateTime(p)})
			}
		}
	}
	return None, typeErrorf("'%s' object has no method '%s'", typeName(h, recv), name)
}

func isoDateTime(dt *DateTimeObject) string {
	s := fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d", dt.Year, dt.Month, dt.Day, dt.Hour, dt.Minute, dt.Second)
	if dt.Micro != 0 {
		s += fmt.Sprintf(".%06d", dt.Micro)
	}
	if dt.Aware {
		off := dt.OffsetMin
		sign := "+"
		if off < 0 {
			sign = "-"
			off = -off
		}
		s += fmt.Sprintf("%s%02d:%02d", sign, off/60, off%60)
	}
	return s
}

func listMethod(h *Heap, l *ListObject, name string, args []Value) (Value, error) {
	switch name {
	case "append":
		if len(args) != 1 {
			return None, typeErrorf("append() takes exactly one argument (%d given)", len(args))
		}
		h.Retain(args[0])
		l.Elems = append(l.Elems, args[0])
		return None, nil

	case "pop":
		if len(l.Elems) == 0 {
			return None, indexErrorf("pop from empty list")
		}
		i := len(l.Elems) - 1
		if len(args) == 1 {
			var gerr *GuestError
			i, gerr = normalizeIndex(h, args[0], len(l.Elems), "list")
			if gerr != nil {
				return None, gerr
			}
		} else if len(args) > 1 {
			return None, typeErrorf("pop() takes at most one argument (%d given)", len(args))
		}
		// The list's reference moves to the result; no refcount change.
		v := l.Elems[i]
		l.Elems = append(l.Elems[:i], l.Elems[i+1:]...)
		return v, nil

	case "insert":
		if len(args) != 2 {
			return None, typeErrorf("insert() takes exactly two arguments (%d given)", len(args))
		}
		n, ok := asInt(args[0])
		if !ok {
			return None, typeErrorf("list indices must be integers, not '%s'", typeName(h, args[0]))
		}
		i := int(n)
		if i < 0 {
			i += len(l.Elems)
			if i < 0 {
				i = 0
			}
		}
		if i > len(l.Elems) {
			i = len(l.Elems)
		}
		h.Retain(args[1])
		l.Elems = append(l.Elems, None)
		copy(l.Elems[i+1:], l.Elems[i:])
		l.Elems[i] = args[1]
		return None, nil

	case "clear":
		if len(args) != 0 {
			return None, typeErrorf("clear() takes no arguments (%d given)", len(args))
		}
		for _, v := range l.Elems {
			h.Release(v)
		}
		l.Elems = l.Elems[:0]
		return None, nil
	}
	return None, typeErrorf("'list' object has no method '%s'", name)
}

func dictMethod(h *Heap, d *DictObject, name string, args []Value) (Value, error) {
	switch name {
	case "get":
		if len(args) < 1 || len(args) > 2 {
			return None, typeErrorf("get() takes one or two arguments (%d given)", len(args))
		}
		v, found, gerr := d.Get(h, args[0])
		if gerr != nil {
			return None, gerr
		}
		if !found {
			if len(args) == 2 {
				v = args[1]
			} else {
				v = None
			}
		}
		h.Retain(v)
		return v, nil

	case "keys", "values":
		if len(args) != 0 {
			return None, typeErrorf("%s() takes no arguments (%d given)", name, len(args))
		}
		elems := make([]Value, 0, d.Len())
		for _, e := range d.Entries {
			v := e.Key
			if name == "values" {
				v = e.Val
			}
			h.Retain(v)
			elems = append(elems, v)
		}
		res, err := h.AllocateValue(&ListObject{Elems: elems})
		if err != nil {
			for _, v := range elems {
				h.Release(v)
			}
			return None, err
		}
		return res, nil
	}
	return None, typeErrorf("'dict' object has no method '%s'", name)
}

func strMethod(h *Heap, s *StrObject, name string, args []Value) (Value, error) {
	strArg := func(i int) (string, *GuestError) {
		v, ok := asStr(h, args[i])
		if !ok {
			return "", typeErrorf("%s() argument must be a string, not '%s'", name, typeName(h, args[i]))
		}
		return v, nil
	}

	switch name {
	case "upper", "lower", "strip":
		if len(args) != 0 {
			return None, typeErrorf("%s() takes no arguments (%d given)", name, len(args))
		}
		var out string
		switch name {
		case "upper":
			out = strings.ToUpper(s.S)
		case "lower":
			out = strings.ToLower(s.S)
		case "strip":
			out = strings.TrimSpace(s.S)
		}
		return h.AllocateValue(&StrObject{S: out})

	case "startswith", "endswith":
		if len(args) != 1 {
			return None, typeErrorf("%s() takes exactly one argument (%d given)", name, len(args))
		}
		prefix, gerr := strArg(0)
		if gerr != nil {
			return None, gerr
		}
		if name == "startswith" {
			return FromBool(strings.HasPrefix(s.S, prefix)), nil
		}
		return FromBool(strings.HasSuffix(s.S, prefix)), nil

	case "split":
		if len(args) != 1 {
			return None, typeErrorf("split() takes exactly one argument (%d given)", len(args))
		}
		sep, gerr := strArg(0)
		if gerr != nil {
			return None, gerr
		}
		if sep == "" {
			return None, valueErrorf("empty separator")
		}
		parts := strings.Split(s.S, sep)
		elems := make([]Value, 0, len(parts))
		for _, part := range parts {
			v, err := h.AllocateValue(&StrObject{S: part})
			if err != nil {
				for _, e := range elems {
					h.Release(e)
				}
				return None, err
			}
			elems = append(elems, v)
		}
		res, err := h.AllocateValue(&ListObject{Elems: elems})
		if err != nil {
			for _, e := range elems {
				h.Release(e)
			}
			return None, err
		}
		return res, nil
	}
	return None, typeErrorf("'str' object has no method '%s'", name)
}
