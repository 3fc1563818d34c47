package host

import (
	"fmt"
	"time"

	"github.com/chazu/capsule/vm"
)

// maxConvertDepth bounds nesting during boundary conversion. Self-referential
// guest structures (a list appended to itself) would otherwise recurse
// forever; crossing the limit is a conversion error, never a crash.
const maxConvertDepth = 64

var errConvertDepth = fmt.Errorf("host: conversion exceeds depth %d, value may be self-referential", maxConvertDepth)

// FromGo converts a Go value into a guest value allocated in h. Supported:
// nil, bool, integers, float64, string, []byte, time.Time, time.Duration,
// []any, and map[string]any. The caller owns the returned reference.
func FromGo(h *vm.Heap, v any) (vm.Value, error) {
	return fromGoAt(h, v, 0)
}

func fromGoAt(h *vm.Heap, v any, depth int) (vm.Value, error) {
	if depth > maxConvertDepth {
		return vm.None, errConvertDepth
	}
	switch g := v.(type) {
	case nil:
		return vm.None, nil
	case bool:
		return vm.FromBool(g), nil
	case int:
		return intValue(int64(g))
	case int32:
		return intValue(int64(g))
	case int64:
		return intValue(g)
	case uint32:
		return intValue(int64(g))
	case float64:
		return vm.FromFloat64(g), nil
	case string:
		return h.AllocateValue(&vm.StrObject{S: g})
	case []byte:
		b := make([]byte, len(g))
		copy(b, g)
		return h.AllocateValue(&vm.BytesObject{B: b})

	case time.Duration:
		return h.AllocateValue(vm.NewTimeDelta(0, 0, g.Microseconds()))

	case time.Time:
		_, offset := g.Zone()
		dt, gerr := vm.NewDateTime(g.Year(), int(g.Month()), g.Day(),
			g.Hour(), g.Minute(), g.Second(), g.Nanosecond()/1000,
			offset/60, true)
		if gerr != nil {
			return vm.None, fmt.Errorf("host: convert time: %w", gerr)
		}
		return h.AllocateValue(dt)

	case []any:
		elems := make([]vm.Value, 0, len(g))
		for _, e := range g {
			ev, err := fromGoAt(h, e, depth+1)
			if err != nil {
				releaseAll(h, elems)
				return vm.None, err
			}
			elems = append(elems, ev)
		}
		out, err := h.AllocateValue(&vm.ListObject{Elems: elems})
		if err != nil {
			releaseAll(h, elems)
			return vm.None, err
		}
		return out, nil

	case map[string]any:
		d := vm.NewDict()
		for key, val := range g {
			kv, err := h.AllocateValue(&vm.StrObject{S: key})
			if err != nil {
				releaseDict(h, d)
				return vm.None, err
			}
			vv, err := fromGoAt(h, val, depth+1)
			if err != nil {
				h.Release(kv)
				releaseDict(h, d)
				return vm.None, err
			}
			if _, _, gerr := d.Set(h, kv, vv); gerr != nil {
				h.Release(kv)
				h.Release(vv)
				releaseDict(h, d)
				return vm.None, fmt.Errorf("host: %w", gerr)
			}
		}
		out, err := h.AllocateValue(d)
		if err != nil {
			releaseDict(h, d)
			return vm.None, err
		}
		return out, nil
	}
	return vm.None, fmt.Errorf("host: cannot convert %T to a guest value", v)
}

func intValue(n int64) (vm.Value, error) {
	v, ok := vm.TryFromSmallInt(n)
	if !ok {
		return vm.None, fmt.Errorf("host: integer %d exceeds the guest integer range", n)
	}
	return v, nil
}

func releaseAll(h *vm.Heap, vs []vm.Value) {
	for _, v := range vs {
		h.Release(v)
	}
}

func releaseDict(h *vm.Heap, d *vm.DictObject) {
	for _, e := range d.Entries {
		h.Release(e.Key)
		h.Release(e.Val)
	}
}

// ToGo converts a guest value into a plain Go value: None to nil, numbers
// to int64/float64, str/bytes to string/[]byte, sequences to []any, dicts
// with string keys to map[string]any, timedelta to time.Duration, and
// datetime to time.Time.
func ToGo(h *vm.Heap, v vm.Value) (any, error) {
	return toGoAt(h, v, 0)
}

func toGoAt(h *vm.Heap, v vm.Value, depth int) (any, error) {
	if depth > maxConvertDepth {
		return nil, errConvertDepth
	}
	switch {
	case v == vm.None:
		return nil, nil
	case v.IsBool():
		return v.Bool(), nil
	case v.IsSmallInt():
		return v.SmallInt(), nil
	case v.IsFloat():
		return v.Float64(), nil
	}

	switch p := h.Get(v.ObjectID()).(type) {
	case *vm.StrObject:
		return p.S, nil
	case *vm.BytesObject:
		b := make([]byte, len(p.B))
		copy(b, p.B)
		return b, nil
	case *vm.ListObject:
		return seqToGo(h, p.Elems, depth)
	case *vm.TupleObject:
		return seqToGo(h, p.Elems, depth)
	case *vm.DictObject:
		out := make(map[string]any, p.Len())
		for _, e := range p.Entries {
			if !e.Key.IsRef() {
				return nil, fmt.Errorf("host: dict key is not a string")
			}
			key, ok := h.Get(e.Key.ObjectID()).(*vm.StrObject)
			if !ok {
				return nil, fmt.Errorf("host: dict key is not a string")
			}
			val, err := toGoAt(h, e.Val, depth+1)
			if err != nil {
				return nil, err
			}
			out[key.S] = val
		}
		return out, nil
	case *vm.TimeDeltaObject:
		return time.Duration((p.Days*86400+p.Seconds)*1e6+p.Micros) * time.Microsecond, nil
	case *vm.DateTimeObject:
		loc := time.UTC
		if p.Aware {
			loc = time.FixedZone("", p.OffsetMin*60)
		}
		return time.Date(p.Year, time.Month(p.Month), p.Day,
			p.Hour, p.Minute, p.Second, p.Micro*1000, loc), nil
	case *vm.DateObject:
		return time.Date(p.Year, time.Month(p.Month), p.Day, 0, 0, 0, 0, time.UTC), nil
	}
	return nil, fmt.Errorf("host: cannot convert guest %s to a Go value", describe(h, v))
}

func seqToGo(h *vm.Heap, elems []vm.Value, depth int) ([]any, error) {
	out := make([]any, 0, len(elems))
	for _, e := range elems {
		ev, err := toGoAt(h, e, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func describe(h *vm.Heap, v vm.Value) string {
	if v.IsRef() {
		return h.Get(v.ObjectID()).Tag().Name()
	}
	return "value"
}
