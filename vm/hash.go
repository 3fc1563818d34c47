package vm

// ---------------------------------------------------------------------------
// Hashing
//
// Hashing a heap reference needs heap context, which a context-free hash
// interface cannot supply. The resolution: hashes for immutable payload
// kinds are computed once at construction (Heap.Allocate) and cached in the
// slot next to the refcount; mutable kinds are excluded from the hashable
// capability set at the type-tag level, not by duck typing.
// ---------------------------------------------------------------------------

const (
	fnvOffset uint64 = 14695981039346656037
	fnvPrime  uint64 = 1099511628211
)

func fnvBytes(h uint64, data []byte) uint64 {
	for _, b := range data {
		h ^= uint64(b)
		h *= fnvPrime
	}
	return h
}

func fnvUint64(h uint64, v uint64) uint64 {
	for i := 0; i < 8; i++ {
		h ^= v & 0xFF
		h *= fnvPrime
		v >>= 8
	}
	return h
}

// hashInt hashes an integer. Booleans and integral floats funnel through
// here too, so hash(True) == hash(1) == hash(1.0), matching equality.
func hashInt(n int64) uint64 {
	return fnvUint64(fnvOffset^0x6E, uint64(n))
}

// hashValue hashes any Value. Immediates are hashed inline; references use
// the heap's cached hash. Mutable payload kinds yield a guest TypeError.
func hashValue(h *Heap, v Value) (uint64, *GuestError) {
	switch {
	case v == None:
		return fnvUint64(fnvOffset^0x4E, 0), nil
	case v == True:
		return hashInt(1), nil
	case v == False:
		return hashInt(0), nil
	case v.IsSmallInt():
		return hashInt(v.SmallInt()), nil
	case v.IsFloat():
		f := v.Float64()
		if f == float64(int64(f)) {
			return hashInt(int64(f)), nil
		}
		return fnvUint64(fnvOffset^0x66, uint64(v)), nil
	case v.IsRef():
		return h.HashOf(v.ObjectID())
	}
	panic(internalf("hashValue: unknown value encoding %x", uint64(v)))
}

// computeHash derives the construction-time hash for an immutable payload.
// Returns false when the payload is not hashable after all (a tuple holding
// a mutable element).
func (h *Heap) computeHash(p Payload) (uint64, bool) {
	switch obj := p.(type) {
	case *StrObject:
		return fnvBytes(fnvOffset^0x73, []byte(obj.S)), true
	case *BytesObject:
		return fnvBytes(fnvOffset^0x62, obj.B), true
	case *TupleObject:
		acc := fnvOffset ^ 0x74
		acc = fnvUint64(acc, uint64(len(obj.Elems)))
		for _, e := range obj.Elems {
			eh, err := hashValue(h, e)
			if err != nil {
				return 0, false
			}
			acc = fnvUint64(acc, eh)
		}
		return acc, true
	case *DateObject:
		return fnvUint64(fnvOffset^0x44, uint64(obj.ordinal())), true
	case *TimeObject:
		micros := obj.microsOfDay()
		salt := fnvOffset ^ 0x54
		if obj.Aware {
			micros -= int64(obj.OffsetMin) * 60 * 1e6
			salt = fnvUint64(salt, 1)
		}
		return fnvUint64(salt, uint64(micros)), true
	case *DateTimeObject:
		salt := fnvOffset ^ 0x64
		if obj.Aware {
			salt = fnvUint64(salt, 1)
		}
		return fnvUint64(salt, uint64(obj.utcMicros())), true
	case *TimeDeltaObject:
		return fnvUint64(fnvOffset^0x6C, uint64(obj.totalMicros())), true
	}
	return 0, false
}
