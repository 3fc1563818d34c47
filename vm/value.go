package vm

import (
	"math"
)

// Value represents a Capsule guest value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-float values
// are encoded in the NaN (Not-a-Number) space using the quiet NaN prefix
// and tag bits to distinguish types.
//
// Encoding scheme:
//   - Float: Native IEEE 754 double (if not a NaN, it's a float)
//   - SmallInt: Quiet NaN + tagInt + 48-bit signed payload
//   - Ref: Quiet NaN + tagRef + 48-bit ObjectID
//   - Special: Quiet NaN + tagSpecial + special value ID (none/true/false)
//
// A Value contains no native pointers, so the same bit pattern means the
// same thing in any process: ObjectIDs are indexes into a Heap, not
// addresses. This is what makes snapshots position independent.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	// 0x7FF8_0000_0000_0000
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for ObjectID/int/special
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Tag values (shifted into position)
	tagRef     uint64 = 0x0001000000000000 // heap ObjectID
	tagInt     uint64 = 0x0002000000000000 // 48-bit signed integer
	tagSpecial uint64 = 0x0003000000000000 // none, true, false

	// Sign bit for 48-bit integer sign extension
	intSignBit uint64 = 0x0000800000000000

	// Mask for sign extension
	intSignExtend uint64 = 0xFFFF000000000000
)

// Special value payloads
const (
	specialNone  uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	None  Value = Value(nanBits | tagSpecial | specialNone)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// SmallInt range (48-bit signed)
const (
	MaxSmallInt int64 = (1 << 47) - 1
	MinSmallInt int64 = -(1 << 47)
)

// ObjectID identifies one heap arena slot. IDs are allocated monotonically
// and never reused within a Heap's lifetime; equality of ObjectIDs defines
// object identity.
type ObjectID uint64

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
// A value is a float if it's not one of our tagged NaN values.
// This includes regular numbers, infinities, and "real" NaN values.
func (v Value) IsFloat() bool {
	bits := uint64(v)

	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		// Exponent is not all 1s, so it's a regular float
		return true
	}

	// Exponent is all 1s. Infinity has mantissa == 0.
	mantissa := bits & 0x000FFFFFFFFFFFFF
	if mantissa == 0 {
		return true
	}

	if (bits & nanBits) != nanBits {
		// Quiet NaN bit not set - a signaling NaN, treat as float
		return true
	}

	tag := bits & tagMask
	if tag == 0 {
		// A "real" quiet NaN, treat as float
		return true
	}

	return false
}

// IsSmallInt returns true if v represents a small integer.
func (v Value) IsSmallInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsRef returns true if v references a heap object.
func (v Value) IsRef() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagRef)
}

// IsNone returns true if v is the none value.
func (v Value) IsNone() bool {
	return v == None
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// IsSpecial returns true if v is none, true, or false.
func (v Value) IsSpecial() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagSpecial)
}

// ---------------------------------------------------------------------------
// Float operations
// ---------------------------------------------------------------------------

// Float64 returns v as a float64.
// Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// SmallInt operations
// ---------------------------------------------------------------------------

// SmallInt returns v as an int64.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	payload := uint64(v) & payloadMask

	// Sign extend from 48 bits to 64 bits
	if (payload & intSignBit) != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromSmallInt creates a Value from an int64.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Value {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// TryFromSmallInt creates a Value from an int64, returning false if out of range.
func TryFromSmallInt(n int64) (Value, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return None, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// ---------------------------------------------------------------------------
// Reference operations
// ---------------------------------------------------------------------------

// ObjectID returns the heap object ID encoded in v.
// Panics if v is not a reference.
func (v Value) ObjectID() ObjectID {
	if !v.IsRef() {
		panic("Value.ObjectID: not a reference")
	}
	return ObjectID(uint64(v) & payloadMask)
}

// FromObjectID creates a reference Value from an ObjectID.
func FromObjectID(id ObjectID) Value {
	if uint64(id) > payloadMask {
		panic("FromObjectID: object id exceeds 48 bits")
	}
	return Value(nanBits | tagRef | uint64(id))
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

// Identical reports `is`-style identity: ObjectID equality for refs, value
// equality for immediates. Two equal immediates are identical because a
// canonical identity is ill-defined for unboxed values; this is an explicit
// policy choice, not an accident of encoding.
func Identical(a, b Value) bool {
	if a.IsRef() && b.IsRef() {
		return a.ObjectID() == b.ObjectID()
	}
	if a.IsRef() != b.IsRef() {
		return false
	}
	// Both immediates. Compare numerics by value so 1 is 1.0 stays false
	// (different type tags) but 1 is 1 holds.
	return a == b
}
