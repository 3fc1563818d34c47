package vm

import "fmt"

// ---------------------------------------------------------------------------
// Payload type tags
// ---------------------------------------------------------------------------

// TypeTag identifies the concrete kind of a heap payload. Operator dispatch,
// hashability, and snapshot encoding are all keyed by this tag, never by
// open-ended dynamic lookup.
type TypeTag uint8

const (
	TagInvalid TypeTag = iota
	TagStr
	TagBytes
	TagList
	TagTuple
	TagDict
	TagExc
	TagDate
	TagTime
	TagDateTime
	TagTimeDelta
)

// typeNames maps tags to guest-visible type names.
var typeNames = [...]string{
	TagInvalid:   "invalid",
	TagStr:       "str",
	TagBytes:     "bytes",
	TagList:      "list",
	TagTuple:     "tuple",
	TagDict:      "dict",
	TagExc:       "exception",
	TagDate:      "date",
	TagTime:      "time",
	TagDateTime:  "datetime",
	TagTimeDelta: "timedelta",
}

// Name returns the guest-visible name of the type.
func (t TypeTag) Name() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type#%d", uint8(t))
}

// Immutable reports whether payloads of this kind are immutable. Immutable
// kinds carry a cached hash computed once at construction; mutable kinds
// never do and are not usable as mapping keys.
func (t TypeTag) Immutable() bool {
	switch t {
	case TagStr, TagBytes, TagTuple, TagDate, TagTime, TagDateTime, TagTimeDelta:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Payload interface
// ---------------------------------------------------------------------------

// Payload is the composite data stored in one heap slot. Payloads may hold
// owning references (Values with the ref tag) to other heap objects.
type Payload interface {
	Tag() TypeTag

	// children appends every owning reference held by this payload to dst.
	// Used by the heap's iterative free and by snapshot validation.
	children(dst []Value) []Value

	// approxBytes estimates the payload's memory footprint for the
	// resource tracker. Precision is not required, monotonicity is.
	approxBytes() uint64
}

// ---------------------------------------------------------------------------
// Strings and bytes
// ---------------------------------------------------------------------------

// StrObject is an immutable string payload.
type StrObject struct {
	S string
}

func (*StrObject) Tag() TypeTag                   { return TagStr }
func (*StrObject) children(dst []Value) []Value   { return dst }
func (s *StrObject) approxBytes() uint64          { return 16 + uint64(len(s.S)) }

// BytesObject is an immutable byte-string payload.
type BytesObject struct {
	B []byte
}

func (*BytesObject) Tag() TypeTag                 { return TagBytes }
func (*BytesObject) children(dst []Value) []Value { return dst }
func (b *BytesObject) approxBytes() uint64        { return 16 + uint64(len(b.B)) }

// ---------------------------------------------------------------------------
// Sequences
// ---------------------------------------------------------------------------

// ListObject is a mutable ordered sequence. It owns one reference to each
// ref-tagged element.
type ListObject struct {
	Elems []Value
}

func (*ListObject) Tag() TypeTag { return TagList }

func (l *ListObject) children(dst []Value) []Value {
	return append(dst, l.Elems...)
}

func (l *ListObject) approxBytes() uint64 { return 24 + 8*uint64(len(l.Elems)) }

// TupleObject is an immutable ordered sequence.
type TupleObject struct {
	Elems []Value
}

func (*TupleObject) Tag() TypeTag { return TagTuple }

func (t *TupleObject) children(dst []Value) []Value {
	return append(dst, t.Elems...)
}

func (t *TupleObject) approxBytes() uint64 { return 24 + 8*uint64(len(t.Elems)) }

// ---------------------------------------------------------------------------
// Dict
// ---------------------------------------------------------------------------

// DictEntry is one key/value pair. The dict owns one reference to each
// ref-tagged key and value.
type DictEntry struct {
	Key Value
	Val Value
}

// DictObject is a mutable insertion-ordered mapping, hash-bucketed on the
// key's hash with structural equality to resolve collisions. Keys must be
// hashable (immutable payload kinds or immediates).
type DictObject struct {
	Entries []DictEntry
	index   map[uint64][]int // hash -> entry indexes
}

// NewDict creates an empty dict payload.
func NewDict() *DictObject {
	return &DictObject{index: make(map[uint64][]int)}
}

func (*DictObject) Tag() TypeTag { return TagDict }

func (d *DictObject) children(dst []Value) []Value {
	for _, e := range d.Entries {
		dst = append(dst, e.Key, e.Val)
	}
	return dst
}

func (d *DictObject) approxBytes() uint64 { return 48 + 32*uint64(len(d.Entries)) }

// Len returns the number of entries.
func (d *DictObject) Len() int { return len(d.Entries) }

// lookup finds the entry index for key, or -1. Returns a guest TypeError if
// the key is unhashable.
func (d *DictObject) lookup(h *Heap, key Value) (int, *GuestError) {
	hash, err := hashValue(h, key)
	if err != nil {
		return -1, err
	}
	for _, idx := range d.index[hash] {
		eq, eqErr := valueEq(h, d.Entries[idx].Key, key)
		if eqErr != nil {
			return -1, eqErr
		}
		if eq {
			return idx, nil
		}
	}
	return -1, nil
}

// Get returns the value stored for key, if present.
func (d *DictObject) Get(h *Heap, key Value) (Value, bool, *GuestError) {
	idx, err := d.lookup(h, key)
	if err != nil || idx < 0 {
		return None, false, err
	}
	return d.Entries[idx].Val, true, nil
}

// Set stores val under key. If the key was already present the existing
// entry keeps its original key object; the previous value is returned as
// (oldVal, true) and the caller is responsible for releasing it along with
// the now-unused key argument. If the key was absent the dict takes
// ownership of both key and val.
func (d *DictObject) Set(h *Heap, key, val Value) (oldVal Value, replaced bool, err *GuestError) {
	idx, err := d.lookup(h, key)
	if err != nil {
		return None, false, err
	}
	if idx >= 0 {
		old := d.Entries[idx].Val
		d.Entries[idx].Val = val
		return old, true, nil
	}
	hash, hErr := hashValue(h, key)
	if hErr != nil {
		return None, false, hErr
	}
	if d.index == nil {
		d.index = make(map[uint64][]int)
	}
	d.index[hash] = append(d.index[hash], len(d.Entries))
	d.Entries = append(d.Entries, DictEntry{Key: key, Val: val})
	return None, false, nil
}

// rebuildIndex reconstructs the hash index from Entries. Used after a
// snapshot load, where only the ordered entries are serialized.
func (d *DictObject) rebuildIndex(h *Heap) error {
	d.index = make(map[uint64][]int, len(d.Entries))
	for i, e := range d.Entries {
		hash, err := hashValue(h, e.Key)
		if err != nil {
			return fmt.Errorf("dict key %d is unhashable", i)
		}
		d.index[hash] = append(d.index[hash], i)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// ExcObject is a guest exception instance: the payload pushed onto the
// handler's eval stack when a raise is caught.
type ExcObject struct {
	Kind ExcKind
	Msg  string
}

func (*ExcObject) Tag() TypeTag                   { return TagExc }
func (*ExcObject) children(dst []Value) []Value   { return dst }
func (e *ExcObject) approxBytes() uint64          { return 24 + uint64(len(e.Msg)) }

// ---------------------------------------------------------------------------
// Date and time kinds
// ---------------------------------------------------------------------------

// daysInMonth returns the day count for a month, accounting for leap years.
func daysInMonth(year, month int) int {
	switch month {
	case 1, 3, 5, 7, 8, 10, 12:
		return 31
	case 4, 6, 9, 11:
		return 30
	case 2:
		if year%4 == 0 && (year%100 != 0 || year%400 == 0) {
			return 29
		}
		return 28
	}
	return 0
}

// DateObject is an immutable calendar date.
type DateObject struct {
	Year  int
	Month int
	Day   int
}

func (*DateObject) Tag() TypeTag                 { return TagDate }
func (*DateObject) children(dst []Value) []Value { return dst }
func (*DateObject) approxBytes() uint64          { return 24 }

// NewDate validates and constructs a date payload. Out-of-range components
// are a guest ValueError, detected locally at construction.
func NewDate(year, month, day int) (*DateObject, *GuestError) {
	if year < 1 || year > 9999 {
		return nil, valueErrorf("year %d is out of range", year)
	}
	if month < 1 || month > 12 {
		return nil, valueErrorf("month must be in 1..12")
	}
	if day < 1 || day > daysInMonth(year, month) {
		return nil, valueErrorf("day is out of range for month")
	}
	return &DateObject{Year: year, Month: month, Day: day}, nil
}

// ordinal returns the proleptic Gregorian ordinal day number, used for
// date arithmetic and ordering.
func (d *DateObject) ordinal() int64 {
	y := int64(d.Year)
	m := int64(d.Month)
	if m <= 2 {
		y--
		m += 12
	}
	era := y / 400
	yoe := y - era*400
	doy := (153*(m-3)+2)/5 + int64(d.Day) - 1
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*146097 + doe
}

// TimeObject is an immutable time of day, optionally carrying a fixed UTC
// offset (aware) or none (naive).
type TimeObject struct {
	Hour   int
	Minute int
	Second int
	Micro  int

	// OffsetMin is the UTC offset in minutes; meaningful only when Aware.
	OffsetMin int
	Aware     bool
}

func (*TimeObject) Tag() TypeTag                 { return TagTime }
func (*TimeObject) children(dst []Value) []Value { return dst }
func (*TimeObject) approxBytes() uint64          { return 40 }

func checkClock(hour, minute, second, micro int) *GuestError {
	if hour < 0 || hour > 23 {
		return valueErrorf("hour must be in 0..23")
	}
	if minute < 0 || minute > 59 {
		return valueErrorf("minute must be in 0..59")
	}
	if second < 0 || second > 59 {
		return valueErrorf("second must be in 0..59")
	}
	if micro < 0 || micro > 999999 {
		return valueErrorf("microsecond must be in 0..999999")
	}
	return nil
}

func checkOffset(offsetMin int) *GuestError {
	// Same bound as a full day either side, matching the original engine's
	// fixed-offset timezone rules.
	if offsetMin <= -1440 || offsetMin >= 1440 {
		return valueErrorf("utc offset must be strictly between -1440 and 1440 minutes")
	}
	return nil
}

// NewTime validates and constructs a time payload.
func NewTime(hour, minute, second, micro int, offsetMin int, aware bool) (*TimeObject, *GuestError) {
	if err := checkClock(hour, minute, second, micro); err != nil {
		return nil, err
	}
	if aware {
		if err := checkOffset(offsetMin); err != nil {
			return nil, err
		}
	}
	return &TimeObject{Hour: hour, Minute: minute, Second: second, Micro: micro, OffsetMin: offsetMin, Aware: aware}, nil
}

// microsOfDay returns microseconds since midnight, ignoring the offset.
func (t *TimeObject) microsOfDay() int64 {
	return ((int64(t.Hour)*60+int64(t.Minute))*60+int64(t.Second))*1e6 + int64(t.Micro)
}

// DateTimeObject is an immutable calendar date plus time of day, optionally
// aware of a fixed UTC offset.
type DateTimeObject struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
	Second int
	Micro  int

	OffsetMin int
	Aware     bool
}

func (*DateTimeObject) Tag() TypeTag                 { return TagDateTime }
func (*DateTimeObject) children(dst []Value) []Value { return dst }
func (*DateTimeObject) approxBytes() uint64          { return 56 }

// NewDateTime validates and constructs a datetime payload.
func NewDateTime(year, month, day, hour, minute, second, micro int, offsetMin int, aware bool) (*DateTimeObject, *GuestError) {
	if _, err := NewDate(year, month, day); err != nil {
		return nil, err
	}
	if err := checkClock(hour, minute, second, micro); err != nil {
		return nil, err
	}
	if aware {
		if err := checkOffset(offsetMin); err != nil {
			return nil, err
		}
	}
	return &DateTimeObject{
		Year: year, Month: month, Day: day,
		Hour: hour, Minute: minute, Second: second, Micro: micro,
		OffsetMin: offsetMin, Aware: aware,
	}, nil
}

// utcMicros returns microseconds since the epoch of year 1, normalized to
// UTC for aware values. Only comparable between two values of equal
// awareness; mixing aware and naive is a guest TypeError at the call site.
func (dt *DateTimeObject) utcMicros() int64 {
	d := DateObject{Year: dt.Year, Month: dt.Month, Day: dt.Day}
	micros := d.ordinal()*86400*1e6 +
		((int64(dt.Hour)*60+int64(dt.Minute))*60+int64(dt.Second))*1e6 +
		int64(dt.Micro)
	if dt.Aware {
		micros -= int64(dt.OffsetMin) * 60 * 1e6
	}
	return micros
}

// TimeDeltaObject is an immutable duration, normalized so that
// 0 <= Seconds < 86400 and 0 <= Micros < 1e6 (Days may be negative).
type TimeDeltaObject struct {
	Days    int64
	Seconds int64
	Micros  int64
}

func (*TimeDeltaObject) Tag() TypeTag                 { return TagTimeDelta }
func (*TimeDeltaObject) children(dst []Value) []Value { return dst }
func (*TimeDeltaObject) approxBytes() uint64          { return 32 }

// NewTimeDelta constructs a normalized duration from days, seconds and
// microseconds (each component may be negative or oversized).
func NewTimeDelta(days, seconds, micros int64) *TimeDeltaObject {
	total := days*86400*1e6 + seconds*1e6 + micros
	return timeDeltaFromMicros(total)
}

func timeDeltaFromMicros(total int64) *TimeDeltaObject {
	days := floorDivInt(total, 86400*1e6)
	rem := total - days*86400*1e6
	seconds := rem / 1e6
	return &TimeDeltaObject{Days: days, Seconds: seconds, Micros: rem % 1e6}
}

// totalMicros returns the full duration in microseconds.
func (td *TimeDeltaObject) totalMicros() int64 {
	return td.Days*86400*1e6 + td.Seconds*1e6 + td.Micros
}

// floorDivInt is integer division rounding toward negative infinity.
func floorDivInt(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
