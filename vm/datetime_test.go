package vm

import (
	"testing"
)

func TestNewDateValidation(t *testing.T) {
	cases := []struct {
		year, month, day int
		ok               bool
	}{
		{2024, 2, 29, true},  // leap year
		{2023, 2, 29, false}, // not a leap year
		{1900, 2, 29, false}, // century, not a leap year
		{2000, 2, 29, true},  // 400-year leap
		{2024, 13, 1, false},
		{2024, 0, 1, false},
		{2024, 4, 31, false},
		{0, 1, 1, false},
		{10000, 1, 1, false},
		{1, 1, 1, true},
		{9999, 12, 31, true},
	}
	for _, c := range cases {
		_, err := NewDate(c.year, c.month, c.day)
		if (err == nil) != c.ok {
			t.Errorf("NewDate(%d, %d, %d): err = %v, want ok = %v", c.year, c.month, c.day, err, c.ok)
		}
		if err != nil && err.Kind != ExcValueError {
			t.Errorf("construction error kind = %v, want ValueError", err.Kind)
		}
	}
}

func TestDateOrdinalRoundTrip(t *testing.T) {
	dates := []DateObject{
		{1, 1, 1},
		{1970, 1, 1},
		{2000, 2, 29},
		{2024, 12, 31},
		{9999, 12, 31},
	}
	for _, d := range dates {
		back, err := dateFromOrdinal(d.ordinal())
		if err != nil {
			t.Fatalf("dateFromOrdinal(%d): %v", d.ordinal(), err)
		}
		if *back != d {
			t.Errorf("ordinal round trip: %+v -> %+v", d, *back)
		}
	}
}

func TestDateArithmetic(t *testing.T) {
	h := NewHeap(nil)
	d1, _ := h.AllocateValue(&DateObject{Year: 2024, Month: 3, Day: 1})
	d2, _ := h.AllocateValue(&DateObject{Year: 2024, Month: 2, Day: 28})

	diff, err := binaryArith(h, arithSub, d1, d2)
	if err != nil {
		t.Fatalf("date - date: %v", err)
	}
	td := h.Get(diff.ObjectID()).(*TimeDeltaObject)
	if td.Days != 2 { // 2024 is a leap year
		t.Errorf("2024-03-01 - 2024-02-28 = %d days, want 2", td.Days)
	}

	week, _ := h.AllocateValue(NewTimeDelta(7, 0, 0))
	shifted, err := binaryArith(h, arithAdd, d2, week)
	if err != nil {
		t.Fatalf("date + timedelta: %v", err)
	}
	nd := h.Get(shifted.ObjectID()).(*DateObject)
	if nd.Year != 2024 || nd.Month != 3 || nd.Day != 6 {
		t.Errorf("2024-02-28 + 7d = %04d-%02d-%02d, want 2024-03-06", nd.Year, nd.Month, nd.Day)
	}
}

func TestTimeOffsetValidation(t *testing.T) {
	if _, err := NewTime(12, 0, 0, 0, 1439, true); err != nil {
		t.Errorf("offset 1439 should be valid: %v", err)
	}
	if _, err := NewTime(12, 0, 0, 0, 1440, true); err == nil {
		t.Error("offset 1440 must be rejected")
	}
	if _, err := NewTime(12, 0, 0, 0, -1440, true); err == nil {
		t.Error("offset -1440 must be rejected")
	}
	if _, err := NewTime(24, 0, 0, 0, 0, false); err == nil {
		t.Error("hour 24 must be rejected")
	}
}

func TestAwareNaiveComparison(t *testing.T) {
	h := NewHeap(nil)
	naive, _ := h.AllocateValue(mustDateTime(t, 2024, 6, 1, 12, 0, 0, 0, 0, false))
	aware, _ := h.AllocateValue(mustDateTime(t, 2024, 6, 1, 12, 0, 0, 0, 0, true))

	// Equality across awareness is false, never an error.
	eq, gerr := valueEq(h, naive, aware)
	if gerr != nil {
		t.Fatalf("eq: %v", gerr)
	}
	if eq {
		t.Error("naive and aware datetimes must not compare equal")
	}

	// Ordering across awareness is a TypeError.
	if _, gerr := compareValues(h, naive, aware); gerr == nil || gerr.Kind != ExcTypeError {
		t.Errorf("ordering naive vs aware: %v, want TypeError", gerr)
	}
}

func TestAwareDateTimeNormalization(t *testing.T) {
	h := NewHeap(nil)
	// 12:00 at +02:00 is the same instant as 10:00 UTC.
	a, _ := h.AllocateValue(mustDateTime(t, 2024, 6, 1, 12, 0, 0, 0, 120, true))
	b, _ := h.AllocateValue(mustDateTime(t, 2024, 6, 1, 10, 0, 0, 0, 0, true))

	eq, gerr := valueEq(h, a, b)
	if gerr != nil {
		t.Fatal(gerr)
	}
	if !eq {
		t.Error("same instant at different offsets must compare equal")
	}

	ha, _ := h.HashOf(a.ObjectID())
	hb, _ := h.HashOf(b.ObjectID())
	if ha != hb {
		t.Error("equal aware datetimes must hash identically")
	}
}

func TestDateTimeSubtraction(t *testing.T) {
	h := NewHeap(nil)
	a, _ := h.AllocateValue(mustDateTime(t, 2024, 6, 2, 0, 0, 0, 0, 0, false))
	b, _ := h.AllocateValue(mustDateTime(t, 2024, 6, 1, 23, 59, 59, 0, 0, false))

	diff, err := binaryArith(h, arithSub, a, b)
	if err != nil {
		t.Fatal(err)
	}
	td := h.Get(diff.ObjectID()).(*TimeDeltaObject)
	if td.totalMicros() != 1e6 {
		t.Errorf("difference = %d micros, want 1e6", td.totalMicros())
	}
}

func TestTimeDeltaNormalization(t *testing.T) {
	cases := []struct {
		days, seconds, micros int64
		wantDays, wantSeconds, wantMicros int64
	}{
		{0, 0, 0, 0, 0, 0},
		{0, 86400, 0, 1, 0, 0},
		{0, 0, -1, -1, 86399, 999999},
		{1, -1, 0, 0, 86399, 0},
		{0, 90061, 500000, 1, 3661, 500000},
	}
	for _, c := range cases {
		td := NewTimeDelta(c.days, c.seconds, c.micros)
		if td.Days != c.wantDays || td.Seconds != c.wantSeconds || td.Micros != c.wantMicros {
			t.Errorf("NewTimeDelta(%d, %d, %d) = {%d %d %d}, want {%d %d %d}",
				c.days, c.seconds, c.micros,
				td.Days, td.Seconds, td.Micros,
				c.wantDays, c.wantSeconds, c.wantMicros)
		}
	}
}

func TestTimeDeltaArithmetic(t *testing.T) {
	h := NewHeap(nil)
	a, _ := h.AllocateValue(NewTimeDelta(1, 0, 0))
	b, _ := h.AllocateValue(NewTimeDelta(0, 43200, 0))

	sum, err := binaryArith(h, arithAdd, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if got := h.Get(sum.ObjectID()).(*TimeDeltaObject); got.Days != 1 || got.Seconds != 43200 {
		t.Errorf("1d + 12h = %+v", got)
	}

	doubled, err := binaryArith(h, arithMul, b, FromSmallInt(2))
	if err != nil {
		t.Fatal(err)
	}
	if got := h.Get(doubled.ObjectID()).(*TimeDeltaObject); got.Days != 1 || got.Seconds != 0 {
		t.Errorf("12h * 2 = %+v", got)
	}

	neg, err := negateValue(h, a)
	if err != nil {
		t.Fatal(err)
	}
	if got := h.Get(neg.ObjectID()).(*TimeDeltaObject); got.totalMicros() != -86400*1e6 {
		t.Errorf("-1d = %+v", got)
	}

	ratio, err := binaryArith(h, arithDiv, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if ratio.Float64() != 2.0 {
		t.Errorf("1d / 12h = %v, want 2.0", ratio.Float64())
	}
}

func mustDateTime(t *testing.T, year, month, day, hour, minute, second, micro, offsetMin int, aware bool) *DateTimeObject {
	t.Helper()
	dt, err := NewDateTime(year, month, day, hour, minute, second, micro, offsetMin, aware)
	if err != nil {
		t.Fatalf("NewDateTime: %v", err)
	}
	return dt
}
