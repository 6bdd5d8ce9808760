package version

import "testing"

func TestCompareOrdersByStateThenMinor(t *testing.T) {
	cases := []struct {
		a, b Version
		want Ordering
	}{
		{Version{"04", 0}, Version{"05", 0}, Less},
		{Version{"05", 0}, Version{"04", 0}, Greater},
		{Version{"05", 1}, Version{"05", 2}, Less},
		{Version{"05", 2}, Version{"05", 2}, Equal},
	}
	for _, c := range cases {
		if got := Compare(c.a, c.b); got != c.want {
			t.Errorf("Compare(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestBumpMinorKeepsState(t *testing.T) {
	v := Version{StateVersion: "07", MinorVersion: 3}
	got := Bump(v, "08", true)
	want := Version{StateVersion: "07", MinorVersion: 4}
	if got != want {
		t.Fatalf("Bump(minor) = %v, want %v", got, want)
	}
}

func TestBumpStateResetsMinor(t *testing.T) {
	v := Version{StateVersion: "07", MinorVersion: 3}
	got := Bump(v, "08", false)
	want := Version{StateVersion: "08", MinorVersion: 0}
	if got != want {
		t.Fatalf("Bump(state) = %v, want %v", got, want)
	}
}

func TestCookieRoundTrip(t *testing.T) {
	v := Version{StateVersion: "042", MinorVersion: 17}
	cookie := ToCookie(v)
	got, err := FromCookie(cookie)
	if err != nil {
		t.Fatalf("FromCookie: %v", err)
	}
	if got != v {
		t.Fatalf("round trip = %v, want %v", got, v)
	}
}

func TestFromCookieEmptyIsZero(t *testing.T) {
	got, err := FromCookie("")
	if err != nil {
		t.Fatalf("FromCookie(\"\"): %v", err)
	}
	if got != Zero {
		t.Fatalf("FromCookie(\"\") = %v, want Zero", got)
	}
}

func TestFromCookieMalformedIsBadRequest(t *testing.T) {
	for _, bad := range []string{"nocolon", "x:123", ":0000000001", "x:abcdefghij"} {
		if _, err := FromCookie(bad); err == nil {
			t.Errorf("FromCookie(%q) expected error, got nil", bad)
		}
	}
}

func TestCookieOrderingMatchesVersionOrdering(t *testing.T) {
	lower := Version{StateVersion: "05", MinorVersion: 9}
	higher := Version{StateVersion: "05", MinorVersion: 10}
	if !(ToCookie(lower) < ToCookie(higher)) {
		t.Fatalf("cookie lexicographic order diverged from version order: %q vs %q", ToCookie(lower), ToCookie(higher))
	}
	if LessThan(higher, lower) {
		t.Fatalf("expected higher version to not be less than lower")
	}
}
