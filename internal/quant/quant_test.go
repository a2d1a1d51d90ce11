package quant

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPriceRoundsHalfUp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		decimals int32
		want     string
	}{
		{"100.005", 2, "100.01"},
		{"100.004", 2, "100.00"},
		{"100.015", 2, "100.02"},
		{"0.12345", 4, "0.1235"},
		{"2500", 2, "2500"},
	}
	for _, c := range cases {
		got := Price(dec(c.in), c.decimals)
		if !got.Equal(dec(c.want)) {
			t.Errorf("Price(%s, %d) = %s, want %s", c.in, c.decimals, got, c.want)
		}
	}
}

func TestSizeRoundsDown(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		decimals int32
		want     string
	}{
		{"0.09999", 4, "0.0999"},
		{"0.10001", 4, "0.1"},
		{"1.23456789", 6, "1.234567"},
		{"5", 4, "5"},
	}
	for _, c := range cases {
		got := Size(dec(c.in), c.decimals)
		if !got.Equal(dec(c.want)) {
			t.Errorf("Size(%s, %d) = %s, want %s", c.in, c.decimals, got, c.want)
		}
	}
}

func TestIntScalingRoundTrip(t *testing.T) {
	t.Parallel()

	v := Price(dec("1234.567"), 2)
	raw := ToInt(v, 2)
	if raw != 123457 {
		t.Fatalf("ToInt = %d, want 123457", raw)
	}
	back := FromInt(raw, 2)
	if !back.Equal(dec("1234.57")) {
		t.Fatalf("FromInt = %s, want 1234.57", back)
	}
}

func TestSnapToStep(t *testing.T) {
	t.Parallel()

	cases := []struct {
		v, step, want string
	}{
		{"100.4", "1", "100"},
		{"100.5", "1", "101"}, // half rounds up
		{"100.6", "1", "101"},
		{"2501.3", "2.5", "2500"},
		{"0.0735", "0.005", "0.075"},
	}
	for _, c := range cases {
		got := SnapToStep(dec(c.v), dec(c.step))
		if !got.Equal(dec(c.want)) {
			t.Errorf("SnapToStep(%s, %s) = %s, want %s", c.v, c.step, got, c.want)
		}
	}
}

func TestSnapToStepZeroStep(t *testing.T) {
	t.Parallel()

	v := dec("42.42")
	if got := SnapToStep(v, decimal.Zero); !got.Equal(v) {
		t.Fatalf("zero step should return input, got %s", got)
	}
}

func TestTick(t *testing.T) {
	t.Parallel()

	if !Tick(2).Equal(dec("0.01")) {
		t.Fatalf("Tick(2) = %s", Tick(2))
	}
	if !Tick(0).Equal(dec("1")) {
		t.Fatalf("Tick(0) = %s", Tick(0))
	}
}
