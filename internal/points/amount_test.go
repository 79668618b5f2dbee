package points

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := map[string]Amount{
		"0":     0,
		"1":     100,
		"1.5":   150,
		"1.25":  125,
		".75":   75,
		"+2.10": 210,
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		if err != nil || got != want {
			t.Fatalf("ParseAmount(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseAmount("1.234"); !errors.Is(err, ErrPrecision) {
		t.Fatalf("expected precision error, got %v", err)
	}
	if _, err := ParseAmount("-1"); !errors.Is(err, ErrNegative) {
		t.Fatalf("expected negative error, got %v", err)
	}
	for _, bad := range []string{"", "abc", "1.", "-", "1.2.3", "1e3"} {
		if _, err := ParseAmount(bad); err == nil {
			t.Fatalf("ParseAmount(%q) should fail", bad)
		}
	}
}

func TestParseDeltaAllowsSign(t *testing.T) {
	got, err := ParseDelta("-2.5")
	if err != nil || got != -250 {
		t.Fatalf("ParseDelta(-2.5) = %v, %v", got, err)
	}
}

func TestNewAmount(t *testing.T) {
	if a, err := NewAmount(2.25); err != nil || a != 225 {
		t.Fatalf("NewAmount(2.25) = %v, %v", a, err)
	}
	if _, err := NewAmount(0.001); !errors.Is(err, ErrPrecision) {
		t.Fatalf("expected precision error, got %v", err)
	}
	if _, err := NewAmount(-1); !errors.Is(err, ErrNegative) {
		t.Fatalf("expected negative error, got %v", err)
	}
	if d, err := NewDelta(-0.1); err != nil || d != -10 {
		t.Fatalf("NewDelta(-0.1) = %v, %v", d, err)
	}
}

func TestAmountJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Points Amount `json:"points"`
	}{Points: 1505})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"points":15.05}` {
		t.Fatalf("marshal = %s", data)
	}
	var out struct {
		Points Amount `json:"points"`
	}
	if err := json.Unmarshal([]byte(`{"points":-3.2}`), &out); err != nil {
		t.Fatal(err)
	}
	if out.Points != -320 {
		t.Fatalf("unmarshal = %v", out.Points)
	}
	if err := json.Unmarshal([]byte(`{"points":1.001}`), &out); err == nil {
		t.Fatalf("expected precision error")
	}
}

func TestString(t *testing.T) {
	if Whole(3).String() != "3" || Amount(-5).String() != "-0.05" || Amount(120).String() != "1.20" {
		t.Fatalf("unexpected formatting")
	}
}
