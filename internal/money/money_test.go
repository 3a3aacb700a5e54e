package money

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"whole dong", "1500000", "1500000"},
		{"cents", "12.50", "12.5"},
		{"leading zeros", "007.50", "7.5"},
		{"padded spaces", " 42 ", "42"},
		{"zero", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"", "-1", "abc", "1.2.3", "--5"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		expected int64
	}{
		{"1500000", VND, 1_500_000},
		{"12.50", USD, 1250},
		{"0.01", USD, 1},
		{"1.5", USDC, 1_500_000},
		{"0.000001", USDC, 1},
	}

	for _, tt := range tests {
		got, err := ToMinorUnits(decimal.RequireFromString(tt.amount), tt.currency)
		if err != nil {
			t.Fatalf("ToMinorUnits(%s %s): %v", tt.amount, tt.currency, err)
		}
		if got.Int64() != tt.expected {
			t.Errorf("ToMinorUnits(%s %s) = %d, want %d", tt.amount, tt.currency, got.Int64(), tt.expected)
		}
	}
}

func TestToMinorUnits_RejectsExcessPrecision(t *testing.T) {
	if _, err := ToMinorUnits(decimal.RequireFromString("100.5"), VND); err == nil {
		t.Error("expected error for fractional dong")
	}
	if _, err := ToMinorUnits(decimal.RequireFromString("1.001"), USD); err == nil {
		t.Error("expected error for sub-cent USD")
	}
	if _, err := ToMinorUnits(decimal.RequireFromString("-1"), USD); err == nil {
		t.Error("expected error for negative amount")
	}
}

func TestFromMinorUnits_RoundTrip(t *testing.T) {
	got := FromMinorUnits(big.NewInt(1_500_000), USDC)
	if !got.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("FromMinorUnits = %s, want 1.5", got)
	}
	if !FromMinorUnits(nil, USD).IsZero() {
		t.Error("nil units should be zero")
	}
}

func TestFormat(t *testing.T) {
	if got := Format(decimal.RequireFromString("1500000"), VND); got != "1500000" {
		t.Errorf("Format VND = %q", got)
	}
	if got := Format(decimal.RequireFromString("12.5"), USD); got != "12.50" {
		t.Errorf("Format USD = %q", got)
	}
	if got := Format(decimal.RequireFromString("3"), USDC); got != "3.000000" {
		t.Errorf("Format USDC = %q", got)
	}
}

func TestSupported(t *testing.T) {
	if !Supported("vnd") || !Supported(USD) || !Supported(USDC) {
		t.Error("expected VND, USD and USDC to be supported")
	}
	if Supported("EUR") {
		t.Error("EUR should not be supported")
	}
}

func TestSum(t *testing.T) {
	got := Sum(decimal.NewFromInt(3_000_000), decimal.NewFromInt(2_000_000))
	if !got.Equal(decimal.NewFromInt(5_000_000)) {
		t.Errorf("Sum = %s", got)
	}
	if !Sum().IsZero() {
		t.Error("empty Sum should be zero")
	}
}
