package i18n

import (
	"sort"
	"testing"

	"golang.org/x/text/language"
)

func TestFold(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Crítico", "critico"},
		{"  ATENCIÓN ", "atencion"},
		{"normal", "normal"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Fold(tt.in); got != tt.want {
			t.Errorf("Fold(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseLocale(t *testing.T) {
	tag, err := ParseLocale("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tag != language.Spanish {
		t.Errorf("expected default locale es, got %v", tag)
	}
	if _, err := ParseLocale("not a locale!!"); err == nil {
		t.Error("expected error for malformed locale")
	}
}

func TestNewCollator_NumericOrder(t *testing.T) {
	col := NewCollator(language.Spanish)
	codes := []string{"M-10", "M-2", "m-1"}
	sort.Slice(codes, func(i, j int) bool { return col.CompareString(codes[i], codes[j]) < 0 })

	want := []string{"m-1", "M-2", "M-10"}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, codes)
		}
	}
}
