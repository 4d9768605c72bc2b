package sharecode

import (
	"errors"
	"testing"
)

func TestIsValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code  string
		valid bool
	}{
		{"CSGO-GADqf-jjyJ8-cSP2r-smZRo-TO2xK", true},
		{"GADqf-jjyJ8-cSP2r-smZRo-TO2xK", true},
		{"GADqfjjyJ8cSP2rsmZRoTO2xK", true},
		{"CSGO-GADqf-jjyJ8-cSP2r-smZRo", false},
		{"CSGO-GADqf-jjyJ8-cSP2r-smZRo-TO2x1", false}, // 1 not in alphabet
		{"", false},
		{"not a code", false},
	}

	for _, tc := range tests {
		if got := IsValid(tc.code); got != tc.valid {
			t.Errorf("IsValid(%q) = %v, want %v", tc.code, got, tc.valid)
		}
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	share, err := Decode("CSGO-GADqf-jjyJ8-cSP2r-smZRo-TO2xK")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if share.MatchID != 3230642215713767580 {
		t.Fatalf("unexpected match id %d", share.MatchID)
	}
	if share.OutcomeID != 3230647599455273103 {
		t.Fatalf("unexpected outcome id %d", share.OutcomeID)
	}
	if share.TokenID != 55788 {
		t.Fatalf("unexpected token id %d", share.TokenID)
	}
}

func TestDecodeInvalid(t *testing.T) {
	t.Parallel()

	if _, err := Decode("garbage"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
