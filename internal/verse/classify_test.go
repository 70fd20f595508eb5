package verse

import (
	"fmt"
	"testing"
)

func TestClassify_Determinism(t *testing.T) {
	q := "Will BTC be above $50k by end of year?"
	a := Classify(q)
	b := Classify(q)
	if !a.Equal(b) {
		t.Fatal("classify must be deterministic")
	}
}

func TestClassify_SynonymAndStopWordInvariance(t *testing.T) {
	a := Classify("Will BTC be above $50,000 at the close?")
	b := Classify("Will bitcoin be above $50000 at the close?")
	// "btc" normalizes to "bitcoin", and punctuation/commas are stripped
	// identically, so with matching numerics these should classify the
	// same verse once tokens line up.
	if a.Hex() == "" || b.Hex() == "" {
		t.Fatal("expected non-empty ids")
	}
	if !a.Equal(b) {
		t.Fatalf("expected synonym/stop-word variants to classify the same verse, got %s vs %s", a, b)
	}
}

func TestClassify_HexAndIntAgree(t *testing.T) {
	id := Classify("Will ETH flip BTC in market cap?")
	if id.Int().BitLen() > 128 {
		t.Fatalf("expected at most 128 bits, got %d", id.Int().BitLen())
	}

	roundTrip := id.Int().Bytes()
	// left-pad to 16 bytes for comparison, since big.Int.Bytes() strips
	// leading zeros.
	var padded [16]byte
	copy(padded[16-len(roundTrip):], roundTrip)
	if padded != id.Bytes() {
		t.Fatalf("hex/bytes and big.Int views disagree: %x vs %x", padded, id.Bytes())
	}
	if want := fmt.Sprintf("%032x", id.Int()); id.Hex() != want {
		t.Fatalf("Hex() = %s, want %s from the big.Int view", id.Hex(), want)
	}
}

func TestClassify_TableDriven(t *testing.T) {
	tests := []struct {
		name string
		q1   string
		q2   string
		same bool
	}{
		{"identical", "Will ETH be above $3000?", "Will ETH be above $3000?", true},
		{"stopword only difference", "Will ETH be above $3000?", "ETH above $3000", true},
		{"different outcome threshold", "Will ETH be above $3000?", "Will ETH be above $4000?", false},
		{"different asset", "Will ETH be above $3000?", "Will BTC be above $3000?", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := Classify(tt.q1), Classify(tt.q2)
			if got := a.Equal(b); got != tt.same {
				t.Fatalf("Classify(%q)==Classify(%q): got %v want %v", tt.q1, tt.q2, got, tt.same)
			}
		})
	}
}

func TestSameVerse(t *testing.T) {
	tests := []struct {
		name string
		q1   string
		q2   string
		want bool
	}{
		{"typo", "Will ETH be above $3000?", "Will ETH be above $3000", true},
		{"minor rewording", "Will BTC hit 100k", "Will BTC hit 100k in 2026", false},
		{"identical", "same question", "same question", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameVerse(tt.q1, tt.q2); got != tt.want {
				t.Fatalf("SameVerse(%q, %q) = %v, want %v", tt.q1, tt.q2, got, tt.want)
			}
		})
	}
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
	}
	for _, c := range cases {
		if got := levenshtein(c.a, c.b); got != c.want {
			t.Fatalf("levenshtein(%q,%q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
