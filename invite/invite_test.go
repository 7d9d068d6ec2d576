package invite

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestAlphabet(t *testing.T) {
	for _, ambiguous := range "0OI1L" {
		if strings.ContainsRune(Alphabet, ambiguous) {
			t.Fatalf("alphabet contains ambiguous symbol %q", ambiguous)
		}
	}
	seen := make(map[rune]bool, len(Alphabet))
	for _, r := range Alphabet {
		if seen[r] {
			t.Fatalf("duplicate symbol %q", r)
		}
		seen[r] = true
	}
}

func TestGenerate_Format(t *testing.T) {
	for i := 0; i < 1000; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != Length {
			t.Fatalf("expected %d symbols, got %q", Length, code)
		}
		if !ValidFormat(code) {
			t.Fatalf("generated code %q fails format check", code)
		}
	}
}

func TestGenerate_UsesWholeAlphabet(t *testing.T) {
	seen := make(map[byte]bool)
	for i := 0; i < 500; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		for j := 0; j < len(code); j++ {
			seen[code[j]] = true
		}
	}
	if len(seen) != len(Alphabet) {
		t.Fatalf("expected all %d symbols after 4000 draws, saw %d", len(Alphabet), len(seen))
	}
}

func TestValidFormat(t *testing.T) {
	cases := map[string]bool{
		"ABCD2345":  true,
		"ZZZZ9999":  true,
		"ABCD234":   false,
		"ABCD23456": false,
		"ABCD2340":  false,
		"ABCDO345":  false,
		"ABCDI345":  false,
		"ABCD1345":  false,
		"ABCDL345":  false,
		"abcd2345":  false,
		"":          false,
	}
	for code, want := range cases {
		if got := ValidFormat(code); got != want {
			t.Errorf("ValidFormat(%q) = %v, want %v", code, got, want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  abcd2345\n"); got != "ABCD2345" {
		t.Fatalf("unexpected normalized code %q", got)
	}
}

func TestGenerateUnique_RetriesOnCollision(t *testing.T) {
	calls := 0
	exists := func(context.Context, string) (bool, error) {
		calls++
		return calls < 3, nil
	}
	code, err := GenerateUnique(context.Background(), exists, 10)
	if err != nil {
		t.Fatalf("generate unique: %v", err)
	}
	if !ValidFormat(code) {
		t.Fatalf("invalid code %q", code)
	}
	if calls != 3 {
		t.Fatalf("expected 3 existence checks, got %d", calls)
	}
}

func TestGenerateUnique_Exhausted(t *testing.T) {
	calls := 0
	exists := func(context.Context, string) (bool, error) {
		calls++
		return true, nil
	}
	_, err := GenerateUnique(context.Background(), exists, 0)
	if !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Fatalf("expected ErrCodeSpaceExhausted, got %v", err)
	}
	if calls != DefaultMaxRetries {
		t.Fatalf("expected %d attempts, got %d", DefaultMaxRetries, calls)
	}
}

func TestGenerateUnique_PropagatesLookupError(t *testing.T) {
	boom := errors.New("boom")
	_, err := GenerateUnique(context.Background(), func(context.Context, string) (bool, error) {
		return false, boom
	}, 3)
	if !errors.Is(err, boom) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}
