package id

import "testing"

func TestNewShapeAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		v := New()
		if !Valid(v) {
			t.Fatalf("generated identifier %q fails shape check", v)
		}
		if seen[v] {
			t.Fatalf("duplicate identifier generated: %s", v)
		}
		seen[v] = true
	}
}

func TestValidRejectsTraversalTokens(t *testing.T) {
	bad := []string{
		"",
		"..",
		"../../../../etc/passwd",
		"abc/def",
		"abc\\def",
		"0123456789abcdef0123456789abcde",   // 31 chars
		"0123456789abcdef0123456789abcdef0", // 33 chars
		"0123456789ABCDEF0123456789ABCDEF",  // uppercase
		"0123456789abcdef0123456789abcdeg",  // non-hex
		"0123456789abcdef/123456789abcdef",
	}
	for _, v := range bad {
		if Valid(v) {
			t.Fatalf("expected %q to fail shape check", v)
		}
		if err := Check(v); err != ErrMalformed {
			t.Fatalf("expected ErrMalformed for %q, got %v", v, err)
		}
	}

	if !Valid("0123456789abcdef0123456789abcdef") {
		t.Fatal("expected canonical identifier to pass shape check")
	}
}
