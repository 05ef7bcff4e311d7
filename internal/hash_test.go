package internal

import (
	"strings"
	"testing"
)

func TestFastHash(t *testing.T) {
	id := "5f0b5c9e-2f4c-4b7a-9a53-0d4a4b3e8f11"

	got := FastHash(id)
	if got != FastHash(id) {
		t.Fatal("FastHash is not deterministic")
	}

	if strings.Contains(got, id) || len(got) > 16 {
		t.Errorf("fingerprint %q leaks or is too long", got)
	}

	if got == FastHash(id+"x") {
		t.Error("different inputs gave the same fingerprint")
	}
}

func BenchmarkFastHash(b *testing.B) {
	id := "5f0b5c9e-2f4c-4b7a-9a53-0d4a4b3e8f11"
	for b.Loop() {
		_ = FastHash(id)
	}
}
