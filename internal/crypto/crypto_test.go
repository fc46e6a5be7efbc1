package crypto

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	ct, err := s.Seal("hunter2")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := s.Open(ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("got %q, want %q", got, "hunter2")
	}
}

func TestOpenFailsUnderDifferentKey(t *testing.T) {
	a, err := NewSealer("key-one-key-one")
	if err != nil {
		t.Fatalf("NewSealer a: %v", err)
	}
	b, err := NewSealer("key-two-key-two")
	if err != nil {
		t.Fatalf("NewSealer b: %v", err)
	}

	ct, err := a.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := b.Open(ct); err == nil {
		t.Fatalf("expected Open under a different key to fail")
	}
}

func TestOpenFailsOnCorruptCiphertext(t *testing.T) {
	s, err := NewSealer("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	ct, err := s.Seal("secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	ct[len(ct)-1] ^= 0xFF

	if _, err := s.Open(ct); err == nil {
		t.Fatalf("expected Open on corrupted ciphertext to fail")
	}
}

func TestOpenFailsOnTooShortCiphertext(t *testing.T) {
	s, err := NewSealer("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	if _, err := s.Open([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected Open on too-short ciphertext to fail")
	}
}

func TestSealToStringRoundTrip(t *testing.T) {
	s, err := NewSealer("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	encoded, err := s.SealToString("secret")
	if err != nil {
		t.Fatalf("SealToString: %v", err)
	}
	got, err := s.OpenFromString(encoded)
	if err != nil {
		t.Fatalf("OpenFromString: %v", err)
	}
	if got != "secret" {
		t.Fatalf("got %q, want %q", got, "secret")
	}
}

func TestNewSealerRejectsShortKey(t *testing.T) {
	if _, err := NewSealer("short"); err == nil {
		t.Fatalf("expected short key to be rejected")
	}
}
