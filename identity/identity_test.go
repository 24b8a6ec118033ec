// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package identity_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/creachadair/hilbox/identity"
)

func TestParse(t *testing.T) {
	const hexForm = "0123456789abcdef0123456789abcdef"
	want := identity.ID{
		0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
		0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef,
	}
	for _, s := range []string{
		hexForm,
		strings.ToUpper(hexForm),
		"01234567-89ab-cdef-0123-456789abcdef",
		" " + hexForm + "\n",
	} {
		got, err := identity.Parse(s)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", s, err)
		} else if got != want {
			t.Errorf("Parse(%q): got %v, want %v", s, got, want)
		}
	}
	if got := want.String(); got != hexForm {
		t.Errorf("String: got %q, want %q", got, hexForm)
	}
	if got := want.Short(); got != "012345" {
		t.Errorf("Short: got %q, want 012345", got)
	}

	for _, bad := range []string{"", "xyz", hexForm[:30], hexForm + "00", "g123456789abcdef0123456789abcdef"} {
		if id, err := identity.Parse(bad); err == nil {
			t.Errorf("Parse(%q): got %v, want error", bad, id)
		}
	}
}

func TestNew(t *testing.T) {
	a, err := identity.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := identity.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.IsZero() || b.IsZero() {
		t.Errorf("New: got zero identity (%v, %v)", a, b)
	}
	if a == b {
		t.Errorf("New: got duplicate identity %v", a)
	}
	if len(a.String()) != 32 {
		t.Errorf("String: got %q, want 32 digits", a.String())
	}
}

func TestText(t *testing.T) {
	id, err := identity.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := id.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var got identity.ID
	if err := got.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if got != id {
		t.Errorf("UnmarshalText: got %v, want %v", got, id)
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "uuid")
	s := identity.FileStore{Path: path}

	if _, err := s.Load(); !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("Load empty: got %v, want %v", err, identity.ErrNotFound)
	}

	first, err := identity.LoadOrCreate(s)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Read stored identity: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first.String() {
		t.Errorf("Stored: got %q, want %q", got, first)
	}

	// Once stored, the identity must never be regenerated.
	for range 3 {
		again, err := identity.LoadOrCreate(s)
		if err != nil {
			t.Fatalf("LoadOrCreate: %v", err)
		}
		if again != first {
			t.Errorf("LoadOrCreate: got %v, want %v", again, first)
		}
	}
}

func TestMemStore(t *testing.T) {
	var s identity.MemStore
	a, err := identity.LoadOrCreate(&s)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	b, err := identity.LoadOrCreate(&s)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if a != b {
		t.Errorf("LoadOrCreate: got %v then %v", a, b)
	}
}
