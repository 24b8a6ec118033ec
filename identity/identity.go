// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package identity defines the stable identity of a HilBox device.
//
// An identity is 16 random bytes generated once for a device and kept in
// persistent storage thereafter. Its 32-digit lowercase hexadecimal form is
// the key by which hosts find the device with discovery.
package identity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Size is the length of an identity in bytes.
const Size = 16

// An ID is the stable identity of a device.
type ID [Size]byte

// New generates a new random identity.
func New() (ID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return ID{}, fmt.Errorf("generate identity: %w", err)
	}
	return ID(u), nil
}

// Parse parses an identity from its 32-digit hex form. The hyphenated UUID
// form and upper-case digits are also accepted.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if len(s) == 2*Size {
		var id ID
		if _, err := hex.Decode(id[:], []byte(s)); err != nil {
			return ID{}, fmt.Errorf("invalid identity %q: %w", s, err)
		}
		return id, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid identity %q: %w", s, err)
	}
	return ID(u), nil
}

// String returns the canonical 32-digit lowercase hex form of id.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Short returns the first 6 hex digits of id, used in instance names.
func (id ID) Short() string { return id.String()[:6] }

// IsZero reports whether id is the zero identity.
func (id ID) IsZero() bool { return id == ID{} }

// MarshalText implements the encoding.TextMarshaler interface.
func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (id *ID) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// ErrNotFound is reported by a Store that holds no identity.
var ErrNotFound = errors.New("identity not found")

// A Store holds the persistent identity of a device.
type Store interface {
	// Load reports the stored identity, or ErrNotFound if there is none.
	Load() (ID, error)

	// Save stores id, replacing any existing value.
	Save(id ID) error
}

// LoadOrCreate returns the identity held by s. If s holds none, a new one is
// generated and saved. An existing identity is never replaced.
func LoadOrCreate(s Store) (ID, error) {
	id, err := s.Load()
	if err == nil {
		return id, nil
	} else if !errors.Is(err, ErrNotFound) {
		return ID{}, err
	}
	id, err = New()
	if err != nil {
		return ID{}, err
	}
	if err := s.Save(id); err != nil {
		return ID{}, fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}

// FileStore is a Store that keeps the identity in a text file, as a
// single line with the hex form of the identity.
type FileStore struct {
	Path string
}

// Load implements a method of the [Store] interface.
func (f FileStore) Load() (ID, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return ID{}, ErrNotFound
	} else if err != nil {
		return ID{}, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return ID{}, ErrNotFound
	}
	return Parse(string(data))
}

// Save implements a method of the [Store] interface.
func (f FileStore) Save(id ID) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0700); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}

// MemStore is an in-memory Store. The zero value holds no identity.
type MemStore struct {
	id  ID
	set bool
}

// Load implements a method of the [Store] interface.
func (m *MemStore) Load() (ID, error) {
	if !m.set {
		return ID{}, ErrNotFound
	}
	return m.id, nil
}

// Save implements a method of the [Store] interface.
func (m *MemStore) Save(id ID) error { m.id, m.set = id, true; return nil }
