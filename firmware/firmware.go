// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package firmware stores and packages firmware images.
//
// A device commits each verified image to a [DirStore], which replaces the
// previous image atomically. The host tool compresses a firmware file with
// [Pack] before transfer; the image is stored as received.
package firmware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// DefaultName is the file name of the committed image in a DirStore.
const DefaultName = "app.gz"

// DirStore commits firmware images to a file in a directory. It implements
// the hilbox.ImageStore interface.
type DirStore struct {
	Dir  string
	Name string // if empty, DefaultName
}

// Path reports the path of the committed image.
func (d DirStore) Path() string {
	name := d.Name
	if name == "" {
		name = DefaultName
	}
	return filepath.Join(d.Dir, name)
}

// Commit writes image to the store. The image is written to a temporary
// file, synced, and renamed over the committed name, so that a failure
// leaves any previous image intact.
func (d DirStore) Commit(image []byte) error {
	if err := os.MkdirAll(d.Dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(d.Dir, ".image-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename

	if _, err := f.Write(image); err != nil {
		f.Close()
		return fmt.Errorf("write image: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync image: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, d.Path())
}

// Load reads the committed image. It reports an error satisfying
// os.ErrNotExist if no image has been committed.
func (d DirStore) Load() ([]byte, error) { return os.ReadFile(d.Path()) }

// MemStore is an in-memory image store that records each commit.
type MemStore struct {
	Images [][]byte
	Err    error // if set, Commit reports this error
}

// Commit implements the hilbox.ImageStore interface.
func (m *MemStore) Commit(image []byte) error {
	if m.Err != nil {
		return m.Err
	}
	m.Images = append(m.Images, bytes.Clone(image))
	return nil
}

// Last returns the most recently committed image, or nil.
func (m *MemStore) Last() []byte {
	if len(m.Images) == 0 {
		return nil
	}
	return m.Images[len(m.Images)-1]
}

// Pack compresses a firmware file for transfer.
func Pack(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unpack decompresses a packed image.
func Unpack(packed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("unpack image: %w", err)
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unpack image: %w", err)
	}
	return raw, nil
}

// Digest returns the hex SHA-256 digest of an image, as verified by the
// receiving device.
func Digest(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}
