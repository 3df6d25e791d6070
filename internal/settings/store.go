// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package settings

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

// DocumentStore abstracts reading and writing the raw settings document.
// The registry treats the document as opaque bytes; merging happens above
// this interface.
type DocumentStore interface {
	// ReadDocument returns the current document, or nil when none exists
	// yet.
	ReadDocument() ([]byte, error)

	// WriteDocument replaces the document. The write must be atomic so a
	// crash never leaves a partial document behind.
	WriteDocument(data []byte) error
}

// FileStore persists the settings document as a single file, written via a
// temp file and rename.
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the file at path. Parent
// directories are created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) ReadDocument() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.
			In("settings").
			With("path", s.path).
			Code("config_io_error").
			Wrapf(err, "read settings document")
	}
	return data, nil
}

func (s *FileStore) WriteDocument(data []byte) error {
	errb := oops.
		In("settings").
		With("path", s.path).
		Code("config_io_error")

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errb.Wrapf(err, "create settings directory")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errb.Wrapf(err, "write settings document")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return errb.Wrapf(err, "replace settings document")
	}
	return nil
}

var _ DocumentStore = (*FileStore)(nil)
