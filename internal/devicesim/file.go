// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package devicesim

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// FileStorage persists the counter record with plain file operations,
// rewriting the whole record on every change.
type FileStorage struct {
	path string
	file *os.File
	data []byte
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{
		path: path,
	}
}

// Load opens (creating if necessary) and reads the record file.
func (fs *FileStorage) Load() (*Counters, error) {
	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open counters file: %w", err)
	}
	fs.file = f

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(recordSize) {
		if err := f.Truncate(int64(recordSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize counters file: %w", err)
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read counters file: %w", err)
	}
	fs.data = data

	return mapBytesToCounters(data), nil
}

// Save flushes the record to disk.
func (fs *FileStorage) Save(c *Counters) error {
	return fs.sync()
}

// OnWrite triggers a sync for persistence.
func (fs *FileStorage) OnWrite() {
	if err := fs.sync(); err != nil {
		slog.Error("Failed to sync counters file", "err", err)
	}
}

func (fs *FileStorage) sync() error {
	if fs.data == nil || fs.file == nil {
		return nil
	}
	if _, err := fs.file.WriteAt(fs.data, 0); err != nil {
		return fmt.Errorf("failed to write counters file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync counters file to disk: %w", err)
	}
	return nil
}

// Close the file.
func (fs *FileStorage) Close() error {
	if fs.file == nil {
		return nil
	}
	return fs.file.Close()
}
