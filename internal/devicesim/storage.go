// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package devicesim

// Storage defines the interface for persisting the simulated device state.
type Storage interface {
	// Load loads the counters from storage. A fresh storage returns zeroed
	// counters, not an error.
	Load() (*Counters, error)

	// Save saves the current counters to storage.
	Save(c *Counters) error

	// OnWrite is a hook called whenever the counters are modified. It allows
	// the storage to perform real-time persistence.
	OnWrite()
}

// MemoryStorage is a no-op storage (non-persistent).
type MemoryStorage struct{}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (ms *MemoryStorage) Load() (*Counters, error) {
	return newCounters(), nil
}

func (ms *MemoryStorage) Save(c *Counters) error {
	return nil
}

func (ms *MemoryStorage) OnWrite() {
	// No-op
}
