// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package devicesim

import (
	"encoding/binary"
	"sync"
)

// Fixed on-disk record layout (little-endian):
// - DispensedSteps: uint32 (Offset 0), lifetime dispense odometer
// - DispenseCount:  uint32 (Offset 4), number of OIL commands served
// - BatteryMillivolts: uint16 (Offset 8)
// - USBPowered: byte (Offset 10)
// Total Size: 16 bytes (rest reserved)
const (
	offsetDispensedSteps    = 0
	offsetDispenseCount     = 4
	offsetBatteryMillivolts = 8
	offsetUSBPowered        = 10

	recordSize = 16
)

// Counters is the simulated device's durable state, backed by a byte slice
// so a storage can map it straight onto a file.
type Counters struct {
	mu   sync.RWMutex
	data []byte
}

// mapBytesToCounters constructs Counters backed by the provided data slice.
// The slice must be at least recordSize bytes; writes go through to it.
func mapBytesToCounters(data []byte) *Counters {
	return &Counters{data: data}
}

// newCounters creates zeroed Counters over a private slice.
func newCounters() *Counters {
	return mapBytesToCounters(make([]byte, recordSize))
}

func (c *Counters) DispensedSteps() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return binary.LittleEndian.Uint32(c.data[offsetDispensedSteps:])
}

func (c *Counters) DispenseCount() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return binary.LittleEndian.Uint32(c.data[offsetDispenseCount:])
}

// RecordDispense adds one served OIL command of the given step count.
func (c *Counters) RecordDispense(steps uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := binary.LittleEndian.Uint32(c.data[offsetDispensedSteps:])
	binary.LittleEndian.PutUint32(c.data[offsetDispensedSteps:], total+steps)
	count := binary.LittleEndian.Uint32(c.data[offsetDispenseCount:])
	binary.LittleEndian.PutUint32(c.data[offsetDispenseCount:], count+1)
}

func (c *Counters) BatteryMillivolts() uint16 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return binary.LittleEndian.Uint16(c.data[offsetBatteryMillivolts:])
}

func (c *Counters) SetBatteryMillivolts(mv uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	binary.LittleEndian.PutUint16(c.data[offsetBatteryMillivolts:], mv)
}

func (c *Counters) USBPowered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[offsetUSBPowered] != 0
}

func (c *Counters) SetUSBPowered(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.data[offsetUSBPowered] = 1
	} else {
		c.data[offsetUSBPowered] = 0
	}
}
