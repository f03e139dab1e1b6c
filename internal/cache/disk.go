// File: internal/cache/disk.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Append-only FIFO of length-prefixed records in a temporary file.
// Record layout: [uint64 little-endian length][length bytes].

package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"
)

const recordHeaderLen = 8

// DiskStore is created lazily on the first Append and removed on Close.
type DiskStore struct {
	dir      string
	file     *os.File
	readOff  int64
	writeOff int64
	count    int
	hdr      [recordHeaderLen]byte
}

// NewDiskStore returns a store whose backing file will live in dir, or in
// os.TempDir() when dir is empty.
func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{dir: dir}
}

// Len reports the number of unread records.
func (d *DiskStore) Len() int { return d.count }

// Empty reports whether all records have been consumed.
func (d *DiskStore) Empty() bool { return d.count == 0 }

// Append writes one record at the tail.
func (d *DiskStore) Append(data []byte) error {
	if d.file == nil {
		f, err := os.CreateTemp(d.dir, "fasttun-backlog-*")
		if err != nil {
			return fmt.Errorf("disk store: create: %w", err)
		}
		d.file = f
	}
	binary.LittleEndian.PutUint64(d.hdr[:], uint64(len(data)))
	if _, err := d.file.WriteAt(d.hdr[:], d.writeOff); err != nil {
		return fmt.Errorf("disk store: write header: %w", err)
	}
	if _, err := d.file.WriteAt(data, d.writeOff+recordHeaderLen); err != nil {
		return fmt.Errorf("disk store: write body: %w", err)
	}
	d.writeOff += recordHeaderLen + int64(len(data))
	d.count++
	return nil
}

// Peek reads the head record without consuming it. It returns io.EOF when
// the store is empty.
func (d *DiskStore) Peek() ([]byte, error) {
	if d.count == 0 {
		return nil, io.EOF
	}
	if _, err := d.file.ReadAt(d.hdr[:], d.readOff); err != nil {
		return nil, fmt.Errorf("disk store: read header: %w", err)
	}
	n := binary.LittleEndian.Uint64(d.hdr[:])
	if int64(n) > d.writeOff-d.readOff-recordHeaderLen {
		return nil, fmt.Errorf("disk store: record of %d bytes overruns file", n)
	}
	buf := make([]byte, n)
	if _, err := d.file.ReadAt(buf, d.readOff+recordHeaderLen); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("disk store: read body: %w", err)
	}
	return buf, nil
}

// Advance consumes the head record. Once the store drains, the file is
// truncated so it does not grow without bound.
func (d *DiskStore) Advance() error {
	if d.count == 0 {
		return nil
	}
	if _, err := d.file.ReadAt(d.hdr[:], d.readOff); err != nil {
		return fmt.Errorf("disk store: read header: %w", err)
	}
	d.readOff += recordHeaderLen + int64(binary.LittleEndian.Uint64(d.hdr[:]))
	d.count--
	if d.count == 0 {
		return d.reset()
	}
	return nil
}

// Clear drops all records.
func (d *DiskStore) Clear() error {
	d.count = 0
	if d.file == nil {
		return nil
	}
	return d.reset()
}

func (d *DiskStore) reset() error {
	d.readOff, d.writeOff = 0, 0
	if err := d.file.Truncate(0); err != nil {
		return fmt.Errorf("disk store: truncate: %w", err)
	}
	return nil
}

// Close closes and removes the backing file.
func (d *DiskStore) Close() error {
	if d.file == nil {
		return nil
	}
	name := d.file.Name()
	err := multierr.Append(d.file.Close(), os.Remove(name))
	d.file = nil
	d.count = 0
	d.readOff, d.writeOff = 0, 0
	return err
}
