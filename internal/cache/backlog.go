// File: internal/cache/backlog.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package cache

import (
	"bytes"
	"fmt"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

// DefaultMemLimit is the memory tier ceiling used when none is configured.
const DefaultMemLimit = 256 << 10

// Backlog is an ordered byte-message queue with a memory tier and a disk
// overflow tier. Records reach the sink in exactly the order they were
// cached, across both tiers.
//
// A Backlog has a single writer and is not safe for concurrent use; the
// disk cursor rollback in FlushAll relies on that.
type Backlog struct {
	mem      *queue.Queue // of []byte
	memBytes int
	memLimit int
	disk     *DiskStore
	log      *zap.Logger
}

// Option configures a Backlog.
type Option func(*Backlog)

// WithDiskDir places overflow files in dir.
func WithDiskDir(dir string) Option {
	return func(b *Backlog) { b.disk = NewDiskStore(dir) }
}

// New returns an empty Backlog with the given memory ceiling in bytes.
func New(memLimit int, log *zap.Logger, opts ...Option) *Backlog {
	if memLimit <= 0 {
		memLimit = DefaultMemLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &Backlog{
		mem:      queue.New(),
		memLimit: memLimit,
		disk:     NewDiskStore(""),
		log:      log,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Cache appends a copy of data. It goes to disk when the memory tier would
// exceed its ceiling or when the disk tier already holds records.
func (b *Backlog) Cache(data []byte) error {
	owned := bytes.Clone(data)
	if owned == nil {
		owned = []byte{}
	}
	if b.disk.Empty() && b.memBytes+len(owned) <= b.memLimit {
		b.pushMem(owned)
		return nil
	}

	err := b.disk.Append(owned)
	if err == nil {
		return nil
	}
	if b.disk.Empty() {
		b.log.Warn("disk overflow unavailable, keeping record in memory",
			zap.Int("bytes", len(owned)), zap.Error(err))
		b.pushMem(owned)
		return nil
	}
	return fmt.Errorf("backlog: %w", err)
}

func (b *Backlog) pushMem(data []byte) {
	b.mem.Add(data)
	b.memBytes += len(data)
}

// Empty reports whether both tiers are empty.
func (b *Backlog) Empty() bool {
	return b.mem.Length() == 0 && b.disk.Empty()
}

// Len reports the number of records held across both tiers.
func (b *Backlog) Len() int {
	return b.mem.Length() + b.disk.Len()
}

// MemBytes reports the bytes held in the memory tier.
func (b *Backlog) MemBytes() int { return b.memBytes }

// FlushAll hands records to sink oldest first. On the first rejection it
// stops without consuming that record and returns false; the next call
// starts with the rejected record. Returns true once everything is
// delivered.
func (b *Backlog) FlushAll(sink func(data []byte) bool) bool {
	for b.mem.Length() > 0 {
		data := b.mem.Peek().([]byte)
		if !sink(data) {
			return false
		}
		b.mem.Remove()
		b.memBytes -= len(data)
	}

	for !b.disk.Empty() {
		data, err := b.disk.Peek()
		if err != nil {
			b.log.Error("disk overflow read failed", zap.Error(err))
			return false
		}
		if !sink(data) {
			return false
		}
		if err := b.disk.Advance(); err != nil {
			b.log.Error("disk overflow advance failed", zap.Error(err))
			return false
		}
	}
	return true
}

// Clear drops every record.
func (b *Backlog) Clear() {
	for b.mem.Length() > 0 {
		b.mem.Remove()
	}
	b.memBytes = 0
	if err := b.disk.Clear(); err != nil {
		b.log.Warn("disk overflow clear failed", zap.Error(err))
	}
}

// Close drops every record and removes the overflow file.
func (b *Backlog) Close() error {
	for b.mem.Length() > 0 {
		b.mem.Remove()
	}
	b.memBytes = 0
	return b.disk.Close()
}
