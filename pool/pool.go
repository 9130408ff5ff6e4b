// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pool implements the arena-style memory pool that backs every
// tensor allocation in a graph. Allocations are bump-allocated out of
// contiguous blocks grown on demand; individual allocations are never
// freed, only reclaimed in bulk by Reset or ResetTo a prior Mark.
package pool

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/crlotwhite/libetude/liberr"
)

const (
	// DefaultAlignment is used when a Config does not specify one.
	DefaultAlignment = 16
	// SIMDAlignment is the alignment required for SIMD-participating
	// tensors.
	SIMDAlignment = 32
	// defaultBlockSize is the size of each growth block when Config.BlockSize is 0.
	defaultBlockSize = 1 << 20 // 1 MiB
)

// Config parameterizes a Pool.
type Config struct {
	// Capacity is the maximum total bytes the pool may grow to. Zero means
	// unbounded (growth is only limited by the host's memory).
	Capacity int64
	// Alignment is the minimum alignment guaranteed for every allocation.
	// Zero defaults to DefaultAlignment.
	Alignment int
	// BlockSize is the size of each growth block. Zero defaults to 1 MiB.
	BlockSize int64
	// Logger receives lifecycle events (create, grow, reset). A Nop logger
	// is used when unset.
	Logger zerolog.Logger
}

func (c *Config) defaults() {
	if c.Alignment <= 0 {
		c.Alignment = DefaultAlignment
	}
	if c.BlockSize <= 0 {
		c.BlockSize = defaultBlockSize
	}
}

// Stats reports allocation bookkeeping for a Pool.
type Stats struct {
	BytesAllocated int64 // currently live (since last Reset/ResetTo)
	PeakBytes      int64 // high-water mark across the pool's lifetime
	LiveAllocs     int64
	Blocks         int
	Capacity       int64
}

type block struct {
	buf    []byte
	offset int
}

// Mark is an opaque high-water-mark token returned by Pool.Mark, usable
// with ResetTo to free everything allocated since the mark was taken.
type Mark struct {
	blockIdx int
	offset   int
	live     int64
}

// Pool is a process- or graph-scoped arena. All operations are
// thread-safe, guarded by a single internal lock.
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	blocks []*block
	live   int64
	peak   int64
	logger zerolog.Logger
}

// Create builds a new Pool, applying defaults to cfg before use.
func Create(cfg Config) *Pool {
	cfg.defaults()
	p := &Pool{cfg: cfg, logger: cfg.Logger}
	p.logger.Info().Int64("capacity", cfg.Capacity).Int("alignment", cfg.Alignment).Msg("pool created")
	return p
}

// Destroy releases all blocks. The Pool must not be used afterward;
// outstanding tensors referencing it become invalid.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks = nil
	p.live = 0
}

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// Allocate returns size bytes aligned to the pool's configured alignment.
func (p *Pool) Allocate(size int) ([]byte, error) {
	return p.AllocateAligned(size, p.cfg.Alignment)
}

// AllocateAligned returns size bytes aligned to align bytes (which must be
// a power of two no smaller than the pool's configured minimum).
func (p *Pool) AllocateAligned(size int, align int) ([]byte, error) {
	if size <= 0 {
		return nil, liberr.New(liberr.InvalidArgument, "pool.AllocateAligned").Msg("size must be positive").Build()
	}
	if align < p.cfg.Alignment {
		align = p.cfg.Alignment
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.blocks) > 0 {
		b := p.blocks[len(p.blocks)-1]
		start := alignUp(b.offset, align)
		if start+size <= len(b.buf) {
			buf := b.buf[start : start+size : start+size]
			b.offset = start + size
			p.accountAlloc(int64(size))
			return buf, nil
		}
	}

	blockSize := p.cfg.BlockSize
	if int64(size) > blockSize {
		blockSize = int64(size)
	}
	if p.cfg.Capacity > 0 && p.totalCapacity()+blockSize > p.cfg.Capacity {
		// try a dedicated block sized exactly to the request if it still fits
		blockSize = int64(size)
		if p.totalCapacity()+blockSize > p.cfg.Capacity {
			return nil, liberr.New(liberr.OutOfMemory, "pool.AllocateAligned").
				Context("requested", size).Context("capacity", p.cfg.Capacity).Build()
		}
	}
	nb := &block{buf: make([]byte, blockSize)}
	start := alignUp(0, align)
	buf := nb.buf[start : start+size : start+size]
	nb.offset = start + size
	p.blocks = append(p.blocks, nb)
	p.accountAlloc(int64(size))
	p.logger.Debug().Int("block", len(p.blocks)).Int64("size", blockSize).Msg("pool grew")
	return buf, nil
}

func (p *Pool) accountAlloc(n int64) {
	p.live += n
	if p.live > p.peak {
		p.peak = p.live
	}
}

func (p *Pool) totalCapacity() int64 {
	var total int64
	for _, b := range p.blocks {
		total += int64(len(b.buf))
	}
	return total
}

// Mark returns a token representing the pool's current high-water mark.
func (p *Pool) Mark() Mark {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.blocks) == 0 {
		return Mark{blockIdx: -1}
	}
	return Mark{blockIdx: len(p.blocks) - 1, offset: p.blocks[len(p.blocks)-1].offset, live: p.live}
}

// Reset frees everything allocated so far, returning the live byte count
// and the allocation position to zero without invoking any destructor;
// PeakBytes is kept. The caller must not retain pointers into the pool
// across Reset.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks = nil
	p.live = 0
}

// ResetTo frees everything allocated after mark was taken.
func (p *Pool) ResetTo(m Mark) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.blockIdx < 0 {
		p.blocks = nil
		p.live = 0
		return
	}
	if m.blockIdx < len(p.blocks) {
		p.blocks = p.blocks[:m.blockIdx+1]
		p.blocks[m.blockIdx].offset = m.offset
	}
	p.live = m.live
}

// Stats reports current bookkeeping.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		BytesAllocated: p.live,
		PeakBytes:      p.peak,
		LiveAllocs:     p.live,
		Blocks:         len(p.blocks),
		Capacity:       p.cfg.Capacity,
	}
}

// CheckLeaks reports whether currently-live bytes exceed threshold,
// alongside the live byte count, for host-side leak detection between
// graph runs.
func (p *Pool) CheckLeaks(threshold int64) (leaked bool, liveBytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live > threshold, p.live
}
