// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package worldcache implements the analysis cache: a SHA-256-keyed,
// size-bounded, LRU-evicted store of WORLD analysis results, backed by a
// single binary index file rewritten atomically (temp file + rename) on
// every mutation.
package worldcache

import (
	"bytes"
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/world"
)

const (
	magic         uint32 = 0x4C455743 // "LEWC"
	formatVersion uint32 = 1

	flagCompressed uint8 = 1 << 0
)

// entry is one cached analysis result plus the bookkeeping fields carried
// in the on-disk index record.
type entry struct {
	hash        [32]byte
	timestamp   int64
	fileSize    int64
	sampleRate  uint32
	audioLength uint32
	compressed  bool
	params      *world.Parameters

	listElem *list.Element // LRU position, not serialized
	size     int64          // serialized payload size, used for eviction accounting
}

// Config parameterizes a Cache.
type Config struct {
	IndexPath    string
	MaxTotalSize int64 // bytes; 0 means unbounded
	Compress     bool  // zstd-compress payloads written by Set
	Logger       zerolog.Logger
}

// Cache is a process-wide analysis-result cache keyed by source-file
// content hash, with LRU eviction once MaxTotalSize is exceeded.
type Cache struct {
	mu        sync.Mutex
	cfg       Config
	entries   map[string]*entry // hex hash -> entry
	lru       *list.List        // front = most recently used
	totalSize int64
	log       zerolog.Logger
}

// Open loads an existing index file at cfg.IndexPath, or starts an empty
// cache if the file does not exist.
func Open(cfg Config) (*Cache, error) {
	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*entry),
		lru:     list.New(),
		log:     cfg.Logger.With().Str("component", "worldcache").Logger(),
	}
	data, err := os.ReadFile(cfg.IndexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, liberr.New(liberr.IO, "worldcache.Open").Wrap(err).Build()
	}
	if err := c.loadIndex(data); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) loadIndex(data []byte) error {
	r := bytes.NewReader(data)
	var hdrMagic, hdrCount, hdrVersion uint32
	var hdrTotalSize uint64
	if err := binary.Read(r, binary.LittleEndian, &hdrMagic); err != nil {
		return liberr.New(liberr.InvalidFormat, "worldcache.loadIndex").Wrap(err).Build()
	}
	if hdrMagic != magic {
		return liberr.New(liberr.InvalidFormat, "worldcache.loadIndex").Msg("bad magic").Build()
	}
	if err := binary.Read(r, binary.LittleEndian, &hdrCount); err != nil {
		return liberr.New(liberr.InvalidFormat, "worldcache.loadIndex").Wrap(err).Build()
	}
	if err := binary.Read(r, binary.LittleEndian, &hdrTotalSize); err != nil {
		return liberr.New(liberr.InvalidFormat, "worldcache.loadIndex").Wrap(err).Build()
	}
	if err := binary.Read(r, binary.LittleEndian, &hdrVersion); err != nil {
		return liberr.New(liberr.InvalidFormat, "worldcache.loadIndex").Wrap(err).Build()
	}
	if hdrVersion != formatVersion {
		return liberr.New(liberr.InvalidFormat, "worldcache.loadIndex").Msg("unsupported format version").Build()
	}

	for i := uint32(0); i < hdrCount; i++ {
		e, err := readEntry(r)
		if err != nil {
			return err
		}
		c.insertLoaded(e)
	}
	return nil
}

func readEntry(r *bytes.Reader) (*entry, error) {
	e := &entry{}
	if _, err := io.ReadFull(r, e.hash[:]); err != nil {
		return nil, liberr.New(liberr.InvalidFormat, "worldcache.readEntry").Wrap(err).Build()
	}
	var flags uint8
	var payloadSize uint32
	fields := []any{&e.timestamp, &e.fileSize, &e.sampleRate, &e.audioLength}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, liberr.New(liberr.InvalidFormat, "worldcache.readEntry").Wrap(err).Build()
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return nil, liberr.New(liberr.InvalidFormat, "worldcache.readEntry").Wrap(err).Build()
	}
	if err := binary.Read(r, binary.LittleEndian, &payloadSize); err != nil {
		return nil, liberr.New(liberr.InvalidFormat, "worldcache.readEntry").Wrap(err).Build()
	}
	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, liberr.New(liberr.InvalidFormat, "worldcache.readEntry").Wrap(err).Build()
	}
	e.compressed = flags&flagCompressed != 0
	e.size = int64(payloadSize)

	raw := payload
	if e.compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, liberr.New(liberr.Runtime, "worldcache.readEntry").Wrap(err).Build()
		}
		raw, err = dec.DecodeAll(payload, nil)
		dec.Close()
		if err != nil {
			return nil, liberr.New(liberr.InvalidFormat, "worldcache.readEntry").Wrap(err).Build()
		}
	}
	params, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	e.params = params
	return e, nil
}

func (c *Cache) insertLoaded(e *entry) {
	e.listElem = c.lru.PushFront(e)
	c.entries[hashHex(e.hash)] = e
	c.totalSize += e.size
}

// Get looks up the cached analysis for the file at path. It hashes the
// file, checks for a matching entry, and validates that the file's size
// and modification time still match what was cached; a mismatch or miss
// returns ok=false.
func (c *Cache) Get(path string) (params *world.Parameters, ok bool, err error) {
	hash, size, mtime, err := hashFile(path)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[hashHex(hash)]
	if !found {
		return nil, false, nil
	}
	if e.fileSize != size || e.timestamp != mtime {
		return nil, false, nil
	}
	c.lru.MoveToFront(e.listElem)
	e.params.SampleRate = int(e.sampleRate)
	e.params.AudioLength = int(e.audioLength)
	return e.params, true, nil
}

// Set stores params under the content hash of the file at path, evicting
// least-recently-used entries while the cache exceeds MaxTotalSize, and
// rewrites the index file atomically.
func (c *Cache) Set(path string, sampleRate int, params *world.Parameters) error {
	hash, size, mtime, err := hashFile(path)
	if err != nil {
		return err
	}
	raw := encodePayload(params)
	compressed := false
	payload := raw
	if c.cfg.Compress {
		enc, zerr := zstd.NewWriter(nil)
		if zerr != nil {
			return liberr.New(liberr.Runtime, "worldcache.Set").Wrap(zerr).Build()
		}
		payload = enc.EncodeAll(raw, nil)
		enc.Close()
		compressed = true
	}

	e := &entry{
		hash:        hash,
		timestamp:   mtime,
		fileSize:    size,
		sampleRate:  uint32(sampleRate),
		audioLength: uint32(params.AudioLength),
		compressed:  compressed,
		params:      params,
		size:        int64(len(payload)),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := hashHex(hash)
	if existing, ok := c.entries[key]; ok {
		c.totalSize -= existing.size
		c.lru.Remove(existing.listElem)
	}
	e.listElem = c.lru.PushFront(e)
	c.entries[key] = e
	c.totalSize += e.size

	c.evictLocked()
	return c.flushLocked()
}

func (c *Cache) evictLocked() {
	if c.cfg.MaxTotalSize <= 0 {
		return
	}
	for c.totalSize > c.cfg.MaxTotalSize && c.lru.Len() > 0 {
		back := c.lru.Back()
		e := back.Value.(*entry)
		c.lru.Remove(back)
		delete(c.entries, hashHex(e.hash))
		c.totalSize -= e.size
		c.log.Debug().Str("hash", hashHex(e.hash)).Msg("evicted cache entry")
	}
}

// flushLocked rewrites the index file from the current in-memory state via
// temp file + rename, so a crash mid-write never corrupts the existing
// index.
func (c *Cache) flushLocked() error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, magic)
	binary.Write(&buf, binary.LittleEndian, uint32(len(c.entries)))
	binary.Write(&buf, binary.LittleEndian, uint64(c.totalSize))
	binary.Write(&buf, binary.LittleEndian, formatVersion)

	for e := c.lru.Back(); e != nil; e = e.Prev() {
		ent := e.Value.(*entry)
		if err := writeEntry(&buf, ent, c.cfg.Compress); err != nil {
			return err
		}
	}

	dir := filepath.Dir(c.cfg.IndexPath)
	tmp, err := os.CreateTemp(dir, ".worldcache-*.tmp")
	if err != nil {
		return liberr.New(liberr.IO, "worldcache.flushLocked").Wrap(err).Build()
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return liberr.New(liberr.IO, "worldcache.flushLocked").Wrap(err).Build()
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return liberr.New(liberr.IO, "worldcache.flushLocked").Wrap(err).Build()
	}
	if err := os.Rename(tmpName, c.cfg.IndexPath); err != nil {
		os.Remove(tmpName)
		return liberr.New(liberr.IO, "worldcache.flushLocked").Wrap(err).Build()
	}
	return nil
}

func writeEntry(buf *bytes.Buffer, e *entry, compress bool) error {
	buf.Write(e.hash[:])
	binary.Write(buf, binary.LittleEndian, e.timestamp)
	binary.Write(buf, binary.LittleEndian, e.fileSize)
	binary.Write(buf, binary.LittleEndian, e.sampleRate)
	binary.Write(buf, binary.LittleEndian, e.audioLength)
	var flags uint8
	if e.compressed {
		flags |= flagCompressed
	}
	buf.WriteByte(flags)

	raw := encodePayload(e.params)
	payload := raw
	if e.compressed {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return liberr.New(liberr.Runtime, "worldcache.writeEntry").Wrap(err).Build()
		}
		payload = enc.EncodeAll(raw, nil)
		enc.Close()
	}
	binary.Write(buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)
	return nil
}

// encodePayload serializes params as {f0_length u32, fft_size u32,
// frame_period f64} followed by raw little-endian f64 arrays F0, TimeAxis,
// Spectrogram, Aperiodicity.
func encodePayload(p *world.Parameters) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(p.F0Length))
	binary.Write(&buf, binary.LittleEndian, uint32(p.FFTSize))
	binary.Write(&buf, binary.LittleEndian, p.FramePeriod)
	binary.Write(&buf, binary.LittleEndian, p.F0)
	binary.Write(&buf, binary.LittleEndian, p.TimeAxis)
	for _, row := range p.Spectrogram {
		binary.Write(&buf, binary.LittleEndian, row)
	}
	for _, row := range p.Aperiodicity {
		binary.Write(&buf, binary.LittleEndian, row)
	}
	return buf.Bytes()
}

func decodePayload(data []byte) (*world.Parameters, error) {
	r := bytes.NewReader(data)
	var f0Length, fftSize uint32
	var framePeriod float64
	if err := binary.Read(r, binary.LittleEndian, &f0Length); err != nil {
		return nil, liberr.New(liberr.InvalidFormat, "worldcache.decodePayload").Wrap(err).Build()
	}
	if err := binary.Read(r, binary.LittleEndian, &fftSize); err != nil {
		return nil, liberr.New(liberr.InvalidFormat, "worldcache.decodePayload").Wrap(err).Build()
	}
	if err := binary.Read(r, binary.LittleEndian, &framePeriod); err != nil {
		return nil, liberr.New(liberr.InvalidFormat, "worldcache.decodePayload").Wrap(err).Build()
	}

	f0 := make([]float64, f0Length)
	if err := binary.Read(r, binary.LittleEndian, f0); err != nil {
		return nil, liberr.New(liberr.InvalidFormat, "worldcache.decodePayload").Wrap(err).Build()
	}
	timeAxis := make([]float64, f0Length)
	if err := binary.Read(r, binary.LittleEndian, timeAxis); err != nil {
		return nil, liberr.New(liberr.InvalidFormat, "worldcache.decodePayload").Wrap(err).Build()
	}
	nBins := int(fftSize)/2 + 1
	spectrogram := make([][]float64, f0Length)
	for i := range spectrogram {
		row := make([]float64, nBins)
		if err := binary.Read(r, binary.LittleEndian, row); err != nil {
			return nil, liberr.New(liberr.InvalidFormat, "worldcache.decodePayload").Wrap(err).Build()
		}
		spectrogram[i] = row
	}
	aperiodicity := make([][]float64, f0Length)
	for i := range aperiodicity {
		row := make([]float64, nBins)
		if err := binary.Read(r, binary.LittleEndian, row); err != nil {
			return nil, liberr.New(liberr.InvalidFormat, "worldcache.decodePayload").Wrap(err).Build()
		}
		aperiodicity[i] = row
	}

	return &world.Parameters{
		FramePeriod:  framePeriod,
		F0Length:     int(f0Length),
		FFTSize:      int(fftSize),
		F0:           f0,
		TimeAxis:     timeAxis,
		Spectrogram:  spectrogram,
		Aperiodicity: aperiodicity,
	}, nil
}

func hashHex(h [32]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range h {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0xf]
	}
	return string(out)
}

func hashFile(path string) (hash [32]byte, size int64, mtime int64, err error) {
	f, ferr := os.Open(path)
	if ferr != nil {
		return hash, 0, 0, liberr.New(liberr.NotFound, "worldcache.hashFile").Wrap(ferr).Build()
	}
	defer f.Close()

	info, ferr := f.Stat()
	if ferr != nil {
		return hash, 0, 0, liberr.New(liberr.IO, "worldcache.hashFile").Wrap(ferr).Build()
	}

	h := sha256.New()
	if _, ferr := io.Copy(h, f); ferr != nil {
		return hash, 0, 0, liberr.New(liberr.IO, "worldcache.hashFile").Wrap(ferr).Build()
	}
	copy(hash[:], h.Sum(nil))
	return hash, info.Size(), info.ModTime().UnixNano(), nil
}
