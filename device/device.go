// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package device defines the audio-device adapter contract as Go
// interfaces, plus an in-memory test double. No real ALSA/CoreAudio/WASAPI
// backend is implemented; wiring a platform backend behind this
// interface is out of scope here.
package device

import (
	"sync"
	"time"

	"github.com/crlotwhite/libetude/liberr"
)

// Kind distinguishes input from output devices for Enumerate.
type Kind int

const (
	Output Kind = iota
	Input
)

// State is a device's run state.
type State int

const (
	Stopped State = iota
	Running
	Paused
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	default:
		return "Stopped"
	}
}

// Format describes a PCM stream's layout.
type Format struct {
	SampleRate  int
	BitDepth    int
	NumChannels int
	FrameSize   int
	BufferSize  int
	IsFloat     bool
}

// Callback receives a buffer of interleaved samples as they arrive
// (input) or are requested (output).
type Callback func(buffer []float32, frames int)

// Device is one open audio stream.
type Device interface {
	Start() error
	Stop() error
	Pause() error
	SetCallback(cb Callback)
	Latency() time.Duration
	State() State
}

// Adapter opens, closes and enumerates Devices.
type Adapter interface {
	OpenOutput(name string, format Format) (Device, error)
	OpenInput(name string, format Format) (Device, error)
	Close(d Device) error
	Enumerate(kind Kind) ([]string, error)
	IsFormatSupported(name string, format Format) bool
}

// MemoryAdapter is an in-memory Adapter test double: Start begins a
// goroutine that periodically invokes the registered callback with a
// buffer of silence, standing in for a real platform backend in tests.
// Input and output devices behave the same; no input frames can be
// injected.
type MemoryAdapter struct {
	mu      sync.Mutex
	outputs []string
	inputs  []string
}

// NewMemoryAdapter returns a MemoryAdapter that reports the given output
// and input device names from Enumerate.
func NewMemoryAdapter(outputs, inputs []string) *MemoryAdapter {
	return &MemoryAdapter{outputs: outputs, inputs: inputs}
}

func (a *MemoryAdapter) names(kind Kind) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if kind == Input {
		return append([]string(nil), a.inputs...)
	}
	return append([]string(nil), a.outputs...)
}

func (a *MemoryAdapter) has(kind Kind, name string) bool {
	for _, n := range a.names(kind) {
		if n == name {
			return true
		}
	}
	return false
}

func (a *MemoryAdapter) OpenOutput(name string, format Format) (Device, error) {
	if !a.has(Output, name) {
		return nil, liberr.New(liberr.NotFound, "device.OpenOutput").Context("name", name).Build()
	}
	return newMemoryDevice(format), nil
}

func (a *MemoryAdapter) OpenInput(name string, format Format) (Device, error) {
	if !a.has(Input, name) {
		return nil, liberr.New(liberr.NotFound, "device.OpenInput").Context("name", name).Build()
	}
	return newMemoryDevice(format), nil
}

func (a *MemoryAdapter) Close(d Device) error {
	md, ok := d.(*memoryDevice)
	if !ok {
		return liberr.New(liberr.InvalidArgument, "device.Close").Msg("not a MemoryAdapter device").Build()
	}
	return md.Stop()
}

func (a *MemoryAdapter) Enumerate(kind Kind) ([]string, error) {
	return a.names(kind), nil
}

func (a *MemoryAdapter) IsFormatSupported(name string, format Format) bool {
	return format.SampleRate > 0 && format.NumChannels > 0 && format.FrameSize > 0
}

// memoryDevice drives a Callback from a ticker goroutine instead of a real
// platform audio thread.
type memoryDevice struct {
	mu       sync.Mutex
	format   Format
	state    State
	cb       Callback
	stopCh   chan struct{}
	tickerMs time.Duration
}

func newMemoryDevice(format Format) *memoryDevice {
	intervalMs := 10
	if format.SampleRate > 0 && format.FrameSize > 0 {
		intervalMs = (format.FrameSize * 1000) / format.SampleRate
		if intervalMs <= 0 {
			intervalMs = 1
		}
	}
	return &memoryDevice{format: format, state: Stopped, tickerMs: time.Duration(intervalMs) * time.Millisecond}
}

func (d *memoryDevice) SetCallback(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
}

func (d *memoryDevice) Start() error {
	d.mu.Lock()
	if d.state == Running {
		d.mu.Unlock()
		return liberr.New(liberr.InvalidState, "device.Start").Msg("already running").Build()
	}
	d.state = Running
	d.stopCh = make(chan struct{})
	stopCh := d.stopCh
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d.tickerMs)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				d.mu.Lock()
				paused := d.state == Paused
				cb := d.cb
				frames := d.format.FrameSize
				d.mu.Unlock()
				if paused || cb == nil || frames <= 0 {
					continue
				}
				cb(make([]float32, frames*max(d.format.NumChannels, 1)), frames)
			}
		}
	}()
	return nil
}

func (d *memoryDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Stopped {
		return nil
	}
	close(d.stopCh)
	d.state = Stopped
	return nil
}

func (d *memoryDevice) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Running {
		return liberr.New(liberr.InvalidState, "device.Pause").Msg("not running").Build()
	}
	d.state = Paused
	return nil
}

func (d *memoryDevice) Latency() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tickerMs
}

func (d *memoryDevice) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
