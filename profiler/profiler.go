// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package profiler implements span-based operation timing and resource
// sampling: a start/end span tracker with EWMA-smoothed resource figures
// and a JSON performance report.
package profiler

import (
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crlotwhite/libetude/liberr"
)

// ewmaAlpha is the smoothing factor for CPU-usage sampling: new = α·x +
// (1-α)·prev.
const ewmaAlpha = 0.1

// assumedClockHz approximates a CPU's clock rate for the cpu_cycles figure,
// since Go exposes no portable cycle counter. 3GHz is a reasonable modern
// desktop/laptop default; this is a best-effort estimate, not a measurement.
const assumedClockHz = 3e9

// opRecord is one completed Start/End pair, kept for the operations[] report
// array.
type opRecord struct {
	name       string
	startTime  time.Time
	endTime    time.Time
	durationNs int64
	cpuCycles  int64
	memoryUsed uint64
	memoryPeak uint64
	cpuUsage   float64
	gpuUsage   float64
}

// span tracks the in-flight state of one named operation, plus enough
// running state to emit its next opRecord on End.
type span struct {
	name         string
	start        time.Time
	running      bool
	allocAtStart uint64
	ewmaCPU      float64
	sampled      bool
}

// Profiler tracks named operation spans, at most one in flight per name, and
// a rolling history of completed spans for the performance report.
type Profiler struct {
	mu         sync.Mutex
	spans      map[string]*span
	records    []opRecord
	sessionStart time.Time
	lastUpdate time.Time
	memPeak    uint64
	log        zerolog.Logger
}

// New returns an empty Profiler logging through logger, with its session
// clock starting now.
func New(logger zerolog.Logger) *Profiler {
	now := time.Now()
	return &Profiler{
		spans:        make(map[string]*span),
		sessionStart: now,
		lastUpdate:   now,
		log:          logger.With().Str("component", "profiler").Logger(),
	}
}

// Start begins timing the named span. Calling Start again for a name whose
// span is already running returns InvalidState.
func (p *Profiler) Start(name string) error {
	if name == "" {
		return liberr.New(liberr.InvalidArgument, "profiler.Start").Msg("name required").Build()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.spans[name]
	if !ok {
		s = &span{name: name}
		p.spans[name] = s
	}
	if s.running {
		return liberr.New(liberr.InvalidState, "profiler.Start").Context("name", name).Msg("span already running").Build()
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.running = true
	s.start = time.Now()
	s.allocAtStart = mem.Alloc
	return nil
}

// End stops timing the named span and appends a completed opRecord to the
// report history. Ending a span that was never started (or already ended)
// returns NotFound.
func (p *Profiler) End(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.spans[name]
	if !ok || !s.running {
		return liberr.New(liberr.NotFound, "profiler.End").Context("name", name).Msg("no running span").Build()
	}
	end := time.Now()
	elapsed := end.Sub(s.start)
	s.running = false

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	var memUsed uint64
	if mem.Alloc > s.allocAtStart {
		memUsed = mem.Alloc - s.allocAtStart
	}
	if mem.Alloc > p.memPeak {
		p.memPeak = mem.Alloc
	}

	cpuSample := float64(runtime.NumGoroutine()) / float64(runtime.NumCPU())
	if cpuSample > 1 {
		cpuSample = 1
	}
	if !s.sampled {
		s.ewmaCPU = cpuSample
		s.sampled = true
	} else {
		s.ewmaCPU = ewmaAlpha*cpuSample + (1-ewmaAlpha)*s.ewmaCPU
	}

	p.records = append(p.records, opRecord{
		name:       name,
		startTime:  s.start,
		endTime:    end,
		durationNs: elapsed.Nanoseconds(),
		cpuCycles:  int64(elapsed.Seconds() * assumedClockHz),
		memoryUsed: memUsed,
		memoryPeak: mem.Alloc,
		cpuUsage:   s.ewmaCPU,
		gpuUsage:   0, // no GPU backend in this build
	})
	p.lastUpdate = end

	p.log.Debug().Str("span", name).Dur("elapsed", elapsed).Msg("span end")
	return nil
}

// OperationReport is one operations[] entry of the performance report.
type OperationReport struct {
	Name       string  `json:"name"`
	StartTime  int64   `json:"start_time"`
	EndTime    int64   `json:"end_time"`
	DurationNs int64   `json:"duration_ns"`
	CPUCycles  int64   `json:"cpu_cycles"`
	MemoryUsed uint64  `json:"memory_used"`
	MemoryPeak uint64  `json:"memory_peak"`
	CPUUsage   float64 `json:"cpu_usage"`
	GPUUsage   float64 `json:"gpu_usage"`
}

// SessionReport is the session{} section of the performance report.
type SessionReport struct {
	StartTime          int64   `json:"start_time"`
	LastUpdate         int64   `json:"last_update"`
	TotalInferenceTime int64   `json:"total_inference_time"`
	TotalMemoryPeak    uint64  `json:"total_memory_peak"`
	AvgCPUUsage        float64 `json:"avg_cpu_usage"`
	AvgGPUUsage        float64 `json:"avg_gpu_usage"`
}

// Report is the top-level JSON performance-stats payload.
type Report struct {
	Session    SessionReport     `json:"session"`
	Operations []OperationReport `json:"operations"`
}

// Report builds a snapshot of the session and every completed span.
func (p *Profiler) Report() Report {
	p.mu.Lock()
	defer p.mu.Unlock()

	ops := make([]OperationReport, len(p.records))
	var totalNs int64
	var sumCPU, sumGPU float64
	for i, r := range p.records {
		ops[i] = OperationReport{
			Name:       r.name,
			StartTime:  r.startTime.UnixNano(),
			EndTime:    r.endTime.UnixNano(),
			DurationNs: r.durationNs,
			CPUCycles:  r.cpuCycles,
			MemoryUsed: r.memoryUsed,
			MemoryPeak: r.memoryPeak,
			CPUUsage:   r.cpuUsage,
			GPUUsage:   r.gpuUsage,
		}
		totalNs += r.durationNs
		sumCPU += r.cpuUsage
		sumGPU += r.gpuUsage
	}
	avgCPU, avgGPU := 0.0, 0.0
	if len(p.records) > 0 {
		avgCPU = sumCPU / float64(len(p.records))
		avgGPU = sumGPU / float64(len(p.records))
	}
	return Report{
		Session: SessionReport{
			StartTime:          p.sessionStart.UnixNano(),
			LastUpdate:         p.lastUpdate.UnixNano(),
			TotalInferenceTime: totalNs,
			TotalMemoryPeak:    p.memPeak,
			AvgCPUUsage:        avgCPU,
			AvgGPUUsage:        avgGPU,
		},
		Operations: ops,
	}
}

// ReportJSON marshals Report() to JSON.
func (p *Profiler) ReportJSON() ([]byte, error) {
	data, err := json.Marshal(p.Report())
	if err != nil {
		return nil, liberr.New(liberr.Runtime, "profiler.ReportJSON").Wrap(err).Build()
	}
	return data, nil
}

// Reset discards all span and history state, restarting the session clock.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.spans = make(map[string]*span)
	p.records = nil
	p.memPeak = 0
	p.sessionStart = now
	p.lastUpdate = now
}
