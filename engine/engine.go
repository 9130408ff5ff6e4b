// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package engine implements the Engine API facade: engine lifecycle,
// text/singing synthesis over the worldgraph analysis-resynthesis pipeline,
// quality-mode-driven parameter presets, a coroutine-like streaming worker,
// an extension-registration model in place of dynamic `.so` loading, and
// performance-stats aggregation.
package engine

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/crlotwhite/libetude/graph"
	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/modelfile"
	"github.com/crlotwhite/libetude/pool"
	"github.com/crlotwhite/libetude/profiler"
	"github.com/crlotwhite/libetude/registry"
	"github.com/crlotwhite/libetude/tensor"
	"github.com/crlotwhite/libetude/worldgraph"
)

// Version is reported by GetVersion.
const Version = "0.1.0"

// GetVersion returns the engine's version string.
func GetVersion() string { return Version }

// QualityMode selects the DIO/Harvest/CheapTrick/D4C parameter preset used
// for synthesis.
type QualityMode int

const (
	Fast QualityMode = iota
	Balanced
	High
)

func (m QualityMode) String() string {
	switch m {
	case Fast:
		return "Fast"
	case High:
		return "High"
	default:
		return "Balanced"
	}
}

type qualityParams struct {
	framePeriodMs float64
	fftSize       int
}

func paramsFor(mode QualityMode) qualityParams {
	switch mode {
	case Fast:
		return qualityParams{framePeriodMs: 10.0, fftSize: 512}
	case High:
		return qualityParams{framePeriodMs: 2.5, fftSize: 2048}
	default:
		return qualityParams{framePeriodMs: 5.0, fftSize: 1024}
	}
}

// Note is one singing-synthesis note: a held pitch for a given number of
// analysis frames.
type Note struct {
	FrequencyHz    float64
	DurationFrames int
}

// TextToSpeechModel renders text (or lyrics) to raw audio samples. Model
// inference is an external collaborator: the engine only prescribes the
// interface, not what the model produces.
type TextToSpeechModel interface {
	// ProcessTextToAudio returns exactly numSamples samples at sampleRate
	// representing text.
	ProcessTextToAudio(text string, sampleRate, numSamples int) ([]float32, error)
}

// sineModel is the shipped placeholder TextToSpeechModel, returning a dummy
// sine wave. Its frequency is a deterministic function of input length
// purely so different inputs are distinguishable in tests; it carries no
// linguistic meaning.
type sineModel struct{}

func newSineModel() TextToSpeechModel { return sineModel{} }

func (sineModel) ProcessTextToAudio(text string, sampleRate, numSamples int) ([]float32, error) {
	if numSamples <= 0 {
		return nil, liberr.New(liberr.InvalidArgument, "engine.sineModel.ProcessTextToAudio").Msg("numSamples must be positive").Build()
	}
	freq := 220.0
	if n := len(text); n > 0 {
		freq = 110.0 + float64(n%40)*10.0
	}
	out := make([]float32, numSamples)
	for i := range out {
		t := float64(i) / float64(sampleRate)
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*t))
	}
	return out, nil
}

// Extension is a unit of operator registration loaded by name in place of
// a dynamic `.so` loader; real dynamic loading is a platform concern left
// to the bindings layer. Register returns the operator names it added, so
// UnloadExtension can remove exactly those entries.
type Extension struct {
	Register func(*registry.Registry) ([]string, error)
}

// Config parameterizes CreateEngine.
type Config struct {
	ModelPath  string
	SampleRate int
	Quality    QualityMode
	// TTS overrides the placeholder TextToSpeechModel; nil uses sineModel.
	TTS TextToSpeechModel
	// Extensions is the set of loadable extensions, keyed by the name
	// passed to LoadExtension (in place of a filesystem path).
	Extensions map[string]Extension
	Logger     zerolog.Logger
}

func (c *Config) defaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.TTS == nil {
		c.TTS = newSineModel()
	}
}

type loadedExtension struct {
	name    string
	opNames []string
}

// streamWorker is the bounded MPSC text queue and its single consumer
// goroutine.
type streamWorker struct {
	queue  chan string
	cancel context.CancelFunc
	eg     *errgroup.Group
}

const streamQueueCapacity = 64

// StreamCallback receives one streamed synthesis result (or error) per
// queued StreamText call.
type StreamCallback func(audio []float32, err error)

// Engine is the facade over pool/registry/graph/profiler/worldgraph.
type Engine struct {
	mu         sync.Mutex
	cfg        Config
	pool       *pool.Pool
	reg        *registry.Registry
	profiler   *profiler.Profiler
	model      *modelfile.Model
	quality    QualityMode
	tts        TextToSpeechModel
	extensions map[int]*loadedExtension
	nextExtID  int
	stream     *streamWorker
	log        zerolog.Logger
}

// CreateEngine constructs an Engine, loading a packed model from
// cfg.ModelPath if set.
func CreateEngine(cfg Config) (*Engine, error) {
	cfg.defaults()

	reg := registry.New()
	if err := registry.RegisterAll(reg); err != nil {
		return nil, err
	}
	if err := worldgraph.Register(reg); err != nil {
		return nil, err
	}

	p := pool.Create(pool.Config{Logger: cfg.Logger})
	e := &Engine{
		cfg:        cfg,
		pool:       p,
		reg:        reg,
		profiler:   profiler.New(cfg.Logger),
		quality:    cfg.Quality,
		tts:        cfg.TTS,
		extensions: make(map[int]*loadedExtension),
		log:        cfg.Logger.With().Str("component", "engine").Logger(),
	}

	if cfg.ModelPath != "" {
		m, err := modelfile.Load(p, cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		e.model = m
	}
	return e, nil
}

// Destroy stops any active stream and releases the engine's memory pool.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	w := e.stream
	e.stream = nil
	e.mu.Unlock()
	if w != nil {
		w.cancel()
		close(w.queue)
		_ = w.eg.Wait()
	}
	e.pool.Destroy()
	return nil
}

// SetQualityMode changes the DIO/Harvest/CheapTrick/D4C parameter preset
// used by subsequent synthesis calls.
func (e *Engine) SetQualityMode(mode QualityMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quality = mode
}

// QualityMode reports the current preset.
func (e *Engine) QualityMode() QualityMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quality
}

func strideFor(framePeriodMs float64, sampleRate int) int {
	s := int(framePeriodMs * float64(sampleRate) / 1000.0)
	if s < 1 {
		s = 1
	}
	return s
}

func samplesForText(text string, sampleRate, stride int) int {
	durationSec := 0.3 + 0.05*float64(len(text))
	n := int(float64(sampleRate) * durationSec)
	if min := stride * 2; n < min {
		n = min
	}
	return n
}

func totalNoteFrames(notes []Note) int {
	total := 0
	for _, n := range notes {
		total += n.DurationFrames
	}
	return total
}

// SynthesizeText runs the full text-to-speech pipeline: the configured
// TextToSpeechModel renders a carrier waveform, which is then analyzed and
// resynthesized through the WORLD graph-over-WORLD pipeline at the engine's
// current quality preset.
func (e *Engine) SynthesizeText(text string) ([]float32, error) {
	e.mu.Lock()
	quality, sampleRate, tts := e.quality, e.cfg.SampleRate, e.tts
	e.mu.Unlock()

	if err := e.profiler.Start("synthesize_text"); err != nil {
		return nil, err
	}
	defer e.profiler.End("synthesize_text")

	params := paramsFor(quality)
	stride := strideFor(params.framePeriodMs, sampleRate)
	audioLen := samplesForText(text, sampleRate, stride)

	audio, err := tts.ProcessTextToAudio(text, sampleRate, audioLen)
	if err != nil {
		return nil, err
	}
	return e.runAnalysisResynthesis(audio, sampleRate, params)
}

// SynthesizeSinging expands notes into an F0 contour via the worldgraph
// UtauMapping node, using the TextToSpeechModel to render a carrier
// waveform of matching frame length for the spectral/aperiodicity analyzers.
func (e *Engine) SynthesizeSinging(lyrics string, notes []Note) ([]float32, error) {
	if len(notes) == 0 {
		return nil, liberr.New(liberr.InvalidArgument, "engine.SynthesizeSinging").Msg("at least one note required").Build()
	}
	nFrames := totalNoteFrames(notes)
	if nFrames < 2 {
		return nil, liberr.New(liberr.InvalidArgument, "engine.SynthesizeSinging").Msg("notes must cover at least 2 frames total").Build()
	}

	e.mu.Lock()
	quality, sampleRate, tts := e.quality, e.cfg.SampleRate, e.tts
	e.mu.Unlock()

	if err := e.profiler.Start("synthesize_singing"); err != nil {
		return nil, err
	}
	defer e.profiler.End("synthesize_singing")

	params := paramsFor(quality)
	stride := strideFor(params.framePeriodMs, sampleRate)
	// len(carrier)/stride+1 == nFrames exactly, matching the analyzer-
	// derived frame count against UtauMapping's note-derived frame count
	// so ParameterMerge's cross-validation passes.
	carrierLen := stride * (nFrames - 1)

	carrier, err := tts.ProcessTextToAudio(lyrics, sampleRate, carrierLen)
	if err != nil {
		return nil, err
	}
	return e.runSingingPipeline(carrier, notes, sampleRate, params)
}

func notesTensor(p *pool.Pool, notes []Note) (*tensor.Tensor, error) {
	t, err := tensor.New(p, []int{len(notes), 2}, tensor.F32, 0)
	if err != nil {
		return nil, err
	}
	flat := make([]float32, len(notes)*2)
	for i, n := range notes {
		flat[i*2] = float32(n.FrequencyHz)
		flat[i*2+1] = float32(n.DurationFrames)
	}
	if err := t.SetFloats(flat); err != nil {
		return nil, err
	}
	return t, nil
}

// runAnalysisResynthesis builds a fresh AudioInput->{F0Extraction,
// SpectrumAnalysis,AperiodicityAnalysis}->ParameterMerge->Synthesis->
// AudioOutput worldgraph, wires every node's Inputs/Outputs tensors by
// hand (the graph package never allocates them; see graph.AddNode),
// executes it, and returns the synthesized waveform.
func (e *Engine) runAnalysisResynthesis(audio []float32, sampleRate int, q qualityParams) ([]float32, error) {
	stride := strideFor(q.framePeriodMs, sampleRate)
	nFrames := len(audio)/stride + 1
	nBins := q.fftSize/2 + 1

	b := worldgraph.NewBuilder(e.reg, e.pool)
	attrs := registry.Attrs{"sample_rate": sampleRate, "frame_period": q.framePeriodMs, "fft_size": q.fftSize}

	audioIn, err := b.AddAudioInput("audio_input", nil)
	if err != nil {
		return nil, err
	}
	f0Node, err := b.AddF0Extraction("f0", audioIn, attrs)
	if err != nil {
		return nil, err
	}
	specNode, err := b.AddSpectrumAnalysis("spectrum", audioIn, attrs)
	if err != nil {
		return nil, err
	}
	apNode, err := b.AddAperiodicityAnalysis("aperiodicity", audioIn, attrs)
	if err != nil {
		return nil, err
	}
	mergeNode, err := b.AddParameterMerge("merge", f0Node, specNode, apNode)
	if err != nil {
		return nil, err
	}
	synthNode, err := b.AddSynthesis("synthesis", mergeNode, attrs)
	if err != nil {
		return nil, err
	}
	outNode, err := b.AddAudioOutput("audio_output", synthNode)
	if err != nil {
		return nil, err
	}

	audioInT, err := tensor.New(e.pool, []int{len(audio)}, tensor.F32, 0)
	if err != nil {
		return nil, err
	}
	if err := audioInT.SetFloats(audio); err != nil {
		return nil, err
	}
	audioIn.Outputs = []*tensor.Tensor{audioInT}

	var allocErr error
	must := func(shape []int) *tensor.Tensor {
		if allocErr != nil {
			return nil
		}
		var t *tensor.Tensor
		t, allocErr = tensor.New(e.pool, shape, tensor.F32, 0)
		return t
	}

	f0T := must([]int{nFrames})
	specT := must([]int{nFrames, nBins})
	apT := must([]int{nFrames, nBins})
	mergeF0Out := must([]int{nFrames})
	mergeSpecOut := must([]int{nFrames, nBins})
	mergeApOut := must([]int{nFrames, nBins})
	synthLen := stride * nFrames
	synthT := must([]int{synthLen})
	outT := must([]int{synthLen})
	if allocErr != nil {
		return nil, allocErr
	}

	f0Node.Inputs = []*tensor.Tensor{audioInT}
	f0Node.Outputs = []*tensor.Tensor{f0T}
	specNode.Inputs = []*tensor.Tensor{audioInT}
	specNode.Outputs = []*tensor.Tensor{specT}
	apNode.Inputs = []*tensor.Tensor{audioInT}
	apNode.Outputs = []*tensor.Tensor{apT}
	mergeNode.Inputs = []*tensor.Tensor{f0T, specT, apT}
	mergeNode.Outputs = []*tensor.Tensor{mergeF0Out, mergeSpecOut, mergeApOut}
	synthNode.Inputs = []*tensor.Tensor{mergeF0Out, mergeSpecOut, mergeApOut}
	synthNode.Outputs = []*tensor.Tensor{synthT}
	outNode.Inputs = []*tensor.Tensor{synthT}
	outNode.Outputs = []*tensor.Tensor{outT}

	if err := graph.Execute(b.Graph(), graph.NewContext()); err != nil {
		return nil, err
	}
	return outT.Floats(), nil
}

// runSingingPipeline mirrors runAnalysisResynthesis but sources F0 from a
// UtauMapping node fed by notes rather than from F0Extraction over the
// carrier.
func (e *Engine) runSingingPipeline(carrier []float32, notes []Note, sampleRate int, q qualityParams) ([]float32, error) {
	stride := strideFor(q.framePeriodMs, sampleRate)
	nFrames := totalNoteFrames(notes)
	nBins := q.fftSize/2 + 1

	b := worldgraph.NewBuilder(e.reg, e.pool)
	attrs := registry.Attrs{"sample_rate": sampleRate, "frame_period": q.framePeriodMs, "fft_size": q.fftSize}

	audioIn, err := b.AddAudioInput("carrier_input", nil)
	if err != nil {
		return nil, err
	}
	specNode, err := b.AddSpectrumAnalysis("spectrum", audioIn, attrs)
	if err != nil {
		return nil, err
	}
	apNode, err := b.AddAperiodicityAnalysis("aperiodicity", audioIn, attrs)
	if err != nil {
		return nil, err
	}
	utauNode, err := b.AddUtauMapping("utau", nil)
	if err != nil {
		return nil, err
	}
	mergeNode, err := b.AddParameterMerge("merge", utauNode, specNode, apNode)
	if err != nil {
		return nil, err
	}
	synthNode, err := b.AddSynthesis("synthesis", mergeNode, attrs)
	if err != nil {
		return nil, err
	}
	outNode, err := b.AddAudioOutput("audio_output", synthNode)
	if err != nil {
		return nil, err
	}

	audioInT, err := tensor.New(e.pool, []int{len(carrier)}, tensor.F32, 0)
	if err != nil {
		return nil, err
	}
	if err := audioInT.SetFloats(carrier); err != nil {
		return nil, err
	}
	audioIn.Outputs = []*tensor.Tensor{audioInT}

	notesT, err := notesTensor(e.pool, notes)
	if err != nil {
		return nil, err
	}

	var allocErr error
	must := func(shape []int) *tensor.Tensor {
		if allocErr != nil {
			return nil
		}
		var t *tensor.Tensor
		t, allocErr = tensor.New(e.pool, shape, tensor.F32, 0)
		return t
	}

	specT := must([]int{nFrames, nBins})
	apT := must([]int{nFrames, nBins})
	utauOut := must([]int{nFrames})
	mergeF0Out := must([]int{nFrames})
	mergeSpecOut := must([]int{nFrames, nBins})
	mergeApOut := must([]int{nFrames, nBins})
	synthLen := stride * nFrames
	synthT := must([]int{synthLen})
	outT := must([]int{synthLen})
	if allocErr != nil {
		return nil, allocErr
	}

	specNode.Inputs = []*tensor.Tensor{audioInT}
	specNode.Outputs = []*tensor.Tensor{specT}
	apNode.Inputs = []*tensor.Tensor{audioInT}
	apNode.Outputs = []*tensor.Tensor{apT}
	utauNode.Inputs = []*tensor.Tensor{notesT}
	utauNode.Outputs = []*tensor.Tensor{utauOut}
	mergeNode.Inputs = []*tensor.Tensor{utauOut, specT, apT}
	mergeNode.Outputs = []*tensor.Tensor{mergeF0Out, mergeSpecOut, mergeApOut}
	synthNode.Inputs = []*tensor.Tensor{mergeF0Out, mergeSpecOut, mergeApOut}
	synthNode.Outputs = []*tensor.Tensor{synthT}
	outNode.Inputs = []*tensor.Tensor{synthT}
	outNode.Outputs = []*tensor.Tensor{outT}

	if err := graph.Execute(b.Graph(), graph.NewContext()); err != nil {
		return nil, err
	}
	return outT.Floats(), nil
}

// StartStreaming spawns the streaming worker: a bounded MPSC text queue
// drained by a single consumer goroutine that calls SynthesizeText and
// invokes cb with each result, until StopStreaming.
func (e *Engine) StartStreaming(cb StreamCallback) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream != nil {
		return liberr.New(liberr.AlreadyInitialized, "engine.StartStreaming").Msg("streaming already active").Build()
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	queue := make(chan string, streamQueueCapacity)
	eg.Go(func() error {
		return e.streamLoop(egCtx, queue, cb)
	})
	e.stream = &streamWorker{queue: queue, cancel: cancel, eg: eg}
	return nil
}

func (e *Engine) streamLoop(ctx context.Context, queue <-chan string, cb StreamCallback) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text, ok := <-queue:
			if !ok {
				return nil
			}
			audio, err := e.SynthesizeText(text)
			cb(audio, err)
		}
	}
}

// StreamText enqueues text for the streaming worker.
// Returns BufferFull if the queue is at capacity.
func (e *Engine) StreamText(text string) error {
	e.mu.Lock()
	w := e.stream
	e.mu.Unlock()
	if w == nil {
		return liberr.New(liberr.NotInitialized, "engine.StreamText").Msg("streaming not started").Build()
	}
	select {
	case w.queue <- text:
		return nil
	default:
		return liberr.New(liberr.BufferFull, "engine.StreamText").Msg("stream queue full").Build()
	}
}

// StopStreaming cancels and drains the streaming worker.
func (e *Engine) StopStreaming() error {
	e.mu.Lock()
	w := e.stream
	e.stream = nil
	e.mu.Unlock()
	if w == nil {
		return liberr.New(liberr.InvalidState, "engine.StopStreaming").Msg("streaming not active").Build()
	}
	close(w.queue)
	if err := w.eg.Wait(); err != nil {
		e.log.Error().Err(err).Msg("streaming worker exited with error")
	}
	w.cancel()
	return nil
}

// PerformanceStats is the performance-stats payload, extended with real
// pool-usage aggregation from pool.Stats.
type PerformanceStats struct {
	profiler.Report
	PoolBytesAllocated int64 `json:"pool_bytes_allocated"`
	PoolPeakBytes      int64 `json:"pool_peak_bytes"`
	PoolBlocks         int   `json:"pool_blocks"`
}

// GetPerformanceStats returns the profiler session report plus aggregated
// pool statistics.
func (e *Engine) GetPerformanceStats() PerformanceStats {
	report := e.profiler.Report()
	stats := e.pool.Stats()
	return PerformanceStats{
		Report:             report,
		PoolBytesAllocated: stats.BytesAllocated,
		PoolPeakBytes:      stats.PeakBytes,
		PoolBlocks:         stats.Blocks,
	}
}

// LoadExtension registers the named Extension's operators into the
// engine's registry, returning an id for UnloadExtension. name looks up
// Config.Extensions rather than a filesystem path, since dynamic `.so`
// loading is a platform concern left to the bindings layer.
func (e *Engine) LoadExtension(name string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ext, ok := e.cfg.Extensions[name]
	if !ok {
		return 0, liberr.New(liberr.NotFound, "engine.LoadExtension").Context("name", name).Build()
	}
	opNames, err := ext.Register(e.reg)
	if err != nil {
		return 0, err
	}
	e.nextExtID++
	id := e.nextExtID
	e.extensions[id] = &loadedExtension{name: name, opNames: opNames}
	return id, nil
}

// UnloadExtension removes every operator a prior LoadExtension call
// registered under id.
func (e *Engine) UnloadExtension(id int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ext, ok := e.extensions[id]
	if !ok {
		return liberr.New(liberr.NotFound, "engine.UnloadExtension").Context("id", id).Build()
	}
	for _, name := range ext.opNames {
		e.reg.Unregister(name)
	}
	delete(e.extensions, id)
	return nil
}

// GetLastError returns the most recently built liberr.Error's message, or
// "" if none has been built yet.
func GetLastError() string {
	err := liberr.LastError()
	if err == nil {
		return ""
	}
	return err.Error()
}
