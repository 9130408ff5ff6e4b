// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package worldgraph binds the WORLD analysis/synthesis pipeline onto the
// operator graph: each WORLD stage becomes a graph.Node whose operator
// type is registered with world's stage functions as the wrapped Forward
// implementation, and a Builder enforces the legal topology by actually
// inspecting each dependency's OpType rather than trusting the caller.
package worldgraph

import (
	"github.com/crlotwhite/libetude/graph"
	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/pool"
	"github.com/crlotwhite/libetude/registry"
	"github.com/crlotwhite/libetude/tensor"
	"github.com/crlotwhite/libetude/world"
)

// WorldNode operator type names.
const (
	AudioInput           = "WorldAudioInput"
	F0Extraction         = "WorldF0Extraction"
	SpectrumAnalysis     = "WorldSpectrumAnalysis"
	AperiodicityAnalysis = "WorldAperiodicityAnalysis"
	ParameterMerge       = "WorldParameterMerge"
	UtauMapping          = "WorldUtauMapping"
	Synthesis            = "WorldSynthesis"
	AudioOutput          = "WorldAudioOutput"
)

func intAttr(attrs registry.Attrs, key string, def int) int {
	if v, ok := attrs[key].(int); ok && v > 0 {
		return v
	}
	return def
}

func floatAttr(attrs registry.Attrs, key string, def float64) float64 {
	if v, ok := attrs[key].(float64); ok && v > 0 {
		return v
	}
	return def
}

func tensorToFloat64(t *tensor.Tensor) []float64 {
	f := t.Floats()
	out := make([]float64, len(f))
	for i, v := range f {
		out[i] = float64(v)
	}
	return out
}

func float64ToTensor(x []float64, out *tensor.Tensor) error {
	f := make([]float32, len(x))
	for i, v := range x {
		f[i] = float32(v)
	}
	return out.SetFloats(f)
}

func matrixToTensor(m [][]float64, out *tensor.Tensor) error {
	nRows := len(m)
	nCols := 0
	if nRows > 0 {
		nCols = len(m[0])
	}
	flat := make([]float32, nRows*nCols)
	for i, row := range m {
		for j, v := range row {
			flat[i*nCols+j] = float32(v)
		}
	}
	return out.SetFloats(flat)
}

func tensorToMatrix(in *tensor.Tensor) [][]float64 {
	nRows, nCols := in.Shape[0], in.Shape[1]
	flat := in.Floats()
	m := make([][]float64, nRows)
	for i := 0; i < nRows; i++ {
		row := make([]float64, nCols)
		for j := 0; j < nCols; j++ {
			row[j] = float64(flat[i*nCols+j])
		}
		m[i] = row
	}
	return m
}

// Register wires the WorldNode operator bundle onto r: AudioInput,
// F0Extraction, SpectrumAnalysis, AperiodicityAnalysis, ParameterMerge,
// UtauMapping, Synthesis, AudioOutput.
func Register(r *registry.Registry) error {
	entries := []registry.Entry{
		audioInputEntry(),
		f0ExtractionEntry(),
		spectrumAnalysisEntry(),
		aperiodicityAnalysisEntry(),
		parameterMergeEntry(),
		utauMappingEntry(),
		synthesisEntry(),
		audioOutputEntry(),
	}
	for _, e := range entries {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// audioInputEntry is a source node: its single output tensor is populated
// by the caller (e.g. audioio) before the graph runs. Forward does not
// detect samples that were never loaded: a zero-filled output passes.
func audioInputEntry() registry.Entry {
	return registry.Entry{
		Name: AudioInput,
		Create: func(registry.Attrs) (int, int, error) {
			return 0, 1, nil
		},
		Forward: func(attrs registry.Attrs, in, out []*tensor.Tensor) error {
			if len(out) != 1 {
				return liberr.New(liberr.InvalidArgument, "WorldAudioInput.Forward").Msg("expected 1 output").Build()
			}
			if out[0].Size == 0 {
				return liberr.New(liberr.InvalidState, "WorldAudioInput.Forward").Msg("audio samples not loaded before execution").Build()
			}
			return nil
		},
		Destroy: func(registry.Attrs) {},
	}
}

// f0ExtractionEntry runs DIO or Harvest over the AudioInput's samples,
// producing an F0 contour tensor. The time axis is not carried as a
// separate output; SpectrumAnalysis and AperiodicityAnalysis obtain it by
// rerunning DIO (see analyzeF0).
func f0ExtractionEntry() registry.Entry {
	return registry.Entry{
		Name: F0Extraction,
		Create: func(registry.Attrs) (int, int, error) {
			return 1, 1, nil
		},
		Forward: func(attrs registry.Attrs, in, out []*tensor.Tensor) error {
			if len(in) != 1 || len(out) != 1 {
				return liberr.New(liberr.InvalidArgument, "WorldF0Extraction.Forward").Msg("expected 1 input and 1 output").Build()
			}
			sampleRate := intAttr(attrs, "sample_rate", 44100)
			framePeriod := floatAttr(attrs, "frame_period", 5.0)
			x := tensorToFloat64(in[0])

			var f0 []float64
			var err error
			if algo, _ := attrs["algorithm"].(string); algo == "Harvest" {
				f0, _, err = world.Harvest(x, sampleRate, world.HarvestConfig{FramePeriod: framePeriod})
			} else {
				f0, _, err = world.DIO(x, sampleRate, world.DIOConfig{FramePeriod: framePeriod})
			}
			if err != nil {
				return err
			}
			if out[0].Shape[0] != len(f0) {
				return liberr.New(liberr.InvalidArgument, "WorldF0Extraction.Forward").Msg("output shape mismatch").Build()
			}
			return float64ToTensor(f0, out[0])
		},
		Destroy: func(registry.Attrs) {},
	}
}

// analyzeF0 reruns DIO internally so SpectrumAnalysis and
// AperiodicityAnalysis can depend only on AudioInput in the graph topology
// (each of the three analyzers depends only on AudioInput) while still
// having the F0/time-axis context CheapTrick and D4C require. Using the
// same default DIO configuration in both analyzers keeps their F0 contours
// identical to each other and to a default-config F0Extraction node.
func analyzeF0(x []float64, sampleRate int, framePeriod float64) ([]float64, []float64, error) {
	return world.DIO(x, sampleRate, world.DIOConfig{FramePeriod: framePeriod})
}

func spectrumAnalysisEntry() registry.Entry {
	return registry.Entry{
		Name: SpectrumAnalysis,
		Create: func(registry.Attrs) (int, int, error) {
			return 1, 1, nil
		},
		Forward: func(attrs registry.Attrs, in, out []*tensor.Tensor) error {
			if len(in) != 1 || len(out) != 1 {
				return liberr.New(liberr.InvalidArgument, "WorldSpectrumAnalysis.Forward").Msg("expected 1 input and 1 output").Build()
			}
			sampleRate := intAttr(attrs, "sample_rate", 44100)
			fftSize := intAttr(attrs, "fft_size", 1024)
			framePeriod := floatAttr(attrs, "frame_period", 5.0)
			x := tensorToFloat64(in[0])

			f0, timeAxis, err := analyzeF0(x, sampleRate, framePeriod)
			if err != nil {
				return err
			}
			spec, err := world.CheapTrick(x, sampleRate, f0, timeAxis, world.CheapTrickConfig{FFTSize: fftSize})
			if err != nil {
				return err
			}
			if out[0].Shape[0] != len(spec) {
				return liberr.New(liberr.InvalidArgument, "WorldSpectrumAnalysis.Forward").Msg("output shape mismatch").Build()
			}
			return matrixToTensor(spec, out[0])
		},
		Destroy: func(registry.Attrs) {},
	}
}

func aperiodicityAnalysisEntry() registry.Entry {
	return registry.Entry{
		Name: AperiodicityAnalysis,
		Create: func(registry.Attrs) (int, int, error) {
			return 1, 1, nil
		},
		Forward: func(attrs registry.Attrs, in, out []*tensor.Tensor) error {
			if len(in) != 1 || len(out) != 1 {
				return liberr.New(liberr.InvalidArgument, "WorldAperiodicityAnalysis.Forward").Msg("expected 1 input and 1 output").Build()
			}
			sampleRate := intAttr(attrs, "sample_rate", 44100)
			fftSize := intAttr(attrs, "fft_size", 1024)
			framePeriod := floatAttr(attrs, "frame_period", 5.0)
			x := tensorToFloat64(in[0])

			f0, timeAxis, err := analyzeF0(x, sampleRate, framePeriod)
			if err != nil {
				return err
			}
			ap, err := world.D4C(x, sampleRate, f0, timeAxis, world.D4CConfig{FFTSize: fftSize})
			if err != nil {
				return err
			}
			if out[0].Shape[0] != len(ap) {
				return liberr.New(liberr.InvalidArgument, "WorldAperiodicityAnalysis.Forward").Msg("output shape mismatch").Build()
			}
			return matrixToTensor(ap, out[0])
		},
		Destroy: func(registry.Attrs) {},
	}
}

// parameterMergeEntry validates that F0, spectrogram and aperiodicity
// share the same leading (frame) dimension and passes each through
// unchanged, bundling them for Synthesis.
func parameterMergeEntry() registry.Entry {
	return registry.Entry{
		Name: ParameterMerge,
		Create: func(registry.Attrs) (int, int, error) {
			return 3, 3, nil
		},
		Forward: func(attrs registry.Attrs, in, out []*tensor.Tensor) error {
			if len(in) != 3 || len(out) != 3 {
				return liberr.New(liberr.InvalidArgument, "WorldParameterMerge.Forward").Msg("expected f0, spectrogram, aperiodicity in and out").Build()
			}
			nFrames := in[0].Shape[0]
			if in[1].Shape[0] != nFrames || in[2].Shape[0] != nFrames {
				return liberr.New(liberr.InvalidArgument, "WorldParameterMerge.Forward").Msg("mismatched frame counts across f0/spectrogram/aperiodicity").Build()
			}
			for i := 0; i < 3; i++ {
				if err := out[i].SetFloats(in[i].Floats()); err != nil {
					return err
				}
			}
			return nil
		},
		Destroy: func(registry.Attrs) {},
	}
}

// utauMappingEntry is an alternate source node for singing synthesis: it
// turns a [numNotes, 2] {frequency_hz, duration_frames} note tensor into an
// F0 contour, feeding ParameterMerge in place of F0Extraction when there is
// no source audio to analyze.
func utauMappingEntry() registry.Entry {
	return registry.Entry{
		Name: UtauMapping,
		Create: func(registry.Attrs) (int, int, error) {
			return 1, 1, nil
		},
		Forward: func(attrs registry.Attrs, in, out []*tensor.Tensor) error {
			if len(in) != 1 || len(out) != 1 {
				return liberr.New(liberr.InvalidArgument, "WorldUtauMapping.Forward").Msg("expected 1 input and 1 output").Build()
			}
			if len(in[0].Shape) != 2 || in[0].Shape[1] != 2 {
				return liberr.New(liberr.InvalidArgument, "WorldUtauMapping.Forward").Msg("expects [numNotes,2] {freq_hz, duration_frames} input").Build()
			}
			notes := in[0].Floats()
			numNotes := in[0].Shape[0]
			var f0 []float64
			for i := 0; i < numNotes; i++ {
				freq := float64(notes[i*2])
				duration := int(notes[i*2+1])
				for j := 0; j < duration; j++ {
					f0 = append(f0, freq)
				}
			}
			if out[0].Shape[0] != len(f0) {
				return liberr.New(liberr.InvalidArgument, "WorldUtauMapping.Forward").Msg("output shape mismatch").Build()
			}
			return float64ToTensor(f0, out[0])
		},
		Destroy: func(registry.Attrs) {},
	}
}

func synthesisEntry() registry.Entry {
	return registry.Entry{
		Name: Synthesis,
		Create: func(registry.Attrs) (int, int, error) {
			return 3, 1, nil
		},
		Forward: func(attrs registry.Attrs, in, out []*tensor.Tensor) error {
			if len(in) != 3 || len(out) != 1 {
				return liberr.New(liberr.InvalidArgument, "WorldSynthesis.Forward").Msg("expected f0, spectrogram, aperiodicity inputs").Build()
			}
			sampleRate := intAttr(attrs, "sample_rate", 44100)
			fftSize := intAttr(attrs, "fft_size", 1024)
			framePeriod := floatAttr(attrs, "frame_period", 5.0)

			f0 := tensorToFloat64(in[0])
			spectrogram := tensorToMatrix(in[1])
			aperiodicity := tensorToMatrix(in[2])

			synth := world.NewSynthesizer(world.SynthesizerConfig{SampleRate: sampleRate, FramePeriod: framePeriod, FFTSize: fftSize})
			samples, err := synth.Synthesize(f0, spectrogram, aperiodicity)
			if err != nil {
				return err
			}
			if out[0].Shape[0] != len(samples) {
				return liberr.New(liberr.InvalidArgument, "WorldSynthesis.Forward").Msg("output shape mismatch").Build()
			}
			return float64ToTensor(samples, out[0])
		},
		Destroy: func(registry.Attrs) {},
	}
}

// audioOutputEntry is a sink node: it validates and passes through the
// synthesized waveform unchanged.
func audioOutputEntry() registry.Entry {
	return registry.Entry{
		Name: AudioOutput,
		Create: func(registry.Attrs) (int, int, error) {
			return 1, 1, nil
		},
		Forward: func(attrs registry.Attrs, in, out []*tensor.Tensor) error {
			if len(in) != 1 || len(out) != 1 {
				return liberr.New(liberr.InvalidArgument, "WorldAudioOutput.Forward").Msg("expected 1 input and 1 output").Build()
			}
			if in[0].Size == 0 {
				return liberr.New(liberr.InvalidState, "WorldAudioOutput.Forward").Msg("empty waveform").Build()
			}
			return out[0].SetFloats(in[0].Floats())
		},
		Destroy: func(registry.Attrs) {},
	}
}

// Builder constructs a Graph-over-WORLD topology, rejecting illegal
// dependencies by inspecting each referenced node's OpType rather than
// trusting the caller to wire things correctly.
type Builder struct {
	g *graph.Graph
}

// NewBuilder returns a Builder backed by a fresh Graph bound to reg and p.
func NewBuilder(reg *registry.Registry, p *pool.Pool) *Builder {
	return &Builder{g: graph.New(reg, p)}
}

// Graph returns the underlying graph, ready for TopologicalSort/Execute
// once the topology is complete.
func (b *Builder) Graph() *graph.Graph { return b.g }

// AddAudioInput adds a source node designated as a graph input.
func (b *Builder) AddAudioInput(name string, attrs registry.Attrs) (*graph.Node, error) {
	n, err := b.g.AddNode(name, AudioInput, attrs)
	if err != nil {
		return nil, err
	}
	if err := b.g.SetInput(n.ID); err != nil {
		return nil, err
	}
	return n, nil
}

// AddUtauMapping adds an alternate source node for singing synthesis,
// also designated as a graph input.
func (b *Builder) AddUtauMapping(name string, attrs registry.Attrs) (*graph.Node, error) {
	n, err := b.g.AddNode(name, UtauMapping, attrs)
	if err != nil {
		return nil, err
	}
	if err := b.g.SetInput(n.ID); err != nil {
		return nil, err
	}
	return n, nil
}

func (b *Builder) addAnalyzer(name, opType string, audioInput *graph.Node, attrs registry.Attrs) (*graph.Node, error) {
	if audioInput.OpType != AudioInput {
		return nil, liberr.New(liberr.InvalidState, "worldgraph.Builder").
			Msgf("%s must depend on %s, got %s", opType, AudioInput, audioInput.OpType).Build()
	}
	n, err := b.g.AddNode(name, opType, attrs)
	if err != nil {
		return nil, err
	}
	if err := b.g.Connect(audioInput.ID, n.ID); err != nil {
		return nil, err
	}
	return n, nil
}

// AddF0Extraction adds an F0Extraction node depending on audioInput, which
// must be an AudioInput node.
func (b *Builder) AddF0Extraction(name string, audioInput *graph.Node, attrs registry.Attrs) (*graph.Node, error) {
	return b.addAnalyzer(name, F0Extraction, audioInput, attrs)
}

// AddSpectrumAnalysis adds a SpectrumAnalysis node depending on audioInput,
// which must be an AudioInput node.
func (b *Builder) AddSpectrumAnalysis(name string, audioInput *graph.Node, attrs registry.Attrs) (*graph.Node, error) {
	return b.addAnalyzer(name, SpectrumAnalysis, audioInput, attrs)
}

// AddAperiodicityAnalysis adds an AperiodicityAnalysis node depending on
// audioInput, which must be an AudioInput node.
func (b *Builder) AddAperiodicityAnalysis(name string, audioInput *graph.Node, attrs registry.Attrs) (*graph.Node, error) {
	return b.addAnalyzer(name, AperiodicityAnalysis, audioInput, attrs)
}

// AddParameterMerge adds a ParameterMerge node depending on f0 (an
// F0Extraction or UtauMapping node), spectrum (a SpectrumAnalysis node) and
// aperiodicity (an AperiodicityAnalysis node).
func (b *Builder) AddParameterMerge(name string, f0, spectrum, aperiodicity *graph.Node) (*graph.Node, error) {
	if f0.OpType != F0Extraction && f0.OpType != UtauMapping {
		return nil, liberr.New(liberr.InvalidState, "worldgraph.Builder").
			Msgf("%s requires an %s or %s f0 input, got %s", ParameterMerge, F0Extraction, UtauMapping, f0.OpType).Build()
	}
	if spectrum.OpType != SpectrumAnalysis {
		return nil, liberr.New(liberr.InvalidState, "worldgraph.Builder").
			Msgf("%s requires a %s spectrum input, got %s", ParameterMerge, SpectrumAnalysis, spectrum.OpType).Build()
	}
	if aperiodicity.OpType != AperiodicityAnalysis {
		return nil, liberr.New(liberr.InvalidState, "worldgraph.Builder").
			Msgf("%s requires an %s aperiodicity input, got %s", ParameterMerge, AperiodicityAnalysis, aperiodicity.OpType).Build()
	}
	n, err := b.g.AddNode(name, ParameterMerge, nil)
	if err != nil {
		return nil, err
	}
	for _, dep := range []*graph.Node{f0, spectrum, aperiodicity} {
		if err := b.g.Connect(dep.ID, n.ID); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// AddSynthesis adds a Synthesis node depending on merge, which must be a
// ParameterMerge node.
func (b *Builder) AddSynthesis(name string, merge *graph.Node, attrs registry.Attrs) (*graph.Node, error) {
	if merge.OpType != ParameterMerge {
		return nil, liberr.New(liberr.InvalidState, "worldgraph.Builder").
			Msgf("%s must depend on %s, got %s", Synthesis, ParameterMerge, merge.OpType).Build()
	}
	n, err := b.g.AddNode(name, Synthesis, attrs)
	if err != nil {
		return nil, err
	}
	if err := b.g.Connect(merge.ID, n.ID); err != nil {
		return nil, err
	}
	return n, nil
}

// AddAudioOutput adds a sink node depending on synthesis, which must be a
// Synthesis node, and designates it as a graph output.
func (b *Builder) AddAudioOutput(name string, synthesis *graph.Node) (*graph.Node, error) {
	if synthesis.OpType != Synthesis {
		return nil, liberr.New(liberr.InvalidState, "worldgraph.Builder").
			Msgf("%s must depend on %s, got %s", AudioOutput, Synthesis, synthesis.OpType).Build()
	}
	n, err := b.g.AddNode(name, AudioOutput, nil)
	if err != nil {
		return nil, err
	}
	if err := b.g.Connect(synthesis.ID, n.ID); err != nil {
		return nil, err
	}
	if err := b.g.SetOutput(n.ID); err != nil {
		return nil, err
	}
	return n, nil
}
