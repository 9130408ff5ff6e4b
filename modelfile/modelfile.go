// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package modelfile loads and saves the packed model file format: a small
// fixed header, a metadata block (dimensions and the audio-frontend
// parameters the model was trained against), followed by named weight
// chunks, returned as tensors keyed by name. Nothing in this module binds
// the loaded weights onto graph node attrs.
package modelfile

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/crlotwhite/libetude/liberr"
	"github.com/crlotwhite/libetude/pool"
	"github.com/crlotwhite/libetude/tensor"
)

const (
	magic   uint32 = 0x4C455446 // "LETF"
	version uint32 = 1
)

// Metadata carries the dimensions and audio-frontend parameters the model
// was trained against.
type Metadata struct {
	InputDim    uint32
	OutputDim   uint32
	HiddenDim   uint32
	NumLayers   uint32
	SampleRate  uint32
	MelChannels uint32
	HopLength   uint32
	WinLength   uint32
}

// Model is a loaded packed model: metadata plus every weight chunk,
// keyed by the subgraph/tensor name the graph builder looks them up by.
type Model struct {
	Metadata Metadata
	Weights  map[string]*tensor.Tensor
}

// Load reads a packed model file from path into pool-backed tensors.
func Load(p *pool.Pool, path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, liberr.New(liberr.IO, "modelfile.Load").Context("file", path).Wrap(err).Build()
	}
	defer f.Close()
	return Decode(p, bufio.NewReader(f))
}

// Decode reads a packed model from r.
func Decode(p *pool.Pool, r io.Reader) (*Model, error) {
	var hdrMagic, hdrVersion uint32
	if err := binary.Read(r, binary.LittleEndian, &hdrMagic); err != nil {
		return nil, liberr.New(liberr.IO, "modelfile.Decode").Wrap(err).Build()
	}
	if hdrMagic != magic {
		return nil, liberr.New(liberr.InvalidFormat, "modelfile.Decode").Msg("bad magic").Build()
	}
	if err := binary.Read(r, binary.LittleEndian, &hdrVersion); err != nil {
		return nil, liberr.New(liberr.IO, "modelfile.Decode").Wrap(err).Build()
	}
	if hdrVersion != version {
		return nil, liberr.New(liberr.InvalidFormat, "modelfile.Decode").Msgf("unsupported format version %d", hdrVersion).Build()
	}

	var md Metadata
	if err := binary.Read(r, binary.LittleEndian, &md); err != nil {
		return nil, liberr.New(liberr.IO, "modelfile.Decode").Wrap(err).Build()
	}

	var numChunks uint32
	if err := binary.Read(r, binary.LittleEndian, &numChunks); err != nil {
		return nil, liberr.New(liberr.IO, "modelfile.Decode").Wrap(err).Build()
	}

	weights := make(map[string]*tensor.Tensor, numChunks)
	for i := uint32(0); i < numChunks; i++ {
		name, t, err := decodeChunk(p, r)
		if err != nil {
			return nil, err
		}
		weights[name] = t
	}

	return &Model{Metadata: md, Weights: weights}, nil
}

func decodeChunk(p *pool.Pool, r io.Reader) (string, *tensor.Tensor, error) {
	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return "", nil, liberr.New(liberr.IO, "modelfile.decodeChunk").Wrap(err).Build()
	}
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return "", nil, liberr.New(liberr.IO, "modelfile.decodeChunk").Wrap(err).Build()
	}

	var numDims uint8
	if err := binary.Read(r, binary.LittleEndian, &numDims); err != nil {
		return "", nil, liberr.New(liberr.IO, "modelfile.decodeChunk").Wrap(err).Build()
	}
	shape := make([]int, numDims)
	for i := range shape {
		var d uint32
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return "", nil, liberr.New(liberr.IO, "modelfile.decodeChunk").Wrap(err).Build()
		}
		shape[i] = int(d)
	}

	var numValues uint32
	if err := binary.Read(r, binary.LittleEndian, &numValues); err != nil {
		return "", nil, liberr.New(liberr.IO, "modelfile.decodeChunk").Wrap(err).Build()
	}
	data := make([]float32, numValues)
	if err := binary.Read(r, binary.LittleEndian, &data); err != nil {
		return "", nil, liberr.New(liberr.IO, "modelfile.decodeChunk").Wrap(err).Build()
	}

	t, err := tensor.New(p, shape, tensor.F32, 0)
	if err != nil {
		return "", nil, err
	}
	if err := t.SetFloats(data); err != nil {
		return "", nil, err
	}
	return string(nameBytes), t, nil
}

// Save writes m as a packed model file to path.
func Save(path string, m *Model) error {
	f, err := os.Create(path)
	if err != nil {
		return liberr.New(liberr.IO, "modelfile.Save").Context("file", path).Wrap(err).Build()
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := Encode(w, m); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return liberr.New(liberr.IO, "modelfile.Save").Wrap(err).Build()
	}
	return nil
}

// Encode writes m to w in the packed model format.
func Encode(w io.Writer, m *Model) error {
	if err := binary.Write(w, binary.LittleEndian, magic); err != nil {
		return liberr.New(liberr.IO, "modelfile.Encode").Wrap(err).Build()
	}
	if err := binary.Write(w, binary.LittleEndian, version); err != nil {
		return liberr.New(liberr.IO, "modelfile.Encode").Wrap(err).Build()
	}
	if err := binary.Write(w, binary.LittleEndian, m.Metadata); err != nil {
		return liberr.New(liberr.IO, "modelfile.Encode").Wrap(err).Build()
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.Weights))); err != nil {
		return liberr.New(liberr.IO, "modelfile.Encode").Wrap(err).Build()
	}
	for name, t := range m.Weights {
		if err := encodeChunk(w, name, t); err != nil {
			return err
		}
	}
	return nil
}

func encodeChunk(w io.Writer, name string, t *tensor.Tensor) error {
	if len(name) > 0xFFFF {
		return liberr.New(liberr.InvalidArgument, "modelfile.encodeChunk").Msg("name too long").Build()
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(name))); err != nil {
		return liberr.New(liberr.IO, "modelfile.encodeChunk").Wrap(err).Build()
	}
	if _, err := w.Write([]byte(name)); err != nil {
		return liberr.New(liberr.IO, "modelfile.encodeChunk").Wrap(err).Build()
	}
	if err := binary.Write(w, binary.LittleEndian, uint8(len(t.Shape))); err != nil {
		return liberr.New(liberr.IO, "modelfile.encodeChunk").Wrap(err).Build()
	}
	for _, d := range t.Shape {
		if err := binary.Write(w, binary.LittleEndian, uint32(d)); err != nil {
			return liberr.New(liberr.IO, "modelfile.encodeChunk").Wrap(err).Build()
		}
	}
	data := t.Floats()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return liberr.New(liberr.IO, "modelfile.encodeChunk").Wrap(err).Build()
	}
	if err := binary.Write(w, binary.LittleEndian, data); err != nil {
		return liberr.New(liberr.IO, "modelfile.encodeChunk").Wrap(err).Build()
	}
	return nil
}
