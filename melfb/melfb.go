// Copyright (c) 2019, The Emergent Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package melfb implements the mel-scale filterbank: triangular filters in
// dense and sparse-CSR form, a pseudo-inverse for the reverse mapping, and
// a process-scoped cache keyed by configuration. The forward construction
// (breakpoints -> FFT bins -> triangular filters) follows the standard HTK
// mel formula, with a Slaney scale option, CSR sparse storage and a real
// pseudo-inverse.
package melfb

import (
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/crlotwhite/libetude/liberr"
)

// ScaleType selects the mel-breakpoint formula.
type ScaleType int

const (
	HTK ScaleType = iota
	Slaney
)

// PseudoInverseMode selects the reverse-mapping construction: a cheap
// normalized transpose or a true Moore-Penrose inverse.
type PseudoInverseMode int

const (
	MoorePenrose PseudoInverseMode = iota
	NormalizedTranspose
)

// Config parameterizes filterbank construction.
type Config struct {
	NFFT         int
	NMels        int
	FMin         float64
	FMax         float64
	SampleRate   int
	Scale        ScaleType
	Normalize    bool
	PseudoInverseMode PseudoInverseMode
}

func (c *Config) defaults() {
	if c.NFFT == 0 {
		c.NFFT = 1024
	}
	if c.NMels == 0 {
		c.NMels = 80
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.FMax == 0 {
		c.FMax = float64(c.SampleRate) / 2
	}
}

// key returns a stable hash of the configuration for the process cache.
func (c Config) key() uint64 {
	h := xxhash.New()
	var buf [48]byte
	putInt := func(off int, v int) { buf[off] = byte(v); buf[off+1] = byte(v >> 8); buf[off+2] = byte(v >> 16); buf[off+3] = byte(v >> 24) }
	putInt(0, c.NFFT)
	putInt(4, c.NMels)
	putInt(8, int(c.FMin*1000))
	putInt(12, int(c.FMax*1000))
	putInt(16, c.SampleRate)
	putInt(20, int(c.Scale))
	putInt(24, int(c.PseudoInverseMode))
	if c.Normalize {
		buf[28] = 1
	}
	h.Write(buf[:])
	return h.Sum64()
}

// FilterBank holds the dense/sparse filter matrices and the pseudo-inverse.
type FilterBank struct {
	Config Config

	nBins int // n_fft/2 + 1

	// Dense is [NMels x nBins], row-major.
	Dense []float64
	// CSR sparse form (compressed sparse row).
	Values     []float64
	ColIndices []int
	RowPtr     []int

	// PseudoInverse is [nBins x NMels], row-major: maps a mel frame back
	// to a linear spectrum.
	PseudoInverse []float64

	breakpointBins []int // NMels+2 FFT-bin breakpoints
}

// FreqToMel converts a frequency in Hz to the chosen mel scale.
func FreqToMel(scale ScaleType, freq float64) float64 {
	switch scale {
	case Slaney:
		const (
			fMin    = 0.0
			fSp     = 200.0 / 3
			minLogF = 1000.0
		)
		minLogMel := (minLogF - fMin) / fSp
		logStep := math.Log(6.4) / 27.0
		if freq < minLogF {
			return (freq - fMin) / fSp
		}
		return minLogMel + math.Log(freq/minLogF)/logStep
	default: // HTK
		return 1127.0 * math.Log(1.0+freq/700.0)
	}
}

// MelToFreq is the inverse of FreqToMel.
func MelToFreq(scale ScaleType, mel float64) float64 {
	switch scale {
	case Slaney:
		const (
			fMin    = 0.0
			fSp     = 200.0 / 3
			minLogF = 1000.0
		)
		minLogMel := (minLogF - fMin) / fSp
		logStep := math.Log(6.4) / 27.0
		if mel < minLogMel {
			return fMin + fSp*mel
		}
		return minLogF * math.Exp(logStep*(mel-minLogMel))
	default: // HTK
		return 700.0 * (math.Exp(mel/1127.0) - 1.0)
	}
}

// FreqToBin converts a frequency to an FFT bin index.
func FreqToBin(freq float64, nFFT, sampleRate int) int {
	return int(math.Floor(((float64(nFFT) + 1) * freq) / float64(sampleRate)))
}

// Create builds a new FilterBank.
func Create(cfg Config) (*FilterBank, error) {
	cfg.defaults()
	if cfg.NMels <= 0 || cfg.NFFT <= 0 {
		return nil, liberr.New(liberr.InvalidArgument, "melfb.Create").Msg("NMels and NFFT must be positive").Build()
	}
	if cfg.FMax > float64(cfg.SampleRate)/2 {
		return nil, liberr.New(liberr.InvalidArgument, "melfb.Create").Msg("FMax must be <= Nyquist").Build()
	}
	nBins := cfg.NFFT/2 + 1

	loMel := FreqToMel(cfg.Scale, cfg.FMin)
	hiMel := FreqToMel(cfg.Scale, cfg.FMax)
	nEff := cfg.NMels + 2
	bins := make([]int, nEff)
	step := (hiMel - loMel) / float64(cfg.NMels+1)
	for i := 0; i < nEff; i++ {
		hz := MelToFreq(cfg.Scale, loMel+float64(i)*step)
		bins[i] = FreqToBin(hz, cfg.NFFT, cfg.SampleRate)
	}

	dense := make([]float64, cfg.NMels*nBins)
	for m := 0; m < cfg.NMels; m++ {
		lo, pk, hi := bins[m], bins[m+1], bins[m+2]
		if pk == lo {
			pk = lo + 1
		}
		if hi == pk {
			hi = pk + 1
		}
		for b := lo; b <= pk && b < nBins; b++ {
			if b < 0 {
				continue
			}
			dense[m*nBins+b] = float64(b-lo) / float64(pk-lo)
		}
		for b := pk; b <= hi && b < nBins; b++ {
			if b < 0 {
				continue
			}
			dense[m*nBins+b] = float64(hi-b) / float64(hi-pk)
		}
		if cfg.Normalize {
			var sum float64
			for b := 0; b < nBins; b++ {
				sum += dense[m*nBins+b]
			}
			if sum > 0 {
				for b := 0; b < nBins; b++ {
					dense[m*nBins+b] /= sum
				}
			}
		}
	}

	fb := &FilterBank{Config: cfg, nBins: nBins, Dense: dense, breakpointBins: bins}
	fb.buildSparse()
	if err := fb.buildPseudoInverse(); err != nil {
		return nil, err
	}
	return fb, nil
}

func (fb *FilterBank) buildSparse() {
	nBins := fb.nBins
	fb.RowPtr = make([]int, fb.Config.NMels+1)
	for m := 0; m < fb.Config.NMels; m++ {
		for b := 0; b < nBins; b++ {
			v := fb.Dense[m*nBins+b]
			if v != 0 {
				fb.Values = append(fb.Values, v)
				fb.ColIndices = append(fb.ColIndices, b)
			}
		}
		fb.RowPtr[m+1] = len(fb.Values)
	}
}

func (fb *FilterBank) buildPseudoInverse() error {
	nMels, nBins := fb.Config.NMels, fb.nBins
	switch fb.Config.PseudoInverseMode {
	case NormalizedTranspose:
		// Transpose, then normalize each output (spectrum-bin) row so its
		// contributing filter weights sum to 1. Cheaper than a true
		// pseudo-inverse, with larger round-trip error.
		out := make([]float64, nBins*nMels)
		for b := 0; b < nBins; b++ {
			var sum float64
			for m := 0; m < nMels; m++ {
				sum += fb.Dense[m*nBins+b]
			}
			for m := 0; m < nMels; m++ {
				v := fb.Dense[m*nBins+b]
				if sum > 0 {
					v /= sum
				}
				out[b*nMels+m] = v
			}
		}
		fb.PseudoInverse = out
		return nil
	default:
		d := mat.NewDense(nMels, nBins, fb.Dense)
		var svd mat.SVD
		if !svd.Factorize(d, mat.SVDThin) {
			return liberr.New(liberr.Unsupported, "melfb.buildPseudoInverse").Msg("SVD factorization failed").Build()
		}
		fb.PseudoInverse = pseudoInverseFromSVD(&svd, nMels, nBins)
		return nil
	}
}

// pseudoInverseFromSVD computes the Moore-Penrose pseudo-inverse of an
// r x c matrix A given its thin SVD (A = U*S*V^T) as
// pinv(A) = V * S^+ * U^T, an r x c -> c x r map.
func pseudoInverseFromSVD(svd *mat.SVD, r, c int) []float64 {
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sv := svd.Values(nil)

	k := len(sv)
	const tol = 1e-10
	sPlus := make([]float64, k)
	var maxSV float64
	for _, s := range sv {
		if s > maxSV {
			maxSV = s
		}
	}
	for i, s := range sv {
		if s > tol*maxSV {
			sPlus[i] = 1.0 / s
		}
	}

	// pinv = V * diag(sPlus) * U^T  (c x r)
	out := make([]float64, c*r)
	for i := 0; i < c; i++ {
		for j := 0; j < r; j++ {
			var sum float64
			for kk := 0; kk < k; kk++ {
				sum += v.At(i, kk) * sPlus[kk] * u.At(j, kk)
			}
			out[i*r+j] = sum
		}
	}
	return out
}

// Forward multiplies the filterbank against a power spectrogram
// [nFrames x nBins], producing [nFrames x NMels]. Uses the sparse CSR path
// when useSparse is true, otherwise the dense path.
func (fb *FilterBank) Forward(spectrogram []float64, nFrames int, useSparse bool) ([]float64, error) {
	if len(spectrogram) != nFrames*fb.nBins {
		return nil, liberr.New(liberr.InvalidArgument, "melfb.Forward").Msg("spectrogram size mismatch").Build()
	}
	out := make([]float64, nFrames*fb.Config.NMels)
	if useSparse {
		for f := 0; f < nFrames; f++ {
			frame := spectrogram[f*fb.nBins : (f+1)*fb.nBins]
			for m := 0; m < fb.Config.NMels; m++ {
				var sum float64
				for idx := fb.RowPtr[m]; idx < fb.RowPtr[m+1]; idx++ {
					sum += fb.Values[idx] * frame[fb.ColIndices[idx]]
				}
				out[f*fb.Config.NMels+m] = sum
			}
		}
		return out, nil
	}
	for f := 0; f < nFrames; f++ {
		frame := spectrogram[f*fb.nBins : (f+1)*fb.nBins]
		for m := 0; m < fb.Config.NMels; m++ {
			var sum float64
			row := fb.Dense[m*fb.nBins : (m+1)*fb.nBins]
			for b, v := range row {
				sum += v * frame[b]
			}
			out[f*fb.Config.NMels+m] = sum
		}
	}
	return out, nil
}

// Reverse maps mel-frames [nFrames x NMels] back to linear spectrum
// [nFrames x nBins] via the pseudo-inverse, clipping negative entries to
// zero.
func (fb *FilterBank) Reverse(melFrames []float64, nFrames int) ([]float64, error) {
	if len(melFrames) != nFrames*fb.Config.NMels {
		return nil, liberr.New(liberr.InvalidArgument, "melfb.Reverse").Msg("mel frame size mismatch").Build()
	}
	out := make([]float64, nFrames*fb.nBins)
	for f := 0; f < nFrames; f++ {
		frame := melFrames[f*fb.Config.NMels : (f+1)*fb.Config.NMels]
		for b := 0; b < fb.nBins; b++ {
			var sum float64
			row := fb.PseudoInverse[b*fb.Config.NMels : (b+1)*fb.Config.NMels]
			for m, v := range row {
				sum += v * frame[m]
			}
			if sum < 0 {
				sum = 0
			}
			out[f*fb.nBins+b] = sum
		}
	}
	return out, nil
}

// process-scoped cache: lazily initialized, own mutex, explicit shutdown.
var (
	cacheMu   sync.Mutex
	cacheLRU  []uint64 // most-recently-used at the end
	cacheMap  map[uint64]*FilterBank
	cacheCap  = 16
)

// GetOrCreate returns a cached FilterBank matching cfg's hash, building and
// inserting one on a miss, with LRU eviction once the cache exceeds its
// capacity.
func GetOrCreate(cfg Config) (*FilterBank, error) {
	cfg.defaults()
	key := cfg.key()

	cacheMu.Lock()
	if cacheMap == nil {
		cacheMap = make(map[uint64]*FilterBank)
	}
	if fb, ok := cacheMap[key]; ok {
		touchLRU(key)
		cacheMu.Unlock()
		return fb, nil
	}
	cacheMu.Unlock()

	fb, err := Create(cfg)
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	defer cacheMu.Unlock()
	cacheMap[key] = fb
	touchLRU(key)
	for len(cacheLRU) > cacheCap {
		oldest := cacheLRU[0]
		cacheLRU = cacheLRU[1:]
		delete(cacheMap, oldest)
	}
	return fb, nil
}

func touchLRU(key uint64) {
	for i, k := range cacheLRU {
		if k == key {
			cacheLRU = append(cacheLRU[:i], cacheLRU[i+1:]...)
			break
		}
	}
	cacheLRU = append(cacheLRU, key)
}

// ShutdownCache tears down the process-scoped filterbank cache.
func ShutdownCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cacheMap = nil
	cacheLRU = nil
}
