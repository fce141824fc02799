package speaker

import (
	"context"
	"errors"
	"math"
	"math/cmplx"

	"github.com/ent0n29/hearth/internal/audio"
)

// ErrInsufficientAudio is returned when a clip has too little voiced audio
// to produce an embedding.
var ErrInsufficientAudio = errors.New("not enough voiced audio for a speaker embedding")

// Extractor turns an audio clip into a fixed-length speaker embedding.
type Extractor interface {
	Dimension() int
	Extract(ctx context.Context, samples []int16, sampleRate int) ([]float32, error)
}

const (
	bandFFTSize     = 512
	bandMinHz       = 80.0
	bandMaxHz       = 7600.0
	bandSilenceRMS  = 0.004
	bandMinFrames   = 8
	bandTargetRate  = 16000
	defaultBandSize = 20
)

// BandExtractor derives an embedding from mel-spaced log band energies:
// per-band mean, standard deviation and mean absolute delta across voiced
// frames. It needs no model files and is good enough to tell apart a small
// household of enrolled voices.
type BandExtractor struct {
	bands int
	edges []int
}

// NewBandExtractor builds an extractor with the given band count.
func NewBandExtractor(bands int) *BandExtractor {
	if bands <= 0 {
		bands = defaultBandSize
	}
	return &BandExtractor{bands: bands, edges: melEdges(bands, bandTargetRate)}
}

func (e *BandExtractor) Dimension() int { return e.bands * 3 }

func (e *BandExtractor) Extract(ctx context.Context, samples []int16, sampleRate int) ([]float32, error) {
	if sampleRate != bandTargetRate {
		samples = audio.Resample(samples, sampleRate, bandTargetRate)
	}
	hop := bandFFTSize / 2
	window := hann(bandFFTSize)
	var frames [][]float64
	buf := make([]complex128, bandFFTSize)

	for start := 0; start+bandFFTSize <= len(samples); start += hop {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame := samples[start : start+bandFFTSize]
		if audio.RMS(frame) < bandSilenceRMS {
			continue
		}
		for i, s := range frame {
			buf[i] = complex(float64(s)/32768.0*window[i], 0)
		}
		fft(buf)
		energies := make([]float64, e.bands)
		for b := 0; b < e.bands; b++ {
			var sum float64
			for k := e.edges[b]; k < e.edges[b+1]; k++ {
				mag := cmplx.Abs(buf[k])
				sum += mag * mag
			}
			energies[b] = math.Log(sum + 1e-10)
		}
		frames = append(frames, energies)
	}
	if len(frames) < bandMinFrames {
		return nil, ErrInsufficientAudio
	}

	out := make([]float32, e.Dimension())
	n := float64(len(frames))
	for b := 0; b < e.bands; b++ {
		var mean, sq, delta float64
		for i, f := range frames {
			mean += f[b]
			if i > 0 {
				delta += math.Abs(f[b] - frames[i-1][b])
			}
		}
		mean /= n
		for _, f := range frames {
			d := f[b] - mean
			sq += d * d
		}
		out[b] = float32(mean)
		out[e.bands+b] = float32(math.Sqrt(sq / n))
		out[2*e.bands+b] = float32(delta / (n - 1))
	}
	return Normalize(out), nil
}

// melEdges returns bands+1 FFT bin boundaries spaced evenly on the mel scale.
func melEdges(bands, sampleRate int) []int {
	maxHz := math.Min(bandMaxHz, float64(sampleRate)/2)
	lo, hi := hzToMel(bandMinHz), hzToMel(maxHz)
	edges := make([]int, bands+1)
	for i := range edges {
		hz := melToHz(lo + (hi-lo)*float64(i)/float64(bands))
		bin := int(math.Round(hz * bandFFTSize / float64(sampleRate)))
		if i > 0 && bin <= edges[i-1] {
			bin = edges[i-1] + 1
		}
		edges[i] = bin
	}
	return edges
}

func hzToMel(hz float64) float64  { return 2595 * math.Log10(1+hz/700) }
func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// fft is an in-place iterative radix-2 transform. len(x) must be a power of two.
func fft(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < size/2; k++ {
				a := x[start+k]
				b := w * x[start+k+size/2]
				x[start+k] = a + b
				x[start+k+size/2] = a - b
				w *= step
			}
		}
	}
}
