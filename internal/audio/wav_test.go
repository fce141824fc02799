package audio

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestWAVRoundTripThroughFile(t *testing.T) {
	samples := []int16{0, 1200, -1200, 32767, -32768, 7}
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := WriteWAVPCM16LEFile(path, SamplesToBytes(samples), 16000); err != nil {
		t.Fatalf("WriteWAVPCM16LEFile() error = %v", err)
	}

	got, rate, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile() error = %v", err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d, want 16000", rate)
	}
	if len(got) != len(samples) {
		t.Fatalf("len = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample[%d] = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, _, err := DecodeWAV(bytes.NewReader([]byte("RIFF\x00\x00\x00\x00WAVX")))
	if !errors.Is(err, ErrUnsupportedWAV) {
		t.Fatalf("DecodeWAV() error = %v, want ErrUnsupportedWAV", err)
	}
}

func TestResampleLength(t *testing.T) {
	in := make([]int16, 16000)
	for i := range in {
		in[i] = int16(i % 100)
	}
	out := Resample(in, 16000, 8000)
	if len(out) != 8000 {
		t.Fatalf("len = %d, want 8000", len(out))
	}
	if up := Resample(in[:10], 8000, 16000); len(up) != 20 {
		t.Fatalf("upsample len = %d, want 20", len(up))
	}
}

func TestRMSAndDuration(t *testing.T) {
	if RMS(nil) != 0 {
		t.Fatalf("RMS(nil) != 0")
	}
	if got := RMS([]int16{16384, -16384}); got < 0.49 || got > 0.51 {
		t.Fatalf("RMS() = %v, want ~0.5", got)
	}
	c := Chunk{PCM: make([]byte, 3200), SampleRate: 16000}
	if c.Duration().Milliseconds() != 100 {
		t.Fatalf("Duration() = %v, want 100ms", c.Duration())
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	wav, err := EncodeWAVPCM16LE(SamplesToBytes([]int16{1, 2, 3}), 0)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 44+6 {
		t.Fatalf("len = %d, want 50", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[36:40]) != "data" {
		t.Fatalf("bad header %q", wav[:44])
	}
	_, rate, err := DecodeWAV(bytes.NewReader(wav))
	if err != nil || rate != 16000 {
		t.Fatalf("DecodeWAV() rate = %d err = %v, want 16000", rate, err)
	}
}
