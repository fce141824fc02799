// Package device drives the host microphone and speaker.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/reliability"
)

// Options configures the local audio device pair.
type Options struct {
	CaptureSampleRate  int
	PlaybackSampleRate int
	// FrameDuration is the capture period; 32ms matches 512 samples at 16kHz.
	FrameDuration time.Duration
	// PlaybackBuffer is the oto buffer size.
	PlaybackBuffer time.Duration
}

func (o Options) withDefaults() Options {
	if o.CaptureSampleRate <= 0 {
		o.CaptureSampleRate = 16000
	}
	if o.PlaybackSampleRate <= 0 {
		o.PlaybackSampleRate = 22050
	}
	if o.FrameDuration <= 0 {
		o.FrameDuration = 32 * time.Millisecond
	}
	if o.PlaybackBuffer <= 0 {
		o.PlaybackBuffer = 100 * time.Millisecond
	}
	return o
}

// Microphone captures mono PCM16 frames through miniaudio.
type Microphone struct {
	opts    Options
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	mu      sync.Mutex
	err     error
	started bool
}

// OpenMicrophone initializes the default capture device.
func OpenMicrophone(opts Options) (*Microphone, error) {
	opts = opts.withDefaults()
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, reliability.Device("init capture context", err)
	}
	return &Microphone{opts: opts, ctx: mctx}, nil
}

// Start begins capture. Frames are dropped rather than blocking the audio
// callback when the consumer falls behind.
func (m *Microphone) Start(ctx context.Context) (<-chan audio.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil, fmt.Errorf("microphone already started")
	}

	out := make(chan audio.Frame, 64)
	var (
		seq     uint64
		closeMu sync.Mutex
		closed  bool
	)
	rate := m.opts.CaptureSampleRate

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(rate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(m.opts.FrameDuration.Milliseconds())

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			samples := audio.BytesToSamples(input)
			closeMu.Lock()
			defer closeMu.Unlock()
			if closed {
				return
			}
			seq++
			select {
			case out <- audio.Frame{Seq: seq, Samples: samples, SampleRate: rate, CapturedAt: time.Now()}:
			default:
			}
		},
		Stop: func() {
			if ctx.Err() != nil {
				return
			}
			m.mu.Lock()
			if m.err == nil {
				m.err = reliability.Device("capture", fmt.Errorf("capture device stopped"))
			}
			m.mu.Unlock()
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, reliability.Device("init capture device", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, reliability.Device("start capture device", err)
	}
	m.device = dev
	m.started = true

	go func() {
		<-ctx.Done()
		_ = dev.Stop()
		closeMu.Lock()
		closed = true
		close(out)
		closeMu.Unlock()
	}()
	return out, nil
}

// Err reports a device failure observed during capture.
func (m *Microphone) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	dev := m.device
	m.device = nil
	m.mu.Unlock()
	if dev != nil {
		_ = dev.Stop()
		dev.Uninit()
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
	return nil
}

// Speaker plays PCM16LE audio through oto. Oto pulls audio from Read.
type Speaker struct {
	otoCtx     *oto.Context
	sampleRate int
	latency    time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	player  *oto.Player
	closed  bool
	maxBuf  int
	playing bool
}

// OpenSpeaker initializes the default playback device.
func OpenSpeaker(opts Options) (*Speaker, error) {
	opts = opts.withDefaults()
	bufBytes := int(opts.PlaybackBuffer.Seconds() * float64(opts.PlaybackSampleRate) * 2)
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   opts.PlaybackSampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   opts.PlaybackBuffer,
	})
	if err != nil {
		return nil, reliability.Device("init playback context", err)
	}
	<-ready
	s := &Speaker{
		otoCtx:     otoCtx,
		sampleRate: opts.PlaybackSampleRate,
		latency:    opts.PlaybackBuffer,
		maxBuf:     max(bufBytes*20, opts.PlaybackSampleRate*4),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Play appends chunk to the playback buffer, blocking while more than a
// couple of seconds of audio is pending.
func (s *Speaker) Play(ctx context.Context, chunk audio.Chunk) error {
	pcm := chunk.PCM
	if chunk.SampleRate > 0 && chunk.SampleRate != s.sampleRate {
		pcm = audio.SamplesToBytes(audio.Resample(audio.BytesToSamples(pcm), chunk.SampleRate, s.sampleRate))
	}

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) > s.maxBuf && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}
	if s.closed {
		return reliability.Device("play", fmt.Errorf("speaker closed"))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Broadcast()
	return nil
}

// Read feeds oto. Silence is returned while nothing is queued.
func (s *Speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		clear(p)
		s.cond.Broadcast()
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	s.cond.Broadcast()
	return n, nil
}

// Drain waits until the pending buffer and the device buffer are played.
func (s *Speaker) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		pending := len(s.buf)
		s.mu.Unlock()
		if pending == 0 {
			// The device still holds up to one buffer of audio.
			t := time.NewTimer(s.latency)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Flush drops queued audio and resets the player so nothing stale plays.
func (s *Speaker) Flush() error {
	s.mu.Lock()
	s.buf = s.buf[:0]
	player := s.player
	s.player = nil
	s.playing = false
	s.cond.Broadcast()
	s.mu.Unlock()

	if player != nil {
		player.Pause()
		player.Reset()
		player.Close()
	}
	return nil
}

func (s *Speaker) Close() error {
	s.mu.Lock()
	s.closed = true
	player := s.player
	s.player = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	if player != nil {
		return player.Close()
	}
	return nil
}
