package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/observability"
	"github.com/ent0n29/hearth/internal/protocol"
)

// PerfCmd replays WAV utterances through the audio websocket of a server
// started with --audio ws and reports time to first reply audio.
// Usage: hearth perf --url http://localhost:8080 clip1.wav clip2.wav
type PerfCmd struct {
	URL         string        `long:"url" default:"http://localhost:8080" description:"server base URL"`
	Turns       int           `long:"turns" default:"4" description:"number of turns to replay"`
	ChunkMS     int           `long:"chunk-ms" default:"40" description:"audio chunk size"`
	Realtime    float64       `long:"realtime" default:"1" description:"playback speed factor"`
	Tail        time.Duration `long:"tail" default:"1200ms" description:"silence appended so the utterance ends"`
	TurnTimeout time.Duration `long:"turn-timeout" default:"45s" description:"max wait for a reply"`
	Verbose     bool          `short:"v" long:"verbose" description:"log every server event"`
	Args        struct {
		Clips []string `positional-arg-name:"wav" required:"1"`
	} `positional-args:"yes" required:"yes"`
}

type perfEnvelope struct {
	Type   string `json:"type"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
	Reason string `json:"reason,omitempty"`
	Text   string `json:"text,omitempty"`
}

type perfClip struct {
	path       string
	pcm        []byte
	sampleRate int
}

func (c *PerfCmd) Execute(_ []string) error {
	if c.Turns <= 0 || c.ChunkMS <= 0 || c.Realtime <= 0 {
		return fmt.Errorf("turns, chunk-ms and realtime must be positive")
	}
	clips := make([]perfClip, 0, len(c.Args.Clips))
	for _, path := range c.Args.Clips {
		samples, rate, err := audio.ReadWAVFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		tail := make([]int16, int(c.Tail.Seconds()*float64(rate)))
		clips = append(clips, perfClip{path: path, pcm: audio.SamplesToBytes(append(samples, tail...)), sampleRate: rate})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.Turns)*(c.TurnTimeout+30*time.Second))
	defer cancel()

	eventsConn, err := dialPath(ctx, c.URL, "/v1/events")
	if err != nil {
		return fmt.Errorf("open events websocket: %w", err)
	}
	defer eventsConn.Close()
	audioConn, err := dialPath(ctx, c.URL, "/v1/audio")
	if err != nil {
		return fmt.Errorf("open audio websocket: %w", err)
	}
	defer audioConn.Close()

	turnEnds := make(chan perfEnvelope, 8)
	firstAudio := make(chan time.Time, 8)
	readErr := make(chan error, 2)
	go c.readEvents(eventsConn, turnEnds, readErr)
	go c.readAudio(audioConn, firstAudio, readErr)

	if err := audioConn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionWake, Reason: "perf_replay"}); err != nil {
		return err
	}
	defer func() {
		_ = audioConn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionSleep, Reason: "perf_replay_done"})
	}()

	var latencies []time.Duration
	seq := 0
	for i := 0; i < c.Turns; i++ {
		clip := clips[i%len(clips)]
		drain(firstAudio)
		sent, err := c.sendClip(audioConn, clip, &seq)
		if err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		speechEnd := sent.Add(-c.Tail)

		var first time.Time
		timer := time.NewTimer(c.TurnTimeout)
	wait:
		for {
			select {
			case at := <-firstAudio:
				if first.IsZero() {
					first = at
				}
			case end := <-turnEnds:
				if c.Verbose {
					fmt.Printf("turn %d ended: %s %q\n", i+1, end.Reason, end.Text)
				}
				break wait
			case err := <-readErr:
				timer.Stop()
				return fmt.Errorf("turn %d: %w", i+1, err)
			case <-timer.C:
				return fmt.Errorf("turn %d: no reply after %s", i+1, c.TurnTimeout)
			}
		}
		timer.Stop()

		if first.IsZero() {
			fmt.Printf("turn %d %-24s no audio\n", i+1, clip.path)
			continue
		}
		latency := first.Sub(speechEnd)
		latencies = append(latencies, latency)
		fmt.Printf("turn %d %-24s first audio %s after speech end\n", i+1, clip.path, latency.Round(time.Millisecond))
	}

	fmt.Println(summarize(latencies))
	return printServerLatency(ctx, c.URL)
}

func (c *PerfCmd) sendClip(conn *websocket.Conn, clip perfClip, seq *int) (time.Time, error) {
	for _, chunk := range chunkPCM(clip.pcm, clip.sampleRate, c.ChunkMS) {
		*seq++
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(chunk),
			SampleRate:  clip.sampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return time.Time{}, err
		}
		d := audio.Chunk{PCM: chunk, SampleRate: clip.sampleRate}.Duration()
		time.Sleep(time.Duration(float64(d) / c.Realtime))
	}
	return time.Now(), nil
}

func (c *PerfCmd) readEvents(conn *websocket.Conn, turnEnds chan<- perfEnvelope, readErr chan<- error) {
	for {
		var env perfEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			readErr <- fmt.Errorf("events websocket: %w", err)
			return
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeAssistantTurnEnd:
			turnEnds <- env
		case protocol.TypeErrorEvent:
			fmt.Fprintf(os.Stderr, "error_event code=%s detail=%s\n", env.Code, env.Detail)
		default:
			if c.Verbose {
				fmt.Printf("event %s %s\n", env.Type, env.Reason)
			}
		}
	}
}

func (c *PerfCmd) readAudio(conn *websocket.Conn, firstAudio chan<- time.Time, readErr chan<- error) {
	for {
		var env perfEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			readErr <- fmt.Errorf("audio websocket: %w", err)
			return
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeAssistantAudio:
			select {
			case firstAudio <- time.Now():
			default:
			}
		case protocol.TypeErrorEvent:
			fmt.Fprintf(os.Stderr, "audio error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
	}
}

func drain[T any](ch <-chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// chunkPCM splits PCM16LE audio into chunks of about chunkMS, never
// splitting a sample.
func chunkPCM(pcm []byte, sampleRate, chunkMS int) [][]byte {
	size := sampleRate * 2 * chunkMS / 1000
	size -= size % 2
	if size < 2 {
		size = 2
	}
	var out [][]byte
	for off := 0; off+1 < len(pcm); off += size {
		end := min(off+size, len(pcm)-len(pcm)%2)
		out = append(out, pcm[off:end])
	}
	return out
}

func summarize(latencies []time.Duration) string {
	if len(latencies) == 0 {
		return "no turns produced audio"
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p := func(q float64) time.Duration {
		return sorted[int(q*float64(len(sorted)-1)+0.5)].Round(time.Millisecond)
	}
	return fmt.Sprintf("first audio over %d turns: p50=%s p95=%s max=%s", len(sorted), p(0.5), p(0.95), sorted[len(sorted)-1].Round(time.Millisecond))
}

func printServerLatency(ctx context.Context, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/v1/perf/latency", nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	var snap observability.TurnStageSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decode latency snapshot: %w", err)
	}
	for _, s := range snap.Stages {
		fmt.Printf("%-28s n=%-4d p50=%.0fms p95=%.0fms\n", s.Stage, s.Samples, s.P50MS, s.P95MS)
	}
	return nil
}

func dialPath(ctx context.Context, base, path string) (*websocket.Conn, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("%w (status %d)", err, res.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}
