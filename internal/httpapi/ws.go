package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleEventsWS streams server events to an observer. Anything the client
// sends is ignored.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.opts.Hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event hub not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.opts.Hub.Subscribe()
	defer unsubscribe()
	s.opts.Metrics.ObserveEvent("events_ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		s.readLoop(conn, nil, nil)
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			if err := s.writeJSON(conn, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// handleAudioWS attaches a remote microphone and speaker through the audio
// bridge. Only one client may be attached at a time.
func (s *Server) handleAudioWS(w http.ResponseWriter, r *http.Request) {
	bridge := s.opts.Bridge
	if bridge == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "audio bridge not configured")
		return
	}
	if err := bridge.Attach(); err != nil {
		respondError(w, http.StatusConflict, "audio_busy", err.Error())
		return
	}
	defer bridge.Detach()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.opts.Metrics.ObserveEvent("audio_ws_connected")
	s.logger.Info("audio client attached", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close()
		defer cancel()
		s.audioWriter(ctx, conn, bridge, replies)
	}()

	s.readLoop(conn, func(msg any) {
		switch m := msg.(type) {
		case protocol.ClientAudioChunk:
			pcm, err := base64.StdEncoding.DecodeString(m.PCM16Base64)
			if err != nil {
				s.reply(replies, invalidMessage(err))
				return
			}
			bridge.PushPCM(pcm, m.SampleRate)
		case protocol.ClientControl:
			s.clientControl(ctx, m, replies)
		}
	}, replies)

	cancel()
	<-writerDone
	s.logger.Info("audio client detached", "remote", r.RemoteAddr, "dropped_frames", bridge.Dropped())
}

func (s *Server) audioWriter(ctx context.Context, conn *websocket.Conn, bridge *audio.Bridge, replies <-chan any) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	seq := 0
	for {
		var msg any
		select {
		case <-ctx.Done():
			return
		case chunk := <-bridge.Outbound():
			seq++
			msg = protocol.AssistantAudioChunk{
				Type:        protocol.TypeAssistantAudio,
				Seq:         seq,
				Format:      "pcm_s16le",
				SampleRate:  chunk.SampleRate,
				AudioBase64: base64.StdEncoding.EncodeToString(chunk.PCM),
			}
		case <-bridge.Flushes():
			msg = protocol.PlaybackFlush{Type: protocol.TypePlaybackFlush}
		case msg = <-replies:
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
			continue
		}
		if err := s.writeJSON(conn, msg); err != nil {
			return
		}
	}
}

func (s *Server) clientControl(ctx context.Context, m protocol.ClientControl, replies chan<- any) {
	if s.opts.Controller == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	reason := m.Reason
	if reason == "" {
		reason = "client_" + m.Action
	}
	var err error
	switch m.Action {
	case protocol.ActionWake:
		err = s.opts.Controller.Wake(ctx, reason)
	case protocol.ActionSleep:
		err = s.opts.Controller.Sleep(ctx, reason)
	}
	if err != nil {
		s.reply(replies, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			Code:      "control_failed",
			Source:    "gateway",
			Retryable: true,
			Detail:    err.Error(),
		})
	}
}

// readLoop reads client frames until the connection fails. Parsed messages
// go to handle; malformed ones are answered on replies when it is set.
func (s *Server) readLoop(conn *websocket.Conn, handle func(any), replies chan<- any) {
	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if handle == nil || msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.opts.Metrics.ObserveWSMessage("inbound", "invalid")
			if replies != nil {
				s.reply(replies, invalidMessage(err))
			}
			continue
		}
		t, _ := protocol.Meta(msg)
		s.opts.Metrics.ObserveWSMessage("inbound", string(t))
		handle(msg)
	}
}

// reply queues msg for the writer, dropping it when the queue is full.
func (s *Server) reply(replies chan<- any, msg any) {
	t, _ := protocol.Meta(msg)
	select {
	case replies <- msg:
		s.opts.Metrics.ObserveOutboundMessage(string(t), "queued")
	default:
		s.opts.Metrics.ObserveOutboundMessage(string(t), "drop_full")
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			s.opts.Metrics.ObserveEvent("ws_write_error")
		}
		return err
	}
	t, _ := protocol.Meta(msg)
	s.opts.Metrics.ObserveWSMessage("outbound", string(t))
	return nil
}

func invalidMessage(err error) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:   protocol.TypeErrorEvent,
		Code:   "invalid_client_message",
		Source: "gateway",
		Detail: err.Error(),
	}
}
