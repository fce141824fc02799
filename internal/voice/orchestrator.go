package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/hearth/internal/audio"
	"github.com/ent0n29/hearth/internal/brain"
	"github.com/ent0n29/hearth/internal/logging"
	"github.com/ent0n29/hearth/internal/memory"
	"github.com/ent0n29/hearth/internal/observability"
	"github.com/ent0n29/hearth/internal/policy"
	"github.com/ent0n29/hearth/internal/protocol"
	"github.com/ent0n29/hearth/internal/reliability"
	"github.com/ent0n29/hearth/internal/session"
	"github.com/ent0n29/hearth/internal/speaker"
	"github.com/ent0n29/hearth/internal/stage"
)

// Phase is the pipeline state.
type Phase string

const (
	PhaseDormant   Phase = "dormant"
	PhaseListening Phase = "listening"
	PhaseThinking  Phase = "thinking"
	PhaseSpeaking  Phase = "speaking"
)

// SpeakerIdentifier resolves a short audio snippet to an enrolled speaker.
type SpeakerIdentifier interface {
	IdentifyAudio(ctx context.Context, samples []int16, sampleRate int) (speaker.MatchResult, []speaker.Score, error)
}

// Publisher receives server events for connected clients.
type Publisher interface {
	Publish(msg any)
}

var sttRetry = reliability.Backoff{Base: 250 * time.Millisecond, Max: 5 * time.Second}

type nopPublisher struct{}

func (nopPublisher) Publish(any) {}

const (
	DefaultGenerationTimeout = 20 * time.Second
	DefaultSegmentTimeout    = 10 * time.Second
	DefaultSpeakerSnippet    = 1500 * time.Millisecond
	DefaultCancelAck         = 2 * time.Second
	DefaultFarewell          = "Goodbye."
	DefaultApology           = "Sorry, something went wrong. Please try again."

	frameQueueSize = 64
)

// Config wires the orchestrator to its collaborators.
type Config struct {
	Session *session.State
	Wake    WakeWordDetector
	STT     STTProvider
	TTS     TTSProvider
	Brain   brain.Adapter
	// Speakers enables advisory speaker identification when set.
	Speakers SpeakerIdentifier
	Source   audio.Source
	Sink     audio.Sink
	Voice    VoiceOptions

	// QueueSize bounds every stage queue.
	QueueSize int
	// TTSInflight bounds how many sentences synthesize ahead of playback.
	TTSInflight int
	// GenerationTimeout bounds the time each turn spends waiting on the
	// model. Time the reply waits on synthesis or playback is not counted.
	GenerationTimeout time.Duration
	// SegmentTimeout bounds the synthesis of one sentence.
	SegmentTimeout time.Duration
	// SpeakerSnippet is how much audio after the wake word is used to
	// identify the speaker.
	SpeakerSnippet time.Duration
	// CancelAck bounds how long a canceled turn may take to stop.
	CancelAck time.Duration
	// BargeIn lets a new utterance interrupt a reply in progress.
	BargeIn bool

	Farewell      string
	SpeakFarewell bool
	Apology       string

	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Publisher Publisher
}

func (c Config) validate() error {
	switch {
	case c.Session == nil:
		return reliability.Configf("session state is required")
	case c.Wake == nil:
		return reliability.Configf("wake word detector is required")
	case c.STT == nil || c.TTS == nil:
		return reliability.Configf("stt and tts providers are required")
	case c.Brain == nil:
		return reliability.Configf("llm adapter is required")
	case c.Source == nil || c.Sink == nil:
		return reliability.Configf("audio source and sink are required")
	case c.QueueSize < 0:
		return reliability.Configf("queue size must be positive, got %d", c.QueueSize)
	case c.TTSInflight < 0:
		return reliability.Configf("tts inflight must be positive, got %d", c.TTSInflight)
	case c.GenerationTimeout < 0 || c.SegmentTimeout < 0:
		return reliability.Configf("timeouts must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.QueueSize == 0 {
		c.QueueSize = stage.DefaultQueueSize
	}
	if c.TTSInflight == 0 {
		c.TTSInflight = 2
	}
	if c.GenerationTimeout == 0 {
		c.GenerationTimeout = DefaultGenerationTimeout
	}
	if c.SegmentTimeout == 0 {
		c.SegmentTimeout = DefaultSegmentTimeout
	}
	if c.SpeakerSnippet == 0 {
		c.SpeakerSnippet = DefaultSpeakerSnippet
	}
	if c.CancelAck <= 0 {
		c.CancelAck = DefaultCancelAck
	}
	if strings.TrimSpace(c.Farewell) == "" {
		c.Farewell = DefaultFarewell
	}
	if strings.TrimSpace(c.Apology) == "" {
		c.Apology = DefaultApology
	}
	if c.Publisher == nil {
		c.Publisher = nopPublisher{}
	}
	c.Logger = logging.OrDiscard(c.Logger)
	return c
}

// Orchestrator runs the wake, listen, think, speak cycle. A single loop
// goroutine owns the session state and memory; audio routing, recognition,
// generation, synthesis and playback run in their own goroutines and report
// back through the loop's event queue.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	events  chan any
	running atomic.Bool
	runCtx  context.Context

	// mu guards the fields shared with the audio router and readers.
	mu        sync.Mutex
	phase     Phase
	sttFrames chan audio.Frame
	snippet   *snippetCollector

	// Owned by the loop.
	turn        *turnTask
	listen      *listenTask
	sttFailures int
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger,
		events: make(chan any, 64),
		phase:  PhaseDormant,
	}, nil
}

// Status is a point-in-time view for the control surface.
type Status struct {
	Phase   Phase            `json:"phase"`
	Session session.Snapshot `json:"session"`
	Running bool             `json:"running"`
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) Status() Status {
	return Status{Phase: o.Phase(), Session: o.cfg.Session.Snapshot(), Running: o.running.Load()}
}

var ErrNotRunning = errors.New("orchestrator is not running")

type controlEvent struct {
	action string
	reason string
	done   chan struct{}
}

// Wake starts a session as if the wake word had been heard.
func (o *Orchestrator) Wake(ctx context.Context, reason string) error {
	return o.control(ctx, protocol.ActionWake, reason)
}

// Sleep ends the current session.
func (o *Orchestrator) Sleep(ctx context.Context, reason string) error {
	return o.control(ctx, protocol.ActionSleep, reason)
}

func (o *Orchestrator) control(ctx context.Context, action, reason string) error {
	if !o.running.Load() {
		return ErrNotRunning
	}
	ev := controlEvent{action: action, reason: reason, done: make(chan struct{})}
	select {
	case o.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ev.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the pipeline until ctx ends or audio capture fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator already running")
	}
	defer o.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.runCtx = ctx

	frames, err := o.cfg.Source.Start(ctx)
	if err != nil {
		return reliability.Device("capture start", err)
	}
	wakeFrames := make(chan audio.Frame, frameQueueSize)
	wakeEvents, err := o.cfg.Wake.Detect(ctx, wakeFrames)
	if err != nil {
		return reliability.Engine("wakeword", o.cfg.Wake.Name(), err)
	}

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		o.routeAudio(ctx, frames, wakeFrames)
	}()

	defer o.shutdown()
	o.cfg.Metrics.SetPhase(string(PhaseDormant))
	o.logger.Info("orchestrator started", "wakeword", o.cfg.Wake.Name(), "stt", o.cfg.STT.Name(), "tts", o.cfg.TTS.Name(), "llm", o.cfg.Brain.Name())

	idle := time.NewTicker(idleCheckInterval(o.cfg.Session.IdleTimeout()))
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-routerDone:
			if ctx.Err() != nil {
				return nil
			}
			cause := o.cfg.Source.Err()
			if cause == nil {
				cause = errors.New("capture stream closed")
			}
			o.logger.Error("audio capture failed", "error", cause)
			o.endSession("device_unavailable")
			return reliability.Device("capture", cause)
		case ev, ok := <-wakeEvents:
			if !ok {
				wakeEvents = nil
				o.logger.Warn("wake word detector stopped")
				continue
			}
			o.onWake(ev)
		case ev := <-o.events:
			o.handle(ev)
		case <-idle.C:
			o.checkIdle()
		}
	}
}

func idleCheckInterval(idle time.Duration) time.Duration {
	d := idle / 4
	if d <= 0 || d > time.Second {
		return time.Second
	}
	return max(d, 10*time.Millisecond)
}

// post delivers an event to the loop unless the orchestrator is stopping.
func (o *Orchestrator) post(ev any) {
	select {
	case o.events <- ev:
	case <-o.runCtx.Done():
	}
}

func (o *Orchestrator) shutdown() {
	o.cancelTurn("shutdown")
	o.stopListening()
	o.flushPlayback("shutdown")
	o.cfg.Session.Deactivate()
	o.setPhase(PhaseDormant, "shutdown")
	o.logger.Info("orchestrator stopped")
}

func (o *Orchestrator) setPhase(p Phase, reason string) {
	o.mu.Lock()
	prev := o.phase
	o.phase = p
	o.mu.Unlock()
	if prev == p {
		return
	}
	o.cfg.Metrics.SetPhase(string(p))
	o.cfg.Publisher.Publish(protocol.PhaseChanged{
		Type:      protocol.TypePhaseChanged,
		SessionID: o.cfg.Session.ID(),
		Phase:     string(p),
		Previous:  string(prev),
		Reason:    reason,
		TSMs:      time.Now().UnixMilli(),
	})
	o.logger.Info("phase changed", "from", prev, "to", p, "reason", reason)
}

// routeAudio forwards capture to the STT session while a session is active
// and to the wake word detector otherwise. Frames are dropped rather than
// stalling capture when a consumer falls behind.
func (o *Orchestrator) routeAudio(ctx context.Context, frames <-chan audio.Frame, wake chan audio.Frame) {
	defer close(wake)
	for {
		var f audio.Frame
		var ok bool
		select {
		case <-ctx.Done():
			return
		case f, ok = <-frames:
			if !ok {
				return
			}
		}

		o.mu.Lock()
		target := o.sttFrames
		if target == nil {
			target = wake
		}
		if c := o.snippet; c != nil && c.add(f) {
			o.snippet = nil
			go o.identify(ctx, c)
		}
		select {
		case target <- f:
		default:
			o.cfg.Metrics.ObserveEvent("frame_dropped")
		}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) handle(ev any) {
	switch ev := ev.(type) {
	case transcriptEvent:
		o.onTranscript(ev)
	case sttEndedEvent:
		o.onSTTEnded(ev)
	case sttRestartEvent:
		if o.listen != nil && o.listen.session == ev.session {
			o.listen.start(o)
		}
	case speakerEvent:
		o.onSpeaker(ev)
	case speakingEvent:
		if ev.task == o.turn && ev.task.kind != turnFarewell {
			o.setPhase(PhaseSpeaking, string(ev.task.kind))
		}
	case turnDoneEvent:
		o.onTurnDone(ev)
	case controlEvent:
		o.onControl(ev)
		close(ev.done)
	}
}

func (o *Orchestrator) onControl(ev controlEvent) {
	reason := ev.reason
	if reason == "" {
		reason = "manual_" + ev.action
	}
	switch ev.action {
	case protocol.ActionWake:
		if !o.cfg.Session.Active() {
			o.cancelTurn(reason)
			o.activate(reason)
		}
	case protocol.ActionSleep:
		if o.cfg.Session.Active() {
			o.endSession(reason)
		}
	}
}

func (o *Orchestrator) onWake(ev WakeEvent) {
	o.cfg.Metrics.ObserveEvent("wake")
	if !o.cfg.Session.Active() {
		// A farewell may still be playing.
		o.cancelTurn("wake")
		o.activate("wake_word")
	}
	if ev.Remainder != "" {
		at := ev.At
		if at.IsZero() {
			at = time.Now()
		}
		o.onUtterance(Transcript{Text: ev.Remainder, Final: true, Confidence: ev.Confidence, At: at})
	}
}

func (o *Orchestrator) activate(reason string) {
	sid := o.cfg.Session.Activate()
	o.cfg.Metrics.SetMemoryTurns(0)
	o.sttFailures = 0
	o.startListening(sid)
	if o.cfg.Speakers != nil && o.cfg.SpeakerSnippet > 0 {
		o.mu.Lock()
		o.snippet = &snippetCollector{session: sid, want: o.cfg.SpeakerSnippet, started: time.Now()}
		o.mu.Unlock()
	}
	o.logger.Info("session activated", "session_id", sid, "reason", reason)
	o.setPhase(PhaseListening, reason)
}

// endSession cancels any turn, discards queued audio and returns to
// Dormant.
func (o *Orchestrator) endSession(reason string) {
	o.cancelTurn(reason)
	o.stopListening()
	o.flushPlayback(reason)

	sid := o.cfg.Session.ID()
	dur, _ := o.cfg.Session.Duration()
	o.cfg.Session.Deactivate()
	o.cfg.Metrics.SetMemoryTurns(0)
	o.cfg.Metrics.ObserveEvent("session_end_" + reason)
	o.logger.Info("session ended", "session_id", sid, "reason", reason, "duration", dur)
	o.setPhase(PhaseDormant, reason)

	if reason == "exit_phrase" {
		o.cfg.Publisher.Publish(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sid, Code: "farewell", Detail: o.cfg.Farewell})
		if o.cfg.SpeakFarewell {
			o.speak(o.cfg.Farewell, turnFarewell)
		}
	}
}

func (o *Orchestrator) checkIdle() {
	if o.turn != nil || o.Phase() != PhaseListening {
		return
	}
	if o.cfg.Session.IdleExpired() {
		o.cfg.Publisher.Publish(protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: o.cfg.Session.ID(), Code: "idle_timeout"})
		o.endSession("idle_timeout")
	}
}

// listenTask is the STT session of one active session.
type listenTask struct {
	session string
	frames  chan audio.Frame
	cancel  context.CancelFunc
}

func (l *listenTask) start(o *Orchestrator) {
	if l.cancel != nil {
		l.cancel()
	}
	ctx, cancel := context.WithCancel(o.runCtx)
	l.cancel = cancel
	stream := Transcribe(ctx, o.cfg.STT, l.session, l.frames, o.cfg.QueueSize)
	go func() {
		for {
			c, ok := stream.Next(ctx)
			if !ok {
				break
			}
			o.post(transcriptEvent{session: l.session, transcript: c.Value})
		}
		o.post(sttEndedEvent{session: l.session, err: stream.Err()})
	}()
}

type transcriptEvent struct {
	session    string
	transcript Transcript
}

type sttEndedEvent struct {
	session string
	err     error
}

type sttRestartEvent struct {
	session string
}

func (o *Orchestrator) startListening(sid string) {
	frames := make(chan audio.Frame, frameQueueSize)
	o.mu.Lock()
	o.sttFrames = frames
	o.mu.Unlock()
	o.listen = &listenTask{session: sid, frames: frames}
	o.listen.start(o)
}

func (o *Orchestrator) stopListening() {
	if o.listen == nil {
		return
	}
	o.listen.cancel()
	o.listen = nil
	o.mu.Lock()
	if o.sttFrames != nil {
		close(o.sttFrames)
		o.sttFrames = nil
	}
	o.snippet = nil
	o.mu.Unlock()
}

func (o *Orchestrator) onTranscript(ev transcriptEvent) {
	sid := o.cfg.Session.ID()
	if sid == "" || ev.session != sid {
		return
	}
	o.sttFailures = 0
	o.cfg.Session.Touch()
	t := ev.transcript
	if !t.Final {
		o.cfg.Publisher.Publish(protocol.STTPartial{Type: protocol.TypeSTTPartial, SessionID: sid, Text: t.Text, Confidence: t.Confidence, TSMs: t.At.UnixMilli()})
		return
	}
	o.cfg.Publisher.Publish(protocol.STTCommitted{Type: protocol.TypeSTTCommitted, SessionID: sid, Text: t.Text, TSMs: t.At.UnixMilli()})
	o.onUtterance(t)
}

func (o *Orchestrator) onSTTEnded(ev sttEndedEvent) {
	if o.listen == nil || o.listen.session != ev.session || reliability.IsCanceled(ev.err) {
		return
	}
	o.sttFailures++
	wait := sttRetry.Delay(o.sttFailures - 1)
	if ev.err != nil {
		o.reportEngineFailure(ev.session, "stt", ev.err)
		if o.turn == nil {
			o.speak(o.cfg.Apology, turnApology)
		}
	}
	o.logger.Warn("stt session ended, restarting", "session_id", ev.session, "error", ev.err, "retry_in", wait)
	sid := ev.session
	time.AfterFunc(wait, func() { o.post(sttRestartEvent{session: sid}) })
}

func (o *Orchestrator) onUtterance(t Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" || !o.cfg.Session.Active() {
		return
	}
	redacted, _ := policy.RedactTranscript(text)
	exit := o.cfg.Session.ShouldExit(text)
	o.logger.Info("utterance", "session_id", o.cfg.Session.ID(), "text", redacted, "exit", exit)

	if o.turn != nil {
		switch {
		case o.turn.kind != turnReply:
			o.cancelTurn("utterance")
		case exit:
			o.cancelTurn("exit_phrase")
		case o.cfg.BargeIn:
			o.bargeIn()
		default:
			o.cfg.Metrics.ObserveEvent("utterance_ignored_busy")
			o.logger.Info("utterance ignored while replying", "text", redacted)
			return
		}
	}

	if exit {
		o.endSession("exit_phrase")
		return
	}
	o.dispatch(text, t.At)
}

func (o *Orchestrator) bargeIn() {
	task := o.cancelTurn("barge_in")
	if task == nil {
		return
	}
	spoken := task.spokenText()
	if spoken != "" {
		o.cfg.Session.Memory().Append(memory.NewTurn(memory.RoleAssistant, spoken))
	}
	o.cfg.Session.Interrupt()
	o.cfg.Metrics.ObserveIndicator("barge_in")
}

func (o *Orchestrator) dispatch(text string, at time.Time) {
	mem := o.cfg.Session.Memory()
	history := mem.RenderContext()
	mem.Append(memory.NewTurn(memory.RoleUser, text))
	o.cfg.Metrics.SetMemoryTurns(mem.Len())

	task := o.newTask(turnReply, at)
	o.cfg.Session.StartTurn(task.id)
	req := brain.MessageRequest{
		SessionID: o.cfg.Session.ID(),
		TurnID:    task.id,
		Speaker:   o.cfg.Session.Speaker(),
		Context:   history,
		InputText: text,
	}
	o.setPhase(PhaseThinking, "utterance")
	go o.runReply(task, req)
}

func (o *Orchestrator) onSpeaker(ev speakerEvent) {
	o.cfg.Metrics.ObserveTurnStage("speaker_identify", ev.took)
	if ev.err != nil {
		o.cfg.Metrics.ObserveSpeakerMatch("error")
		o.logger.Warn("speaker identification failed", "session_id", ev.session, "error", ev.err)
		return
	}
	result := "unknown"
	switch {
	case ev.result.Known() && ev.result.NearThreshold:
		result = "near"
	case ev.result.Known():
		result = "known"
	}
	o.cfg.Metrics.ObserveSpeakerMatch(result)
	if ev.session != o.cfg.Session.ID() {
		return
	}
	if ev.result.Known() {
		o.cfg.Session.SetSpeaker(ev.result.Name)
	}
	o.cfg.Publisher.Publish(protocol.SpeakerIdentified{
		Type:      protocol.TypeSpeakerIdentified,
		SessionID: ev.session,
		Name:      ev.result.Name,
		Score:     ev.result.Score,
		Known:     ev.result.Known(),
	})
	o.logger.Info("speaker identified", "session_id", ev.session, "name", ev.result.Name, "score", ev.result.Score)
}

func (o *Orchestrator) reportEngineFailure(sid, stageName string, err error) {
	provider := stageName
	var engineErr *reliability.EngineError
	if errors.As(err, &engineErr) {
		if engineErr.Stage != "" {
			stageName = engineErr.Stage
		}
		if engineErr.Provider != "" {
			provider = engineErr.Provider
		}
	}
	code := "engine_failure"
	if errors.Is(err, context.DeadlineExceeded) {
		code = "timeout"
	}
	o.cfg.Metrics.ObserveProviderError(provider, code)
	o.cfg.Publisher.Publish(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sid,
		Code:      code,
		Source:    stageName,
		Retryable: reliability.IsRetryable(err),
		Detail:    err.Error(),
	})
}

func (o *Orchestrator) onTurnDone(ev turnDoneEvent) {
	task := ev.task
	if task != o.turn {
		// Already settled by whoever canceled it.
		return
	}
	o.turn = nil
	sid := o.cfg.Session.ID()

	switch task.kind {
	case turnApology:
		if ev.err != nil && !reliability.IsCanceled(ev.err) {
			o.logger.Warn("apology playback failed", "error", ev.err)
		}
		if o.cfg.Session.Active() {
			o.setPhase(PhaseListening, "apology_done")
		}
		return
	case turnFarewell:
		if ev.err != nil && !reliability.IsCanceled(ev.err) {
			o.logger.Warn("farewell playback failed", "error", ev.err)
		}
		return
	}

	o.cfg.Session.EndTurn()
	switch reliability.Classify(ev.err) {
	case reliability.KindNone:
		reply := strings.TrimSpace(task.replyText())
		mem := o.cfg.Session.Memory()
		if reply != "" {
			mem.Append(memory.NewTurn(memory.RoleAssistant, reply))
		}
		o.cfg.Metrics.SetMemoryTurns(mem.Len())
		o.cfg.Metrics.ObserveTurnStage("turn_total", time.Since(task.started))
		o.cfg.Publisher.Publish(protocol.AssistantTurnEnd{Type: protocol.TypeAssistantTurnEnd, SessionID: sid, TurnID: task.id, Reason: protocol.TurnCompleted, Text: reply})
		o.setPhase(PhaseListening, "turn_complete")
	case reliability.KindCanceled:
		o.cfg.Publisher.Publish(protocol.AssistantTurnEnd{Type: protocol.TypeAssistantTurnEnd, SessionID: sid, TurnID: task.id, Reason: protocol.TurnCanceled})
		o.setPhase(PhaseListening, "turn_canceled")
	case reliability.KindDeviceUnavailable:
		o.logger.Error("playback failed", "session_id", sid, "turn_id", task.id, "error", ev.err)
		o.cfg.Publisher.Publish(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, SessionID: sid, Code: "device_unavailable", Source: "playback", Detail: ev.err.Error()})
		o.endSession("device_unavailable")
	default:
		o.logger.Warn("turn failed", "session_id", sid, "turn_id", task.id, "error", ev.err)
		o.reportEngineFailure(sid, "turn", ev.err)
		o.cfg.Publisher.Publish(protocol.AssistantTurnEnd{Type: protocol.TypeAssistantTurnEnd, SessionID: sid, TurnID: task.id, Reason: protocol.TurnFailed})
		o.setPhase(PhaseListening, "engine_failure")
		o.speak(o.cfg.Apology, turnApology)
	}
}

type turnKind string

const (
	turnReply    turnKind = "reply"
	turnApology  turnKind = "apology"
	turnFarewell turnKind = "farewell"
)

// turnTask is one reply, apology or farewell in flight.
type turnTask struct {
	id      string
	kind    turnKind
	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	started time.Time

	mu     sync.Mutex
	reply  strings.Builder
	spoken []string
}

func (t *turnTask) addText(delta string) (first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	first = t.reply.Len() == 0
	t.reply.WriteString(delta)
	return first
}

func (t *turnTask) replyText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reply.String()
}

func (t *turnTask) markSpoken(sentence string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spoken = append(t.spoken, sentence)
}

func (t *turnTask) spokenText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.spoken, " ")
}

type turnDoneEvent struct {
	task *turnTask
	err  error
}

type speakingEvent struct {
	task *turnTask
}

func (o *Orchestrator) newTask(kind turnKind, started time.Time) *turnTask {
	ctx, cancel := context.WithCancelCause(o.runCtx)
	if started.IsZero() {
		started = time.Now()
	}
	t := &turnTask{
		id:      uuid.NewString(),
		kind:    kind,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: started,
	}
	o.turn = t
	return t
}

// cancelTurn stops the turn in flight, waits (bounded) for it to stop and
// discards whatever audio it queued.
func (o *Orchestrator) cancelTurn(reason string) *turnTask {
	t := o.turn
	if t == nil {
		return nil
	}
	o.turn = nil
	t.cancel(fmt.Errorf("%w: %s", reliability.ErrCanceled, reason))
	timer := time.NewTimer(o.cfg.CancelAck)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C:
		o.logger.Warn("turn did not acknowledge cancellation", "turn_id", t.id, "kind", t.kind, "reason", reason)
	}
	o.flushPlayback(reason)
	if t.kind == turnReply {
		o.cfg.Session.EndTurn()
		end := protocol.TurnCanceled
		if reason == "barge_in" {
			end = protocol.TurnBargeIn
		}
		o.cfg.Publisher.Publish(protocol.AssistantTurnEnd{
			Type:      protocol.TypeAssistantTurnEnd,
			SessionID: o.cfg.Session.ID(),
			TurnID:    t.id,
			Reason:    end,
			Text:      t.spokenText(),
		})
	}
	o.cfg.Metrics.ObserveEvent("turn_canceled_" + reason)
	return t
}

func (o *Orchestrator) speak(text string, kind turnKind) {
	task := o.newTask(kind, time.Time{})
	go func() {
		src := stage.FromSlice(task.ctx, "text", []string{text})
		o.finish(task, o.play(task, src))
	}()
}

func (o *Orchestrator) runReply(task *turnTask, req brain.MessageRequest) {
	size := o.cfg.QueueSize
	// Only time spent waiting on the model counts against the generation
	// timeout; a long reply held back by synthesis or playback does not.
	text := stage.Budget(task.ctx, "generation", size, Generate(task.ctx, o.cfg.Brain, req, size), o.cfg.GenerationTimeout)
	observed := stage.Map(task.ctx, "observe", size, text, func(_ context.Context, delta string, out *stage.Emitter[string]) error {
		if task.addText(delta) {
			o.cfg.Metrics.ObserveTurnStage("utterance_to_first_text", time.Since(task.started))
		}
		o.cfg.Publisher.Publish(protocol.AssistantTextDelta{Type: protocol.TypeAssistantTextDelta, SessionID: req.SessionID, TurnID: task.id, TextDelta: delta})
		return out.Emit(delta)
	}, nil)
	o.finish(task, o.play(task, Sentences(task.ctx, size, observed)))
}

// play synthesizes sentences and plays them in order.
func (o *Orchestrator) play(task *turnTask, sentences *stage.Stream[string]) error {
	speech := Speech(task.ctx, o.cfg.TTS, sentences, o.cfg.QueueSize, SpeechOptions{
		Voice:          o.cfg.Voice,
		Inflight:       o.cfg.TTSInflight,
		SegmentTimeout: o.cfg.SegmentTimeout,
		OnSegment: func(seq uint64, _ string) {
			if seq != 1 {
				return
			}
			select {
			case o.events <- speakingEvent{task: task}:
			case <-task.ctx.Done():
			}
		},
	})
	defer speech.Stop()

	var segment uint64
	for {
		c, ok := speech.Next(task.ctx)
		if !ok {
			break
		}
		if segment == 0 {
			o.cfg.Metrics.ObserveFirstAudioLatency(time.Since(task.started))
		}
		if c.Value.Segment != segment {
			segment = c.Value.Segment
			task.markSpoken(c.Value.Sentence)
		}
		if err := o.cfg.Sink.Play(task.ctx, c.Value.Audio); err != nil {
			if task.ctx.Err() != nil {
				return fmt.Errorf("playback: %w", reliability.ErrCanceled)
			}
			return reliability.Device("playback", err)
		}
	}
	if err := speech.Err(); err != nil {
		return err
	}
	if err := o.cfg.Sink.Drain(task.ctx); err != nil {
		if task.ctx.Err() != nil {
			return fmt.Errorf("playback drain: %w", reliability.ErrCanceled)
		}
		return reliability.Device("playback drain", err)
	}
	return nil
}

// finish acknowledges the turn. A canceled turn discards its queued audio
// before acknowledging.
func (o *Orchestrator) finish(task *turnTask, err error) {
	if task.ctx.Err() != nil {
		o.flushPlayback("turn_" + string(task.kind) + "_stopped")
	}
	close(task.done)
	task.cancel(nil)
	o.post(turnDoneEvent{task: task, err: err})
}

// flushPlayback discards queued audio. A failed flush may leave audio
// playing after the session ends, so it is logged and counted.
func (o *Orchestrator) flushPlayback(reason string) {
	if err := o.cfg.Sink.Flush(); err != nil {
		o.cfg.Metrics.ObserveEvent("playback_flush_failed")
		o.logger.Warn("playback flush failed", "session_id", o.cfg.Session.ID(), "reason", reason, "error", err)
	}
}

// snippetCollector accumulates the first audio of a session for speaker
// identification.
type snippetCollector struct {
	session string
	want    time.Duration
	started time.Time
	samples []int16
	rate    int
}

func (c *snippetCollector) add(f audio.Frame) bool {
	if len(f.Samples) == 0 || f.SampleRate <= 0 {
		return false
	}
	if c.rate == 0 {
		c.rate = f.SampleRate
	}
	samples := f.Samples
	if f.SampleRate != c.rate {
		samples = audio.Resample(samples, f.SampleRate, c.rate)
	}
	c.samples = append(c.samples, samples...)
	return audio.SamplesDuration(len(c.samples), c.rate) >= c.want
}

type speakerEvent struct {
	session string
	result  speaker.MatchResult
	err     error
	took    time.Duration
}

func (o *Orchestrator) identify(ctx context.Context, c *snippetCollector) {
	start := time.Now()
	result, _, err := o.cfg.Speakers.IdentifyAudio(ctx, c.samples, c.rate)
	o.post(speakerEvent{session: c.session, result: result, err: err, took: time.Since(start)})
}
