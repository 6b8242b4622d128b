// Package session orchestrates one pairing lifetime: code generation,
// registry insert, channel opening, media negotiation and teardown, exposing
// a single observable state snapshot along the way.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/handlebauer/snippets-mobile-sub001/internal/channel"
	"github.com/handlebauer/snippets-mobile-sub001/internal/control"
	"github.com/handlebauer/snippets-mobile-sub001/internal/paircode"
	"github.com/handlebauer/snippets-mobile-sub001/internal/registry"
	"github.com/handlebauer/snippets-mobile-sub001/internal/relay"
	"github.com/handlebauer/snippets-mobile-sub001/internal/signal"
	"github.com/handlebauer/snippets-mobile-sub001/internal/webrtc"
)

var (
	// ErrSessionActive reports a Start while a session is already running.
	ErrSessionActive = errors.New("session: session already active")

	// ErrNoSession reports an operation that needs a running session.
	ErrNoSession = errors.New("session: no active session")

	// ErrInvalidCode reports a caller-supplied code with the wrong shape.
	ErrInvalidCode = errors.New("session: invalid pairing code")

	// ErrWrongKind reports an operation not available for the session kind.
	ErrWrongKind = errors.New("session: operation not available for this session type")
)

// TransportFactory builds a fresh media transport per pairing attempt.
type TransportFactory func() (webrtc.Transport, error)

// Orchestrator drives the session lifecycle. All exported methods are safe
// for concurrent use.
type Orchestrator struct {
	config       ConfigOptions
	reg          registry.Registry
	client       relay.Client
	newTransport TransportFactory
	logger       zerolog.Logger

	mu         sync.Mutex
	active     bool
	kind       Kind
	state      State
	handle     *channel.Handle
	mux        *control.Multiplexer
	negotiator *webrtc.Negotiator
	removeSig  func()
}

// New returns an idle orchestrator.
func New(config ConfigOptions, reg registry.Registry, client relay.Client, newTransport TransportFactory, logger *zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		config:       config,
		reg:          reg,
		client:       client,
		newTransport: newTransport,
		logger:       logger.With().Str("component", "session").Logger(),
	}
}

// Start runs the pairing sequence for the given kind. When code is empty a
// fresh one is generated; a supplied code must have the generated shape.
// On failure the session is torn back down and the error is kept in the
// state snapshot until Cleanup.
func (o *Orchestrator) Start(ctx context.Context, kind Kind, code string) error {
	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return ErrSessionActive
	}
	o.active = true
	o.kind = kind
	o.mu.Unlock()

	if err := o.start(ctx, kind, code); err != nil {
		o.mu.Lock()
		o.active = false
		o.state = State{Error: err.Error()}
		o.mu.Unlock()
		return err
	}
	return nil
}

func (o *Orchestrator) start(ctx context.Context, kind Kind, code string) error {
	if code == "" {
		code = paircode.Generate()
	} else if !paircode.Valid(code) {
		return fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	logger := o.logger.With().Str("code", code).Str("type", kind.String()).Logger()

	o.setState(State{
		IsPairing:     true,
		SessionCode:   code,
		SessionType:   kind.String(),
		StatusMessage: "Waiting for web client...",
	})

	err := o.reg.Create(ctx, &registry.Session{
		Code:      code,
		OwnerID:   o.config.OwnerID,
		Type:      kind.registryType(),
		Status:    registry.StatusRecording,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("could not register session: %w", err)
	}
	logger.Info().Msg("registered session")

	hooks := channel.Hooks{Broadcast: map[string]relay.BroadcastHandler{
		signal.EventVideoProcessing: control.VideoProcessing(&logger, o.handleVideoProcessing),
	}}
	handle, err := channel.Open(ctx, o.client, kind.channelName(code), code, o.config.OwnerID,
		hooks, channel.ConfigOptions{PresenceTimeout: o.config.PresenceTimeout}, &logger)
	if err != nil {
		o.markStopped(code, &logger)
		return fmt.Errorf("could not open channel: %w", err)
	}

	mux := control.New(handle, &logger)

	var negotiator *webrtc.Negotiator
	var removeSig func()
	if kind == ScreenRecording {
		transport, err := o.newTransport()
		if err != nil {
			handle.Close()
			o.markStopped(code, &logger)
			return fmt.Errorf("could not create media transport: %w", err)
		}
		negotiator = webrtc.NewNegotiator(transport, func(sig *signal.WebRTCSignal) error {
			return handle.Send(signal.EventSignal, sig)
		}, &logger)
		removeSig = handle.OnBroadcast(signal.EventSignal, negotiator.Attach(o.handleStreamURL, o.handleFatal))
	}

	o.mu.Lock()
	o.handle = handle
	o.mux = mux
	o.negotiator = negotiator
	o.removeSig = removeSig
	o.state.IsPairing = false
	o.state.StatusMessage = "Web client connected"
	o.mu.Unlock()

	if err := mux.AnnounceSessionType(kind.String()); err != nil {
		logger.Warn().Err(err).Msg("could not announce session type")
	}
	logger.Info().Msg("session paired")
	return nil
}

// ToggleRecording broadcasts a recording toggle to the web peer.
func (o *Orchestrator) ToggleRecording(action string) error {
	if action != signal.ActionStart && action != signal.ActionStop {
		return fmt.Errorf("unknown recording action %q", action)
	}
	mux, err := o.activeMux()
	if err != nil {
		return err
	}
	return mux.SendRecording(action)
}

// SendEditorBatch forwards one window of editor events. Only valid for
// code editor sessions.
func (o *Orchestrator) SendEditorBatch(batch *signal.EditorBatch) error {
	o.mu.Lock()
	if !o.active || o.mux == nil {
		o.mu.Unlock()
		return ErrNoSession
	}
	if o.kind != CodeEditor {
		o.mu.Unlock()
		return ErrWrongKind
	}
	mux := o.mux
	o.mu.Unlock()

	if err := mux.SendEditorBatch(batch); err != nil {
		return err
	}

	o.mu.Lock()
	o.state.LastEditorEventTime = batch.TimestampEnd
	o.state.EditorEventCount += len(batch.Events)
	o.mu.Unlock()
	return nil
}

// StartEditorRecording marks the start of an editor recording window.
func (o *Orchestrator) StartEditorRecording(mark signal.EditorRecordingMark) error {
	mux, err := o.activeMux()
	if err != nil {
		return err
	}
	return mux.SendEditorRecordingStarted(mark)
}

// FinishEditorRecording marks the end of an editor recording window.
func (o *Orchestrator) FinishEditorRecording(mark signal.EditorRecordingMark) error {
	mux, err := o.activeMux()
	if err != nil {
		return err
	}
	return mux.SendEditorRecordingFinished(mark)
}

// State returns a snapshot of the current session state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	if s.VideoProcessing != nil {
		vp := *s.VideoProcessing
		s.VideoProcessing = &vp
	}
	return s
}

// Cleanup tears the session down: handlers detached, transport closed,
// channel released, registry row marked stopped, state reset. Every step is
// best-effort and calling Cleanup repeatedly or while idle has no effect.
func (o *Orchestrator) Cleanup(ctx context.Context) {
	o.mu.Lock()
	handle := o.handle
	mux := o.mux
	negotiator := o.negotiator
	removeSig := o.removeSig
	code := o.state.SessionCode
	wasActive := o.active
	o.handle = nil
	o.mux = nil
	o.negotiator = nil
	o.removeSig = nil
	o.active = false
	o.state = State{}
	o.mu.Unlock()

	if !wasActive && handle == nil {
		return
	}

	if removeSig != nil {
		removeSig()
	}
	if mux != nil {
		mux.DetachAll()
	}
	if negotiator != nil {
		negotiator.Close()
	}
	if handle != nil {
		handle.Close()
	}
	if code != "" {
		logger := o.logger.With().Str("code", code).Logger()
		o.markStopped(code, &logger)
	}
	o.logger.Info().Msg("session cleaned up")
}

func (o *Orchestrator) activeMux() (*control.Multiplexer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active || o.mux == nil {
		return nil, ErrNoSession
	}
	return o.mux, nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// markStopped flips the registry row to stopped so the code cannot be used
// to join a dead session. Failures are logged, never surfaced.
func (o *Orchestrator) markStopped(code string, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.reg.UpdateStatus(ctx, code, registry.StatusStopped); err != nil {
		logger.Warn().Err(err).Msg("could not mark session stopped")
	}
}

func (o *Orchestrator) handleStreamURL(streamURL string) {
	o.mu.Lock()
	o.state.StreamURL = streamURL
	o.state.StatusMessage = "Streaming"
	o.mu.Unlock()
	o.logger.Info().Str("stream_url", streamURL).Msg("remote stream ready")
}

func (o *Orchestrator) handleFatal(err error) {
	o.mu.Lock()
	o.state.Error = err.Error()
	o.mu.Unlock()
}

func (o *Orchestrator) handleVideoProcessing(sig *signal.VideoProcessingSignal) {
	o.mu.Lock()
	vp := *sig
	o.state.VideoProcessing = &vp
	o.state.IsPairing = false
	o.mu.Unlock()
	o.logger.Info().Str("status", sig.Status).Str("video_id", sig.VideoID).Msg("video processing update")
}
