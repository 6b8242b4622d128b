// Package control multiplexes non-media session signals over an open
// channel: session type announcements, recording toggles, editor event
// batches and video processing updates.
package control

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/handlebauer/snippets-mobile-sub001/internal/relay"
	"github.com/handlebauer/snippets-mobile-sub001/internal/signal"
)

// Channel is the slice of an open session channel the multiplexer needs.
type Channel interface {
	Send(event string, payload any) error
	OnBroadcast(event string, fn relay.BroadcastHandler) (remove func())
}

// Multiplexer sends and receives control signals on one session channel.
// Inbound payloads are validated at attach time; malformed ones are logged
// and dropped without reaching the handler.
type Multiplexer struct {
	ch     Channel
	logger zerolog.Logger

	mu       sync.Mutex
	removers []func()
}

// New returns a multiplexer over an open channel.
func New(ch Channel, logger *zerolog.Logger) *Multiplexer {
	return &Multiplexer{
		ch:     ch,
		logger: logger.With().Str("component", "control").Logger(),
	}
}

// AnnounceSessionType tells the web peer which session flow to run.
func (m *Multiplexer) AnnounceSessionType(sessionType string) error {
	return m.ch.Send(signal.EventSessionType, signal.SessionTypeSignal{Type: sessionType})
}

// SendRecording broadcasts a recording toggle. The signal is advisory; the
// receiving side decides what to do with it.
func (m *Multiplexer) SendRecording(action string) error {
	return m.ch.Send(signal.EventRecording, signal.RecordingSignal{
		Type:   signal.EventRecording,
		Action: action,
	})
}

// SendEditorBatch broadcasts one window of editor events.
func (m *Multiplexer) SendEditorBatch(batch *signal.EditorBatch) error {
	return m.ch.Send(signal.EventEditorBatch, batch)
}

// SendEditorRecordingStarted marks the start of an editor recording with a
// content snapshot.
func (m *Multiplexer) SendEditorRecordingStarted(mark signal.EditorRecordingMark) error {
	return m.ch.Send(signal.EventEditorRecordingStarted, mark)
}

// SendEditorRecordingFinished marks the end of an editor recording.
func (m *Multiplexer) SendEditorRecordingFinished(mark signal.EditorRecordingMark) error {
	return m.ch.Send(signal.EventEditorRecordingFinished, mark)
}

// OnRecording attaches a handler for inbound recording toggles and returns
// its detach function.
func (m *Multiplexer) OnRecording(fn func(sig *signal.RecordingSignal)) (detach func()) {
	return m.attach(signal.EventRecording, func(payload []byte) {
		sig, err := signal.DecodeRecording(payload)
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping malformed recording signal")
			return
		}
		fn(sig)
	})
}

// OnEditorBatch attaches a handler for inbound editor batches and returns
// its detach function.
func (m *Multiplexer) OnEditorBatch(fn func(batch *signal.EditorBatch)) (detach func()) {
	return m.attach(signal.EventEditorBatch, func(payload []byte) {
		batch, err := signal.DecodeEditorBatch(payload)
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping malformed editor batch")
			return
		}
		fn(batch)
	})
}

// DetachAll removes every handler attached through this multiplexer.
func (m *Multiplexer) DetachAll() {
	m.mu.Lock()
	removers := m.removers
	m.removers = nil
	m.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
}

func (m *Multiplexer) attach(event string, fn relay.BroadcastHandler) func() {
	remove := m.ch.OnBroadcast(event, fn)
	m.mu.Lock()
	m.removers = append(m.removers, remove)
	m.mu.Unlock()
	return remove
}

// VideoProcessing validates video processing payloads before handing them to
// fn. It is a plain broadcast handler so it can be registered as a pre-open
// hook, before the channel subscription exists.
func VideoProcessing(logger *zerolog.Logger, fn func(sig *signal.VideoProcessingSignal)) relay.BroadcastHandler {
	return func(payload []byte) {
		sig, err := signal.DecodeVideoProcessing(payload)
		if err != nil {
			logger.Warn().Err(err).Msg("dropping malformed video processing signal")
			return
		}
		fn(sig)
	}
}
