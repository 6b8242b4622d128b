// Package webrtc runs the mobile side of media negotiation: it answers the
// web client's offer over the signaling channel and keeps remote ICE
// candidates queued until the remote description is known.
package webrtc

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/handlebauer/snippets-mobile-sub001/internal/signal"
)

// Transport is the narrow surface of the media transport the negotiator
// drives. The production implementation wraps a pion PeerConnection.
type Transport interface {
	CreateAnswer() (signal.SessionDescription, error)
	SetLocalDescription(sd signal.SessionDescription) error
	SetRemoteDescription(sd signal.SessionDescription) error
	RemoteDescriptionSet() bool
	AddICECandidate(c signal.ICECandidateInit) error
	OnICECandidate(fn func(c signal.ICECandidateInit))
	OnTrack(fn func(streamURL string))
	Close() error
}

// SendSignalFunc broadcasts a signal to the remote peer.
type SendSignalFunc func(sig *signal.WebRTCSignal) error

// Negotiator owns one media transport and its remote candidate queue.
//
// Candidates are queued only while the remote description is unset. The
// queue is drained exactly once, in arrival order, immediately after the
// remote description is set, and stays empty afterwards.
type Negotiator struct {
	transport Transport
	send      SendSignalFunc
	logger    zerolog.Logger

	mu      sync.Mutex
	pending []signal.ICECandidateInit
	closed  bool
}

// NewNegotiator returns a negotiator around an already-constructed transport.
func NewNegotiator(transport Transport, send SendSignalFunc, logger *zerolog.Logger) *Negotiator {
	return &Negotiator{
		transport: transport,
		send:      send,
		logger:    logger.With().Str("component", "negotiator").Logger(),
	}
}

// Attach wires the transport's reactive hooks and returns the handler for
// inbound signal broadcasts. onStreamURL fires when the first remote stream
// becomes playable; onFatal fires when answering fails in a way that ends
// the pairing attempt.
func (n *Negotiator) Attach(onStreamURL func(streamURL string), onFatal func(err error)) func(payload []byte) {
	n.transport.OnTrack(onStreamURL)

	// Local candidates are never queued; they go out as soon as they are
	// discovered. Only remote candidates wait for the remote description.
	n.transport.OnICECandidate(func(c signal.ICECandidateInit) {
		err := n.send(&signal.WebRTCSignal{
			Type:    signal.TypeICECandidate,
			Payload: signal.WebRTCPayload{Candidate: &c},
		})
		if err != nil {
			n.logger.Warn().Err(err).Msg("could not send local candidate")
			return
		}
		n.logger.Debug().Msg("sent local candidate")
	})

	return func(payload []byte) {
		sig, err := signal.DecodeWebRTC(payload)
		if err != nil {
			n.logger.Warn().Err(err).Msg("dropping malformed signal")
			return
		}
		switch sig.Type {
		case signal.TypeOffer:
			if err := n.handleOffer(sig.Payload.Offer); err != nil {
				n.logger.Err(err).Msg("could not answer offer")
				onFatal(err)
			}
		case signal.TypeICECandidate:
			n.handleCandidate(sig.Payload.Candidate)
		default:
			n.logger.Warn().Str("type", sig.Type).Msg("dropping unexpected signal")
		}
	}
}

// handleOffer sets the remote description, drains the candidate queue, then
// answers. A second offer while the remote description is already set is
// dropped so the queue cannot be drained twice.
func (n *Negotiator) handleOffer(offer *signal.SessionDescription) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	if n.transport.RemoteDescriptionSet() {
		n.mu.Unlock()
		n.logger.Warn().Msg("dropping duplicate offer")
		return nil
	}

	if err := n.transport.SetRemoteDescription(*offer); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("could not set remote description: %w", err)
	}

	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		if err := n.transport.AddICECandidate(c); err != nil {
			n.logger.Warn().Err(err).Msg("could not apply queued candidate")
		}
	}
	n.mu.Unlock()
	if len(pending) > 0 {
		n.logger.Debug().Int("count", len(pending)).Msg("drained candidate queue")
	}

	answer, err := n.transport.CreateAnswer()
	if err != nil {
		return fmt.Errorf("could not create answer: %w", err)
	}
	if err := n.transport.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("could not set local description: %w", err)
	}
	if err := n.send(&signal.WebRTCSignal{
		Type:    signal.TypeAnswer,
		Payload: signal.WebRTCPayload{Answer: &answer},
	}); err != nil {
		return fmt.Errorf("could not send answer: %w", err)
	}
	n.logger.Info().Msg("sent answer")
	return nil
}

func (n *Negotiator) handleCandidate(c *signal.ICECandidateInit) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if !n.transport.RemoteDescriptionSet() {
		n.pending = append(n.pending, *c)
		n.logger.Debug().Int("queued", len(n.pending)).Msg("queued remote candidate")
		return
	}
	if err := n.transport.AddICECandidate(*c); err != nil {
		n.logger.Warn().Err(err).Msg("could not apply remote candidate")
		return
	}
	n.logger.Debug().Msg("applied remote candidate")
}

// PendingCandidates returns the number of queued remote candidates.
func (n *Negotiator) PendingCandidates() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Close closes the transport and clears the queue. Safe to call repeatedly.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.pending = nil
	n.mu.Unlock()

	if err := n.transport.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("could not close transport")
	}
}
