package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/handlebauer/snippets-mobile-sub001/internal/pkg/pionlog"
	"github.com/handlebauer/snippets-mobile-sub001/internal/signal"
)

const (
	defaultICEServer = "stun:stun.l.google.com:19302"

	rtcpPLIInterval = time.Second * 3
)

// ConfigOptions is config options for the pion media transport.
type ConfigOptions struct {
	ICEServer     string `json:"ice_server"`
	ICEUsername   string `json:"ice_username"`
	ICECredential string `json:"ice_credential"`
}

// PionTransport implements Transport on a pion PeerConnection that receives
// one remote video track.
type PionTransport struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu        sync.Mutex
	onTrack   func(streamURL string)
	closeOnce sync.Once
	done      chan struct{}
}

// NewPionTransport builds a PeerConnection wired to receive a single video
// track. pion's internal logging is routed into the given zerolog logger.
func NewPionTransport(config ConfigOptions, logger *zerolog.Logger) (*PionTransport, error) {
	scoped := logger.With().Str("component", "transport").Logger()

	if config.ICEServer == "" {
		config.ICEServer = defaultICEServer
	}
	iceServer := webrtc.ICEServer{URLs: []string{config.ICEServer}}
	if config.ICEUsername != "" {
		iceServer.Username = config.ICEUsername
		iceServer.Credential = config.ICECredential
	}

	settingEngine := webrtc.SettingEngine{LoggerFactory: pionlog.Factory(&scoped)}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{iceServer},
	})
	if err != nil {
		return nil, fmt.Errorf("could not create PeerConnection: %w", err)
	}

	// Receive exactly one video track from the remote peer.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("could not add transceiver from kind: %w", err)
	}

	t := &PionTransport{
		pc:     pc,
		logger: scoped,
		done:   make(chan struct{}),
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.logger.Debug().Str("state", state.String()).Msg("ICE connection state has changed")
		if state == webrtc.ICEConnectionStateFailed {
			t.logger.Error().Msg("ICE connection failed")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.logger.Info().
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track started")

		go t.sendPLI(track)
		go t.drainTrack(track)

		t.mu.Lock()
		fn := t.onTrack
		t.mu.Unlock()
		if fn != nil {
			fn("stream:" + track.StreamID())
		}
	})

	return t, nil
}

// CreateAnswer creates the local answer for the current remote offer.
func (t *PionTransport) CreateAnswer() (signal.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signal.SessionDescription{}, fmt.Errorf("could not create answer: %w", err)
	}
	return signal.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetLocalDescription applies the local session description and starts ICE
// gathering. Local candidates trickle out through OnICECandidate.
func (t *PionTransport) SetLocalDescription(sd signal.SessionDescription) error {
	return t.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
}

// SetRemoteDescription applies the remote session description.
func (t *PionTransport) SetRemoteDescription(sd signal.SessionDescription) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
}

// RemoteDescriptionSet reports whether a remote description has been applied.
func (t *PionTransport) RemoteDescriptionSet() bool {
	return t.pc.RemoteDescription() != nil
}

// AddICECandidate applies one remote ICE candidate.
func (t *PionTransport) AddICECandidate(c signal.ICECandidateInit) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// OnICECandidate registers the handler for locally gathered candidates.
// The end-of-gathering nil candidate is swallowed.
func (t *PionTransport) OnICECandidate(fn func(c signal.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			t.logger.Debug().Msg("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		fn(signal.ICECandidateInit{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

// OnTrack registers the handler invoked with a playable stream URL when the
// remote video track starts.
func (t *PionTransport) OnTrack(fn func(streamURL string)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

// Close tears down the PeerConnection and stops the RTCP loops.
func (t *PionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.pc.Close()
	})
	return err
}

// sendPLI asks the sender for a keyframe every rtcpPLIInterval so a viewer
// joining mid-stream does not wait on the next natural keyframe.
func (t *PionTransport) sendPLI(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(rtcpPLIInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			err := t.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				t.logger.Warn().Err(err).Msg("could not send PLI")
				return
			}
		}
	}
}

// drainTrack keeps reading the remote track so the interceptor chain runs.
// The decoded media itself is consumed by the platform player via the
// stream URL, not here.
func (t *PionTransport) drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug().Err(err).Msg("remote track read ended")
			}
			return
		}
	}
}
