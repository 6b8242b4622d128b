// Package signal defines the JSON payloads exchanged over a session's
// realtime channel and the decode step applied at the channel boundary.
// Validation lives here so individual handlers never have to re-check
// payload shapes.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Broadcast event names shared by the mobile and web clients.
const (
	EventSignal                  = "signal"
	EventSessionType             = "session_type"
	EventRecording               = "recording"
	EventEditorBatch             = "editor_batch"
	EventEditorRecordingStarted  = "editor_recording_started"
	EventEditorRecordingFinished = "editor_recording_finished"
	EventVideoProcessing         = "video_processing"
)

// WebRTC signal types.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Recording actions.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Video processing statuses.
const (
	ProcessingStatusProcessing = "processing"
	ProcessingStatusCompleted  = "completed"
	ProcessingStatusError      = "error"
)

// ErrMalformed reports a payload that does not decode into a valid signal.
// Malformed signals are dropped by the receiver, never fatal to the session.
var ErrMalformed = errors.New("malformed signal payload")

// SessionDescription mirrors the browser's RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidateInit mirrors the browser's RTCIceCandidateInit.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// WebRTCPayload carries exactly one of offer, answer or candidate,
// selected by the enclosing signal's type.
type WebRTCPayload struct {
	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *ICECandidateInit   `json:"candidate,omitempty"`
}

// WebRTCSignal is the envelope for media negotiation messages.
type WebRTCSignal struct {
	Type    string        `json:"type"`
	Payload WebRTCPayload `json:"payload"`
}

// SessionTypeSignal announces the session type once pairing succeeds.
type SessionTypeSignal struct {
	Type string `json:"type"`
}

// RecordingSignal toggles recording on the receiving side. Advisory only.
type RecordingSignal struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// EditorEvent is a single text-edit operation.
type EditorEvent struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	From      int            `json:"from"`
	To        int            `json:"to"`
	Text      string         `json:"text"`
	Removed   string         `json:"removed,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EditorBatch groups editor events captured over one window.
type EditorBatch struct {
	TimestampStart int64         `json:"timestamp_start"`
	TimestampEnd   int64         `json:"timestamp_end"`
	Events         []EditorEvent `json:"events"`
}

// EditorRecordingMark brackets an editor recording window with a
// timestamped content snapshot.
type EditorRecordingMark struct {
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content"`
}

// VideoProcessingSignal is the out-of-band notification from server-side
// video processing.
type VideoProcessingSignal struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	VideoID string `json:"videoId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DecodeWebRTC decodes and validates a media negotiation signal.
func DecodeWebRTC(data []byte) (*WebRTCSignal, error) {
	var sig WebRTCSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch sig.Type {
	case TypeOffer:
		if sig.Payload.Offer == nil || sig.Payload.Offer.SDP == "" || sig.Payload.Offer.Type == "" {
			return nil, fmt.Errorf("%w: offer missing sdp or type", ErrMalformed)
		}
	case TypeAnswer:
		if sig.Payload.Answer == nil || sig.Payload.Answer.SDP == "" || sig.Payload.Answer.Type == "" {
			return nil, fmt.Errorf("%w: answer missing sdp or type", ErrMalformed)
		}
	case TypeICECandidate:
		if sig.Payload.Candidate == nil || sig.Payload.Candidate.Candidate == "" {
			return nil, fmt.Errorf("%w: candidate missing", ErrMalformed)
		}
	default:
		return nil, fmt.Errorf("%w: unknown signal type %q", ErrMalformed, sig.Type)
	}
	return &sig, nil
}

// DecodeRecording decodes and validates a recording control signal.
func DecodeRecording(data []byte) (*RecordingSignal, error) {
	var sig RecordingSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if sig.Action != ActionStart && sig.Action != ActionStop {
		return nil, fmt.Errorf("%w: unknown recording action %q", ErrMalformed, sig.Action)
	}
	return &sig, nil
}

// DecodeEditorBatch decodes a batch of editor events.
func DecodeEditorBatch(data []byte) (*EditorBatch, error) {
	var batch EditorBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if batch.Events == nil {
		return nil, fmt.Errorf("%w: editor batch missing events", ErrMalformed)
	}
	return &batch, nil
}

// DecodeVideoProcessing decodes and validates a video processing signal.
func DecodeVideoProcessing(data []byte) (*VideoProcessingSignal, error) {
	var sig VideoProcessingSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch sig.Status {
	case ProcessingStatusProcessing, ProcessingStatusCompleted, ProcessingStatusError:
	default:
		return nil, fmt.Errorf("%w: unknown processing status %q", ErrMalformed, sig.Status)
	}
	return &sig, nil
}
