package session

import (
	"fmt"

	"github.com/handlebauer/snippets-mobile-sub001/internal/registry"
	"github.com/handlebauer/snippets-mobile-sub001/internal/signal"
)

// Kind selects which pairing flow a session runs.
type Kind int

const (
	// ScreenRecording streams the device screen to the web client.
	ScreenRecording Kind = iota
	// CodeEditor forwards editor events to the web client.
	CodeEditor
)

// KindFromString parses the wire form of a session kind.
func KindFromString(s string) (Kind, error) {
	switch s {
	case string(registry.TypeScreenRecording):
		return ScreenRecording, nil
	case string(registry.TypeCodeEditor):
		return CodeEditor, nil
	default:
		return 0, fmt.Errorf("unknown session type %q", s)
	}
}

func (k Kind) String() string {
	if k == CodeEditor {
		return string(registry.TypeCodeEditor)
	}
	return string(registry.TypeScreenRecording)
}

// channelName returns the realtime channel name for a pairing code.
// Screen recording sessions and editor sessions live in separate namespaces.
func (k Kind) channelName(code string) string {
	if k == CodeEditor {
		return "session:" + code
	}
	return "webrtc:" + code
}

func (k Kind) registryType() registry.SessionType {
	if k == CodeEditor {
		return registry.TypeCodeEditor
	}
	return registry.TypeScreenRecording
}

// State is the observable snapshot of one session, shaped for the UI layer.
type State struct {
	IsPairing           bool                          `json:"isPairing"`
	SessionCode         string                        `json:"sessionCode"`
	Error               string                        `json:"error,omitempty"`
	StreamURL           string                        `json:"streamUrl,omitempty"`
	StatusMessage       string                        `json:"statusMessage,omitempty"`
	SessionType         string                        `json:"sessionType,omitempty"`
	VideoProcessing     *signal.VideoProcessingSignal `json:"videoProcessing,omitempty"`
	LastEditorEventTime int64                         `json:"lastEditorEventTime,omitempty"`
	EditorEventCount    int                           `json:"editorEventCount"`
}
