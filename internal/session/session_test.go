package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/handlebauer/snippets-mobile-sub001/internal/registry"
	"github.com/handlebauer/snippets-mobile-sub001/internal/relay"
	"github.com/handlebauer/snippets-mobile-sub001/internal/relay/relaytest"
	"github.com/handlebauer/snippets-mobile-sub001/internal/signal"
	"github.com/handlebauer/snippets-mobile-sub001/internal/webrtc"
)

const (
	testTimeout = 2 * time.Second
	testCode    = "AB23CD"
)

type fakeRegistry struct {
	mu        sync.Mutex
	createErr error
	created   []*registry.Session
	statuses  map[string]registry.Status
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{statuses: make(map[string]registry.Status)}
}

func (r *fakeRegistry) Create(_ context.Context, s *registry.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	copied := *s
	r.created = append(r.created, &copied)
	r.statuses[s.Code] = s.Status
	return nil
}

func (r *fakeRegistry) UpdateStatus(_ context.Context, code string, status registry.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.statuses[code]; !ok {
		return registry.ErrNotFound
	}
	r.statuses[code] = status
	return nil
}

func (r *fakeRegistry) Get(_ context.Context, code string) (*registry.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.created {
		if s.Code == code {
			copied := *s
			copied.Status = r.statuses[code]
			return &copied, nil
		}
	}
	return nil, registry.ErrNotFound
}

func (r *fakeRegistry) status(code string) registry.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[code]
}

type fakeTransport struct {
	mu          sync.Mutex
	remoteSet   bool
	added       []signal.ICECandidateInit
	onCandidate func(c signal.ICECandidateInit)
	onTrack     func(streamURL string)
	closed      int
}

func (f *fakeTransport) CreateAnswer() (signal.SessionDescription, error) {
	return signal.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(signal.SessionDescription) error { return nil }

func (f *fakeTransport) SetRemoteDescription(signal.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteSet = true
	return nil
}

func (f *fakeTransport) RemoteDescriptionSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteSet
}

func (f *fakeTransport) AddICECandidate(c signal.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, c)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(c signal.ICECandidateInit)) { f.onCandidate = fn }

func (f *fakeTransport) OnTrack(fn func(streamURL string)) { f.onTrack = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) candidates() []signal.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signal.ICECandidateInit(nil), f.added...)
}

type fixture struct {
	orch      *Orchestrator
	client    *relaytest.Client
	reg       *fakeRegistry
	transport *fakeTransport
}

func newFixture(config ConfigOptions) *fixture {
	logger := zerolog.Nop()
	f := &fixture{
		client:    relaytest.NewClient(),
		reg:       newFakeRegistry(),
		transport: &fakeTransport{},
	}
	if config.OwnerID == "" {
		config.OwnerID = "user-1"
	}
	f.orch = New(config, f.reg, f.client, func() (webrtc.Transport, error) {
		return f.transport, nil
	}, &logger)
	return f
}

// pair runs Start in the background and joins the web peer once the channel
// exists, returning the channel and Start's result.
func (f *fixture) pair(t *testing.T, kind Kind) *relaytest.Channel {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.orch.Start(context.Background(), kind, testCode) }()

	ch := f.client.WaitChannel(kind.channelName(testCode), testTimeout)
	if ch == nil {
		t.Fatal("channel was never created")
	}
	ch.Join("web-user", relay.PresenceMeta{ClientType: "web"})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start failed: %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("start did not resolve")
	}
	return ch
}

func webRTCJSON(t *testing.T, sig signal.WebRTCSignal) []byte {
	t.Helper()
	data, err := json.Marshal(sig)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestStartScreenRecordingPairs(t *testing.T) {
	f := newFixture(ConfigOptions{})
	ch := f.pair(t, ScreenRecording)

	if ch.Name != "webrtc:"+testCode {
		t.Fatalf("channel name is incorrect: %s", ch.Name)
	}

	if len(f.reg.created) != 1 {
		t.Fatalf("registry row count is incorrect, got %d", len(f.reg.created))
	}
	row := f.reg.created[0]
	if row.Code != testCode || row.OwnerID != "user-1" || row.Type != registry.TypeScreenRecording || row.Status != registry.StatusRecording {
		t.Fatalf("registry row is incorrect: %+v", row)
	}

	state := f.orch.State()
	if state.IsPairing || state.SessionCode != testCode || state.Error != "" {
		t.Fatalf("state is incorrect: %+v", state)
	}
	if state.SessionType != "screen_recording" {
		t.Fatalf("session type is incorrect: %+v", state)
	}

	announced := ch.SentFor(signal.EventSessionType)
	if len(announced) != 1 {
		t.Fatalf("session type announcement count is incorrect: %d", len(announced))
	}
	var sig signal.SessionTypeSignal
	if err := json.Unmarshal(announced[0].Payload, &sig); err != nil {
		t.Fatal(err)
	}
	if sig.Type != "screen_recording" {
		t.Fatalf("announced type is incorrect: %+v", sig)
	}
}

func TestNegotiationOverChannel(t *testing.T) {
	f := newFixture(ConfigOptions{})
	ch := f.pair(t, ScreenRecording)

	// Candidates before the offer queue; the offer drains them in order.
	ch.Broadcast(signal.EventSignal, webRTCJSON(t, signal.WebRTCSignal{
		Type:    signal.TypeICECandidate,
		Payload: signal.WebRTCPayload{Candidate: &signal.ICECandidateInit{Candidate: "candidate-1"}},
	}))
	ch.Broadcast(signal.EventSignal, webRTCJSON(t, signal.WebRTCSignal{
		Type:    signal.TypeICECandidate,
		Payload: signal.WebRTCPayload{Candidate: &signal.ICECandidateInit{Candidate: "candidate-2"}},
	}))
	if got := len(f.transport.candidates()); got != 0 {
		t.Fatalf("candidates applied before offer: %d", got)
	}

	ch.Broadcast(signal.EventSignal, webRTCJSON(t, signal.WebRTCSignal{
		Type:    signal.TypeOffer,
		Payload: signal.WebRTCPayload{Offer: &signal.SessionDescription{Type: "offer", SDP: "v=0 offer"}},
	}))

	added := f.transport.candidates()
	if len(added) != 2 || added[0].Candidate != "candidate-1" || added[1].Candidate != "candidate-2" {
		t.Fatalf("drain order is incorrect: %+v", added)
	}

	var answer *signal.WebRTCSignal
	for _, m := range ch.SentFor(signal.EventSignal) {
		sig, err := signal.DecodeWebRTC(m.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if sig.Type == signal.TypeAnswer {
			answer = sig
		}
	}
	if answer == nil || answer.Payload.Answer.SDP == "" {
		t.Fatal("answer was not sent")
	}

	// Remote track surfaces as a playable stream URL.
	f.transport.onTrack("stream:abc123")
	if got := f.orch.State().StreamURL; got != "stream:abc123" {
		t.Fatalf("stream URL is incorrect: %s", got)
	}
}

func TestStartRejectsMalformedCode(t *testing.T) {
	f := newFixture(ConfigOptions{})
	err := f.orch.Start(context.Background(), ScreenRecording, "bad!")
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("want ErrInvalidCode, got %v", err)
	}
	if f.orch.State().Error == "" {
		t.Fatal("error was not recorded in state")
	}
}

func TestStartSurfacesCodeCollision(t *testing.T) {
	f := newFixture(ConfigOptions{})
	f.reg.createErr = registry.ErrCodeTaken

	err := f.orch.Start(context.Background(), ScreenRecording, testCode)
	if !errors.Is(err, registry.ErrCodeTaken) {
		t.Fatalf("want ErrCodeTaken, got %v", err)
	}
	if f.client.ChannelCount() != 0 {
		t.Fatal("channel was created despite registry failure")
	}
	state := f.orch.State()
	if state.Error == "" || state.SessionCode != "" {
		t.Fatalf("failure state is incorrect: %+v", state)
	}

	// A fresh attempt is allowed after the failure.
	f.reg.createErr = nil
	ch := f.pair(t, ScreenRecording)
	if ch == nil {
		t.Fatal("retry did not pair")
	}
}

func TestStartPresenceTimeoutStopsSession(t *testing.T) {
	f := newFixture(ConfigOptions{PresenceTimeout: 30 * time.Millisecond})

	err := f.orch.Start(context.Background(), ScreenRecording, testCode)
	if err == nil {
		t.Fatal("start succeeded without web peer")
	}
	if f.reg.status(testCode) != registry.StatusStopped {
		t.Fatalf("registry status is incorrect: %s", f.reg.status(testCode))
	}
	if !f.client.Removed("webrtc:" + testCode) {
		t.Fatal("channel was not released")
	}
}

func TestStartWhileActive(t *testing.T) {
	f := newFixture(ConfigOptions{})
	f.pair(t, ScreenRecording)

	err := f.orch.Start(context.Background(), ScreenRecording, "")
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("want ErrSessionActive, got %v", err)
	}
}

func TestCodeEditorSession(t *testing.T) {
	f := newFixture(ConfigOptions{})
	ch := f.pair(t, CodeEditor)

	if ch.Name != "session:"+testCode {
		t.Fatalf("channel name is incorrect: %s", ch.Name)
	}
	if f.reg.created[0].Type != registry.TypeCodeEditor {
		t.Fatalf("registry type is incorrect: %+v", f.reg.created[0])
	}

	batch := &signal.EditorBatch{
		TimestampStart: 100,
		TimestampEnd:   200,
		Events: []signal.EditorEvent{
			{Type: "insert", Timestamp: 120, Text: "a"},
			{Type: "delete", Timestamp: 180, Removed: "b"},
		},
	}
	if err := f.orch.SendEditorBatch(batch); err != nil {
		t.Fatal(err)
	}

	state := f.orch.State()
	if state.EditorEventCount != 2 || state.LastEditorEventTime != 200 {
		t.Fatalf("editor counters are incorrect: %+v", state)
	}
	if got := ch.SentFor(signal.EventEditorBatch); len(got) != 1 {
		t.Fatalf("batch broadcast count is incorrect: %d", len(got))
	}

	if err := f.orch.StartEditorRecording(signal.EditorRecordingMark{Timestamp: 90, Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if got := ch.SentFor(signal.EventEditorRecordingStarted); len(got) != 1 {
		t.Fatalf("recording mark count is incorrect: %d", len(got))
	}
}

func TestEditorBatchRejectedForScreenRecording(t *testing.T) {
	f := newFixture(ConfigOptions{})
	f.pair(t, ScreenRecording)

	err := f.orch.SendEditorBatch(&signal.EditorBatch{Events: []signal.EditorEvent{}})
	if !errors.Is(err, ErrWrongKind) {
		t.Fatalf("want ErrWrongKind, got %v", err)
	}
}

func TestToggleRecording(t *testing.T) {
	f := newFixture(ConfigOptions{})
	ch := f.pair(t, ScreenRecording)

	if err := f.orch.ToggleRecording(signal.ActionStart); err != nil {
		t.Fatal(err)
	}
	got := ch.SentFor(signal.EventRecording)
	if len(got) != 1 {
		t.Fatalf("recording broadcast count is incorrect: %d", len(got))
	}
	var sig signal.RecordingSignal
	if err := json.Unmarshal(got[0].Payload, &sig); err != nil {
		t.Fatal(err)
	}
	if sig.Action != signal.ActionStart {
		t.Fatalf("action is incorrect: %+v", sig)
	}

	if err := f.orch.ToggleRecording("rewind"); err == nil {
		t.Fatal("unknown action was accepted")
	}
}

func TestVideoProcessingUpdatesState(t *testing.T) {
	f := newFixture(ConfigOptions{})
	ch := f.pair(t, ScreenRecording)

	err := ch.BroadcastJSON(signal.EventVideoProcessing, signal.VideoProcessingSignal{
		Type:    "video_processing",
		Status:  signal.ProcessingStatusCompleted,
		VideoID: "vid-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	state := f.orch.State()
	if state.VideoProcessing == nil || state.VideoProcessing.Status != signal.ProcessingStatusCompleted {
		t.Fatalf("video processing state is incorrect: %+v", state.VideoProcessing)
	}
	if state.VideoProcessing.VideoID != "vid-1" {
		t.Fatalf("video id is incorrect: %+v", state.VideoProcessing)
	}
}

func TestCleanup(t *testing.T) {
	f := newFixture(ConfigOptions{})
	ch := f.pair(t, ScreenRecording)

	f.orch.Cleanup(context.Background())

	if got := f.orch.State(); got != (State{}) {
		t.Fatalf("state was not reset: %+v", got)
	}
	if f.reg.status(testCode) != registry.StatusStopped {
		t.Fatalf("registry status is incorrect: %s", f.reg.status(testCode))
	}
	if ch.Untracked() != 1 || ch.Unsubscribed() != 1 {
		t.Fatalf("channel teardown is incorrect: untracked=%d unsubscribed=%d", ch.Untracked(), ch.Unsubscribed())
	}
	if f.transport.closed != 1 {
		t.Fatalf("transport close count is incorrect: %d", f.transport.closed)
	}

	// Cleanup again is a no-op, and the orchestrator is reusable.
	f.orch.Cleanup(context.Background())
	if f.transport.closed != 1 || ch.Untracked() != 1 {
		t.Fatal("second cleanup repeated teardown")
	}
	if err := f.orch.ToggleRecording(signal.ActionStop); !errors.Is(err, ErrNoSession) {
		t.Fatalf("want ErrNoSession, got %v", err)
	}
}
