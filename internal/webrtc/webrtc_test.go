package webrtc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/handlebauer/snippets-mobile-sub001/internal/signal"
)

type fakeTransport struct {
	remoteSet    bool
	remoteErr    error
	answerErr    error
	added        []signal.ICECandidateInit
	addErrFor    string
	onCandidate  func(c signal.ICECandidateInit)
	onTrack      func(streamURL string)
	closed       int
	localApplied []signal.SessionDescription
}

func (f *fakeTransport) CreateAnswer() (signal.SessionDescription, error) {
	if f.answerErr != nil {
		return signal.SessionDescription{}, f.answerErr
	}
	return signal.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(sd signal.SessionDescription) error {
	f.localApplied = append(f.localApplied, sd)
	return nil
}

func (f *fakeTransport) SetRemoteDescription(sd signal.SessionDescription) error {
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.remoteSet = true
	return nil
}

func (f *fakeTransport) RemoteDescriptionSet() bool { return f.remoteSet }

func (f *fakeTransport) AddICECandidate(c signal.ICECandidateInit) error {
	if f.addErrFor != "" && c.Candidate == f.addErrFor {
		return errors.New("bad candidate")
	}
	f.added = append(f.added, c)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(c signal.ICECandidateInit)) { f.onCandidate = fn }

func (f *fakeTransport) OnTrack(fn func(streamURL string)) { f.onTrack = fn }

func (f *fakeTransport) Close() error {
	f.closed++
	return nil
}

type sentSignals struct {
	signals []*signal.WebRTCSignal
	err     error
}

func (s *sentSignals) send(sig *signal.WebRTCSignal) error {
	if s.err != nil {
		return s.err
	}
	s.signals = append(s.signals, sig)
	return nil
}

func newTestNegotiator(transport Transport) (*Negotiator, *sentSignals) {
	logger := zerolog.Nop()
	sent := &sentSignals{}
	return NewNegotiator(transport, sent.send, &logger), sent
}

func candidateJSON(t *testing.T, candidate string) []byte {
	t.Helper()
	data, err := json.Marshal(signal.WebRTCSignal{
		Type:    signal.TypeICECandidate,
		Payload: signal.WebRTCPayload{Candidate: &signal.ICECandidateInit{Candidate: candidate}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func offerJSON(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(signal.WebRTCSignal{
		Type:    signal.TypeOffer,
		Payload: signal.WebRTCPayload{Offer: &signal.SessionDescription{Type: "offer", SDP: "v=0 offer"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestOfferDrainsQueuedCandidatesInOrder(t *testing.T) {
	transport := &fakeTransport{}
	n, sent := newTestNegotiator(transport)
	handle := n.Attach(func(string) {}, func(err error) { t.Fatalf("unexpected fatal: %v", err) })

	handle(candidateJSON(t, "candidate-1"))
	handle(candidateJSON(t, "candidate-2"))
	if len(transport.added) != 0 {
		t.Fatalf("candidates applied before remote description: %d", len(transport.added))
	}
	if n.PendingCandidates() != 2 {
		t.Fatalf("queue length is incorrect, got %d want 2", n.PendingCandidates())
	}

	handle(offerJSON(t))

	if len(transport.added) != 2 {
		t.Fatalf("drained count is incorrect, got %d want 2", len(transport.added))
	}
	if transport.added[0].Candidate != "candidate-1" || transport.added[1].Candidate != "candidate-2" {
		t.Fatalf("drain order is incorrect: %+v", transport.added)
	}
	if n.PendingCandidates() != 0 {
		t.Fatalf("queue was not emptied, got %d", n.PendingCandidates())
	}
	if len(sent.signals) != 1 || sent.signals[0].Type != signal.TypeAnswer {
		t.Fatalf("answer was not sent: %+v", sent.signals)
	}
	if len(transport.localApplied) != 1 {
		t.Fatal("local description was not applied")
	}
}

func TestCandidateAfterRemoteDescriptionAppliesImmediately(t *testing.T) {
	transport := &fakeTransport{}
	n, _ := newTestNegotiator(transport)
	handle := n.Attach(func(string) {}, func(err error) { t.Fatalf("unexpected fatal: %v", err) })

	handle(offerJSON(t))
	handle(candidateJSON(t, "late-candidate"))

	if len(transport.added) != 1 || transport.added[0].Candidate != "late-candidate" {
		t.Fatalf("late candidate was not applied: %+v", transport.added)
	}
	if n.PendingCandidates() != 0 {
		t.Fatalf("late candidate was queued, got %d", n.PendingCandidates())
	}
}

func TestDuplicateOfferIgnored(t *testing.T) {
	transport := &fakeTransport{}
	n, sent := newTestNegotiator(transport)
	handle := n.Attach(func(string) {}, func(err error) { t.Fatalf("unexpected fatal: %v", err) })

	handle(offerJSON(t))
	handle(offerJSON(t))

	if len(sent.signals) != 1 {
		t.Fatalf("answer count is incorrect, got %d want 1", len(sent.signals))
	}
}

func TestFailedQueuedCandidateDoesNotBlockDrain(t *testing.T) {
	transport := &fakeTransport{addErrFor: "candidate-bad"}
	n, _ := newTestNegotiator(transport)
	handle := n.Attach(func(string) {}, func(err error) { t.Fatalf("unexpected fatal: %v", err) })

	handle(candidateJSON(t, "candidate-bad"))
	handle(candidateJSON(t, "candidate-good"))
	handle(offerJSON(t))

	if len(transport.added) != 1 || transport.added[0].Candidate != "candidate-good" {
		t.Fatalf("drain result is incorrect: %+v", transport.added)
	}
	if n.PendingCandidates() != 0 {
		t.Fatal("queue was not emptied after drain")
	}
}

func TestMalformedSignalDropped(t *testing.T) {
	transport := &fakeTransport{}
	n, sent := newTestNegotiator(transport)
	handle := n.Attach(func(string) {}, func(err error) { t.Fatalf("unexpected fatal: %v", err) })

	handle([]byte(`not json`))
	handle([]byte(`{"type":"offer","payload":{}}`))
	handle([]byte(`{"type":"answer","payload":{"answer":{"type":"answer","sdp":"v=0"}}}`))

	if transport.remoteSet || len(sent.signals) != 0 {
		t.Fatal("malformed or unexpected signal mutated state")
	}
	if n.PendingCandidates() != 0 {
		t.Fatal("malformed signal was queued")
	}
}

func TestAnswerFailureReportsFatal(t *testing.T) {
	transport := &fakeTransport{answerErr: errors.New("no codecs")}
	n, _ := newTestNegotiator(transport)

	var fatal error
	handle := n.Attach(func(string) {}, func(err error) { fatal = err })
	handle(offerJSON(t))

	if fatal == nil {
		t.Fatal("fatal handler did not fire")
	}
}

func TestLocalCandidatesForwarded(t *testing.T) {
	transport := &fakeTransport{}
	n, sent := newTestNegotiator(transport)
	n.Attach(func(string) {}, func(err error) { t.Fatalf("unexpected fatal: %v", err) })

	if transport.onCandidate == nil {
		t.Fatal("local candidate handler was not registered")
	}
	transport.onCandidate(signal.ICECandidateInit{Candidate: "local-1"})

	if len(sent.signals) != 1 || sent.signals[0].Type != signal.TypeICECandidate {
		t.Fatalf("local candidate was not sent: %+v", sent.signals)
	}
	if sent.signals[0].Payload.Candidate.Candidate != "local-1" {
		t.Fatalf("candidate payload is incorrect: %+v", sent.signals[0].Payload)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	transport := &fakeTransport{}
	n, _ := newTestNegotiator(transport)
	n.Attach(func(string) {}, func(error) {})

	n.Close()
	n.Close()

	if transport.closed != 1 {
		t.Fatalf("close count is incorrect, got %d want 1", transport.closed)
	}
}
