package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/roomwatch/occupancy/internal"
	"github.com/roomwatch/occupancy/reconcile"
	"github.com/roomwatch/occupancy/testutils"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return qosAtLeastOnce }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type writerRecorder struct {
	w  *reconcile.Writer
	mu sync.Mutex
	// outcomes of every recorded event, in order
	outcomes []reconcile.Outcome
}

func (r *writerRecorder) Record(ctx context.Context, in internal.Incoming) (*reconcile.Result, error) {
	res, err := r.w.Apply(ctx, in)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.outcomes = append(r.outcomes, res.Outcome)
	r.mu.Unlock()
	return res, nil
}

type failingRecorder struct{}

func (failingRecorder) Record(ctx context.Context, in internal.Incoming) (*reconcile.Result, error) {
	return nil, errors.New("storage unavailable")
}

func newSubscriber(rec Recorder) *Subscriber {
	return NewSubscriber(Options{
		Broker:   "tcp://127.0.0.1:1883",
		Topic:    "occupancy/sensors",
		ClientID: "test",
	}, rec)
}

func msg(payload string) *fakeMessage {
	return &fakeMessage{topic: "occupancy/sensors", payload: []byte(payload)}
}

func TestHandleMessage(t *testing.T) {
	store := testutils.NewMemStore()
	rec := &writerRecorder{w: reconcile.NewWriter(store)}
	s := newSubscriber(rec)

	testCases := []struct {
		payload string
		wantErr bool
	}{
		{`{"type":"DOOR","value":"OPEN"}`, false},
		{`{"type":"DOOR","value":"OPEN"}`, false}, // rejected, not an error
		{`{"type":"DOOR","value":"CLOSED"}`, false},
		{`{"type":"MOTION","value":"CLOSED"}`, true},
		{`garbage`, true},
	}
	for _, tc := range testCases {
		err := s.handleMessage(msg(tc.payload))
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: got err %v, wantErr %v", tc.payload, err, tc.wantErr)
		}
	}
	want := []reconcile.Outcome{reconcile.OutcomeCreated, reconcile.OutcomeRejected, reconcile.OutcomeNewSession}
	if len(rec.outcomes) != len(want) {
		t.Fatalf("got outcomes %v want %v", rec.outcomes, want)
	}
	for i := range want {
		if rec.outcomes[i] != want[i] {
			t.Errorf("outcome %d: got %s want %s", i, rec.outcomes[i], want[i])
		}
	}
	if got := len(store.Sessions()); got != 2 {
		t.Errorf("got %d sessions want 2", got)
	}
}

func TestHandleMessageRecorderFailure(t *testing.T) {
	s := newSubscriber(failingRecorder{})
	if err := s.handleMessage(msg(`{"type":"DOOR","value":"OPEN"}`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestQueuedMessagesKeepOrder(t *testing.T) {
	store := testutils.NewMemStore()
	rec := &writerRecorder{w: reconcile.NewWriter(store)}
	s := newSubscriber(rec)
	s.pool.Start()

	// open/close alternates so any reordering produces a rejection
	for i := 0; i < 20; i++ {
		payload := `{"type":"DOOR","value":"OPEN"}`
		if i%2 == 1 {
			payload = `{"type":"DOOR","value":"CLOSED"}`
		}
		m := msg(payload)
		s.pool.Queue(func() { s.handleMessage(m) })
	}
	s.pool.Stop()

	for i, o := range rec.outcomes {
		if o == reconcile.OutcomeRejected {
			t.Fatalf("event %d was rejected, messages were reordered", i)
		}
	}
	// 1 initial session plus one per close
	if got := len(store.Sessions()); got != 11 {
		t.Errorf("got %d sessions want 11", got)
	}
}
