package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/roomwatch/occupancy/auth"
	"github.com/roomwatch/occupancy/internal"
	"github.com/roomwatch/occupancy/pubsub"
	"github.com/roomwatch/occupancy/readmodel"
	"github.com/roomwatch/occupancy/reconcile"
	"github.com/roomwatch/occupancy/testutils"
)

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestHandler(t *testing.T) (*HTTPHandler, *testutils.MemStore, *pubsub.PubSub) {
	t.Helper()
	store := testutils.NewMemStore()
	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %s", err)
	}
	store.AddUser(internal.User{ID: "U1", Username: "alice", PasswordHash: hash})
	ps := pubsub.NewPubSub(10)
	rec := NewRecorder(reconcile.NewWriter(store), readmodel.NewBuilder(store), ps, 10, false)
	t.Cleanup(rec.Teardown)
	return &HTTPHandler{
		Recorder:      rec,
		Authenticator: auth.NewAuthenticator(store, auth.NewTokens("secret", time.Hour)),
		Store:         fakePinger{},
	}, store, ps
}

func do(t *testing.T, h http.Handler, method, body string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an envelope: %s", w.Body.String())
	}
	if env.Code != w.Code {
		t.Errorf("envelope code %d != status %d", env.Code, w.Code)
	}
	if env.Success != (w.Code < 300) {
		t.Errorf("success=%v for status %d", env.Success, w.Code)
	}
	return w.Code, env
}

func TestAddSensor(t *testing.T) {
	h, store, _ := newTestHandler(t)
	testCases := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"first reading", `{"type":"DOOR","value":"OPEN"}`, 201},
		{"same door value", `{"type":"DOOR","value":"OPEN"}`, 409},
		{"motion while open", `{"type":"MOTION","value":"MOTION"}`, 409},
		{"door closes", `{"type":"door","value":"closed"}`, 201},
		{"motion while closed", `{"type":"MOTION","value":"STILL"}`, 201},
		{"wrong value for type", `{"type":"MOTION","value":"OPEN"}`, 400},
		{"missing type", `{"value":"OPEN"}`, 400},
		{"not json", `{{`, 400},
	}
	for _, tc := range testCases {
		code, env := do(t, h.AddSensor(), "POST", tc.body)
		if code != tc.wantCode {
			t.Errorf("%s: got %d want %d (%s)", tc.name, code, tc.wantCode, env.Message)
		}
	}
	if got := len(store.Sessions()); got != 2 {
		t.Errorf("got %d sessions want 2", got)
	}
	// OPEN, CLOSED, synthetic MOTION, STILL
	if got := store.NumReadings(); got != 4 {
		t.Errorf("got %d readings want 4", got)
	}
}

func TestAddSensorRejectionMessage(t *testing.T) {
	h, _, _ := newTestHandler(t)
	do(t, h.AddSensor(), "POST", `{"type":"DOOR","value":"CLOSED"}`)
	code, env := do(t, h.AddSensor(), "POST", `{"type":"DOOR","value":"CLOSED"}`)
	if code != 409 {
		t.Fatalf("got %d want 409", code)
	}
	if env.Message != "door already closed" {
		t.Errorf("got message %q", env.Message)
	}
}

func TestAddSensorValidationData(t *testing.T) {
	h, _, _ := newTestHandler(t)
	_, env := do(t, h.AddSensor(), "POST", `{"type":"WINDOW","value":"OPEN"}`)
	var fields map[string]string
	if err := json.Unmarshal(env.Data, &fields); err != nil {
		t.Fatalf("data is not a field map: %s", env.Data)
	}
	if fields["type"] == "" {
		t.Errorf("expected a type error, got %v", fields)
	}
}

func TestAddSensorStorageFailure(t *testing.T) {
	h, store, _ := newTestHandler(t)
	store.FailWrite = func(op string, numWrites int) error {
		return errors.New("disk full")
	}
	code, env := do(t, h.AddSensor(), "POST", `{"type":"DOOR","value":"OPEN"}`)
	if code != 500 {
		t.Fatalf("got %d want 500", code)
	}
	if strings.Contains(env.Message, "disk full") {
		t.Errorf("storage error leaked to client: %s", env.Message)
	}
}

func TestAddSensorBroadcasts(t *testing.T) {
	h, _, ps := newTestHandler(t)
	got := make(chan *pubsub.SessionsUpdated, 5)
	go ps.Listen(pubsub.ChanSessions, func(p pubsub.Payload) {
		got <- p.(*pubsub.SessionsUpdated)
	})
	do(t, h.AddSensor(), "POST", `{"type":"DOOR","value":"CLOSED"}`)
	// rejected, no broadcast
	do(t, h.AddSensor(), "POST", `{"type":"DOOR","value":"CLOSED"}`)
	do(t, h.AddSensor(), "POST", `{"type":"MOTION","value":"STILL"}`)

	for i, wantReadings := range []int{1, 2} {
		select {
		case upd := <-got:
			if len(upd.Sessions) != 1 {
				t.Fatalf("update %d: got %d sessions", i, len(upd.Sessions))
			}
			s := upd.Sessions[0]
			if n := len(s.Sensors.Door) + len(s.Sensors.Motion); n != wantReadings {
				t.Errorf("update %d: got %d readings want %d", i, n, wantReadings)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for update %d", i)
		}
	}
	select {
	case upd := <-got:
		t.Fatalf("unexpected extra update %+v", upd)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetSensors(t *testing.T) {
	h, _, _ := newTestHandler(t)
	code, env := do(t, h.GetSensors(), "GET", "")
	if code != 200 {
		t.Fatalf("got %d want 200", code)
	}
	if string(env.Data) != "[]" {
		t.Errorf("empty store should give an empty list, got %s", env.Data)
	}
	do(t, h.AddSensor(), "POST", `{"type":"DOOR","value":"OPEN"}`)
	do(t, h.AddSensor(), "POST", `{"type":"DOOR","value":"CLOSED"}`)
	_, env = do(t, h.GetSensors(), "GET", "")
	var views []readmodel.SessionView
	if err := json.Unmarshal(env.Data, &views); err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d sessions want 2", len(views))
	}
	if len(views[0].Sensors.Door) != 1 || views[0].Sensors.Door[0].Value != internal.DoorClosed {
		t.Errorf("newest session should start with CLOSED: %+v", views[0])
	}
	if len(views[0].Sensors.Motion) != 1 || views[0].Sensors.Motion[0].Value != internal.MotionMotion {
		t.Errorf("newest session should carry the synthetic MOTION: %+v", views[0])
	}
}

func TestLogin(t *testing.T) {
	h, _, _ := newTestHandler(t)
	testCases := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"ok", `{"username":"alice","password":"hunter2"}`, 200},
		{"wrong password", `{"username":"alice","password":"nope"}`, 401},
		{"unknown user", `{"username":"bob","password":"hunter2"}`, 401},
		{"missing password", `{"username":"alice"}`, 400},
		{"not json", `nope`, 400},
	}
	for _, tc := range testCases {
		code, env := do(t, h.Login(), "POST", tc.body)
		if code != tc.wantCode {
			t.Errorf("%s: got %d want %d", tc.name, code, tc.wantCode)
			continue
		}
		if code != 200 {
			continue
		}
		var data struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("%s: Unmarshal: %s", tc.name, err)
		}
		userID, err := h.Authenticator.Tokens().Verify(data.Token)
		if err != nil || userID != "U1" {
			t.Errorf("%s: token verified as %q, %v", tc.name, userID, err)
		}
	}
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(t)
	if code, _ := do(t, h.Health(), "GET", ""); code != 200 {
		t.Errorf("got %d want 200", code)
	}
	h.Store = fakePinger{err: errors.New("connection refused")}
	if code, _ := do(t, h.Health(), "GET", ""); code != 503 {
		t.Errorf("got %d want 503", code)
	}
}
