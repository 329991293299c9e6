package testutils

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roomwatch/occupancy/internal"
	"github.com/roomwatch/occupancy/reconcile"
)

// MemStore is an in-memory session store. Transactions are run one at a time and
// buffer their writes until commit, so a failed transaction leaves no trace.
type MemStore struct {
	mu       sync.Mutex
	sessions []internal.Session
	readings []internal.Reading
	users    map[string]internal.User
	nextNID  int64
	now      time.Time

	// FailWrite, if set, is consulted before every write inside a transaction. Returning
	// an error aborts the transaction.
	FailWrite func(op string, numWrites int) error
	// NumTxns counts transactions which were started.
	NumTxns int
}

func NewMemStore() *MemStore {
	return &MemStore{
		users: make(map[string]internal.User),
		now:   time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

type memTxn struct {
	s        *MemStore
	sessions []internal.Session
	readings []internal.Reading
	writes   int
}

func (s *MemStore) InSerializableTxn(ctx context.Context, fn func(ctx context.Context, txn reconcile.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NumTxns++
	txn := &memTxn{
		s: s,
		// copy so that writes are invisible until commit
		sessions: append([]internal.Session(nil), s.sessions...),
		readings: append([]internal.Reading(nil), s.readings...),
	}
	if err := fn(ctx, txn); err != nil {
		return err
	}
	s.sessions = txn.sessions
	s.readings = txn.readings
	return nil
}

func (t *memTxn) LatestSession(ctx context.Context) (*internal.Session, error) {
	if len(t.sessions) == 0 {
		return nil, nil
	}
	sess := t.sessions[len(t.sessions)-1]
	return &sess, nil
}

func (t *memTxn) LatestReading(ctx context.Context, sessionID string, kind internal.Kind) (*internal.Reading, error) {
	for i := len(t.readings) - 1; i >= 0; i-- {
		r := t.readings[i]
		if r.SessionID == sessionID && r.Kind == kind {
			return &r, nil
		}
	}
	return nil, nil
}

func (t *memTxn) write(op string) error {
	if t.s.FailWrite != nil {
		if err := t.s.FailWrite(op, t.writes); err != nil {
			return err
		}
	}
	t.writes++
	t.s.nextNID++
	t.s.now = t.s.now.Add(time.Second)
	return nil
}

func (t *memTxn) CreateSession(ctx context.Context) (*internal.Session, error) {
	if err := t.write("CreateSession"); err != nil {
		return nil, err
	}
	sess := internal.Session{
		NID:       t.s.nextNID,
		ID:        fmt.Sprintf("S%d", t.s.nextNID),
		CreatedAt: t.s.now,
	}
	t.sessions = append(t.sessions, sess)
	return &sess, nil
}

func (t *memTxn) CreateReading(ctx context.Context, sessionID string, in internal.Incoming, synthetic bool) (*internal.Reading, error) {
	if err := t.write("CreateReading"); err != nil {
		return nil, err
	}
	found := false
	for _, sess := range t.sessions {
		if sess.ID == sessionID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("session %s does not exist", sessionID)
	}
	r := internal.Reading{
		NID:       t.s.nextNID,
		ID:        fmt.Sprintf("R%d", t.s.nextNID),
		SessionID: sessionID,
		Kind:      in.Kind,
		Value:     in.Value,
		Synthetic: synthetic,
		CreatedAt: t.s.now,
	}
	t.readings = append(t.readings, r)
	return &r, nil
}

// LatestSessions returns up to limit sessions newest first, along with their readings.
func (s *MemStore) LatestSessions(ctx context.Context, limit int) ([]internal.Session, []internal.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sessions []internal.Session
	wanted := make(map[string]bool)
	for i := len(s.sessions) - 1; i >= 0 && len(sessions) < limit; i-- {
		sessions = append(sessions, s.sessions[i])
		wanted[s.sessions[i].ID] = true
	}
	var readings []internal.Reading
	for _, r := range s.readings {
		if wanted[r.SessionID] {
			readings = append(readings, r)
		}
	}
	return sessions, readings, nil
}

// Sessions returns a copy of every session in creation order.
func (s *MemStore) Sessions() []internal.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]internal.Session(nil), s.sessions...)
}

// Readings returns the readings of a session in creation order.
func (s *MemStore) Readings(sessionID string) []internal.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []internal.Reading
	for _, r := range s.readings {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NID < out[j].NID })
	return out
}

// NumReadings returns the total number of stored readings.
func (s *MemStore) NumReadings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

func (s *MemStore) AddUser(u internal.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
}

func (s *MemStore) UserByUsername(ctx context.Context, username string) (*internal.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	return &u, nil
}
