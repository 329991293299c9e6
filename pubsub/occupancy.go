package pubsub

import (
	"github.com/roomwatch/occupancy/readmodel"
)

// The channel which has session updates
const ChanSessions = "occupancy"

type SessionsListener interface {
	OnSessionsUpdated(p *SessionsUpdated)
}

// SessionsUpdated is published after every committed sensor event. It carries the
// projection as it was right after the commit.
type SessionsUpdated struct {
	Sessions []readmodel.SessionView `json:"sessions"`
}

func (s SessionsUpdated) Type() string { return "sessions" }

type SessionsSub struct {
	listener Listener
	receiver SessionsListener
}

func NewSessionsSub(l Listener, recv SessionsListener) *SessionsSub {
	return &SessionsSub{
		listener: l,
		receiver: recv,
	}
}

func (s *SessionsSub) Teardown() {
	s.listener.Close()
}

func (s *SessionsSub) onMessage(p Payload) {
	switch p.Type() {
	case SessionsUpdated{}.Type():
		s.receiver.OnSessionsUpdated(p.(*SessionsUpdated))
	}
}

func (s *SessionsSub) Listen() error {
	return s.listener.Listen(ChanSessions, s.onMessage)
}
