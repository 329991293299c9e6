package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "occupancy_data"
)

// logging metadata for a single request
type data struct {
	userID    string
	reading   string
	outcome   string
	sessionID string
	numViews  int
}

// prepare a request context so it can contain occupancy info
func RequestContext(ctx context.Context) context.Context {
	d := &data{
		numViews: -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// add the user ID to this request context. Need to have called RequestContext first.
func SetRequestContextUserID(ctx context.Context, userID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.userID = userID
}

func SetRequestContextOutcome(ctx context.Context, in Incoming, outcome, sessionID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.reading = in.String()
	da.outcome = outcome
	da.sessionID = sessionID
}

func SetRequestContextNumViews(ctx context.Context, numViews int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.numViews = numViews
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.reading != "" {
		l = l.Str("r", da.reading)
	}
	if da.outcome != "" {
		l = l.Str("o", da.outcome)
	}
	if da.sessionID != "" {
		l = l.Str("s", da.sessionID)
	}
	if da.numViews >= 0 {
		l = l.Int("n", da.numViews)
	}
	return l
}
