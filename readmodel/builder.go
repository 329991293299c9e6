package readmodel

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/roomwatch/occupancy/internal"
)

// ReadingView is one stored reading as clients see it.
type ReadingView struct {
	Type      internal.Kind  `json:"type"`
	Value     internal.Value `json:"value"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SensorsView splits a session's readings per sensor. Each list is in chronological order.
type SensorsView struct {
	Door   []ReadingView `json:"door"`
	Motion []ReadingView `json:"motion"`
}

// SessionView is what clients see of a session.
type SessionView struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"createdAt"`
	Sensors   SensorsView `json:"sensors"`
}

// Source loads the newest sessions and all of their readings from a single consistent
// snapshot of the store.
type Source interface {
	LatestSessions(ctx context.Context, limit int) ([]internal.Session, []internal.Reading, error)
}

// Builder projects stored sessions into SessionViews. It holds no state, every call
// reads the store.
type Builder struct {
	source Source
}

func NewBuilder(source Source) *Builder {
	return &Builder{source: source}
}

// Project returns at most limit sessions, newest first.
func (b *Builder) Project(ctx context.Context, limit int) ([]SessionView, error) {
	if limit <= 0 {
		return []SessionView{}, nil
	}
	sessions, readings, err := b.source.LatestSessions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("Project: %w", err)
	}
	views := Project(sessions, readings)
	if len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

// Project groups readings under their sessions. Sessions are ordered newest first and
// readings oldest first; readings of sessions not in the list are dropped.
func Project(sessions []internal.Session, readings []internal.Reading) []SessionView {
	sessions = append([]internal.Session(nil), sessions...)
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].NID > sessions[j].NID
	})
	readings = append([]internal.Reading(nil), readings...)
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].NID < readings[j].NID
	})

	views := make([]SessionView, len(sessions))
	index := make(map[string]int, len(sessions))
	for i, sess := range sessions {
		index[sess.ID] = i
		views[i] = SessionView{
			ID:        sess.ID,
			CreatedAt: sess.CreatedAt,
			Sensors: SensorsView{
				Door:   []ReadingView{},
				Motion: []ReadingView{},
			},
		}
	}
	for _, r := range readings {
		i, ok := index[r.SessionID]
		if !ok {
			continue
		}
		rv := ReadingView{
			Type:      r.Kind,
			Value:     r.Value,
			CreatedAt: r.CreatedAt,
		}
		switch r.Kind {
		case internal.KindDoor:
			views[i].Sensors.Door = append(views[i].Sensors.Door, rv)
		case internal.KindMotion:
			views[i].Sensors.Motion = append(views[i].Sensors.Motion, rv)
		default:
			internal.Assert(fmt.Sprintf("reading %s has a known kind, got %q", r.ID, r.Kind), false)
		}
	}
	return views
}
