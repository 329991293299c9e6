package handler

import (
	"context"
	"errors"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/roomwatch/occupancy/internal"
	"github.com/roomwatch/occupancy/pubsub"
	"github.com/roomwatch/occupancy/readmodel"
	"github.com/roomwatch/occupancy/reconcile"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Recorder is the entry point for sensor events from every transport. It applies the
// event, and after a commit re-projects the sessions and publishes them to subscribers.
type Recorder struct {
	writer  *reconcile.Writer
	builder *readmodel.Builder
	pub     pubsub.Notifier
	limit   int

	outcomes  *prometheus.CounterVec
	subSystem string
}

func NewRecorder(writer *reconcile.Writer, builder *readmodel.Builder, pub pubsub.Notifier, limit int, enablePrometheus bool) *Recorder {
	r := &Recorder{
		writer:    writer,
		builder:   builder,
		pub:       pub,
		limit:     limit,
		subSystem: "recorder",
	}
	if enablePrometheus {
		r.addPrometheusMetrics()
		r.pub = pubsub.NewPromNotifier(pub, r.subSystem)
	}
	return r
}

func (r *Recorder) addPrometheusMetrics() {
	r.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "occupancy",
		Subsystem: r.subSystem,
		Name:      "outcomes",
		Help:      "Number of sensor events by outcome",
	}, []string{"kind", "outcome"})
	prometheus.MustRegister(r.outcomes)
}

func (r *Recorder) Teardown() {
	if r.outcomes != nil {
		prometheus.Unregister(r.outcomes)
	}
	r.pub.Close()
}

func (r *Recorder) countOutcome(in internal.Incoming, outcome string) {
	if r.outcomes == nil {
		return
	}
	r.outcomes.WithLabelValues(string(in.Kind), outcome).Inc()
}

// Record applies one sensor event. A rejected event is returned as a Result, not an error.
// Errors mean nothing was written.
func (r *Recorder) Record(ctx context.Context, in internal.Incoming) (*reconcile.Result, error) {
	ctx, span := internal.StartSpan(ctx, "Record")
	defer span.End()

	res, err := r.writer.Apply(ctx, in)
	if err != nil {
		span.Fail(err)
		r.countOutcome(in, "error")
		logger.Err(err).Str("reading", in.String()).
			Bool("invariant", errors.Is(err, reconcile.ErrInvariant)).
			Msg("Record: failed to apply reading")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		return nil, err
	}
	r.countOutcome(in, string(res.Outcome))
	internal.SetRequestContextOutcome(ctx, in, string(res.Outcome), res.SessionID)
	if res.Outcome == reconcile.OutcomeRejected {
		internal.Logf(ctx, "record", "rejected %s: %s", in, res.Rejection.Reason)
		return res, nil
	}
	internal.Logf(ctx, "record", "%s %s into %s", res.Outcome, in, res.SessionID)
	r.broadcast(ctx)
	return res, nil
}

// broadcast publishes the post-write projection. The write has already committed, so
// failures are logged and swallowed.
func (r *Recorder) broadcast(ctx context.Context) {
	views, err := r.builder.Project(ctx, r.limit)
	if err != nil {
		logger.Err(err).Msg("broadcast: failed to project sessions")
		internal.GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
		return
	}
	if err = r.pub.Notify(pubsub.ChanSessions, &pubsub.SessionsUpdated{Sessions: views}); err != nil {
		logger.Warn().Err(err).Msg("broadcast: failed to notify subscribers")
	}
}

// Sessions returns the current projection.
func (r *Recorder) Sessions(ctx context.Context) ([]readmodel.SessionView, error) {
	ctx, span := internal.StartSpan(ctx, "Sessions")
	defer span.End()
	views, err := r.builder.Project(ctx, r.limit)
	if err != nil {
		span.Fail(err)
		sentry.CaptureException(err)
		return nil, err
	}
	internal.SetRequestContextNumViews(ctx, len(views))
	return views, nil
}
