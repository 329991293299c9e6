package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/roomwatch/occupancy/internal"
	"github.com/roomwatch/occupancy/reconcile"
	"github.com/roomwatch/occupancy/sqlutil"
	"github.com/roomwatch/occupancy/state/migrations"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const DefaultMaxTxnRetries = 5

// Storage is the postgres session store. It implements reconcile.Store for writes,
// readmodel.Source for projections and the user lookup used for logins.
type Storage struct {
	SessionsTable *SessionsTable
	ReadingsTable *ReadingsTable
	UsersTable    *UsersTable
	DB            *sqlx.DB

	// How many times a read-decide-write transaction is re-run after postgres failed to
	// serialize it against a concurrent one.
	MaxTxnRetries int

	txnRetries prometheus.Counter
	now        func() time.Time
}

// NewStorage connects to postgres and migrates the schema to the latest version.
func NewStorage(postgresURI string, addPrometheusMetrics bool) (*Storage, error) {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("failed to open SQL DB: %w", err)
	}
	if err = migrations.Up(db.DB); err != nil {
		sentry.CaptureException(err)
		db.Close()
		return nil, fmt.Errorf("failed to migrate SQL DB: %w", err)
	}
	return NewStorageWithDB(db, addPrometheusMetrics), nil
}

func NewStorageWithDB(db *sqlx.DB, addPrometheusMetrics bool) *Storage {
	s := &Storage{
		SessionsTable: NewSessionsTable(db),
		ReadingsTable: NewReadingsTable(db),
		UsersTable:    NewUsersTable(db),
		DB:            db,
		MaxTxnRetries: DefaultMaxTxnRetries,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	if addPrometheusMetrics {
		s.txnRetries = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "occupancy",
			Subsystem: "storage",
			Name:      "txn_retries",
			Help:      "Number of times a transaction was re-run after a serialization failure",
		})
		prometheus.MustRegister(s.txnRetries)
	}
	return s
}

// InSerializableTxn runs fn in a SERIALIZABLE transaction, re-running it on
// serialization failures.
func (s *Storage) InSerializableTxn(ctx context.Context, fn func(ctx context.Context, txn reconcile.Txn) error) error {
	return sqlutil.WithSerializableTransaction(ctx, s.DB, s.MaxTxnRetries, func(attempt int, err error) {
		logger.Warn().Err(err).Int("attempt", attempt).Msg("InSerializableTxn: retrying transaction")
		if s.txnRetries != nil {
			s.txnRetries.Inc()
		}
	}, func(txn *sqlx.Tx) error {
		return fn(ctx, &storageTxn{s: s, txn: txn})
	})
}

// LatestSessions loads up to limit sessions newest first, plus all of their readings, from
// one read-only snapshot so that a concurrent write is either fully visible or not at all.
func (s *Storage) LatestSessions(ctx context.Context, limit int) (sessions []internal.Session, readings []internal.Reading, err error) {
	opts := &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	err = sqlutil.WithTxnOptions(ctx, s.DB, opts, func(txn *sqlx.Tx) error {
		sessions, err = s.SessionsTable.SelectLatestN(ctx, txn, limit)
		if err != nil {
			return fmt.Errorf("SelectLatestN: %w", err)
		}
		ids := make([]string, len(sessions))
		for i := range sessions {
			ids[i] = sessions[i].ID
		}
		readings, err = s.ReadingsTable.SelectBySessions(ctx, txn, ids)
		if err != nil {
			return fmt.Errorf("SelectBySessions: %w", err)
		}
		return nil
	})
	return
}

func (s *Storage) UserByUsername(ctx context.Context, username string) (*internal.User, error) {
	return s.UsersTable.SelectByUsername(ctx, username)
}

func (s *Storage) CreateUser(ctx context.Context, username, passwordHash string) (*internal.User, error) {
	return s.UsersTable.Insert(ctx, username, passwordHash)
}

// Ping checks the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *Storage) Teardown() {
	if s.txnRetries != nil {
		prometheus.Unregister(s.txnRetries)
	}
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}

// storageTxn is the reconcile.Txn view of a postgres transaction.
type storageTxn struct {
	s   *Storage
	txn *sqlx.Tx
}

func (t *storageTxn) LatestSession(ctx context.Context) (*internal.Session, error) {
	return t.s.SessionsTable.SelectLatest(ctx, t.txn)
}

func (t *storageTxn) LatestReading(ctx context.Context, sessionID string, kind internal.Kind) (*internal.Reading, error) {
	return t.s.ReadingsTable.SelectLatestByKind(ctx, t.txn, sessionID, kind)
}

func (t *storageTxn) CreateSession(ctx context.Context) (*internal.Session, error) {
	return t.s.SessionsTable.Insert(ctx, t.txn, t.s.now())
}

func (t *storageTxn) CreateReading(ctx context.Context, sessionID string, in internal.Incoming, synthetic bool) (*internal.Reading, error) {
	return t.s.ReadingsTable.Insert(ctx, t.txn, sessionID, in, synthetic, t.s.now())
}
