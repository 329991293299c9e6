package occupancy

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/roomwatch/occupancy/auth"
	"github.com/roomwatch/occupancy/handler"
	"github.com/roomwatch/occupancy/ingest"
	"github.com/roomwatch/occupancy/internal"
	"github.com/roomwatch/occupancy/live"
	"github.com/roomwatch/occupancy/pubsub"
	"github.com/roomwatch/occupancy/readmodel"
	"github.com/roomwatch/occupancy/reconcile"
	"github.com/roomwatch/occupancy/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Version is set at build time with -ldflags.
var Version = "dev"

// in-process payloads buffered before Notify blocks
const pubsubBufferSize = 100

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// withRequestContext prepares the request context so handlers can attach logging metadata.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(w, req.WithContext(internal.RequestContext(req.Context())))
	})
}

// Routes are the HTTP handlers served by the daemon.
type Routes struct {
	HTTP *handler.HTTPHandler
	Live http.Handler
	// Tokens guards the sensor routes when set. Login and health are always public.
	Tokens *auth.Tokens
}

// NewRouter maps paths to handlers and wraps them in the logging middleware chain.
func NewRouter(routes Routes) http.Handler {
	protect := func(h http.Handler) http.Handler {
		if routes.Tokens == nil {
			return h
		}
		return routes.Tokens.Middleware(h)
	}
	r := mux.NewRouter()
	r.Handle("/login", allowCORS(routes.HTTP.Login())).Methods("POST", "OPTIONS")
	r.Handle("/sensors", allowCORS(protect(routes.HTTP.GetSensors()))).Methods("GET")
	r.Handle("/sensors", allowCORS(protect(routes.HTTP.AddSensor()))).Methods("POST")
	// preflight requests never carry credentials
	r.Handle("/sensors", allowCORS(http.NotFoundHandler())).Methods("OPTIONS")
	r.Handle("/live", protect(routes.Live)).Methods("GET")
	r.Handle("/healthz", routes.HTTP.Health()).Methods("GET")

	return &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			withRequestContext,
			hlog.RemoteAddrHandler("ip"),
			hlog.RequestIDHandler("req_id", "Request-Id"),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				entry := internal.DecorateLogger(r.Context(), hlog.FromRequest(r).Info())
				entry.Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
		},
		final: r,
	}
}

// Service is a fully wired occupancy daemon.
type Service struct {
	Handler  http.Handler
	Storage  *state.Storage
	Recorder *handler.Recorder

	hub        *live.Hub
	sub        *pubsub.SessionsSub
	subscriber *ingest.Subscriber
}

// Setup connects to the database and the optional brokers and wires up every component.
func Setup(cfg *internal.Config) (*Service, error) {
	enablePrometheus := cfg.PromAddr != ""
	store, err := state.NewStorage(cfg.DBURI, enablePrometheus)
	if err != nil {
		return nil, err
	}
	store.MaxTxnRetries = cfg.TxnRetries

	var ps interface {
		pubsub.Notifier
		pubsub.Listener
	}
	if cfg.RedisAddr != "" {
		ps = pubsub.NewRedisPubSub(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis for session updates")
	} else {
		ps = pubsub.NewPubSub(pubsubBufferSize)
	}

	recorder := handler.NewRecorder(
		reconcile.NewWriter(store), readmodel.NewBuilder(store), ps, cfg.SessionLimit, enablePrometheus,
	)
	hub := live.NewHub(recorder.Sessions, enablePrometheus)
	sub := pubsub.NewSessionsSub(ps, hub)
	go func() {
		defer internal.ReportPanicsToSentry()
		if err := sub.Listen(); err != nil {
			logger.Err(err).Msg("session updates listener stopped")
		}
	}()

	authenticator := auth.NewAuthenticator(store, auth.NewTokens(cfg.JWTSecret, cfg.TokenExpiry))
	routes := Routes{
		HTTP: &handler.HTTPHandler{
			Recorder:      recorder,
			Authenticator: authenticator,
			Store:         store,
		},
		Live: hub,
	}
	if cfg.RequireAuth {
		routes.Tokens = authenticator.Tokens()
	}

	svc := &Service{
		Handler:  otelhttp.NewHandler(NewRouter(routes), "occupancy"),
		Storage:  store,
		Recorder: recorder,
		hub:      hub,
		sub:      sub,
	}
	if cfg.MQTTBroker != "" {
		svc.subscriber = ingest.NewSubscriber(ingest.Options{
			Broker:   cfg.MQTTBroker,
			Topic:    cfg.MQTTTopic,
			ClientID: cfg.MQTTClientID,
		}, recorder)
		if err := svc.subscriber.Start(); err != nil {
			svc.Teardown()
			return nil, fmt.Errorf("failed to start MQTT ingest: %w", err)
		}
	}
	return svc, nil
}

// Teardown stops ingest, disconnects clients and closes the database.
func (s *Service) Teardown() {
	if s.subscriber != nil {
		s.subscriber.Teardown()
	}
	s.sub.Teardown()
	s.hub.Teardown()
	s.Recorder.Teardown()
	s.Storage.Teardown()
}

// RunServer is the main entry point to the server. It blocks forever.
func RunServer(h http.Handler, bindAddr string) {
	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, h); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
