package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/roomwatch/occupancy/internal"
	"github.com/roomwatch/occupancy/reconcile"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	qosAtLeastOnce  = 1
	connectTimeout  = 10 * time.Second
	disconnectQuiet = 250 // ms
)

// Recorder applies one sensor event.
type Recorder interface {
	Record(ctx context.Context, in internal.Incoming) (*reconcile.Result, error)
}

type Options struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// Subscriber feeds sensor events published over MQTT into the recorder. Messages are
// recorded one at a time in arrival order, off the MQTT client's goroutine.
type Subscriber struct {
	opts   Options
	rec    Recorder
	client mqtt.Client
	pool   *internal.WorkerPool
}

func NewSubscriber(opts Options, rec Recorder) *Subscriber {
	s := &Subscriber{
		opts: opts,
		rec:  rec,
		pool: internal.NewWorkerPool(1),
	}
	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.Broker)
	clientOpts.SetClientID(opts.ClientID)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetCleanSession(true)
	clientOpts.SetConnectTimeout(connectTimeout)
	// subscriptions do not survive a clean session reconnect
	clientOpts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := s.subscribe(c); err != nil {
			logger.Err(err).Str("topic", opts.Topic).Msg("MQTT: failed to resubscribe")
		}
	})
	clientOpts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Warn().Err(err).Str("broker", opts.Broker).Msg("MQTT: connection lost")
	})
	s.client = mqtt.NewClient(clientOpts)
	return s
}

// Start connects to the broker. The topic is subscribed to on every (re)connect.
func (s *Subscriber) Start() error {
	s.pool.Start()
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("failed to connect to MQTT broker %s: timed out", s.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", s.opts.Broker, err)
	}
	logger.Info().Str("broker", s.opts.Broker).Str("topic", s.opts.Topic).Msg("MQTT: connected")
	return nil
}

func (s *Subscriber) subscribe(c mqtt.Client) error {
	token := c.Subscribe(s.opts.Topic, qosAtLeastOnce, func(c mqtt.Client, msg mqtt.Message) {
		s.pool.Queue(func() {
			s.handleMessage(msg)
		})
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", s.opts.Topic, err)
	}
	return nil
}

func (s *Subscriber) Teardown() {
	s.client.Disconnect(disconnectQuiet)
	s.pool.Stop()
}

// handleMessage records one MQTT message. Invalid and rejected events are logged and
// dropped, as there is nobody to report them to.
func (s *Subscriber) handleMessage(msg mqtt.Message) error {
	ctx := internal.RequestContext(context.Background())
	ctx, span := internal.StartSpan(ctx, "mqtt.handleMessage")
	defer span.End()
	msgLogger := logger.With().Str("topic", msg.Topic()).Uint16("mid", msg.MessageID()).Logger()

	in, err := internal.ParseIncoming(msg.Payload())
	if err != nil {
		var verr *internal.ValidationError
		if errors.As(err, &verr) {
			msgLogger.Warn().Str(verr.Field, verr.Reason).Msg("MQTT: dropping invalid sensor event")
		}
		span.Fail(err)
		return err
	}
	res, err := s.rec.Record(ctx, *in)
	if err != nil {
		// already logged and reported by the recorder
		span.Fail(err)
		return err
	}
	ev := msgLogger.Info()
	if res.Outcome == reconcile.OutcomeRejected {
		ev = msgLogger.Warn().Str("reason", res.Rejection.Reason)
	}
	internal.DecorateLogger(ctx, ev).Msg("MQTT: sensor event")
	return nil
}
