package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type redisEnvelope struct {
	Type    string          `json:"t"`
	Payload json.RawMessage `json:"p"`
}

// RedisPubSub is a Notifier and Listener backed by Redis PUBLISH/SUBSCRIBE, so that several
// processes can share one fan-out. Payloads are sent as JSON.
type RedisPubSub struct {
	client *redis.Client
	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

func (r *RedisPubSub) Notify(chanName string, p Payload) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("notify: failed to marshal %v: %w", p.Type(), err)
	}
	env, err := json.Marshal(redisEnvelope{Type: p.Type(), Payload: payload})
	if err != nil {
		return fmt.Errorf("notify: failed to marshal envelope: %w", err)
	}
	return r.client.Publish(context.Background(), chanName, env).Err()
}

func (r *RedisPubSub) Listen(chanName string, fn func(p Payload)) error {
	ctx := context.Background()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("listen on %s: pubsub is closed", chanName)
	}
	sub := r.client.Subscribe(ctx, chanName)
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	// wait for the subscription to be confirmed so that no notification is missed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("listen on %s: %w", chanName, err)
	}
	for msg := range sub.Channel() {
		p, err := decodePayload([]byte(msg.Payload))
		if err != nil {
			logger.Warn().Err(err).Str("chan", chanName).Msg("RedisPubSub: dropping undecodable payload")
			continue
		}
		fn(p)
	}
	return nil
}

func (r *RedisPubSub) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, sub := range r.subs {
		sub.Close()
	}
	return r.client.Close()
}

func decodePayload(b []byte) (Payload, error) {
	var env redisEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	var p Payload
	switch env.Type {
	case SessionsUpdated{}.Type():
		p = &SessionsUpdated{}
	default:
		return nil, fmt.Errorf("unknown payload type %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, p); err != nil {
		return nil, fmt.Errorf("payload %q: %w", env.Type, err)
	}
	return p, nil
}
