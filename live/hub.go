package live

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/roomwatch/occupancy/pubsub"
	"github.com/roomwatch/occupancy/readmodel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const (
	// EventSessions is the name of the event clients receive the projection in.
	EventSessions = "sessions"

	// Frames buffered per client. A client which falls further behind is dropped.
	sendBufferSize = 16
	// Snapshots taken for a connecting client while updates keep racing it.
	maxSnapshotAttempts = 3
	writeTimeout        = 10 * time.Second
	pingInterval        = 30 * time.Second
	pongTimeout         = pingInterval + 10*time.Second
)

// Frame is the JSON text message sent to websocket clients.
type Frame struct {
	Event string                  `json:"event"`
	Data  []readmodel.SessionView `json:"data"`
}

// Snapshot returns the current projection, sent to clients as soon as they connect.
type Snapshot func(ctx context.Context) ([]readmodel.SessionView, error)

// client fields other than send and done are guarded by Hub.mu.
type client struct {
	conn *websocket.Conn
	send chan []byte
	// closed by the hub when it drops the client
	done chan struct{}
	// false until the initial frame is queued. Updates arriving before then are held
	// in pending so they cannot overtake the initial frame or be lost.
	ready   bool
	pending []byte
}

// Hub fans session updates out to connected websocket clients.
type Hub struct {
	snapshot Snapshot
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	numClients prometheus.Gauge
	numDropped prometheus.Counter
}

func NewHub(snapshot Snapshot, enablePrometheus bool) *Hub {
	h := &Hub{
		snapshot: snapshot,
		clients:  make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// CORS is handled for the whole API, dashboards are served from anywhere
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if enablePrometheus {
		h.addPrometheusMetrics()
	}
	return h
}

func (h *Hub) addPrometheusMetrics() {
	h.numClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "occupancy",
		Subsystem: "live",
		Name:      "num_clients",
		Help:      "Number of connected websocket clients",
	})
	h.numDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "occupancy",
		Subsystem: "live",
		Name:      "num_dropped",
		Help:      "Number of websocket clients dropped for falling behind",
	})
	prometheus.MustRegister(h.numClients)
	prometheus.MustRegister(h.numDropped)
}

// Teardown disconnects every client.
func (h *Hub) Teardown() {
	h.mu.Lock()
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	if h.numClients != nil {
		prometheus.Unregister(h.numClients)
		prometheus.Unregister(h.numDropped)
	}
}

// NumClients returns how many clients are registered, including ones still connecting.
func (h *Hub) NumClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// OnSessionsUpdated implements pubsub.SessionsListener
func (h *Hub) OnSessionsUpdated(p *pubsub.SessionsUpdated) {
	frame, err := encodeFrame(p.Sessions)
	if err != nil {
		logger.Err(err).Msg("OnSessionsUpdated: failed to encode frame")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.ready {
			c.pending = frame
			continue
		}
		select {
		case c.send <- frame:
		default:
			logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping slow websocket client")
			if h.numDropped != nil {
				h.numDropped.Inc()
			}
			h.removeLocked(c)
		}
	}
}

func encodeFrame(views []readmodel.SessionView) ([]byte, error) {
	if views == nil {
		views = []readmodel.SessionView{}
	}
	return json.Marshal(Frame{Event: EventSessions, Data: views})
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	if h.numClients != nil {
		h.numClients.Set(float64(len(h.clients)))
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.done)
	if h.numClients != nil {
		h.numClients.Set(float64(len(h.clients)))
	}
}

// ServeHTTP upgrades the request to a websocket, sends the current projection and then
// every update until the client goes away. The client is registered before the projection
// is loaded, so no update committed in between is missed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	c := &client{
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	h.add(c)
	initial, err := h.initialFrame(req.Context(), c)
	if err != nil {
		h.remove(c)
		hlog.FromRequest(req).Err(err).Msg("live: failed to load snapshot")
		http.Error(w, "failed to load sensor data", http.StatusInternalServerError)
		return
	}
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.remove(c)
		// the upgrader has already written an error response
		hlog.FromRequest(req).Info().Err(err).Msg("live: upgrade failed")
		return
	}

	h.mu.Lock()
	c.conn = conn
	c.send <- initial
	if c.pending != nil {
		c.send <- c.pending
		c.pending = nil
	}
	c.ready = true
	h.mu.Unlock()

	go h.readLoop(c)
	h.writeLoop(c)
}

// initialFrame encodes a projection which is at least as new as any update delivered to c
// while it was being loaded. An update which raced the load triggers a fresh load; after
// maxSnapshotAttempts the update is left pending and follows the initial frame.
func (h *Hub) initialFrame(ctx context.Context, c *client) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		views, err := h.snapshot(ctx)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		raced := c.pending != nil
		if raced && attempt < maxSnapshotAttempts {
			c.pending = nil
		}
		h.mu.Unlock()
		if !raced || attempt >= maxSnapshotAttempts {
			return encodeFrame(views)
		}
	}
}

// readLoop discards client messages. It exists to process control frames and notice
// when the client disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}
