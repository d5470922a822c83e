// Package bridge exposes the coordinator's command and event surface over a
// websocket so an out-of-process UI can drive it.
//
// Every frame is a JSON [Envelope]. Clients send commands (type
// "generate", "load_model", ...) and receive an "ack" or "reject" for each,
// followed by the coordinator's events broadcast to every connected client.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/worker"
	"github.com/MrWong99/murmur/pkg/fault"
)

const (
	defaultClientBuffer = 256
	defaultWriteTimeout = 5 * time.Second
	readLimit           = 1 << 20
)

// Controller is the coordinator surface the bridge drives.
// *worker.Coordinator implements it.
type Controller interface {
	Send(ctx context.Context, cmd worker.Command) error
	Events() <-chan worker.Event
	Status() worker.Status
}

var _ Controller = (*worker.Coordinator)(nil)

// Server fans coordinator events out to websocket clients and forwards their
// commands.
type Server struct {
	ctl            Controller
	metrics        *observe.Metrics
	clientBuffer   int
	writeTimeout   time.Duration
	originPatterns []string

	mu      sync.Mutex
	clients map[*client]struct{}
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics records HTTP request metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClientBuffer sets how many events may queue for one client before it
// is disconnected as too slow.
func WithClientBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.clientBuffer = n
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithOriginPatterns allows cross-origin websocket handshakes from hosts
// matching the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// New returns a server for ctl. Call [Server.Run] to start broadcasting.
func New(ctl Controller, opts ...Option) *Server {
	s := &Server{
		ctl:          ctl,
		clientBuffer: defaultClientBuffer,
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Handler returns the HTTP routes: GET /ws upgrades to the event stream and
// GET /status returns the coordinator snapshot.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /status", s.serveStatus)
	return observe.Middleware(s.metrics)(mux)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Run broadcasts events until ctx is cancelled or the event channel closes.
// Events arriving while no client is connected are dropped.
func (s *Server) Run(ctx context.Context) error {
	events := s.ctl.Events()
	for {
		select {
		case <-ctx.Done():
			s.closeAll(websocket.StatusGoingAway, "server shutting down")
			return nil
		case e, ok := <-events:
			if !ok {
				s.closeAll(websocket.StatusNormalClosure, "coordinator stopped")
				return nil
			}
			env, err := EncodeEvent(e)
			if err != nil {
				slog.Warn("bridge: dropping event", "type", e.EventType(), "err", err)
				continue
			}
			s.broadcast(env)
		}
	}
}

func (s *Server) broadcast(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !c.offer(env) {
			slog.Warn("bridge: client too slow, disconnecting", "remote", c.remote)
			delete(s.clients, c)
			c.kick(websocket.StatusPolicyViolation, "client too slow")
		}
	}
}

func (s *Server) closeAll(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		c.kick(code, reason)
	}
}

func (s *Server) add(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.ctl.Status()); err != nil {
		slog.Warn("bridge: encode status", "err", err)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Warn("bridge: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		conn:   conn,
		remote: r.RemoteAddr,
		out:    make(chan Envelope, s.clientBuffer),
		done:   make(chan struct{}),
	}
	s.add(c)
	defer s.remove(c)
	log := observe.Logger(r.Context())
	log.Info("bridge: client connected", "remote", c.remote)

	go func() {
		defer cancel()
		s.writeLoop(ctx, c)
	}()
	s.readLoop(ctx, c)
	c.kick(websocket.StatusNormalClosure, "")
	log.Info("bridge: client disconnected", "remote", c.remote)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("bridge: read failed", "remote", c.remote, "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.reply(Envelope{}, errors.New("bridge: binary frames are not supported"))
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.reply(Envelope{}, err)
			continue
		}
		cmd, err := DecodeCommand(env)
		if err != nil {
			c.reply(env, err)
			continue
		}
		if err := s.ctl.Send(ctx, cmd); err != nil {
			c.reply(env, err)
			continue
		}
		c.reply(env, nil)
	}
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case env := <-c.out:
			data, err := json.Marshal(env)
			if err != nil {
				slog.Warn("bridge: encode frame", "type", env.Type, "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err = c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("bridge: write failed", "remote", c.remote, "err", err)
				return
			}
		}
	}
}

// ── client ──────────────────────────────────────────────────────────────────

type client struct {
	conn   *websocket.Conn
	remote string
	out    chan Envelope

	once sync.Once
	done chan struct{}
}

// offer queues env without blocking. It reports false when the buffer is
// full or the client is gone.
func (c *client) offer(env Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- env:
		return true
	default:
		return false
	}
}

func (c *client) kick(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.done)
		go c.conn.Close(code, reason)
	})
}

// reply answers one client frame with an ack or a reject.
func (c *client) reply(req Envelope, err error) {
	var env Envelope
	var encErr error
	if err != nil {
		env, encErr = newEnvelope(TypeReject, req.ID, Reject{Kind: fault.KindOf(err), Message: err.Error()})
	} else {
		env, encErr = newEnvelope(TypeAck, req.ID, Ack{Command: req.Type})
	}
	if encErr != nil {
		slog.Warn("bridge: encode reply", "err", encErr)
		return
	}
	if !c.offer(env) {
		c.kick(websocket.StatusPolicyViolation, "client too slow")
	}
}
