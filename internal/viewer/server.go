package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/lahn/internal/health"
	"github.com/MrWong99/lahn/internal/observe"
)

const (
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Option is a functional option for [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz from h. Defaults to a handler
// without readiness checks.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithRegistry serves /metrics from reg. Without it /metrics uses the
// default Prometheus gatherer.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithMetrics sets the metrics sink of the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns allows websocket connections from the given origins in
// addition to the server's own host.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// Server is the local HTTP server showing the hub's channels.
type Server struct {
	addr     string
	hub      *Hub
	health   *health.Handler
	registry *prometheus.Registry
	metrics  *observe.Metrics
	origins  []string
}

// NewServer returns a server for hub listening on addr.
func NewServer(addr string, hub *Hub, opts ...Option) *Server {
	s := &Server{addr: addr, hub: hub}
	for _, o := range opts {
		o(s)
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// Handler returns the route table wrapped in [observe.Middleware].
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /ws/{channel}", s.handleWS)
	mux.HandleFunc("GET /frame/{channel}", s.handleFrame)
	s.health.Register(mux)

	var metrics http.Handler = promhttp.Handler()
	if s.registry != nil {
		metrics = promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	}
	mux.Handle("GET /metrics", metrics)

	return observe.Middleware(s.metrics)(mux)
}

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("viewer: listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.Run] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("viewer listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("viewer: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("viewer: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("viewer: serve: %w", err)
	}
	return nil
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	data, err := s.hub.Latest(r.PathValue("channel"))
	switch {
	case errors.Is(err, ErrUnknownChannel):
		http.NotFound(w, r)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	case data == nil:
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("channel")
	frames, cancel, err := s.hub.Subscribe(r.Context(), name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		slog.Debug("viewer: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	// The viewer never sends; CloseRead handles control frames and cancels
	// ctx when the browser goes away.
	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(ctx).With("channel", name)
	log.Debug("viewer connected")

	for {
		select {
		case <-ctx.Done():
			log.Debug("viewer disconnected")
			return
		case data, ok := <-frames:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "channel closed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageBinary, data)
			wcancel()
			if err != nil {
				log.Debug("viewer write failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, indexHTML)
}

const indexHTML = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Lahn Avatar</title>
<style>
body{margin:0;background:#0b2233;color:#eee;font-family:sans-serif;display:flex;gap:1rem;flex-wrap:wrap;padding:1rem}
figure{margin:0}img{max-width:48vw;background:#000}
</style></head>
<body>
<figure><img id="waveform" alt="waveform"><figcaption>waveform</figcaption></figure>
<figure><img id="mirror" alt="mirror"><figcaption>mirror</figcaption></figure>
<script>
for (const name of ["waveform", "mirror"]) {
  const img = document.getElementById(name);
  const connect = () => {
    const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws/" + name);
    ws.binaryType = "blob";
    ws.onmessage = (ev) => {
      const url = URL.createObjectURL(ev.data);
      img.onload = () => URL.revokeObjectURL(url);
      img.src = url;
    };
    ws.onclose = () => setTimeout(connect, 1000);
  };
  connect();
}
</script>
</body>
</html>
`
