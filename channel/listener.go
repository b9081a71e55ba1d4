package channel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultHandshakeTimeout bounds the Noise handshake plus hello
	// exchange for inbound connections.
	DefaultHandshakeTimeout = 10 * time.Second

	defaultPerIPRate   = 1.0
	defaultPerIPBurst  = 5
	defaultGlobalRate  = 32.0
	defaultGlobalBurst = 64
)

// SessionHandler owns an accepted channel for its lifetime. It runs on its
// own goroutine and must close the channel when done.
type SessionHandler interface {
	HandleChannel(ctx context.Context, ch *Channel)
}

// ListenerConfig tunes the accept loop.
type ListenerConfig struct {
	HandshakeTimeout time.Duration
	PerIPRate        float64
	PerIPBurst       int
	GlobalRate       float64
	GlobalBurst      int
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PerIPRate <= 0 {
		c.PerIPRate = defaultPerIPRate
	}
	if c.PerIPBurst <= 0 {
		c.PerIPBurst = defaultPerIPBurst
	}
	if c.GlobalRate <= 0 {
		c.GlobalRate = defaultGlobalRate
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = defaultGlobalBurst
	}
	return c
}

// Listener accepts inbound connections, rate-limits them, completes the
// handshake and hands established channels to the session handler.
type Listener struct {
	ln      net.Listener
	cfg     Config
	lcfg    ListenerConfig
	handler SessionHandler
	log     *slog.Logger

	global *rate.Limiter

	mu    sync.Mutex
	perIP map[string]*rate.Limiter

	metrics *channelMetrics
	wg      sync.WaitGroup
}

// NewListener wraps an already bound net.Listener.
func NewListener(ln net.Listener, cfg Config, lcfg ListenerConfig, handler SessionHandler, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	lcfg = lcfg.withDefaults()
	return &Listener{
		ln:      ln,
		cfg:     cfg,
		lcfg:    lcfg,
		handler: handler,
		log:     log,
		global:  rate.NewLimiter(rate.Limit(lcfg.GlobalRate), lcfg.GlobalBurst),
		perIP:   make(map[string]*rate.Limiter),
		metrics: getChannelMetrics(),
	}
}

// Endpoint renders the advertised noise:// URL for this listener.
func (l *Listener) Endpoint() string {
	return FormatEndpoint(l.ln.Addr().String(), l.cfg.Static.Public)
}

// Serve accepts until the context is cancelled or the listener is closed.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.wg.Wait()
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				return nil
			}
			l.log.Warn("accept failed", "error", err.Error())
			continue
		}
		if !l.allow(conn) {
			l.metrics.observeRateLimited()
			conn.Close()
			continue
		}
		l.wg.Add(1)
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) allow(conn net.Conn) bool {
	if !l.global.Allow() {
		return false
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}
	l.mu.Lock()
	limiter, ok := l.perIP[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.lcfg.PerIPRate), l.lcfg.PerIPBurst)
		l.perIP[host] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()

	hsCtx, cancel := context.WithTimeout(ctx, l.lcfg.HandshakeTimeout)
	ch, err := Accept(hsCtx, conn, l.cfg)
	cancel()
	if err != nil {
		l.metrics.observeHandshakeFailure()
		l.log.Warn("inbound handshake failed", "remote", conn.RemoteAddr().String(), "error", err.Error())
		conn.Close()
		return
	}
	l.metrics.observeSession()
	l.log.Info("channel established", "peer", ch.RemoteIdentity().String())
	l.handler.HandleChannel(ctx, ch)
}
