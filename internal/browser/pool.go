// Package browser maintains authenticated headless-browser sessions and
// exposes a "fetch inside this page" primitive for requests the direct
// HTTP client cannot get past anti-bot checks.
package browser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/daxiondi/seedance2.0/internal/auth"
	"github.com/daxiondi/seedance2.0/internal/platform"
)

// Config tunes browser sessions.
type Config struct {
	Headless     bool
	UserAgent    string
	ExecPath     string
	NavTimeout   time.Duration
	ReadyTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns production browser settings.
func DefaultConfig() Config {
	return Config{
		Headless:     true,
		NavTimeout:   45 * time.Second,
		ReadyTimeout: 30 * time.Second,
		IdleTimeout:  10 * time.Minute,
	}
}

// Key identifies one authenticated session: at most one live page exists
// per (platform, credential) pair.
type Key struct {
	Platform   *platform.Platform
	Credential auth.Credential
}

func (k Key) id() string {
	sum := sha256.Sum256([]byte(k.Credential.Token))
	return k.Platform.Key + "|" + hex.EncodeToString(sum[:6])
}

// FetchOptions shape an in-page network call.
type FetchOptions struct {
	Method  string
	Headers map[string]string
	Body    string
}

// page is the minimal surface the pool drives. The production
// implementation is a chromedp tab; tests substitute fakes.
type page interface {
	fetch(ctx context.Context, url string, opt FetchOptions) ([]byte, error)
	alive() bool
	close()
}

// pageFactory owns the shared browser process.
type pageFactory interface {
	newPage(ctx context.Context, key Key) (page, error)
	recycle()
	close()
}

type session struct {
	id   string
	pg   page
	lock chan struct{} // FIFO execution lock, capacity 1
	idle *time.Timer
}

// Pool multiplexes jobs over a small set of expensive browser sessions.
// Operations on one key are serialized; unrelated keys proceed in
// parallel.
type Pool struct {
	cfg     Config
	logger  *zap.Logger
	factory pageFactory

	mu       sync.Mutex
	sessions map[string]*session
	group    singleflight.Group
	onCount  func(live int)
	observe  func(platformKey, outcome string)
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithFactory substitutes the page factory (used by tests).
func WithFactory(f pageFactory) PoolOption {
	return func(p *Pool) { p.factory = f }
}

// WithSessionGauge registers a callback observing the live session count.
func WithSessionGauge(fn func(live int)) PoolOption {
	return func(p *Pool) { p.onCount = fn }
}

// WithCallObserver registers a per-fetch outcome callback ("ok" or the
// error code). Used to feed the vendor-call metrics.
func WithCallObserver(fn func(platformKey, outcome string)) PoolOption {
	return func(p *Pool) { p.observe = fn }
}

// NewPool creates a session pool. The shared browser launches lazily on
// first use.
func NewPool(cfg Config, logger *zap.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = DefaultConfig().NavTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultConfig().ReadyTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}

	p := &Pool{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "browser_pool")),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.factory == nil {
		p.factory = newChromeFactory(cfg, p.logger)
	}
	return p
}

// Fetch executes an authenticated in-page network call and classifies the
// response with the same rules as the direct client.
//
// If the shared browser died, the pool discards it together with every
// cached session and retries the call once against a fresh browser; a
// second failure propagates.
func (p *Pool) Fetch(ctx context.Context, key Key, url string, opt FetchOptions) (map[string]any, error) {
	data, err := p.fetch(ctx, key, url, opt)
	if p.observe != nil {
		p.observe(key.Platform.Key, platform.CallOutcome(err))
	}
	return data, err
}

func (p *Pool) fetch(ctx context.Context, key Key, url string, opt FetchOptions) (map[string]any, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		body, err := p.fetchOnce(ctx, key, url, opt)
		if err == nil {
			return platform.Classify(key.Platform, body)
		}
		lastErr = err
		if attempt == 0 && isClosedErr(err) {
			p.logger.Warn("browser died, relaunching",
				zap.String("session", key.id()),
				zap.Error(err),
			)
			p.recycleAll()
			continue
		}
		break
	}
	return nil, lastErr
}

// Refresh force-closes a session so the next use recreates it. Used when
// a call reports the vendor's re-verification code.
func (p *Pool) Refresh(key Key) {
	p.evict(key.id())
}

// Close tears down every session and the shared browser.
func (p *Pool) Close() {
	p.mu.Lock()
	for id, s := range p.sessions {
		s.idle.Stop()
		s.pg.close()
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	p.factory.close()
	p.reportCount()
}

func (p *Pool) fetchOnce(ctx context.Context, key Key, url string, opt FetchOptions) ([]byte, error) {
	s, err := p.session(ctx, key)
	if err != nil {
		return nil, err
	}

	// In-page JS execution is not safely concurrent; all calls on one
	// key queue behind this lock.
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.lock }()

	body, err := s.pg.fetch(ctx, url, opt)
	if err != nil {
		if isClosedErr(err) {
			p.evict(s.id)
		}
		return nil, err
	}
	s.idle.Reset(p.cfg.IdleTimeout)
	return body, nil
}

func (p *Pool) session(ctx context.Context, key Key) (*session, error) {
	id := key.id()

	p.mu.Lock()
	if s, ok := p.sessions[id]; ok && s.pg.alive() {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(id, func() (any, error) {
		p.mu.Lock()
		if s, ok := p.sessions[id]; ok && s.pg.alive() {
			p.mu.Unlock()
			return s, nil
		}
		if s, ok := p.sessions[id]; ok {
			s.idle.Stop()
			s.pg.close()
			delete(p.sessions, id)
		}
		p.mu.Unlock()

		pg, err := p.factory.newPage(ctx, key)
		if err != nil {
			return nil, err
		}
		s := &session{
			id:   id,
			pg:   pg,
			lock: make(chan struct{}, 1),
		}
		s.idle = time.AfterFunc(p.cfg.IdleTimeout, func() {
			p.logger.Debug("session idle, evicting", zap.String("session", id))
			p.evict(id)
		})

		p.mu.Lock()
		p.sessions[id] = s
		p.mu.Unlock()
		p.reportCount()

		p.logger.Info("browser session ready", zap.String("session", id))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

func (p *Pool) evict(id string) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		s.idle.Stop()
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if ok {
		s.pg.close()
		p.reportCount()
	}
}

func (p *Pool) recycleAll() {
	p.mu.Lock()
	for id, s := range p.sessions {
		s.idle.Stop()
		s.pg.close()
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	p.factory.recycle()
	p.reportCount()
}

func (p *Pool) reportCount() {
	if p.onCount == nil {
		return
	}
	p.mu.Lock()
	n := len(p.sessions)
	p.mu.Unlock()
	p.onCount(n)
}

// isClosedErr recognizes the "browser or target went away" error class.
func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range []string{
		"context canceled",
		"target closed",
		"browser closed",
		"session closed",
		"target crashed",
		"websocket: close",
		"inspected target navigated or closed",
	} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
