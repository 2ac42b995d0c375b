package rcon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fenwick-ops/gamefleet/infrastructure/cache"
	"github.com/fenwick-ops/gamefleet/infrastructure/errors"
	"github.com/fenwick-ops/gamefleet/infrastructure/logging"
	"github.com/fenwick-ops/gamefleet/infrastructure/metrics"
	"github.com/fenwick-ops/gamefleet/infrastructure/resilience"
)

// injectionChars are rejected anywhere in a rendered command. A command
// template is trusted; the session index it is rendered with never is.
const injectionChars = "\n\r;|"

const listPlayersCacheTTL = 500 * time.Millisecond

// ServerTarget names the connection parameters for one server.
type ServerTarget struct {
	Name     string
	Addr     string // host:port
	Password string
}

// serverConn owns one server's long-lived connection, its mutex, and its
// circuit breaker. raw calls on the same server are strictly serialized.
type serverConn struct {
	target ServerTarget
	mu     sync.Mutex
	conn   *conn
	cb     *resilience.CircuitBreaker

	// listCache holds the most recent ListPlayers response under key
	// "players", with listPlayersCacheTTL expiry. A dedicated cache per
	// server (rather than one shared cache keyed by server name) keeps a
	// slow/unreachable server from evicting a healthy one's entry.
	listCache *cache.TTLCache
}

// Pool manages one connection per server and the safe-command helpers
// layered over raw RCON access.
type Pool struct {
	logger      *logging.Logger
	dialTimeout time.Duration

	mu      sync.RWMutex
	servers map[string]*serverConn
}

// NewPool creates an empty pool. Servers are registered with AddServer.
func NewPool(logger *logging.Logger) *Pool {
	return &Pool{
		logger:      logger,
		dialTimeout: 5 * time.Second,
		servers:     make(map[string]*serverConn),
	}
}

// AddServer registers a server target. The connection is established lazily
// on first use.
func (p *Pool) AddServer(target ServerTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers[target.Name] = &serverConn{
		target:    target,
		cb:        resilience.New(resilience.DefaultConfig()),
		listCache: cache.NewTTLCache(listPlayersCacheTTL),
	}
}

func (p *Pool) serverFor(server string) (*serverConn, error) {
	p.mu.RLock()
	sc, ok := p.servers[server]
	p.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal, "unknown rcon server "+server)
	}
	return sc, nil
}

// ensureConn dials (or redials) the server's connection. Caller must hold sc.mu.
func (p *Pool) ensureConn(ctx context.Context, sc *serverConn) error {
	if sc.conn != nil {
		return nil
	}
	err := sc.cb.Execute(ctx, func() error {
		c, err := dial(ctx, sc.target.Addr, sc.target.Password, p.dialTimeout)
		if err != nil {
			return err
		}
		sc.conn = c
		return nil
	})
	if err != nil {
		metrics.Global().RecordRconReconnect(sc.target.Name)
		return errors.TransientTransport(sc.target.Name, err)
	}
	return nil
}

// Raw issues cmd against server with up to `retries` reconnect attempts on
// transport failure. Nothing about cmd is sanitized; callers that accept
// user-influenced input must go through Safe/SafeBatch instead.
func (p *Pool) Raw(ctx context.Context, server, cmd string, retries int) (string, error) {
	sc, err := p.serverFor(server)
	if err != nil {
		return "", err
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		sc.mu.Lock()
		if err := p.ensureConn(ctx, sc); err != nil {
			sc.mu.Unlock()
			lastErr = err
			continue
		}
		resp, err := sc.conn.execute(cmd)
		if err != nil {
			sc.conn.close()
			sc.conn = nil
			sc.mu.Unlock()
			lastErr = errors.TransientTransport(server, err)
			continue
		}
		sc.mu.Unlock()
		metrics.Global().RecordRconCommand(server, commandName(cmd), "ok", time.Since(start))
		return resp, nil
	}

	metrics.Global().RecordRconCommand(server, commandName(cmd), "error", time.Since(start))
	return "", lastErr
}

func commandName(cmd string) string {
	if idx := strings.IndexByte(cmd, ' '); idx >= 0 {
		return cmd[:idx]
	}
	return cmd
}

// ListPlayers returns the raw ListPlayers response, optionally served from
// a short-lived cache. The cache window is intentionally tiny: any longer
// and a logged-off player's session index could silently point at a
// different person.
func (p *Pool) ListPlayers(ctx context.Context, server string, cacheOK bool) (string, error) {
	sc, err := p.serverFor(server)
	if err != nil {
		return "", err
	}

	if cacheOK {
		if cached, ok := sc.listCache.Get(ctx, "players"); ok {
			return cached.(string), nil
		}
	}

	resp, err := p.Raw(ctx, server, "ListPlayers", 3)
	if err != nil {
		return "", err
	}

	sc.listCache.Set(ctx, "players", resp)
	return resp, nil
}

// Session is one parsed ListPlayers row: session_idx | char_name | <two
// other fields> | platform_id.
type Session struct {
	Index      int
	Name       string
	PlatformID string
}

// parseListPlayers parses the pipe-delimited ListPlayers response. Rows are
// tolerant of leading/trailing whitespace and blank lines, and of a header
// line that doesn't parse as a session row.
func parseListPlayers(raw string) []Session {
	var sessions []Session
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 2 {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(strings.TrimSpace(fields[0]), "%d", &idx); err != nil {
			continue
		}
		session := Session{Index: idx, Name: strings.TrimSpace(fields[1])}
		if len(fields) >= 5 {
			session.PlatformID = strings.TrimSpace(fields[4])
		}
		sessions = append(sessions, session)
	}
	return sessions
}

// ListPlayersSessions is the public, parsed form of ListPlayers, used by
// the status loop and the registration handshake which need the full row
// rather than just a resolved session index.
func (p *Pool) ListPlayersSessions(ctx context.Context, server string, cacheOK bool) ([]Session, error) {
	raw, err := p.ListPlayers(ctx, server, cacheOK)
	if err != nil {
		return nil, err
	}
	return parseListPlayers(raw), nil
}

func findSession(sessions []Session, charName string) (Session, bool) {
	for _, s := range sessions {
		if s.Name == charName {
			return s, true
		}
	}
	return Session{}, false
}

func sanitizeRendered(cmd string) error {
	if strings.ContainsAny(cmd, injectionChars) {
		return errors.SanitizationRejected(cmd)
	}
	return nil
}

const maxSafeLoopRetries = 3

// Safe resolves charName's current session index from a fresh (or
// micro-cached, on the first attempt only) player list, renders template
// with that index, rejects it if it contains injection characters, and
// submits it with no raw-level retries. A transport failure restarts the
// whole resolve+render+submit loop, since the player may have relogged and
// received a new index; at most maxSafeLoopRetries attempts are made in all.
func (p *Pool) Safe(ctx context.Context, server, charName string, template func(index int) string) error {
	var lastErr error
	for attempt := 0; attempt < maxSafeLoopRetries; attempt++ {
		raw, err := p.ListPlayers(ctx, server, attempt == 0)
		if err != nil {
			lastErr = err
			continue
		}

		session, ok := findSession(parseListPlayers(raw), charName)
		if !ok {
			return errors.PlayerNotOnline(charName)
		}

		rendered := template(session.Index)
		if err := sanitizeRendered(rendered); err != nil {
			return err
		}

		if _, err := p.Raw(ctx, server, rendered, 0); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// SafeBatch resolves charName once, then issues every template against that
// same session index. Any single command's failure restarts the entire
// batch with a fresh resolution, which is required for DNA injection where
// every property command must land on the same underlying item instance.
func (p *Pool) SafeBatch(ctx context.Context, server, charName string, templates []func(index int) string) error {
	var lastErr error
	for attempt := 0; attempt < maxSafeLoopRetries; attempt++ {
		raw, err := p.ListPlayers(ctx, server, attempt == 0)
		if err != nil {
			lastErr = err
			continue
		}

		session, ok := findSession(parseListPlayers(raw), charName)
		if !ok {
			return errors.PlayerNotOnline(charName)
		}

		rendered := make([]string, 0, len(templates))
		for _, tmpl := range templates {
			cmd := tmpl(session.Index)
			if err := sanitizeRendered(cmd); err != nil {
				return err
			}
			rendered = append(rendered, cmd)
		}

		failed := false
		for _, cmd := range rendered {
			if _, err := p.Raw(ctx, server, cmd, 0); err != nil {
				lastErr = err
				failed = true
				break
			}
		}
		if !failed {
			return nil
		}
	}
	return lastErr
}

// Close disconnects every open server connection.
func (p *Pool) Close() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sc := range p.servers {
		sc.mu.Lock()
		if sc.conn != nil {
			sc.conn.close()
			sc.conn = nil
		}
		sc.mu.Unlock()
	}
}
