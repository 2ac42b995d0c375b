// Package router turns log-tailer lines into in-game chat commands,
// dispatching each matched handler as an independent task so a slow
// handler never blocks the tailer that fed it.
package router

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fenwick-ops/gamefleet/infrastructure/logging"
)

// Speaker is the character/account that produced a chat line.
type Speaker struct {
	CharacterName string
	UID           string
}

var speakerPattern = regexp.MustCompile(`ChatWindow: Character (\S+) \(uid`)

func extractSpeaker(line string) (Speaker, bool) {
	m := speakerPattern.FindStringSubmatch(line)
	if m == nil {
		return Speaker{}, false
	}
	return Speaker{CharacterName: m[1]}, true
}

// Command identifies a matched chat command and its captured arguments.
type Command struct {
	Name    string
	Speaker Speaker
	Args    []string
	Line    string
}

// Handler processes one matched Command. Handlers are invoked from their
// own goroutine; they must not block the router.
type Handler func(ctx context.Context, cmd Command)

type rule struct {
	name    string
	pattern *regexp.Regexp
}

// fixed dispatch table, tried in order, per the router's command surface.
var rules = []rule{
	{"deposit", regexp.MustCompile(`!deposit\s+(\d+)`)},
	{"sell", regexp.MustCompile(`!sell\s+(\d+)\s+(\d+)`)},
	{"buy", regexp.MustCompile(`!buy\s+(\d+)`)},
	{"withdraw", regexp.MustCompile(`!withdraw\s+(\d+)`)},
	{"balance", regexp.MustCompile(`!balance\b`)},
	{"markethelp", regexp.MustCompile(`!markethelp\b`)},
	{"market", regexp.MustCompile(`!market\b`)},
	{"warp", regexp.MustCompile(`!warp\s+(\S+)`)},
	{"sethome", regexp.MustCompile(`!sethome\b`)},
	{"home", regexp.MustCompile(`!home\b`)},
	{"register", regexp.MustCompile(`!register\s+(\S+)`)},
}

const dedupTTL = time.Minute

// Router matches tailed log lines against the fixed command table and
// fans each match out to its registered handler.
type Router struct {
	logger    *logging.Logger
	handlers  map[string]Handler
	limiters  map[string]*rate.Limiter
	limiterMu sync.Mutex
	rateLimit rate.Limit
	rateBurst int

	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

// New creates a Router. rateLimit/rateBurst configure the per-speaker
// token bucket guarding against chat command floods.
func New(logger *logging.Logger, rateLimit rate.Limit, rateBurst int) *Router {
	return &Router{
		logger:    logger,
		handlers:  make(map[string]Handler),
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: rateLimit,
		rateBurst: rateBurst,
		dedup:     make(map[string]time.Time),
	}
}

// On registers the handler for a command name (must match one of the
// fixed rule names).
func (r *Router) On(name string, handler Handler) {
	r.handlers[name] = handler
}

func (r *Router) limiterFor(uid string) *rate.Limiter {
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()
	l, ok := r.limiters[uid]
	if !ok {
		l = rate.NewLimiter(r.rateLimit, r.rateBurst)
		r.limiters[uid] = l
	}
	return l
}

// Dispatch tries every rule against line in order; the first match whose
// line also contains a speaker marker fires its handler as an independent
// goroutine. Only the first matching rule fires per line.
func (r *Router) Dispatch(ctx context.Context, line string) {
	speaker, ok := extractSpeaker(line)
	if !ok {
		return
	}

	for _, rl := range rules {
		m := rl.pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		handler, registered := r.handlers[rl.name]
		if !registered {
			return
		}

		if !r.limiterFor(speaker.CharacterName).Allow() {
			if r.logger != nil {
				r.logger.Warn(ctx, "command rate limited", map[string]interface{}{
					"speaker": speaker.CharacterName,
					"command": rl.name,
				})
			}
			return
		}

		cmd := Command{Name: rl.name, Speaker: speaker, Args: m[1:], Line: line}
		go handler(ctx, cmd)
		return
	}
}

// SuppressDuplicate reports whether (speaker, destination) has already
// fired within the dedup TTL for lineHash, and records it if not. Used by
// handlers (warp) that re-read recent log tails and would otherwise
// double-fire on the same line across polls.
func (r *Router) SuppressDuplicate(speaker, destination, lineHash string) bool {
	key := speaker + "|" + destination + "|" + lineHash

	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()

	now := time.Now()
	for k, t := range r.dedup {
		if now.Sub(t) > dedupTTL {
			delete(r.dedup, k)
		}
	}

	if t, ok := r.dedup[key]; ok && now.Sub(t) <= dedupTTL {
		return true
	}
	r.dedup[key] = now
	return false
}

// ParseSlot parses a !deposit/!sell slot argument.
func ParseSlot(raw string) (int, error) {
	return strconv.Atoi(raw)
}

// ParseAmount parses a !withdraw/!sell price argument.
func ParseAmount(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}
