// Package events provides a small typed in-process publish/subscribe bus.
// It exists so the status loop can hand enriched presence data to the
// reward and guild-sync consumers without those components reaching back
// into RCON or the game DB themselves, and so a slow subscriber cannot
// block the publisher: each subscriber gets its own bounded channel and a
// full channel drops the event with a logged warning rather than stalling
// the status loop.
package events

import (
	"context"
	"sync"

	"github.com/fenwick-ops/gamefleet/infrastructure/logging"
)

// PlayersUpdated is published once per server per status tick.
type PlayersUpdated struct {
	Server  string
	Players []PlayerRow
}

// PlayerRow is one enriched presence row.
type PlayerRow struct {
	SessionIndex int
	CharacterName string
	PlatformID    string
	ChatID        int64
	Bound         bool
	Level         int
	EntitlementLevel int
	OnlineMinutes int
}

const subscriberBufferSize = 32

// Bus fans out PlayersUpdated events to any number of subscribers.
type Bus struct {
	logger *logging.Logger

	mu   sync.RWMutex
	subs map[string]chan PlayersUpdated
}

// New creates an empty Bus.
func New(logger *logging.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[string]chan PlayersUpdated)}
}

// Subscribe registers a named consumer and returns its receive channel.
// Subscribing twice under the same name replaces the previous channel.
func (b *Bus) Subscribe(name string) <-chan PlayersUpdated {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan PlayersUpdated, subscriberBufferSize)
	b.subs[name] = ch
	return ch
}

// Unsubscribe removes and closes a named consumer's channel.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[name]; ok {
		close(ch)
		delete(b.subs, name)
	}
}

// Publish fans event out to every subscriber. A subscriber whose buffer is
// full has the event dropped for it rather than blocking the publisher.
func (b *Bus) Publish(event PlayersUpdated) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, ch := range b.subs {
		select {
		case ch <- event:
		default:
			if b.logger != nil {
				b.logger.Warn(context.Background(), "dropped event for slow subscriber", map[string]interface{}{
					"subscriber": name,
					"server":     event.Server,
				})
			}
		}
	}
}
