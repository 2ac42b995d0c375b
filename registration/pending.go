// Package registration implements the three-step chat/game identity
// handshake: a chat-side code is minted and handed to the player, the
// command router observes the player typing it in-game, and the next
// status tick resolves the player's live platform id and binds the two
// identities together in the registry.
package registration

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/fenwick-ops/gamefleet/infrastructure/logging"
)

const pendingTTL = 10 * time.Minute

// codeAlphabet avoids visually ambiguous characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// binder is the subset of *registry.Store the handshake needs.
type binder interface {
	BindIdentity(ctx context.Context, platformID string, chatID int64) error
}

// pendingEntry tracks one in-flight registration.
type pendingEntry struct {
	chatID        int64
	characterName string
	expiresAt     time.Time
}

// Manager owns the in-memory table of pending registrations. It is the
// only mutable, non-registry state in the handshake; losing it on restart
// only costs the user a fresh /register.
type Manager struct {
	store  binder
	logger *logging.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// New creates an empty registration Manager.
func New(store binder, logger *logging.Logger) *Manager {
	return &Manager{
		store:   store,
		logger:  logger,
		pending: make(map[string]*pendingEntry),
	}
}

// MintCode generates a fresh code bound to chatID and stores it pending,
// expiring in 10 minutes.
func (m *Manager) MintCode(chatID int64) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[code] = &pendingEntry{chatID: chatID, expiresAt: time.Now().Add(pendingTTL)}
	return code, nil
}

func randomCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, len(buf))
	for i, b := range buf {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(code), nil
}

// ObserveInGameCode is called by the command router when it sees a
// `!register <code>` line. It records the speaking character's name on the
// pending entry so the next status tick can resolve the platform id. A
// code that doesn't exist, has expired, or is already bound is ignored.
func (m *Manager) ObserveInGameCode(code, characterName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pending[code]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(m.pending, code)
		return
	}
	entry.characterName = characterName
}

// Reconcile is called once per status tick with the server's current
// online roster. Every pending entry whose recorded character name
// appears online has its chat_id bound to the live platform_id, is
// removed from pending, and is returned so the caller can DM confirmation.
// Expired entries are swept regardless of whether they matched.
func (m *Manager) Reconcile(ctx context.Context, onlineByName map[string]string) []Bound {
	m.mu.Lock()
	var toBind []struct {
		code       string
		chatID     int64
		platformID string
	}
	now := time.Now()
	for code, entry := range m.pending {
		if now.After(entry.expiresAt) {
			delete(m.pending, code)
			continue
		}
		if entry.characterName == "" {
			continue
		}
		platformID, online := onlineByName[entry.characterName]
		if !online || platformID == "" {
			continue
		}
		toBind = append(toBind, struct {
			code       string
			chatID     int64
			platformID string
		}{code, entry.chatID, platformID})
		delete(m.pending, code)
	}
	m.mu.Unlock()

	var bound []Bound
	for _, b := range toBind {
		if err := m.store.BindIdentity(ctx, b.platformID, b.chatID); err != nil {
			m.logger.Warn(ctx, "identity bind failed", map[string]interface{}{
				"chat_id":     b.chatID,
				"platform_id": b.platformID,
				"error":       err.Error(),
			})
			continue
		}
		bound = append(bound, Bound{ChatID: b.chatID, PlatformID: b.platformID})
	}
	return bound
}

// Bound reports one registration that was just completed.
type Bound struct {
	ChatID     int64
	PlatformID string
}
