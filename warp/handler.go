// Package warp implements the in-game `!warp <name>`, `!sethome`, and
// `!home` commands: teleporting a registered, online character to one of
// its server's configured named locations or to its own saved home,
// subject to a per-character-per-server cooldown.
package warp

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fenwick-ops/gamefleet/config"
	"github.com/fenwick-ops/gamefleet/gamedb"
	"github.com/fenwick-ops/gamefleet/infrastructure/logging"
	"github.com/fenwick-ops/gamefleet/rcon"
	"github.com/fenwick-ops/gamefleet/registry"
)

const defaultCooldown = 5 * time.Minute

// rconClient is the subset of *rcon.Pool the handler depends on.
type rconClient interface {
	ListPlayersSessions(ctx context.Context, server string, cacheOK bool) ([]rcon.Session, error)
	Safe(ctx context.Context, server, charName string, template func(index int) string) error
}

// homeStore is the subset of *registry.Store the handler depends on: the
// registration gate shared by every warp command, plus the saved-home
// coordinates used by !sethome and !home.
type homeStore interface {
	ResolveIdentities(ctx context.Context, platformIDs []string) (map[string]registry.Identity, error)
	SaveHome(ctx context.Context, home registry.Home) error
	GetHome(ctx context.Context, platformID, serverName string) (*registry.Home, error)
}

// positionSource is the subset of *gamedb.Reader the handler depends on to
// resolve a character's live coordinates for !sethome.
type positionSource interface {
	CharacterByName(ctx context.Context, name string) (*gamedb.Character, error)
	CharacterPosition(ctx context.Context, characterID int64) (*gamedb.Position, error)
}

type cooldownKey struct {
	server, charName string
}

// Handler dispatches warp, sethome, and home requests for every configured
// server.
type Handler struct {
	rcon    rconClient
	store   homeStore
	readers map[string]positionSource
	logger  *logging.Logger

	locations       map[string]map[string]config.WarpLocation
	cooldownMinutes map[string]int

	mu        sync.Mutex
	cooldowns map[cooldownKey]time.Time
}

// NewHandler builds a Handler from the fleet's configured warp locations
// and per-server game-DB readers (used only by !sethome; a server absent
// from readers can still !warp and !home).
func NewHandler(pool *rcon.Pool, store *registry.Store, readers map[string]*gamedb.Reader, servers []config.ServerConfig, logger *logging.Logger) *Handler {
	locations := make(map[string]map[string]config.WarpLocation, len(servers))
	cooldownMinutes := make(map[string]int, len(servers))
	for _, sc := range servers {
		byName := make(map[string]config.WarpLocation, len(sc.Warps))
		for _, w := range sc.Warps {
			byName[strings.ToLower(w.Name)] = w
		}
		locations[sc.Name] = byName
		cooldownMinutes[sc.Name] = sc.WarpCooldownMinutes
	}

	wrapped := make(map[string]positionSource, len(readers))
	for name, r := range readers {
		wrapped[name] = r
	}

	return newHandler(pool, store, wrapped, locations, cooldownMinutes, logger)
}

func newHandler(rcon rconClient, store homeStore, readers map[string]positionSource, locations map[string]map[string]config.WarpLocation, cooldownMinutes map[string]int, logger *logging.Logger) *Handler {
	return &Handler{
		rcon:            rcon,
		store:           store,
		readers:         readers,
		locations:       locations,
		cooldownMinutes: cooldownMinutes,
		logger:          logger,
		cooldowns:       make(map[cooldownKey]time.Time),
	}
}

// Handle resolves destName against server's configured locations, checks
// that charName is online and registered, enforces the per-character
// cooldown, and teleports on success. Every rejection is logged and
// swallowed; the router dispatches this from its own goroutine, and there
// is no feedback channel back into the game chat.
func (h *Handler) Handle(ctx context.Context, server, charName, destName string) {
	loc, ok := h.locationFor(server, destName)
	if !ok {
		h.logger.Info(ctx, "warp: unknown destination", map[string]interface{}{
			"server": server, "destination": destName,
		})
		return
	}

	if _, ok := h.resolveRegisteredPlayer(ctx, "warp", server, charName); !ok {
		return
	}

	if remaining, onCooldown := h.checkCooldown(server, charName); onCooldown {
		h.logger.Info(ctx, "warp: on cooldown", map[string]interface{}{
			"server": server, "character": charName, "remaining": remaining.String(),
		})
		return
	}

	if err := h.rcon.Safe(ctx, server, charName, func(index int) string {
		return rcon.TeleportPlayer(index, loc.X, loc.Y, loc.Z)
	}); err != nil {
		h.logger.Warn(ctx, "warp: teleport failed", map[string]interface{}{
			"server": server, "character": charName, "error": err.Error(),
		})
		return
	}

	h.setCooldown(server, charName)
}

// HandleSetHome resolves charName's live in-world coordinates from the
// server's game DB and saves them as its warp-home. Requires both an
// online, registered character and a reachable game-DB reader for server.
func (h *Handler) HandleSetHome(ctx context.Context, server, charName string) {
	platformID, ok := h.resolveRegisteredPlayer(ctx, "sethome", server, charName)
	if !ok {
		return
	}

	reader, ok := h.readers[server]
	if !ok {
		h.logger.Warn(ctx, "sethome: game db unavailable", map[string]interface{}{"server": server})
		return
	}

	char, err := reader.CharacterByName(ctx, charName)
	if err != nil || char == nil {
		h.logger.Warn(ctx, "sethome: character lookup failed", map[string]interface{}{
			"server": server, "character": charName,
		})
		return
	}

	pos, err := reader.CharacterPosition(ctx, char.ID)
	if err != nil || pos == nil {
		h.logger.Warn(ctx, "sethome: position lookup failed", map[string]interface{}{
			"server": server, "character": charName,
		})
		return
	}

	home := registry.Home{PlatformID: platformID, ServerName: server, X: pos.X, Y: pos.Y, Z: pos.Z}
	if err := h.store.SaveHome(ctx, home); err != nil {
		h.logger.Warn(ctx, "sethome: save failed", map[string]interface{}{
			"server": server, "character": charName, "error": err.Error(),
		})
		return
	}

	h.logger.Info(ctx, "sethome: saved", map[string]interface{}{"server": server, "character": charName})
}

// HandleHome teleports charName to its previously saved warp-home, subject
// to the same cooldown !warp uses.
func (h *Handler) HandleHome(ctx context.Context, server, charName string) {
	platformID, ok := h.resolveRegisteredPlayer(ctx, "home", server, charName)
	if !ok {
		return
	}

	if remaining, onCooldown := h.checkCooldown(server, charName); onCooldown {
		h.logger.Info(ctx, "home: on cooldown", map[string]interface{}{
			"server": server, "character": charName, "remaining": remaining.String(),
		})
		return
	}

	home, err := h.store.GetHome(ctx, platformID, server)
	if err != nil || home == nil {
		h.logger.Info(ctx, "home: no home saved", map[string]interface{}{
			"server": server, "character": charName,
		})
		return
	}

	if err := h.rcon.Safe(ctx, server, charName, func(index int) string {
		return rcon.TeleportPlayer(index, home.X, home.Y, home.Z)
	}); err != nil {
		h.logger.Warn(ctx, "home: teleport failed", map[string]interface{}{
			"server": server, "character": charName, "error": err.Error(),
		})
		return
	}

	h.setCooldown(server, charName)
}

// resolveRegisteredPlayer confirms charName is online on server (via its
// current RCON session list) and that its platform id is a bound
// registration, logging and returning ok=false for every rejection. cmd
// names the calling command, used only to label log lines.
func (h *Handler) resolveRegisteredPlayer(ctx context.Context, cmd, server, charName string) (string, bool) {
	sessions, err := h.rcon.ListPlayersSessions(ctx, server, true)
	if err != nil {
		h.logger.Warn(ctx, cmd+": list players failed", map[string]interface{}{
			"server": server, "error": err.Error(),
		})
		return "", false
	}

	var platformID string
	for _, s := range sessions {
		if s.Name == charName {
			platformID = s.PlatformID
			break
		}
	}
	if platformID == "" {
		h.logger.Info(ctx, cmd+": player not found in session list", map[string]interface{}{
			"server": server, "character": charName,
		})
		return "", false
	}

	identities, err := h.store.ResolveIdentities(ctx, []string{platformID})
	if err != nil || !identities[platformID].Bound {
		h.logger.Info(ctx, cmd+": unregistered player attempted command", map[string]interface{}{
			"server": server, "character": charName,
		})
		return "", false
	}

	return platformID, true
}

func (h *Handler) locationFor(server, name string) (config.WarpLocation, bool) {
	locs, ok := h.locations[server]
	if !ok {
		return config.WarpLocation{}, false
	}
	loc, ok := locs[strings.ToLower(name)]
	return loc, ok
}

func (h *Handler) checkCooldown(server, charName string) (time.Duration, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := cooldownKey{server, charName}
	expiry, ok := h.cooldowns[key]
	if !ok {
		return 0, false
	}
	remaining := time.Until(expiry)
	if remaining <= 0 {
		delete(h.cooldowns, key)
		return 0, false
	}
	return remaining, true
}

func (h *Handler) setCooldown(server, charName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	minutes := h.cooldownMinutes[server]
	cooldown := defaultCooldown
	if minutes > 0 {
		cooldown = time.Duration(minutes) * time.Minute
	}
	h.cooldowns[cooldownKey{server, charName}] = time.Now().Add(cooldown)
}
