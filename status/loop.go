// Package status runs the per-server presence tick: pull the live player
// list over RCON, enrich it with game-DB levels and registry identity, and
// publish the result on the event bus for downstream consumers (rewards,
// guild sync) to react to without touching RCON or the game DB themselves.
package status

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fenwick-ops/gamefleet/events"
	"github.com/fenwick-ops/gamefleet/gamedb"
	"github.com/fenwick-ops/gamefleet/infrastructure/errors"
	"github.com/fenwick-ops/gamefleet/infrastructure/logging"
	"github.com/fenwick-ops/gamefleet/registry"
	"github.com/fenwick-ops/gamefleet/rcon"
)

const tickInterval = 60 * time.Second

// presenceSource is the subset of *rcon.Pool the status loop depends on.
type presenceSource interface {
	ListPlayersSessions(ctx context.Context, server string, cacheOK bool) ([]rcon.Session, error)
}

// levelSource is the subset of *gamedb.Reader the status loop depends on.
type levelSource interface {
	LevelsByPlatformID(ctx context.Context, platformIDs []string) (map[string]int, error)
}

// identitySource is the subset of *registry.Store the status loop depends on.
type identitySource interface {
	ResolveIdentities(ctx context.Context, platformIDs []string) (map[string]registry.Identity, error)
}

// Loop ticks once per server per interval, publishing events.PlayersUpdated.
type Loop struct {
	pool    presenceSource
	readers map[string]levelSource
	store   identitySource
	bus     *events.Bus
	logger  *logging.Logger

	interval time.Duration

	// lastLevels is a per-server fallback cache used when the game DB is
	// temporarily unreachable, so a brief outage doesn't erase every
	// player's displayed level.
	lastLevels map[string]map[string]int

	// snapshotPath is where each tick's cluster-wide JSON export is
	// written; empty disables the export entirely.
	snapshotPath string

	latestMu sync.Mutex
	latest   map[string]events.PlayersUpdated
}

// NewLoop wires a status loop against the concrete pool, per-server game-DB
// readers, and registry store. snapshotPath is the file each tick's
// cluster-wide JSON export is written to; an empty path disables the
// export.
func NewLoop(pool *rcon.Pool, readers map[string]*gamedb.Reader, store *registry.Store, bus *events.Bus, snapshotPath string, logger *logging.Logger) *Loop {
	wrapped := make(map[string]levelSource, len(readers))
	for name, r := range readers {
		wrapped[name] = r
	}
	return newLoop(pool, wrapped, store, bus, snapshotPath, logger)
}

func newLoop(pool presenceSource, readers map[string]levelSource, store identitySource, bus *events.Bus, snapshotPath string, logger *logging.Logger) *Loop {
	return &Loop{
		pool:         pool,
		readers:      readers,
		store:        store,
		bus:          bus,
		logger:       logger,
		interval:     tickInterval,
		lastLevels:   make(map[string]map[string]int),
		snapshotPath: snapshotPath,
		latest:       make(map[string]events.PlayersUpdated),
	}
}

// Run blocks, ticking every interval until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.tickAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tickAll(ctx)
		}
	}
}

func (l *Loop) tickAll(ctx context.Context) {
	for server := range l.readers {
		if err := l.tickServer(ctx, server); err != nil {
			l.logger.Warn(ctx, "status tick failed", map[string]interface{}{
				"server": server,
				"error":  err.Error(),
			})
		}
	}
	l.exportSnapshot(ctx)
}

func (l *Loop) tickServer(ctx context.Context, server string) error {
	sessions, err := l.pool.ListPlayersSessions(ctx, server, true)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		update := events.PlayersUpdated{Server: server, Players: nil}
		l.bus.Publish(update)
		l.recordLatest(server, update)
		return nil
	}

	platformIDs := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if s.PlatformID != "" {
			platformIDs = append(platformIDs, s.PlatformID)
		}
	}

	levels := l.resolveLevels(ctx, server, platformIDs)

	identities := map[string]registry.Identity{}
	if l.store != nil && len(platformIDs) > 0 {
		resolved, err := l.store.ResolveIdentities(ctx, platformIDs)
		if err != nil {
			l.logger.Warn(ctx, "identity resolution failed", map[string]interface{}{
				"server": server,
				"error":  err.Error(),
			})
		} else {
			identities = resolved
		}
	}

	rows := make([]events.PlayerRow, 0, len(sessions))
	for _, s := range sessions {
		row := events.PlayerRow{
			SessionIndex: s.Index,
			CharacterName: s.Name,
			PlatformID:    s.PlatformID,
			Level:         levels[s.PlatformID],
		}
		if id, ok := identities[s.PlatformID]; ok {
			row.Bound = id.Bound
			row.ChatID = id.ChatID
			row.EntitlementLevel = id.Level
		}
		rows = append(rows, row)
	}

	update := events.PlayersUpdated{Server: server, Players: rows}
	l.bus.Publish(update)
	l.recordLatest(server, update)
	return nil
}

// recordLatest stashes the most recent tick's result per server, so the
// cluster-wide JSON snapshot can report every server's state rather than
// only the one that just ticked.
func (l *Loop) recordLatest(server string, update events.PlayersUpdated) {
	l.latestMu.Lock()
	defer l.latestMu.Unlock()
	l.latest[server] = update
}

// snapshot is the on-disk shape of the cluster-wide JSON export: one
// aggregate document covering every server's most recent tick, for an
// external consumer (e.g. a status website) that never touches RCON or
// the game DB directly.
type snapshot struct {
	LastUpdated string           `json:"last_updated"`
	TotalPlayers int             `json:"total_players"`
	Servers     []snapshotServer `json:"servers"`
}

type snapshotServer struct {
	Name         string           `json:"name"`
	PlayersCount int              `json:"players_count"`
	Players      []snapshotPlayer `json:"players"`
}

type snapshotPlayer struct {
	CharacterName    string `json:"char_name"`
	Level            int    `json:"level"`
	Bound            bool   `json:"bound"`
	EntitlementLevel int    `json:"entitlement_level"`
}

// buildSnapshot renders the current latest-per-server state into the
// exported document, servers sorted by name for deterministic output.
func (l *Loop) buildSnapshot() snapshot {
	l.latestMu.Lock()
	defer l.latestMu.Unlock()

	names := make([]string, 0, len(l.latest))
	for name := range l.latest {
		names = append(names, name)
	}
	sort.Strings(names)

	out := snapshot{LastUpdated: time.Now().UTC().Format(time.RFC3339)}
	for _, name := range names {
		update := l.latest[name]
		players := make([]snapshotPlayer, 0, len(update.Players))
		for _, p := range update.Players {
			players = append(players, snapshotPlayer{
				CharacterName:    p.CharacterName,
				Level:            p.Level,
				Bound:            p.Bound,
				EntitlementLevel: p.EntitlementLevel,
			})
		}
		out.TotalPlayers += len(players)
		out.Servers = append(out.Servers, snapshotServer{
			Name:         name,
			PlayersCount: len(players),
			Players:      players,
		})
	}
	return out
}

// exportSnapshot writes the current cluster snapshot to snapshotPath. The
// write is dispatched to its own goroutine so a slow or stalled disk never
// delays the next tick.
func (l *Loop) exportSnapshot(ctx context.Context) {
	if l.snapshotPath == "" {
		return
	}
	data := l.buildSnapshot()
	go func() {
		if err := writeSnapshotFile(l.snapshotPath, data); err != nil {
			l.logger.Warn(ctx, "status snapshot export failed", map[string]interface{}{
				"path":  l.snapshotPath,
				"error": err.Error(),
			})
		}
	}()
}

func writeSnapshotFile(path string, data snapshot) error {
	encoded, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0o644)
}

// resolveLevels queries the game DB for fresh levels, falling back to the
// last known values for this server when the database is unavailable.
func (l *Loop) resolveLevels(ctx context.Context, server string, platformIDs []string) map[string]int {
	reader, ok := l.readers[server]
	if !ok || len(platformIDs) == 0 {
		return l.lastLevels[server]
	}

	levels, err := reader.LevelsByPlatformID(ctx, platformIDs)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeDbUnavailable) {
			l.logger.Warn(ctx, "game db unavailable, using cached levels", map[string]interface{}{
				"server": server,
			})
			return l.lastLevels[server]
		}
		return l.lastLevels[server]
	}

	l.lastLevels[server] = levels
	return levels
}
