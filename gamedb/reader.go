// Package gamedb provides read-only batched access to the per-server game
// databases: characters, accounts, guilds, item inventories, actor
// positions, and the event log. The operations plane never writes to these
// files; all mutation happens over RCON (see package rcon) and is recorded
// separately in the registry.
package gamedb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/tidwall/gjson"

	"github.com/fenwick-ops/gamefleet/infrastructure/errors"
	"github.com/fenwick-ops/gamefleet/internal/batching"
)

// Reader is a read-only handle onto one server's game database.
type Reader struct {
	serverName string
	db         *sqlx.DB
}

// Open opens the sqlite file at path in read-only, shared-cache mode. A
// failed open is reported as DbUnavailable rather than a bare error so
// callers can fall back to cached state.
func Open(serverName, path string) (*Reader, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&cache=shared&_busy_timeout=3000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.DbUnavailable(serverName, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.DbUnavailable(serverName, err)
	}
	db.SetMaxOpenConns(4)
	return &Reader{serverName: serverName, db: db}, nil
}

// Close closes the underlying handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

// Character is a row of the characters table joined with its owning
// account's platform id.
type Character struct {
	ID         int64  `db:"id"`
	Name       string `db:"char_name"`
	PlatformID string `db:"platform_id"`
	GuildID    sql.NullInt64 `db:"guild"`
	Level      int    `db:"level"`
}

// CharacterByName looks up a single character by name. Absence is not an
// error: callers get a nil pointer.
func (r *Reader) CharacterByName(ctx context.Context, name string) (*Character, error) {
	var c Character
	err := r.db.GetContext(ctx, &c, `
		SELECT c.id, c.char_name, a.platformId AS platform_id, c.guild, c.level
		FROM characters c JOIN account a ON a.id = c.playerId
		WHERE c.char_name = ?
	`, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DbUnavailable(r.serverName, err)
	}
	return &c, nil
}

// CharactersByName batch-resolves character rows by name, chunking the IN
// list to respect sqlite's bound-parameter limit.
func (r *Reader) CharactersByName(ctx context.Context, names []string) (map[string]Character, error) {
	result := make(map[string]Character, len(names))
	for _, chunk := range batching.ChunkStrings(names) {
		query, args, err := sqlx.In(`
			SELECT c.id, c.char_name, a.platformId AS platform_id, c.guild, c.level
			FROM characters c JOIN account a ON a.id = c.playerId
			WHERE c.char_name IN (?)
		`, chunk)
		if err != nil {
			return nil, errors.DbUnavailable(r.serverName, err)
		}
		query = r.db.Rebind(query)

		var rows []Character
		if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, errors.DbUnavailable(r.serverName, err)
		}
		for _, c := range rows {
			result[c.Name] = c
		}
	}
	return result, nil
}

// LevelsByPlatformID batch-resolves character levels keyed by platform id,
// used by the status loop to enrich presence without a per-player query.
func (r *Reader) LevelsByPlatformID(ctx context.Context, platformIDs []string) (map[string]int, error) {
	result := make(map[string]int, len(platformIDs))
	for _, chunk := range batching.ChunkStrings(platformIDs) {
		query, args, err := sqlx.In(`
			SELECT a.platformId AS platform_id, c.level
			FROM characters c JOIN account a ON a.id = c.playerId
			WHERE a.platformId IN (?)
		`, chunk)
		if err != nil {
			return nil, errors.DbUnavailable(r.serverName, err)
		}
		query = r.db.Rebind(query)

		rows, err := r.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return nil, errors.DbUnavailable(r.serverName, err)
		}
		for rows.Next() {
			var platformID string
			var level int
			if err := rows.Scan(&platformID, &level); err != nil {
				rows.Close()
				return nil, errors.DbUnavailable(r.serverName, err)
			}
			result[platformID] = level
		}
		rows.Close()
	}
	return result, nil
}

// InventoryItem is one row of item_inventory.
type InventoryItem struct {
	OwnerID    int64  `db:"owner_id"`
	ItemID     int64  `db:"item_id"`
	InvType    int    `db:"inv_type"`
	TemplateID int64  `db:"template_id"`
	Data       []byte `db:"data"`
}

// InventoryAt reads the single item at (ownerID, slot, invType). item_id in
// this schema doubles as the inventory slot index.
func (r *Reader) InventoryAt(ctx context.Context, ownerID int64, slot, invType int) (*InventoryItem, error) {
	var item InventoryItem
	err := r.db.GetContext(ctx, &item, `
		SELECT owner_id, item_id, inv_type, template_id, data
		FROM item_inventory
		WHERE owner_id = ? AND item_id = ? AND inv_type = ?
	`, ownerID, slot, invType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DbUnavailable(r.serverName, err)
	}
	return &item, nil
}

// InventoryByTemplate returns every row for ownerID holding templateID
// across the given inventory types, used to detect buy-time stack
// collisions and to diff inventory before/after a spawn.
func (r *Reader) InventoryByTemplate(ctx context.Context, ownerID, templateID int64, invTypes []int) ([]InventoryItem, error) {
	query, args, err := sqlx.In(`
		SELECT owner_id, item_id, inv_type, template_id, data
		FROM item_inventory
		WHERE owner_id = ? AND template_id = ? AND inv_type IN (?)
	`, ownerID, templateID, invTypes)
	if err != nil {
		return nil, errors.DbUnavailable(r.serverName, err)
	}
	query = r.db.Rebind(query)

	var items []InventoryItem
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, errors.DbUnavailable(r.serverName, err)
	}
	return items, nil
}

// Position is a row of actor_position.
type Position struct {
	ID    int64   `db:"id"`
	X     float64 `db:"x"`
	Y     float64 `db:"y"`
	Z     float64 `db:"z"`
	Class string  `db:"class"`
}

// CharacterPosition resolves a character's live world coordinates, used to
// validate warp targets and the general coordinate-lookup surface.
func (r *Reader) CharacterPosition(ctx context.Context, characterID int64) (*Position, error) {
	var pos Position
	err := r.db.GetContext(ctx, &pos, `
		SELECT p.id, p.x, p.y, p.z, p.class
		FROM actor_position p JOIN characters c ON c.id = p.id
		WHERE c.id = ?
	`, characterID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DbUnavailable(r.serverName, err)
	}
	return &pos, nil
}

// Guild is a row of guilds.
type Guild struct {
	GuildID int64  `db:"guildId"`
	Name    string `db:"name"`
}

// OwnerResolution is the result of resolving one opaque owner id from a
// building-pieces query: it is either a guild or a character, and carries
// the platform ids of every member who should be notified.
type OwnerResolution struct {
	OwnerID      int64
	IsGuild      bool
	Name         string
	MemberIDs    []string // platform ids
	EntitlementLevel int
}

// ResolveOwners batch-classifies a set of opaque owner ids as guild or
// character, and collects each owner's member platform ids in O(1) batched
// queries rather than a per-id loop, since the building set can reach the
// thousands.
func (r *Reader) ResolveOwners(ctx context.Context, ownerIDs []int64) (map[int64]*OwnerResolution, error) {
	result := make(map[int64]*OwnerResolution, len(ownerIDs))

	for _, chunk := range batching.ChunkInt64s(ownerIDs) {
		guildQuery, guildArgs, err := sqlx.In(`SELECT guildId, name FROM guilds WHERE guildId IN (?)`, chunk)
		if err != nil {
			return nil, errors.DbUnavailable(r.serverName, err)
		}
		guildQuery = r.db.Rebind(guildQuery)

		var guilds []Guild
		if err := r.db.SelectContext(ctx, &guilds, guildQuery, guildArgs...); err != nil {
			return nil, errors.DbUnavailable(r.serverName, err)
		}
		guildIDs := make([]int64, 0, len(guilds))
		for _, g := range guilds {
			guildIDs = append(guildIDs, g.GuildID)
			result[g.GuildID] = &OwnerResolution{OwnerID: g.GuildID, IsGuild: true, Name: g.Name}
		}

		if len(guildIDs) > 0 {
			memberQuery, memberArgs, err := sqlx.In(`
				SELECT c.guild AS guild_id, a.platformId AS platform_id
				FROM characters c JOIN account a ON a.id = c.playerId
				WHERE c.guild IN (?)
			`, guildIDs)
			if err != nil {
				return nil, errors.DbUnavailable(r.serverName, err)
			}
			memberQuery = r.db.Rebind(memberQuery)

			rows, err := r.db.QueryxContext(ctx, memberQuery, memberArgs...)
			if err != nil {
				return nil, errors.DbUnavailable(r.serverName, err)
			}
			for rows.Next() {
				var guildID int64
				var platformID string
				if err := rows.Scan(&guildID, &platformID); err != nil {
					rows.Close()
					return nil, errors.DbUnavailable(r.serverName, err)
				}
				if owner, ok := result[guildID]; ok {
					owner.MemberIDs = append(owner.MemberIDs, platformID)
				}
			}
			rows.Close()
		}

		// Remaining ids in this chunk that weren't guilds are characters.
		var remaining []int64
		for _, id := range chunk {
			if _, ok := result[id]; !ok {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			continue
		}

		charQuery, charArgs, err := sqlx.In(`
			SELECT c.id, c.char_name, a.platformId AS platform_id, c.guild, c.level
			FROM characters c JOIN account a ON a.id = c.playerId
			WHERE c.id IN (?)
		`, remaining)
		if err != nil {
			return nil, errors.DbUnavailable(r.serverName, err)
		}
		charQuery = r.db.Rebind(charQuery)

		var chars []Character
		if err := r.db.SelectContext(ctx, &chars, charQuery, charArgs...); err != nil {
			return nil, errors.DbUnavailable(r.serverName, err)
		}
		for _, c := range chars {
			result[c.ID] = &OwnerResolution{
				OwnerID:   c.ID,
				IsGuild:   false,
				Name:      c.Name,
				MemberIDs: []string{c.PlatformID},
			}
		}
	}

	return result, nil
}

// AllGuildMembers returns the platform ids of every member of guildID,
// generalizing the owner-resolution member query into a standalone lookup
// for guild-role reconciliation.
func (r *Reader) AllGuildMembers(ctx context.Context, guildID int64) ([]string, error) {
	var platformIDs []string
	err := r.db.SelectContext(ctx, &platformIDs, `
		SELECT a.platformId
		FROM characters c JOIN account a ON a.id = c.playerId
		WHERE c.guild = ?
	`, guildID)
	if err != nil {
		return nil, errors.DbUnavailable(r.serverName, err)
	}
	return platformIDs, nil
}

// GameEvent is a row of game_events. eventType 103 is a death event.
type GameEvent struct {
	WorldTime   int64  `db:"worldTime"`
	EventType   int    `db:"eventType"`
	CauserName  string `db:"causerName"`
	OwnerName   string `db:"ownerName"`
	ArgsMapJSON string `db:"argsMap"`

	// NonPersistentCauser is argsMap's "nonPersistentCauser" field, extracted
	// with gjson rather than SQL's json1 extension so the reader doesn't
	// depend on a sqlite build flag. It names the NPC actor id that killed a
	// victim when CauserName is empty (a wildlife/NPC death rather than PVP).
	NonPersistentCauser string
}

// RecentEvents returns events with worldTime strictly greater than
// sinceWorldTime, in ascending order, for the log-driven killfeed and
// auditor components.
func (r *Reader) RecentEvents(ctx context.Context, sinceWorldTime int64, eventType int) ([]GameEvent, error) {
	var events []GameEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT worldTime, eventType, causerName, ownerName, argsMap
		FROM game_events
		WHERE worldTime > ? AND eventType = ?
		ORDER BY worldTime ASC
	`, sinceWorldTime, eventType)
	if err != nil {
		return nil, errors.DbUnavailable(r.serverName, err)
	}
	for i := range events {
		events[i].NonPersistentCauser = gjson.Get(events[i].ArgsMapJSON, "nonPersistentCauser").String()
	}
	return events, nil
}
