package gamedb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
CREATE TABLE characters (id INTEGER PRIMARY KEY, char_name TEXT, playerId INTEGER, guild INTEGER, level INTEGER);
CREATE TABLE account (id INTEGER PRIMARY KEY, platformId TEXT);
CREATE TABLE guilds (guildId INTEGER PRIMARY KEY, name TEXT);
CREATE TABLE item_inventory (owner_id INTEGER, item_id INTEGER, inv_type INTEGER, template_id INTEGER, data BLOB);
CREATE TABLE actor_position (id INTEGER PRIMARY KEY, x REAL, y REAL, z REAL, class TEXT);
CREATE TABLE game_events (worldTime INTEGER, eventType INTEGER, causerName TEXT, ownerName TEXT, argsMap TEXT);
`

// openTestReader seeds a fresh sqlite file with the game-DB schema and a
// fixture roster, then opens it read-only through Open the same way the
// live process does.
func openTestReader(t *testing.T) *Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "game.db")

	rw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = rw.Exec(testSchema)
	require.NoError(t, err)

	_, err = rw.Exec(`INSERT INTO account (id, platformId) VALUES (1, 'steam:111'), (2, 'steam:222'), (3, 'steam:333')`)
	require.NoError(t, err)
	_, err = rw.Exec(`INSERT INTO guilds (guildId, name) VALUES (500, 'Ironclad')`)
	require.NoError(t, err)
	_, err = rw.Exec(`
		INSERT INTO characters (id, char_name, playerId, guild, level) VALUES
		(10, 'Kessrun', 1, 500, 42),
		(11, 'Varda', 2, 500, 17),
		(12, 'Loner', 3, NULL, 5)
	`)
	require.NoError(t, err)
	_, err = rw.Exec(`
		INSERT INTO item_inventory (owner_id, item_id, inv_type, template_id, data) VALUES
		(10, 0, 0, 9001, X'010203'),
		(10, 1, 0, 9001, X'040506'),
		(10, 0, 1, 9002, X'0708')
	`)
	require.NoError(t, err)
	_, err = rw.Exec(`INSERT INTO actor_position (id, x, y, z, class) VALUES (10, 100.5, 200.5, 0, 'TestCharacter')`)
	require.NoError(t, err)
	_, err = rw.Exec(`
		INSERT INTO game_events (worldTime, eventType, causerName, ownerName, argsMap) VALUES
		(100, 103, '', 'Kessrun', '{"nonPersistentCauser": "Wolf_C"}'),
		(200, 103, 'Killer', 'Varda', '{}'),
		(300, 1, 'Someone', 'Kessrun', '{}')
	`)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	reader, err := Open("test-server", path)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })
	return reader
}

func TestCharacterByName(t *testing.T) {
	reader := openTestReader(t)
	ctx := context.Background()

	c, err := reader.CharacterByName(ctx, "Kessrun")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(10), c.ID)
	assert.Equal(t, "steam:111", c.PlatformID)
	assert.Equal(t, 42, c.Level)

	missing, err := reader.CharacterByName(ctx, "Nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCharactersByName(t *testing.T) {
	reader := openTestReader(t)
	ctx := context.Background()

	rows, err := reader.CharactersByName(ctx, []string{"Kessrun", "Varda", "Nobody"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "steam:111", rows["Kessrun"].PlatformID)
	assert.Equal(t, "steam:222", rows["Varda"].PlatformID)
}

func TestLevelsByPlatformID(t *testing.T) {
	reader := openTestReader(t)
	ctx := context.Background()

	levels, err := reader.LevelsByPlatformID(ctx, []string{"steam:111", "steam:333"})
	require.NoError(t, err)
	assert.Equal(t, 42, levels["steam:111"])
	assert.Equal(t, 5, levels["steam:333"])
}

func TestInventoryAtAndByTemplate(t *testing.T) {
	reader := openTestReader(t)
	ctx := context.Background()

	item, err := reader.InventoryAt(ctx, 10, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, int64(9001), item.TemplateID)

	missing, err := reader.InventoryAt(ctx, 10, 99, 0)
	require.NoError(t, err)
	assert.Nil(t, missing)

	stack, err := reader.InventoryByTemplate(ctx, 10, 9001, []int{0, 1})
	require.NoError(t, err)
	assert.Len(t, stack, 2)
}

func TestCharacterPosition(t *testing.T) {
	reader := openTestReader(t)
	ctx := context.Background()

	pos, err := reader.CharacterPosition(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 100.5, pos.X)

	missing, err := reader.CharacterPosition(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestResolveOwnersClassifiesGuildsAndCharacters(t *testing.T) {
	reader := openTestReader(t)
	ctx := context.Background()

	resolved, err := reader.ResolveOwners(ctx, []int64{500, 12})
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	guild := resolved[500]
	require.NotNil(t, guild)
	assert.True(t, guild.IsGuild)
	assert.ElementsMatch(t, []string{"steam:111", "steam:222"}, guild.MemberIDs)

	loner := resolved[12]
	require.NotNil(t, loner)
	assert.False(t, loner.IsGuild)
	assert.Equal(t, []string{"steam:333"}, loner.MemberIDs)
}

func TestAllGuildMembers(t *testing.T) {
	reader := openTestReader(t)
	ctx := context.Background()

	members, err := reader.AllGuildMembers(ctx, 500)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"steam:111", "steam:222"}, members)
}

func TestRecentEvents(t *testing.T) {
	reader := openTestReader(t)
	ctx := context.Background()

	deaths, err := reader.RecentEvents(ctx, 50, 103)
	require.NoError(t, err)
	require.Len(t, deaths, 2)
	assert.Equal(t, int64(100), deaths[0].WorldTime)
	assert.Equal(t, "Wolf_C", deaths[0].NonPersistentCauser, "an NPC kill's argsMap should be extracted")
	assert.Equal(t, int64(200), deaths[1].WorldTime)
	assert.Empty(t, deaths[1].NonPersistentCauser, "a PVP kill has no nonPersistentCauser in argsMap")

	none, err := reader.RecentEvents(ctx, 250, 103)
	require.NoError(t, err)
	assert.Empty(t, none)
}
