package status

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-ops/gamefleet/events"
	"github.com/fenwick-ops/gamefleet/infrastructure/errors"
	"github.com/fenwick-ops/gamefleet/infrastructure/logging"
	"github.com/fenwick-ops/gamefleet/registry"
	"github.com/fenwick-ops/gamefleet/rcon"
)

func testLogger() *logging.Logger {
	return logging.New("status-test", "error", "text")
}

type fakePresence struct {
	sessions map[string][]rcon.Session
	err      error
}

func (f *fakePresence) ListPlayersSessions(ctx context.Context, server string, cacheOK bool) ([]rcon.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sessions[server], nil
}

type fakeLevels struct {
	levels map[string]int
	err    error
}

func (f *fakeLevels) LevelsByPlatformID(ctx context.Context, platformIDs []string) (map[string]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]int{}
	for _, id := range platformIDs {
		if lv, ok := f.levels[id]; ok {
			out[id] = lv
		}
	}
	return out, nil
}

type fakeIdentities struct {
	identities map[string]registry.Identity
}

func (f *fakeIdentities) ResolveIdentities(ctx context.Context, platformIDs []string) (map[string]registry.Identity, error) {
	out := map[string]registry.Identity{}
	for _, id := range platformIDs {
		if v, ok := f.identities[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func TestTickServerPublishesEnrichedRows(t *testing.T) {
	pool := &fakePresence{sessions: map[string][]rcon.Session{
		"alpha": {{Index: 0, Name: "Kessrun", PlatformID: "steam:111"}},
	}}
	readers := map[string]levelSource{"alpha": &fakeLevels{levels: map[string]int{"steam:111": 42}}}
	store := &fakeIdentities{identities: map[string]registry.Identity{
		"steam:111": {PlatformID: "steam:111", ChatID: 9, Bound: true, Level: 2},
	}}

	bus := events.New(testLogger())
	ch := bus.Subscribe("test")

	loop := newLoop(pool, readers, store, bus, "", testLogger())
	require.NoError(t, loop.tickServer(context.Background(), "alpha"))

	event := <-ch
	assert.Equal(t, "alpha", event.Server)
	require.Len(t, event.Players, 1)
	row := event.Players[0]
	assert.Equal(t, "Kessrun", row.CharacterName)
	assert.Equal(t, 42, row.Level)
	assert.True(t, row.Bound)
	assert.EqualValues(t, 9, row.ChatID)
	assert.Equal(t, 2, row.EntitlementLevel)
}

func TestTickServerFallsBackToCachedLevelsOnDbUnavailable(t *testing.T) {
	pool := &fakePresence{sessions: map[string][]rcon.Session{
		"alpha": {{Index: 0, Name: "Kessrun", PlatformID: "steam:111"}},
	}}
	readers := map[string]levelSource{"alpha": &fakeLevels{err: errors.DbUnavailable("alpha", assertErr{})}}
	store := &fakeIdentities{identities: map[string]registry.Identity{}}

	bus := events.New(testLogger())
	ch := bus.Subscribe("test")

	loop := newLoop(pool, readers, store, bus, "", testLogger())
	loop.lastLevels["alpha"] = map[string]int{"steam:111": 17}

	require.NoError(t, loop.tickServer(context.Background(), "alpha"))
	event := <-ch
	require.Len(t, event.Players, 1)
	assert.Equal(t, 17, event.Players[0].Level)
}

func TestTickServerEmptySessionsPublishesEmptyEvent(t *testing.T) {
	pool := &fakePresence{sessions: map[string][]rcon.Session{}}
	readers := map[string]levelSource{"alpha": &fakeLevels{}}
	store := &fakeIdentities{}

	bus := events.New(testLogger())
	ch := bus.Subscribe("test")

	loop := newLoop(pool, readers, store, bus, "", testLogger())
	require.NoError(t, loop.tickServer(context.Background(), "alpha"))

	event := <-ch
	assert.Equal(t, "alpha", event.Server)
	assert.Empty(t, event.Players)
}

func TestTickAllWritesSnapshotFile(t *testing.T) {
	pool := &fakePresence{sessions: map[string][]rcon.Session{
		"alpha": {{Index: 0, Name: "Kessrun", PlatformID: "steam:111"}},
	}}
	readers := map[string]levelSource{"alpha": &fakeLevels{levels: map[string]int{"steam:111": 42}}}
	store := &fakeIdentities{identities: map[string]registry.Identity{
		"steam:111": {PlatformID: "steam:111", ChatID: 9, Bound: true, Level: 2},
	}}

	bus := events.New(testLogger())
	bus.Subscribe("test")

	path := filepath.Join(t.TempDir(), "status.json")
	loop := newLoop(pool, readers, store, bus, path, testLogger())
	loop.tickAll(context.Background())

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond, "snapshot file was never written")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc snapshot
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Servers, 1)
	assert.Equal(t, "alpha", doc.Servers[0].Name)
	assert.Equal(t, 1, doc.TotalPlayers)
	require.Len(t, doc.Servers[0].Players, 1)
	assert.Equal(t, "Kessrun", doc.Servers[0].Players[0].CharacterName)
	assert.Equal(t, 42, doc.Servers[0].Players[0].Level)
	assert.True(t, doc.Servers[0].Players[0].Bound)
}

func TestTickAllSkipsSnapshotWhenPathUnset(t *testing.T) {
	pool := &fakePresence{sessions: map[string][]rcon.Session{}}
	readers := map[string]levelSource{"alpha": &fakeLevels{}}
	store := &fakeIdentities{}

	bus := events.New(testLogger())
	bus.Subscribe("test")

	loop := newLoop(pool, readers, store, bus, "", testLogger())
	loop.tickAll(context.Background())

	assert.Empty(t, loop.snapshotPath)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
