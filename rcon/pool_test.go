package rcon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseListPlayers(t *testing.T) {
	raw := "\n 0 | Kessrun | x | y | steam:111 \n1|Bob|x|y|steam:222\n\n  \n"
	sessions := parseListPlayers(raw)

	assert.Len(t, sessions, 2)
	assert.Equal(t, Session{Index: 0, Name: "Kessrun", PlatformID: "steam:111"}, sessions[0])
	assert.Equal(t, Session{Index: 1, Name: "Bob", PlatformID: "steam:222"}, sessions[1])
}

func TestParseListPlayersIgnoresMalformedRows(t *testing.T) {
	raw := "not-a-row\nx|Bob\n2|Carol|steam:333"
	sessions := parseListPlayers(raw)
	assert.Len(t, sessions, 1)
	assert.Equal(t, "Carol", sessions[0].Name)
}

func TestFindSessionExactMatch(t *testing.T) {
	sessions := []Session{{Index: 0, Name: "Kess"}, {Index: 1, Name: "Kessrun"}}
	session, ok := findSession(sessions, "Kessrun")
	assert.True(t, ok)
	assert.Equal(t, 1, session.Index)

	_, ok = findSession(sessions, "Kes")
	assert.False(t, ok)
}

func TestSanitizeRendered(t *testing.T) {
	cases := []struct {
		cmd     string
		wantErr bool
	}{
		{"con 1 SetInventoryItemIntStat 3 1 0 0", false},
		{"kick 1;drop table", true},
		{"con 1 say hello\nworld", true},
		{"con 1 say piped|command", true},
		{"con 1 say carriage\rreturn", true},
	}
	for _, tc := range cases {
		err := sanitizeRendered(tc.cmd)
		if tc.wantErr {
			assert.Error(t, err, tc.cmd)
		} else {
			assert.NoError(t, err, tc.cmd)
		}
	}
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "ListPlayers", commandName("ListPlayers"))
	assert.Equal(t, "con", commandName("con 1 SpawnItem 999 1"))
}
