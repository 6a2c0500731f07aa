package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialFreshnessPerActionKind(t *testing.T) {
	table := DefaultTable()
	now := time.Now()

	// 31 days old: stale for congressional delivery, fine for petitions
	cred := Credential{CreatedAt: now.Add(-31 * 24 * time.Hour)}

	decision := table.IsCredentialValidForAction(cred, ActionCongressionalDelivery, now)
	assert.False(t, decision.Valid)
	assert.Equal(t, 30*24*time.Hour, decision.MaxAge)
	assert.Equal(t, 31*24*time.Hour, decision.Age)

	decision = table.IsCredentialValidForAction(cred, ActionPetitionSign, now)
	assert.True(t, decision.Valid)
	assert.Equal(t, 180*24*time.Hour, decision.MaxAge)
}

func TestCredentialExactlyAtLimit(t *testing.T) {
	table := DefaultTable()
	now := time.Now()

	cred := Credential{CreatedAt: now.Add(-30 * 24 * time.Hour)}
	decision := table.IsCredentialValidForAction(cred, ActionCongressionalDelivery, now)
	assert.True(t, decision.Valid)
}

func TestUnknownActionKindInvalid(t *testing.T) {
	table := DefaultTable()
	decision := table.IsCredentialValidForAction(Credential{CreatedAt: time.Now()}, ActionKind("mystery"), time.Now())
	assert.False(t, decision.Valid)
	assert.Equal(t, time.Duration(0), decision.MaxAge)
}

func TestFutureCredentialInvalid(t *testing.T) {
	table := DefaultTable()
	now := time.Now()

	cred := Credential{CreatedAt: now.Add(time.Hour)}
	decision := table.IsCredentialValidForAction(cred, ActionCongressionalDelivery, now)
	assert.False(t, decision.Valid)
}

func TestParseTable(t *testing.T) {
	table, err := ParseTable([]byte("congressional_delivery: 720h\npetition_sign: 4320h\n"))
	require.NoError(t, err)

	assert.Equal(t, 720*time.Hour, table[ActionCongressionalDelivery])
	assert.Equal(t, 4320*time.Hour, table[ActionPetitionSign])

	_, err = ParseTable([]byte("congressional_delivery: not-a-duration\n"))
	assert.Error(t, err)
}
