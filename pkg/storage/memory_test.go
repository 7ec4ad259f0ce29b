package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentns/ans/pkg/anserr"
	"github.com/agentns/ans/pkg/models"
)

func agent(id, capability, provider, version string) *models.Agent {
	return &models.Agent{
		AgentID:           id,
		ANSName:           "a2a://" + id + "." + capability + "." + provider + ".v" + version,
		Protocol:          "a2a",
		Capability:        capability,
		Provider:          provider,
		Version:           version,
		Capabilities:      []string{capability},
		Endpoint:          "https://agents.example.com/" + id,
		CertificatePEM:    "PEM",
		CertificateSerial: "ABC" + version,
		RegistrationTime:  time.Now().UTC(),
		IsActive:          true,
	}
}

func TestPutAndGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := agent("chat", "conversation", "openai", "1.0.0")
	require.NoError(t, m.PutAgent(ctx, a))

	got, err := m.GetByANSName(ctx, a.ANSName)
	require.NoError(t, err)
	assert.Equal(t, a.AgentID, got.AgentID)

	versions, err := m.GetByID(ctx, "chat")
	require.NoError(t, err)
	require.Len(t, versions, 1)

	_, err = m.GetByANSName(ctx, "a2a://missing.x.y.v1.0.0")
	require.Error(t, err)
	assert.Equal(t, anserr.KindNotFound, anserr.KindOf(err))

	_, err = m.GetByID(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, anserr.KindNotFound, anserr.KindOf(err))
}

func TestPutAgentConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.PutAgent(ctx, agent("chat", "conversation", "openai", "1.0.0")))

	err := m.PutAgent(ctx, agent("chat", "conversation", "openai", "1.0.0"))
	require.Error(t, err)
	assert.Equal(t, anserr.KindAlreadyRegistered, anserr.KindOf(err))

	// A different version of the same agent id is a distinct registration.
	require.NoError(t, m.PutAgent(ctx, agent("chat", "conversation", "openai", "2.0.0")))
	versions, err := m.GetByID(ctx, "chat")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestClonesDoNotShareState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := agent("chat", "conversation", "openai", "1.0.0")
	require.NoError(t, m.PutAgent(ctx, a))

	got, err := m.GetByANSName(ctx, a.ANSName)
	require.NoError(t, err)
	got.Capabilities[0] = "mutated"
	got.IsActive = false

	fresh, err := m.GetByANSName(ctx, a.ANSName)
	require.NoError(t, err)
	assert.Equal(t, "conversation", fresh.Capabilities[0])
	assert.True(t, fresh.IsActive)
}

func TestQueryOrderingAndLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.PutAgent(ctx, agent("zulu", "conversation", "openai", "1.0.0")))
	require.NoError(t, m.PutAgent(ctx, agent("alpha", "conversation", "openai", "1.0.0")))
	require.NoError(t, m.PutAgent(ctx, agent("mike", "document", "anthropic", "1.0.0")))

	all, err := m.Query(ctx, Filter{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ANSName, all[i].ANSName)
	}

	limited, err := m.Query(ctx, Filter{}, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, all[0].ANSName, limited[0].ANSName)

	byProvider, err := m.Query(ctx, Filter{Provider: "anthropic"}, 0)
	require.NoError(t, err)
	require.Len(t, byProvider, 1)
	assert.Equal(t, "mike", byProvider[0].AgentID)

	wildcard, err := m.Query(ctx, Filter{Provider: "*"}, 0)
	require.NoError(t, err)
	assert.Len(t, wildcard, 3)
}

func TestQueryInactiveFiltering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := agent("chat", "conversation", "openai", "1.0.0")
	require.NoError(t, m.PutAgent(ctx, a))
	a.IsActive = false
	require.NoError(t, m.UpdateAgent(ctx, a))

	active, err := m.Query(ctx, Filter{}, 0)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := m.Query(ctx, Filter{IncludeInactive: true}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpdateAgentUnknown(t *testing.T) {
	m := NewMemory()
	err := m.UpdateAgent(context.Background(), agent("ghost", "conversation", "openai", "1.0.0"))
	require.Error(t, err)
	assert.Equal(t, anserr.KindNotFound, anserr.KindOf(err))
}

func TestRevocations(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	first := &models.RevocationEntry{Serial: "B", RevokedAt: time.Now().UTC(), Reason: "compromised"}
	require.NoError(t, m.PutRevocation(ctx, first))
	require.NoError(t, m.PutRevocation(ctx, &models.RevocationEntry{Serial: "A", RevokedAt: time.Now().UTC(), Reason: "test"}))

	// Re-inserting the same serial keeps the original reason.
	require.NoError(t, m.PutRevocation(ctx, &models.RevocationEntry{Serial: "B", RevokedAt: time.Now().UTC(), Reason: "overwritten"}))
	got, err := m.GetRevocation(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, "compromised", got.Reason)

	_, err = m.GetRevocation(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, anserr.KindNotFound, anserr.KindOf(err))

	all, err := m.ListRevocations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].Serial)
	assert.Equal(t, "B", all[1].Serial)
}

func TestContextCancellation(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.PutAgent(ctx, agent("chat", "conversation", "openai", "1.0.0"))
	require.Error(t, err)
	assert.Equal(t, anserr.KindStorageError, anserr.KindOf(err))
}
