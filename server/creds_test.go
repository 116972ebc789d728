package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhuang59/router-benchmark/pkg/protocol"
)

func TestBootstrapMintsFirstAdminOnce(t *testing.T) {
	env := newTestEnv(t)

	adminID, apiKey, err := env.creds.Bootstrap("first")
	require.NoError(t, err)
	require.NotEmpty(t, adminID)
	require.NotEmpty(t, apiKey)

	got, err := env.creds.VerifyAdmin(apiKey)
	require.NoError(t, err)
	assert.Equal(t, adminID, got)

	// The gate is permanent, not first-come-per-request.
	_, _, err = env.creds.Bootstrap("second")
	assert.Equal(t, protocol.CodeAlreadyInitialized, protocol.ErrCode(err))
}

func TestVerifyAdminRejectsUnknownKey(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.creds.Bootstrap("first")
	require.NoError(t, err)

	_, err = env.creds.VerifyAdmin("not-a-key")
	assert.Equal(t, protocol.CodeUnauthorized, protocol.ErrCode(err))
	_, err = env.creds.VerifyAdmin("")
	assert.Error(t, err)
}

func TestCreateAdminIssuesDistinctKeys(t *testing.T) {
	env := newTestEnv(t)
	_, key1, err := env.creds.Bootstrap("first")
	require.NoError(t, err)

	id2, key2, err := env.creds.CreateAdmin("second", "admin-test")
	require.NoError(t, err)
	assert.NotEqual(t, key1, key2)

	got, err := env.creds.VerifyAdmin(key2)
	require.NoError(t, err)
	assert.Equal(t, id2, got)
}

func TestRegisterClientRejectsActiveDuplicate(t *testing.T) {
	env := newTestEnv(t)

	secret := env.registerClient(t, "edge-1")
	require.Len(t, secret, 64)

	_, err := env.creds.RegisterClient("edge-1", "admin-test")
	assert.Equal(t, protocol.CodeDuplicateClient, protocol.ErrCode(err))
}

func TestRevokeInvalidatesAndAllowsReRegistration(t *testing.T) {
	env := newTestEnv(t)

	oldSecret := env.registerClient(t, "edge-1")
	require.NoError(t, env.creds.VerifyClient("edge-1", oldSecret))

	require.NoError(t, env.creds.RevokeClient("edge-1", "admin-test"))
	err := env.creds.VerifyClient("edge-1", oldSecret)
	assert.Equal(t, protocol.CodeUnauthorized, protocol.ErrCode(err))

	// Re-registration issues a fresh secret; the old one stays dead.
	newSecret, err := env.creds.RegisterClient("edge-1", "admin-test")
	require.NoError(t, err)
	assert.NotEqual(t, oldSecret, newSecret)
	assert.NoError(t, env.creds.VerifyClient("edge-1", newSecret))
	assert.Error(t, env.creds.VerifyClient("edge-1", oldSecret))
}

func TestRevokeUnknownClient(t *testing.T) {
	env := newTestEnv(t)
	err := env.creds.RevokeClient("ghost", "admin-test")
	assert.Equal(t, protocol.CodeUnknownClient, protocol.ErrCode(err))
}

func TestVerifyClientUnknownIDFailsClosed(t *testing.T) {
	env := newTestEnv(t)
	err := env.creds.VerifyClient("ghost", "whatever")
	assert.Equal(t, protocol.CodeUnauthorized, protocol.ErrCode(err))
}

func TestListClientsExcludesSecrets(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")
	env.registerClient(t, "edge-2")
	require.NoError(t, env.creds.RevokeClient("edge-2", "admin-test"))

	infos, err := env.creds.ListClients()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		if info.ClientID == "edge-2" {
			assert.True(t, info.Revoked)
			assert.NotNil(t, info.RevokedAt)
		} else {
			assert.False(t, info.Revoked)
		}
	}
}

func TestRegistrationIsAudited(t *testing.T) {
	env := newTestEnv(t)
	env.registerClient(t, "edge-1")

	entries, err := env.audit.Query(AuditFilter{Action: actionClientRegister}, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin-test", entries[0].Actor)
	assert.Equal(t, "edge-1", entries[0].Target)
	assert.Equal(t, outcomeOK, entries[0].Outcome)
}
