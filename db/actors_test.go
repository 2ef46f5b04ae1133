package db

import (
	"context"
	"testing"

	"github.com/deemkeen/fedgate/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndReadActor(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	alice := createLocal(t, database, "alice")

	byId, err := database.ReadActorById(ctx, alice.Id)
	require.NoError(t, err)
	assert.Equal(t, "alice", byId.Username)
	assert.Equal(t, domain.StateActive, byId.State)
	assert.True(t, byId.IsLocal())
	assert.Nil(t, byId.SuspendedAt)

	byURI, err := database.ReadActorByURI(ctx, alice.URI)
	require.NoError(t, err)
	assert.Equal(t, alice.Id, byURI.Id)

	byName, err := database.ReadLocalActorByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.Id, byName.Id)

	_, err = database.ReadActorById(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalLookupIgnoresRemoteNamesakes(t *testing.T) {
	database := setupTestDB(t)
	createRemote(t, database, "alice", "example.org")

	_, err := database.ReadLocalActorByUsername(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertRemoteActorKeepsIdentityUnlessAsked(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	bob := createRemote(t, database, "bob", "example.org")

	renamed := *bob
	renamed.Id = uuid.Nil
	renamed.Username = "robert"
	renamed.PublicKeyPem = "rotated"

	stored, err := database.UpsertRemoteActor(ctx, &renamed, false)
	require.NoError(t, err)
	assert.Equal(t, bob.Id, stored.Id)
	assert.Equal(t, "bob", stored.Username, "username must not change without an explicit update")
	assert.Equal(t, "rotated", stored.PublicKeyPem)
	assert.False(t, stored.LastFetchedAt.IsZero())

	stored, err = database.UpsertRemoteActor(ctx, &renamed, true)
	require.NoError(t, err)
	assert.Equal(t, "robert", stored.Username)
}

func TestUpsertRemoteActorCreatesNew(t *testing.T) {
	database := setupTestDB(t)

	acc := &domain.Actor{
		Username: "carol",
		Domain:   "foo.org",
		URI:      "https://foo.org/users/carol",
	}
	stored, err := database.UpsertRemoteActor(context.Background(), acc, false)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, stored.Id)
	assert.Equal(t, domain.StateActive, stored.State)
}

func TestUpdateActorState(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	alice := createLocal(t, database, "alice")

	require.NoError(t, database.UpdateActorState(ctx, alice.Id, domain.StateTemporarilySuspended))
	acc, err := database.ReadActorById(ctx, alice.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTemporarilySuspended, acc.State)
	assert.NotNil(t, acc.SuspendedAt)

	require.NoError(t, database.UpdateActorState(ctx, alice.Id, domain.StateActive))
	acc, err = database.ReadActorById(ctx, alice.Id)
	require.NoError(t, err)
	assert.Nil(t, acc.SuspendedAt)

	assert.Error(t, database.UpdateActorState(ctx, alice.Id, domain.LifecycleState("deleted")))
	assert.ErrorIs(t, database.UpdateActorState(ctx, uuid.New(), domain.StateActive), ErrNotFound)
}

func TestReadActorsByIds(t *testing.T) {
	database := setupTestDB(t)
	alice := createLocal(t, database, "alice")
	bob := createRemote(t, database, "bob", "example.org")

	actors, err := database.ReadActorsByIds(context.Background(), []uuid.UUID{alice.Id, bob.Id, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, actors, 2)
	assert.Equal(t, "bob", actors[bob.Id].Username)

	empty, err := database.ReadActorsByIds(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReadLocalActors(t *testing.T) {
	database := setupTestDB(t)
	createLocal(t, database, "alice")
	createLocal(t, database, "carol")
	createRemote(t, database, "bob", "example.org")

	locals, err := database.ReadLocalActors(context.Background())
	require.NoError(t, err)
	require.Len(t, locals, 2)
	for _, acc := range locals {
		assert.True(t, acc.IsLocal())
	}
}
