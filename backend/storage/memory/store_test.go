package memory

import (
	"context"
	"testing"

	"github.com/adwski/roomchat/backend/storage"
	"github.com/stretchr/testify/require"
)

func TestMemStore_CreateAndGet(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ms := NewMemStore()

	req.NoError(ms.CreateUser(ctx, "alice", "hash"))

	user, err := ms.GetUser(ctx, "alice")
	req.NoError(err)
	req.Equal("alice", user.Username)
	req.Equal("hash", user.PasswordHash)

	// returned user is a copy
	user.PasswordHash = "changed"
	again, err := ms.GetUser(ctx, "alice")
	req.NoError(err)
	req.Equal("hash", again.PasswordHash)
}

func TestMemStore_Errors(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ms := NewMemStore()

	_, err := ms.GetUser(ctx, "nobody")
	req.ErrorIs(err, storage.ErrUserNotFound)

	req.NoError(ms.CreateUser(ctx, "alice", "hash"))
	req.ErrorIs(ms.CreateUser(ctx, "alice", "other"), storage.ErrUserExists)
	req.NoError(ms.Close())
}
