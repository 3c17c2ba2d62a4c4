package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/adwski/roomchat/backend/auth"
	"github.com/adwski/roomchat/backend/model"
	"github.com/adwski/roomchat/backend/service/mocks"
	"github.com/adwski/roomchat/backend/storage"
	"github.com/adwski/roomchat/backend/storage/memory"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T, store UserStore, tokens TokenIssuer) *Service {
	t.Helper()
	if tokens == nil {
		tokens = auth.NewTokens("secret", time.Hour, clockwork.NewFakeClock())
	}
	svc, err := NewService(Config{
		UserStore:  store,
		Tokens:     tokens,
		BcryptCost: bcrypt.MinCost,
	})
	require.NoError(t, err)
	return svc
}

func TestService_Register(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockUserStore(ctrl)
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	t.Run("should store bcrypt hash when input is valid", func(t *testing.T) {
		req := require.New(t)

		store.EXPECT().
			CreateUser(ctx, "alice", gomock.Any()).
			DoAndReturn(func(_ context.Context, _, hash string) error {
				req.NotEqual("correct-horse", hash)
				req.NoError(bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct-horse")))
				return nil
			}).
			Times(1)

		req.NoError(svc.Register(ctx, "alice", "correct-horse"))
	})

	t.Run("should reject invalid input before touching store", func(t *testing.T) {
		store.EXPECT().CreateUser(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		for _, tc := range []struct{ username, password string }{
			{"", "correct-horse"},
			{"al", "correct-horse"},
			{"alice", "short"},
			{strings.Repeat("a", 151), "correct-horse"},
			{"alice", strings.Repeat("p", 73)},
		} {
			err := svc.Register(ctx, tc.username, tc.password)
			require.ErrorIs(t, err, ErrInvalidInput, "username=%q password=%q", tc.username, tc.password)
		}
	})

	t.Run("should fail when username is taken", func(t *testing.T) {
		store.EXPECT().
			CreateUser(ctx, "bob", gomock.Any()).
			Return(storage.ErrUserExists).
			Times(1)

		require.ErrorIs(t, svc.Register(ctx, "bob", "correct-horse"), ErrUserExists)
	})

	t.Run("should wrap store failure", func(t *testing.T) {
		boom := errors.New("disk is on fire")
		store.EXPECT().
			CreateUser(ctx, "carol", gomock.Any()).
			Return(boom).
			Times(1)

		err := svc.Register(ctx, "carol", "correct-horse")
		require.ErrorIs(t, err, ErrRegister)
		require.ErrorIs(t, err, boom)
	})
}

func TestService_Login(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockUserStore(ctrl)
	svc := newTestService(t, store, nil)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)

	t.Run("should issue token with correct credentials", func(t *testing.T) {
		req := require.New(t)
		store.EXPECT().
			GetUser(ctx, "alice").
			Return(&model.User{Username: "alice", PasswordHash: string(hash)}, nil)

		token, err := svc.Login(ctx, "alice", "correct-horse")
		req.NoError(err)

		username, err := svc.Identify(token)
		req.NoError(err)
		req.Equal("alice", username)
	})

	t.Run("should fail with wrong password", func(t *testing.T) {
		store.EXPECT().
			GetUser(ctx, "alice").
			Return(&model.User{Username: "alice", PasswordHash: string(hash)}, nil)

		_, err := svc.Login(ctx, "alice", "wrong-horse")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("should not reveal unknown user", func(t *testing.T) {
		store.EXPECT().
			GetUser(ctx, "nobody").
			Return(nil, storage.ErrUserNotFound)

		_, err := svc.Login(ctx, "nobody", "correct-horse")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("should wrap store failure", func(t *testing.T) {
		store.EXPECT().
			GetUser(ctx, "alice").
			Return(nil, errors.New("timeout"))

		_, err := svc.Login(ctx, "alice", "correct-horse")
		require.ErrorIs(t, err, ErrLogin)
	})
}

func TestService_LoginTokenFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockUserStore(ctrl)
	tokens := mocks.NewMockTokenIssuer(ctrl)
	svc := newTestService(t, store, tokens)

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	require.NoError(t, err)
	store.EXPECT().
		GetUser(gomock.Any(), "alice").
		Return(&model.User{Username: "alice", PasswordHash: string(hash)}, nil)
	tokens.EXPECT().Issue("alice").Return("", errors.New("no entropy"))

	_, err = svc.Login(context.Background(), "alice", "correct-horse")
	require.ErrorIs(t, err, ErrLogin)
}

func TestService_Identify(t *testing.T) {
	svc := newTestService(t, memory.NewMemStore(), nil)

	_, err := svc.Identify("garbage")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_RegisterThenLogin(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	svc := newTestService(t, memory.NewMemStore(), nil)

	req.NoError(svc.Register(ctx, "alice", "correct-horse"))
	req.ErrorIs(svc.Register(ctx, "alice", "another-horse"), ErrUserExists)

	token, err := svc.Login(ctx, "alice", "correct-horse")
	req.NoError(err)
	username, err := svc.Identify(token)
	req.NoError(err)
	req.Equal("alice", username)
}
