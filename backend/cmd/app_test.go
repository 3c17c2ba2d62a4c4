package main

import (
	"context"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adwski/roomchat/backend/config"
	httpServer "github.com/adwski/roomchat/backend/server/http"
	"github.com/adwski/roomchat/backend/storage"
	"github.com/adwski/roomchat/backend/storage/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	cfg, err := config.Load("", append([]string{
		"--api-listen-addr", "127.0.0.1:0",
		"--ws-listen-addr", "127.0.0.1:0",
	}, args...))
	require.NoError(t, err)
	_, err = cfg.EnsureSecrets()
	require.NoError(t, err)
	return cfg
}

func TestRun_DatabaseOpenFailure(t *testing.T) {
	logger := zerolog.Nop()
	cfg := loadTestConfig(t, "--db", filepath.Join(t.TempDir(), "missing", "users.db"))

	err := run(context.Background(), cfg, &logger)
	require.ErrorContains(t, err, "failed to open database")
}

func TestRun_ServerFailureClosesStore(t *testing.T) {
	req := require.New(t)
	logger := zerolog.Nop()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)
	t.Cleanup(func() { _ = busy.Close() })

	path := filepath.Join(t.TempDir(), "users.db")
	cfg := loadTestConfig(t, "--db", path, "--api-listen-addr", busy.Addr().String())

	err = run(context.Background(), cfg, &logger)
	req.ErrorIs(err, httpServer.ErrUnexpected)

	// last connection closed cleanly checkpoints and removes the wal file
	_, err = os.Stat(path + "-wal")
	req.ErrorIs(err, fs.ErrNotExist)

	store, err := sqlite.Open(context.Background(), path)
	req.NoError(err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.GetUser(context.Background(), "nobody")
	req.ErrorIs(err, storage.ErrUserNotFound)
}

func TestRun_StopsOnCancel(t *testing.T) {
	logger := zerolog.Nop()
	cfg := loadTestConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, &logger)
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
