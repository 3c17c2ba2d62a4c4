package memory

import (
	"context"
	"sync"

	"github.com/adwski/roomchat/backend/model"
	"github.com/adwski/roomchat/backend/storage"
)

type MemStore struct {
	mx *sync.Mutex
	db map[string]model.User
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.Mutex{},
		db: make(map[string]model.User),
	}
}

func (ms *MemStore) CreateUser(_ context.Context, username, passwordHash string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.db[username]; ok {
		return storage.ErrUserExists
	}
	ms.db[username] = model.User{
		Username:     username,
		PasswordHash: passwordHash,
	}
	return nil
}

func (ms *MemStore) GetUser(_ context.Context, username string) (*model.User, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	user, ok := ms.db[username]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return &user, nil
}

func (ms *MemStore) Close() error {
	return nil
}
