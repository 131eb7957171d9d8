package core

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	keyUserID   = "userId"
	keyUserName = "userName"
)

// KeyValueStore is the local persistence used for identity and room
// metadata.
type KeyValueStore interface {
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	GetAllKeys(ctx context.Context) ([]string, error)
}

// MemoryKVStore keeps items in process memory.
type MemoryKVStore struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{items: make(map[string]string)}
}

func (s *MemoryKVStore) GetItem(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *MemoryKVStore) SetItem(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *MemoryKVStore) GetAllKeys(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.items)), nil
}

// LoadIdentity returns the identity cached in kv. Fields set on override
// win over cached ones and are written back. A user id is generated and
// persisted on first use.
func LoadIdentity(ctx context.Context, kv KeyValueStore, override Identity) (Identity, error) {
	var id Identity

	cachedID, ok, err := kv.GetItem(ctx, keyUserID)
	if err != nil {
		return id, fmt.Errorf("GetItem(%s): %w", keyUserID, err)
	}
	switch {
	case override.UserID != "":
		id.UserID = override.UserID
	case ok && cachedID != "":
		id.UserID = cachedID
	default:
		id.UserID = uuid.NewString()
	}
	if id.UserID != cachedID {
		if err := kv.SetItem(ctx, keyUserID, id.UserID); err != nil {
			return id, fmt.Errorf("SetItem(%s): %w", keyUserID, err)
		}
	}

	cachedName, ok, err := kv.GetItem(ctx, keyUserName)
	if err != nil {
		return id, fmt.Errorf("GetItem(%s): %w", keyUserName, err)
	}
	switch {
	case override.DisplayName != "":
		id.DisplayName = override.DisplayName
	case ok && cachedName != "":
		id.DisplayName = cachedName
	default:
		id.DisplayName = "guest-" + strings.SplitN(id.UserID, "-", 2)[0]
	}
	if id.DisplayName != cachedName {
		if err := kv.SetItem(ctx, keyUserName, id.DisplayName); err != nil {
			return id, fmt.Errorf("SetItem(%s): %w", keyUserName, err)
		}
	}
	return id, nil
}
