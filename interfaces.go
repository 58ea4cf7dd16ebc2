package sessioncluster

import (
	"github.com/minhtran/sessioncluster/cache"
	"github.com/minhtran/sessioncluster/storage"
	"github.com/minhtran/sessioncluster/types"
)

// Logger is an alias for cache.Logger.
type Logger = cache.Logger

// Marshaller is an alias for cache.Marshaller.
type Marshaller = cache.Marshaller

// LocalCache is an alias for cache.LocalCache.
type LocalCache[T any] = cache.LocalCache[T]

// CacheStats is an alias for cache.Stats.
type CacheStats = cache.Stats

// Store is an alias for storage.Store.
type Store = storage.Store

// Message is an alias for types.Message.
type Message = types.Message

// MessageType is an alias for types.Type.
type MessageType = types.Type
