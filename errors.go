package sessioncluster

import (
	"errors"

	"github.com/minhtran/sessioncluster/storage"
)

// ErrNotFound is returned when a session is not found in the backing store.
// It matches storage.ErrNotFound under errors.Is.
var ErrNotFound = storage.ErrNotFound

// ErrStoreClosed is returned when operations are performed on a closed store.
var ErrStoreClosed = errors.New("session store is closed")

// ErrInvalidConfig is returned when the store configuration is invalid.
var ErrInvalidConfig = errors.New("invalid store configuration")
