// Package session owns the live ephemeral handles to the authentication
// service, one per user. The registry is the only structure shared between
// concurrent user flows; the original design kept these handles in an ambient
// map, here ownership and locking are explicit.
package session

import (
	"context"
	"errors"
	"sync"

	"log/slog"

	"github.com/nvoloshin/authbridge/auth/authclient"
	"github.com/nvoloshin/authbridge/core/logger"
)

var (
	// ErrAlreadyActive is returned by Create when the user already holds a
	// live handle. The caller must Destroy first.
	ErrAlreadyActive = errors.New("session registry: handle already active")
	// ErrNotFound is returned by Get when no handle exists for the user.
	ErrNotFound = errors.New("session registry: no active handle")
)

// Registry maps a user id to its live, unauthenticated protocol handle.
type Registry struct {
	mu      sync.Mutex
	handles map[int64]authclient.Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[int64]authclient.Handle)}
}

// Create stores the handle for the user. Fails with ErrAlreadyActive when a
// handle is already registered; the existing handle is left untouched.
func (r *Registry) Create(userID int64, h authclient.Handle) error {
	if h == nil {
		return errors.New("session registry: nil handle")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[userID]; ok {
		return ErrAlreadyActive
	}
	r.handles[userID] = h
	return nil
}

// Get returns the live handle for the user or ErrNotFound.
func (r *Registry) Get(userID int64) (authclient.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// Destroy removes the entry and disconnects the underlying handle. It is
// idempotent and safe to call from failure-cleanup paths even when the
// connection was never established. The disconnect happens outside the
// registry lock so a slow close cannot block other users.
func (r *Registry) Destroy(ctx context.Context, userID int64) {
	r.mu.Lock()
	h, ok := r.handles[userID]
	if ok {
		delete(r.handles, userID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := h.Close(); err != nil {
		logger.Warn(ctx, "auth.registry", "handle.close.failed",
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
		return
	}
	logger.Debug(ctx, "auth.registry", "handle.closed",
		slog.Int64("user_id", userID),
	)
}

// DestroyAll disconnects every registered handle. Used on shutdown so no
// connection outlives the process's flows.
func (r *Registry) DestroyAll(ctx context.Context) {
	r.mu.Lock()
	drained := r.handles
	r.handles = make(map[int64]authclient.Handle)
	r.mu.Unlock()

	for userID, h := range drained {
		if err := h.Close(); err != nil {
			logger.Warn(ctx, "auth.registry", "handle.close.failed",
				slog.Int64("user_id", userID),
				slog.String("err", err.Error()),
			)
		}
	}
	if len(drained) > 0 {
		logger.Info(ctx, "auth.registry", "registry.drained",
			slog.Int("count", len(drained)),
		)
	}
}

// Len reports the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
