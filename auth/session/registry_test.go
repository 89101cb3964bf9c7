package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoloshin/authbridge/auth/authclient"
)

type fakeHandle struct {
	closed atomic.Int32
}

func (h *fakeHandle) RequestCode(context.Context, string) (string, error) { return "", nil }
func (h *fakeHandle) SignIn(context.Context, string, string, string) (authclient.SignInResult, error) {
	return authclient.SignInResult{}, nil
}
func (h *fakeHandle) SignInPassword(context.Context, string) (authclient.SignInResult, error) {
	return authclient.SignInResult{}, nil
}
func (h *fakeHandle) Export(context.Context) ([]byte, error) { return nil, nil }
func (h *fakeHandle) Close() error {
	h.closed.Add(1)
	return nil
}

func TestRegistryCreateGetDestroy(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandle{}

	require.NoError(t, r.Create(7, h))
	got, err := r.Get(7)
	require.NoError(t, err)
	assert.Same(t, authclient.Handle(h), got)

	r.Destroy(context.Background(), 7)
	_, err = r.Get(7)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), h.closed.Load())
}

func TestRegistryCreateConflict(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Create(1, &fakeHandle{}))
	err := r.Create(1, &fakeHandle{})
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryDestroyIdempotent(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandle{}
	require.NoError(t, r.Create(3, h))

	ctx := context.Background()
	r.Destroy(ctx, 3)
	r.Destroy(ctx, 3) // absent: no-op, no double close
	assert.Equal(t, int32(1), h.closed.Load())

	r.Destroy(ctx, 99) // never created
	assert.Equal(t, 0, r.Len())
}

func TestRegistryDestroyToleratesCloseError(t *testing.T) {
	r := NewRegistry()
	h := &failingHandle{}
	require.NoError(t, r.Create(5, h))
	r.Destroy(context.Background(), 5)
	_, err := r.Get(5)
	assert.ErrorIs(t, err, ErrNotFound)
}

type failingHandle struct{ fakeHandle }

func (h *failingHandle) Close() error { return errors.New("connection reset") }

func TestRegistryConcurrentCreateSingleWinner(t *testing.T) {
	r := NewRegistry()
	const workers = 32

	var created atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := r.Create(42, &fakeHandle{}); err == nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, r.Len())
}

func TestRegistryDestroyAll(t *testing.T) {
	r := NewRegistry()
	handles := make([]*fakeHandle, 5)
	for i := range handles {
		handles[i] = &fakeHandle{}
		require.NoError(t, r.Create(int64(i+1), handles[i]))
	}

	r.DestroyAll(context.Background())
	assert.Equal(t, 0, r.Len())
	for _, h := range handles {
		assert.Equal(t, int32(1), h.closed.Load())
	}
}
