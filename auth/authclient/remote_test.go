package authclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sidecarStub struct {
	mu       sync.Mutex
	requests []string

	codeStatus     int
	secondFactor   bool
	passwordStatus int
}

func (s *sidecarStub) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()

		assert.Equal(t, "42", r.Header.Get("X-App-ID"))
		assert.Equal(t, "hash42", r.Header.Get("X-App-Hash"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "s-1"})
		case r.Method == http.MethodPost && r.URL.Path == "/sessions/s-1/code":
			if s.codeStatus != 0 {
				http.Error(w, "account already authorized", s.codeStatus)
				return
			}
			var in map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.Equal(t, "+15551234567", in["phone"])
			_ = json.NewEncoder(w).Encode(map[string]string{"code_hash": "h-1"})
		case r.Method == http.MethodPost && r.URL.Path == "/sessions/s-1/sign-in":
			_ = json.NewEncoder(w).Encode(map[string]bool{"second_factor_required": s.secondFactor})
		case r.Method == http.MethodPost && r.URL.Path == "/sessions/s-1/password":
			if s.passwordStatus != 0 {
				http.Error(w, "password rejected", s.passwordStatus)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]bool{"second_factor_required": false})
		case r.Method == http.MethodGet && r.URL.Path == "/sessions/s-1/export":
			_, _ = w.Write([]byte("artifact-bytes"))
		case r.Method == http.MethodDelete && r.URL.Path == "/sessions/s-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}
}

func newRemote(t *testing.T, stub *sidecarStub) *RemoteClient {
	t.Helper()
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewRemote(RemoteOptions{
		BaseURL:     srv.URL,
		Credentials: Credentials{AppID: 42, AppHash: "hash42"},
	})
	require.NoError(t, err)
	return c
}

func TestRemoteFullSignIn(t *testing.T) {
	stub := &sidecarStub{}
	c := newRemote(t, stub)
	ctx := context.Background()

	h, err := c.Dial(ctx)
	require.NoError(t, err)

	hash, err := h.RequestCode(ctx, "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "h-1", hash)

	res, err := h.SignIn(ctx, "+15551234567", "12345", hash)
	require.NoError(t, err)
	assert.False(t, res.SecondFactorRequired)

	data, err := h.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact-bytes"), data)

	require.NoError(t, h.Close())
	assert.Contains(t, stub.requests, "DELETE /sessions/s-1")
}

func TestRemoteSecondFactorRoundTrip(t *testing.T) {
	stub := &sidecarStub{secondFactor: true}
	c := newRemote(t, stub)
	ctx := context.Background()

	h, err := c.Dial(ctx)
	require.NoError(t, err)
	hash, err := h.RequestCode(ctx, "+15551234567")
	require.NoError(t, err)

	res, err := h.SignIn(ctx, "+15551234567", "12345", hash)
	require.NoError(t, err)
	assert.True(t, res.SecondFactorRequired)

	res, err = h.SignInPassword(ctx, "hunter2")
	require.NoError(t, err)
	assert.False(t, res.SecondFactorRequired)
}

func TestRemoteConflictMapsToAlreadyAuthorized(t *testing.T) {
	stub := &sidecarStub{codeStatus: http.StatusConflict}
	c := newRemote(t, stub)
	ctx := context.Background()

	h, err := c.Dial(ctx)
	require.NoError(t, err)
	_, err = h.RequestCode(ctx, "+15551234567")
	assert.ErrorIs(t, err, ErrAlreadyAuthorized)
}

func TestRemotePasswordRejected(t *testing.T) {
	stub := &sidecarStub{passwordStatus: http.StatusUnauthorized}
	c := newRemote(t, stub)
	ctx := context.Background()

	h, err := c.Dial(ctx)
	require.NoError(t, err)
	_, err = h.SignInPassword(ctx, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestNewRemoteRequiresBaseURL(t *testing.T) {
	_, err := NewRemote(RemoteOptions{})
	assert.Error(t, err)
}
