package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RemoteClient talks to the authentication sidecar over HTTP. The sidecar
// owns the proprietary protocol; each Dial creates one server-side session
// and the returned handle addresses it by id.
type RemoteClient struct {
	baseURL string
	creds   Credentials
	http    *http.Client
}

// RemoteOptions configures a RemoteClient.
type RemoteOptions struct {
	BaseURL     string
	Credentials Credentials
	// HTTPClient overrides the default client; nil -> 60s timeout default.
	HTTPClient *http.Client
}

// NewRemote builds a client for the authentication sidecar.
func NewRemote(opts RemoteOptions) (*RemoteClient, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("authclient: empty base URL")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &RemoteClient{
		baseURL: base,
		creds:   opts.Credentials,
		http:    hc,
	}, nil
}

// Dial creates a fresh ephemeral session on the sidecar.
func (c *RemoteClient) Dial(ctx context.Context) (Handle, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions", nil, &out); err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("dial: empty session id")
	}
	return &remoteHandle{client: c, sessionID: out.SessionID}, nil
}

type remoteHandle struct {
	client    *RemoteClient
	sessionID string
}

func (h *remoteHandle) RequestCode(ctx context.Context, phone string) (string, error) {
	in := map[string]string{"phone": phone}
	var out struct {
		CodeHash string `json:"code_hash"`
	}
	err := h.client.do(ctx, http.MethodPost, h.path("code"), in, &out)
	if err != nil {
		if isConflict(err) {
			return "", ErrAlreadyAuthorized
		}
		return "", fmt.Errorf("request code: %w", err)
	}
	return out.CodeHash, nil
}

func (h *remoteHandle) SignIn(ctx context.Context, phone, code, codeHash string) (SignInResult, error) {
	in := map[string]string{"phone": phone, "code": code, "code_hash": codeHash}
	var out struct {
		SecondFactorRequired bool `json:"second_factor_required"`
	}
	if err := h.client.do(ctx, http.MethodPost, h.path("sign-in"), in, &out); err != nil {
		return SignInResult{}, fmt.Errorf("sign in: %w", err)
	}
	return SignInResult{SecondFactorRequired: out.SecondFactorRequired}, nil
}

func (h *remoteHandle) SignInPassword(ctx context.Context, password string) (SignInResult, error) {
	in := map[string]string{"password": password}
	var out struct {
		SecondFactorRequired bool `json:"second_factor_required"`
	}
	if err := h.client.do(ctx, http.MethodPost, h.path("password"), in, &out); err != nil {
		return SignInResult{}, fmt.Errorf("sign in password: %w", err)
	}
	return SignInResult{SecondFactorRequired: out.SecondFactorRequired}, nil
}

func (h *remoteHandle) Export(ctx context.Context) ([]byte, error) {
	data, err := h.client.raw(ctx, http.MethodGet, h.path("export"))
	if err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	return data, nil
}

// Close releases the server-side session. Uses its own deadline because the
// caller's context may already be done on teardown paths.
func (h *remoteHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.client.do(ctx, http.MethodDelete, h.path(""), nil, nil); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (h *remoteHandle) path(suffix string) string {
	p := "/sessions/" + h.sessionID
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

// statusError reports a non-2xx sidecar response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return "unexpected status " + strconv.Itoa(e.status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func isConflict(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.status == http.StatusConflict
}

func (c *RemoteClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *RemoteClient) raw(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readStatusError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *RemoteClient) authorize(req *http.Request) {
	req.Header.Set("X-App-ID", strconv.Itoa(c.creds.AppID))
	req.Header.Set("X-App-Hash", c.creds.AppHash)
}

func readStatusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{
		status: resp.StatusCode,
		body:   strings.TrimSpace(string(snippet)),
	}
}
