package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvoloshin/authbridge/auth/authclient"
	"github.com/nvoloshin/authbridge/auth/session"
)

type fakeHandle struct {
	mu sync.Mutex

	codeHash       string
	requestCodeErr error
	signInErr      error
	secondFactor   bool
	passwordErr    error
	artifact       []byte
	exportErr      error

	requestCodePhone string
	signInCalls      int
	signInCode       string
	signInHash       string
	passwordCalls    int
	password         string
	closed           int
}

func (h *fakeHandle) RequestCode(_ context.Context, phone string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requestCodePhone = phone
	if h.requestCodeErr != nil {
		return "", h.requestCodeErr
	}
	return h.codeHash, nil
}

func (h *fakeHandle) SignIn(_ context.Context, _, code, hash string) (authclient.SignInResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signInCalls++
	h.signInCode = code
	h.signInHash = hash
	if h.signInErr != nil {
		return authclient.SignInResult{}, h.signInErr
	}
	return authclient.SignInResult{SecondFactorRequired: h.secondFactor}, nil
}

func (h *fakeHandle) SignInPassword(_ context.Context, password string) (authclient.SignInResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.passwordCalls++
	h.password = password
	if h.passwordErr != nil {
		return authclient.SignInResult{}, h.passwordErr
	}
	return authclient.SignInResult{}, nil
}

func (h *fakeHandle) Export(context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exportErr != nil {
		return nil, h.exportErr
	}
	return h.artifact, nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *fakeHandle) closedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) signInCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signInCalls
}

type fakeClient struct {
	mu      sync.Mutex
	dialErr error
	setup   func(*fakeHandle)
	dialed  []*fakeHandle
}

func (c *fakeClient) Dial(context.Context) (authclient.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	h := &fakeHandle{codeHash: "H1", artifact: []byte("serialized-session")}
	if c.setup != nil {
		c.setup(h)
	}
	c.dialed = append(c.dialed, h)
	return h, nil
}

func (c *fakeClient) dialCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dialed)
}

func (c *fakeClient) lastHandle() *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.dialed) == 0 {
		return nil
	}
	return c.dialed[len(c.dialed)-1]
}

type sinkCall struct {
	kind   string
	chatID int64
	text   string
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	docs  map[int64][]byte
}

func (s *fakeSink) record(kind string, chatID int64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{kind: kind, chatID: chatID, text: text})
}

func (s *fakeSink) Notify(_ context.Context, chatID int64, text string) error {
	s.record("notify", chatID, text)
	return nil
}

func (s *fakeSink) NotifyDocument(_ context.Context, chatID int64, caption, filename string, data []byte) error {
	s.mu.Lock()
	if s.docs == nil {
		s.docs = make(map[int64][]byte)
	}
	s.docs[chatID] = data
	s.mu.Unlock()
	s.record("document", chatID, caption+" "+filename)
	return nil
}

func (s *fakeSink) PromptContact(_ context.Context, userID int64, text string) error {
	s.record("prompt_contact", userID, text)
	return nil
}

func (s *fakeSink) AckContact(_ context.Context, userID int64, text string) error {
	s.record("ack_contact", userID, text)
	return nil
}

func (s *fakeSink) ShowCodePad(_ context.Context, userID int64, _, entered string) error {
	s.record("show_pad", userID, entered)
	return nil
}

func (s *fakeSink) UpdateCodePad(_ context.Context, userID int64, _, entered string) error {
	s.record("update_pad", userID, entered)
	return nil
}

func (s *fakeSink) PromptPassword(_ context.Context, userID int64, text string) error {
	s.record("prompt_password", userID, text)
	return nil
}

func (s *fakeSink) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func (s *fakeSink) textsTo(chatID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if c.chatID == chatID {
			out = append(out, c.text)
		}
	}
	return out
}

type userRecord struct {
	username, firstName, lastName string
}

type fakeUsers struct {
	mu      sync.Mutex
	users   map[int64]userRecord
	phones  map[int64]string
	records int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[int64]userRecord), phones: make(map[int64]string)}
}

func (s *fakeUsers) RecordUser(_ context.Context, id int64, username, firstName, lastName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records++
	if _, ok := s.users[id]; ok {
		return nil
	}
	s.users[id] = userRecord{username, firstName, lastName}
	return nil
}

func (s *fakeUsers) SavePhone(_ context.Context, id int64, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phones[id] = phone
	return nil
}

func (s *fakeUsers) Phone(_ context.Context, id int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.phones[id]
	return p, ok, nil
}

func (s *fakeUsers) CountUsers(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users), nil
}

type fakeArtifacts struct {
	mu      sync.Mutex
	data    map[int64][]byte
	saveErr error
}

func (s *fakeArtifacts) Save(_ context.Context, userID int64, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.data == nil {
		s.data = make(map[int64][]byte)
	}
	s.data[userID] = append([]byte(nil), data...)
	return nil
}

func (s *fakeArtifacts) Load(_ context.Context, userID int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[userID]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

type fixture struct {
	mgr       *Manager
	client    *fakeClient
	registry  *session.Registry
	users     *fakeUsers
	artifacts *fakeArtifacts
	sink      *fakeSink
}

const (
	adminChat    int64 = -100
	phoneLogChat int64 = -200
	artifactChat int64 = -300
)

func newFixture(t *testing.T, setup func(*fixture)) *fixture {
	t.Helper()
	fx := &fixture{
		client:    &fakeClient{},
		registry:  session.NewRegistry(),
		users:     newFakeUsers(),
		artifacts: &fakeArtifacts{},
		sink:      &fakeSink{},
	}
	if setup != nil {
		setup(fx)
	}
	mgr, err := NewManager(Options{
		Client:    fx.client,
		Registry:  fx.registry,
		Users:     fx.users,
		Artifacts: fx.artifacts,
		Sink:      fx.sink,
		Channels:  Channels{Admin: adminChat, PhoneLog: phoneLogChat, Artifact: artifactChat},
		Messages: Messages{
			Welcome:        "Hi, {first_name}!",
			ThankYou:       "Thanks!",
			CodePrompt:     "Enter the code",
			PasswordPrompt: "Enter your password",
		},
	})
	require.NoError(t, err)
	fx.mgr = mgr
	return fx
}

func press(t *testing.T, fx *fixture, userID int64, keys ...string) {
	t.Helper()
	for _, k := range keys {
		_ = fx.mgr.HandlePress(context.Background(), userID, k)
	}
}

var alice = User{ID: 7, Username: "alice", FirstName: "Alice"}

func TestStartNewUserPromptsContact(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, fx.mgr.HandleStart(ctx, alice))

	assert.Equal(t, StateIdle, fx.mgr.StateOf(alice.ID))
	assert.Equal(t, 0, fx.client.dialCount())
	assert.Equal(t, 1, fx.sink.count("prompt_contact"))

	prompts := fx.sink.textsTo(alice.ID)
	require.NotEmpty(t, prompts)
	assert.Contains(t, prompts[0], "Alice")

	adminNotes := fx.sink.textsTo(adminChat)
	require.Len(t, adminNotes, 1)
	assert.Contains(t, adminNotes[0], "New user")
	assert.Contains(t, adminNotes[0], "@alice")
}

func TestContactSharedRequestsCode(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, fx.mgr.HandleStart(ctx, alice))
	require.NoError(t, fx.mgr.HandleContact(ctx, alice, "+15551234567"))

	assert.Equal(t, StateAwaitingCode, fx.mgr.StateOf(alice.ID))
	require.Equal(t, 1, fx.client.dialCount())
	h := fx.client.lastHandle()
	assert.Equal(t, "+15551234567", h.requestCodePhone)
	assert.Equal(t, 1, fx.registry.Len())
	assert.Equal(t, 1, fx.sink.count("show_pad"))

	phone, ok, err := fx.users.Phone(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "+15551234567", phone)
	// phone is reported to both operator channels when they differ
	assert.NotEmpty(t, fx.sink.textsTo(phoneLogChat))
	assert.Len(t, fx.sink.textsTo(adminChat), 2)
}

func TestStartWithKnownPhoneSkipsContact(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, fx.users.SavePhone(ctx, alice.ID, "+15551234567"))

	require.NoError(t, fx.mgr.HandleStart(ctx, alice))

	assert.Equal(t, 0, fx.sink.count("prompt_contact"))
	assert.Equal(t, StateAwaitingCode, fx.mgr.StateOf(alice.ID))
	assert.Equal(t, "+15551234567", fx.client.lastHandle().requestCodePhone)
}

func TestSubmitTriggersExactlyOnceOnFifthDigit(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, fx.users.SavePhone(ctx, alice.ID, "+15551234567"))
	require.NoError(t, fx.mgr.HandleStart(ctx, alice))
	h := fx.client.lastHandle()

	press(t, fx, alice.ID, "1", "2", "3", "4")
	assert.Equal(t, 0, h.signInCount())

	press(t, fx, alice.ID, "5")
	assert.Equal(t, 1, h.signInCount())
	assert.Equal(t, "12345", h.signInCode)
	assert.Equal(t, "H1", h.signInHash)

	// presses after submission hit a finished flow, never a stale buffer
	press(t, fx, alice.ID, "6", "7")
	assert.Equal(t, 1, h.signInCount())
	assert.Equal(t, StateIdle, fx.mgr.StateOf(alice.ID))
}

func TestAuthorizedPersistsAndCleansUp(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, fx.users.SavePhone(ctx, alice.ID, "+15551234567"))
	require.NoError(t, fx.mgr.HandleStart(ctx, alice))

	press(t, fx, alice.ID, "1", "2", "3", "4", "5")

	saved, err := fx.artifacts.Load(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("serialized-session"), saved)

	fx.sink.mu.Lock()
	doc := fx.sink.docs[artifactChat]
	fx.sink.mu.Unlock()
	assert.Equal(t, []byte("serialized-session"), doc)

	assert.Equal(t, 0, fx.registry.Len())
	assert.Equal(t, 1, fx.client.lastHandle().closedCount())
	assert.Equal(t, StateIdle, fx.mgr.StateOf(alice.ID))
	assert.NotEmpty(t, fx.sink.textsTo(phoneLogChat))
}

func TestSecondFactorRequiredKeepsHandleOpen(t *testing.T) {
	fx := newFixture(t, func(fx *fixture) {
		fx.client.setup = func(h *fakeHandle) { h.secondFactor = true }
	})
	ctx := context.Background()
	require.NoError(t, fx.users.SavePhone(ctx, alice.ID, "+15551234567"))
	require.NoError(t, fx.mgr.HandleStart(ctx, alice))

	press(t, fx, alice.ID, "1", "2", "3", "4", "5")

	assert.Equal(t, StateAwaitingSecondFactor, fx.mgr.StateOf(alice.ID))
	assert.True(t, fx.mgr.AwaitingPassword(alice.ID))
	assert.Equal(t, 1, fx.registry.Len())
	assert.Equal(t, 0, fx.client.lastHandle().closedCount())
	assert.Equal(t, 1, fx.sink.count("prompt_password"))
}

func TestSecondFactorSuccess(t *testing.T) {
	fx := newFixture(t, func(fx *fixture) {
		fx.client.setup = func(h *fakeHandle) { h.secondFactor = true }
	})
	ctx := context.Background()
	require.NoError(t, fx.users.SavePhone(ctx, alice.ID, "+15551234567"))
	require.NoError(t, fx.mgr.HandleStart(ctx, alice))
	press(t, fx, alice.ID, "1", "2", "3", "4", "5")

	require.NoError(t, fx.mgr.HandleText(ctx, alice, "hunter2"))

	h := fx.client.lastHandle()
	assert.Equal(t, "hunter2", h.password)
	assert.Equal(t, 0, fx.registry.Len())
	assert.Equal(t, 1, h.closedCount())
	assert.Equal(t, StateIdle, fx.mgr.StateOf(alice.ID))

	saved, err := fx.artifacts.Load(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("serialized-session"), saved)
}

func TestSecondFactorFailureDestroysHandle(t *testing.T) {
	fx := newFixture(t, func(fx *fixture) {
		fx.client.setup = func(h *fakeHandle) {
			h.secondFactor = true
			h.passwordErr = errors.New("PASSWORD_HASH_INVALID")
		}
	})
	ctx := context.Background()
	require.NoError(t, fx.users.SavePhone(ctx, alice.ID, "+15551234567"))
	require.NoError(t, fx.mgr.HandleStart(ctx, alice))
	press(t, fx, alice.ID, "1", "2", "3", "4", "5")

	err := fx.mgr.HandleText(ctx, alice, "wrongpass")
	assert.True(t, IsKind(err, KindSecondFactorFailed))
	assert.Equal(t, 0, fx.registry.Len())
	assert.Equal(t, 1, fx.client.lastHandle().closedCount())
	assert.Equal(t, StateIdle, fx.mgr.StateOf(alice.ID))
}

func TestInvalidCodeEndsAttempt(t *testing.T) {
	fx := newFixture(t, func(fx *fixture) {
		fx.client.setup = func(h *fakeHandle) { h.signInErr = errors.New("PHONE_CODE_INVALID") }
	})
	ctx := context.Background()
	require.NoError(t, fx.users.SavePhone(ctx, alice.ID, "+15551234567"))
	require.NoError(t, fx.mgr.HandleStart(ctx, alice))

	press(t, fx, alice.ID, "1", "2", "3", "4")
	err := fx.mgr.HandlePress(ctx, alice.ID, "5")
	assert.True(t, IsKind(err, KindInvalidCode))
	assert.Equal(t, 0, fx.registry.Len())
	assert.Equal(t, 1, fx.client.lastHandle().closedCount())
	assert.Equal(t, StateIdle, fx.mgr.StateOf(alice.ID))

	// a fresh attempt starts with a clean buffer
	require.NoError(t, fx.mgr.HandleStart(ctx, alice))
	h2 := fx.client.lastHandle()
	press(t, fx, alice.ID, "9", "9", "9", "9")
	assert.Equal(t, 0, h2.signInCount())
}

func TestCodeRequestFailure(t *testing.T) {
	fx := newFixture(t, func(fx *fixture) {
		fx.client.setup = func(h *fakeHandle) { h.requestCodeErr = errors.New("FLOOD_WAIT") }
	})
	ctx := context.Background()

	err := fx.mgr.HandleContact(ctx, alice, "+15551234567")
	assert.True(t, IsKind(err, KindCodeRequestFailed))
	assert.Equal(t, 0, fx.registry.Len())
	assert.Equal(t, 1, fx.client.lastHandle().closedCount())
	assert.Equal(t, StateIdle, fx.mgr.StateOf(alice.ID))
}

func TestAlreadyAuthorizedAccount(t *testing.T) {
	fx := newFixture(t, func(fx *fixture) {
		fx.client.setup = func(h *fakeHandle) { h.requestCodeErr = authclient.ErrAlreadyAuthorized }
	})
	ctx := context.Background()

	err := fx.mgr.HandleContact(ctx, alice, "+15551234567")
	assert.True(t, IsKind(err, KindAlreadyAuthorized))
	assert.Equal(t, 0, fx.registry.Len())
	assert.Equal(t, StateIdle, fx.mgr.StateOf(alice.ID))

	notes := fx.sink.textsTo(phoneLogChat)
	require.NotEmpty(t, notes)
	assert.Contains(t, notes[len(notes)-1], "already authorized")
}

func TestPressWithoutFlowIsRejected(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	err := fx.mgr.HandlePress(ctx, alice.ID, "5")
	assert.True(t, IsKind(err, KindNoActiveSession))
	assert.Equal(t, 0, fx.client.dialCount())
	assert.Equal(t, 0, fx.registry.Len())
	assert.Equal(t, StateIdle, fx.mgr.StateOf(alice.ID))

	notes := fx.sink.textsTo(alice.ID)
	require.NotEmpty(t, notes)
	assert.Contains(t, notes[0], "/start")
}

func TestTextWithoutSecondFactorIsRejected(t *testing.T) {
	fx := newFixture(t, nil)
	err := fx.mgr.HandleText(context.Background(), alice, "not-a-password")
	assert.True(t, IsKind(err, KindNoActiveSession))
}

func TestClearAndDeleteKeys(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, fx.users.SavePhone(ctx, alice.ID, "+15551234567"))
	require.NoError(t, fx.mgr.HandleStart(ctx, alice))
	h := fx.client.lastHandle()

	press(t, fx, alice.ID, "1", "2", "3", KeyDelete, KeyClear, "9", "8", "7", "6", "5")
	assert.Equal(t, 1, h.signInCount())
	assert.Equal(t, "98765", h.signInCode)
}

func TestRestartSupersedesAttemptWithoutLeak(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, fx.users.SavePhone(ctx, alice.ID, "+15551234567"))

	require.NoError(t, fx.mgr.HandleStart(ctx, alice))
	first := fx.client.lastHandle()
	require.NoError(t, fx.mgr.HandleStart(ctx, alice))

	assert.Equal(t, 2, fx.client.dialCount())
	assert.Equal(t, 1, fx.registry.Len())
	assert.Equal(t, 1, first.closedCount())
	assert.Equal(t, StateAwaitingCode, fx.mgr.StateOf(alice.ID))
}

func TestConcurrentStartsNeverLeakHandles(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, fx.users.SavePhone(ctx, alice.ID, "+15551234567"))

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = fx.mgr.HandleStart(ctx, alice)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fx.registry.Len())
	closed := 0
	fx.client.mu.Lock()
	dialed := len(fx.client.dialed)
	for _, h := range fx.client.dialed {
		closed += h.closedCount()
	}
	fx.client.mu.Unlock()
	assert.Equal(t, dialed-1, closed)
}

func TestConcurrentUsersProceedIndependently(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		u := User{ID: int64(100 + i), Username: fmt.Sprintf("user%d", i), FirstName: "U"}
		go func(u User) {
			defer wg.Done()
			if err := fx.mgr.HandleContact(ctx, u, fmt.Sprintf("+1555000%04d", u.ID)); err != nil {
				errs <- err
				return
			}
			for _, k := range []string{"1", "2", "3", "4", "5"} {
				_ = fx.mgr.HandlePress(ctx, u.ID, k)
			}
		}(u)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 0, fx.registry.Len())
	assert.Equal(t, 0, fx.mgr.ActiveFlows())
	for i := 0; i < n; i++ {
		saved, err := fx.artifacts.Load(ctx, int64(100+i))
		require.NoError(t, err)
		assert.Equal(t, []byte("serialized-session"), saved)
	}
}

func TestArtifactSaveFailureStillReleasesHandle(t *testing.T) {
	fx := newFixture(t, func(fx *fixture) {
		fx.artifacts.saveErr = errors.New("disk full")
	})
	ctx := context.Background()
	require.NoError(t, fx.users.SavePhone(ctx, alice.ID, "+15551234567"))
	require.NoError(t, fx.mgr.HandleStart(ctx, alice))

	press(t, fx, alice.ID, "1", "2", "3", "4")
	err := fx.mgr.HandlePress(ctx, alice.ID, "5")
	assert.True(t, IsKind(err, KindArtifactFailed))
	assert.Equal(t, 0, fx.registry.Len())
	assert.Equal(t, 1, fx.client.lastHandle().closedCount())
	assert.Equal(t, StateIdle, fx.mgr.StateOf(alice.ID))
}

func TestCloseDrainsEverything(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, fx.mgr.HandleContact(ctx, alice, "+15551234567"))
	require.Equal(t, 1, fx.registry.Len())

	fx.mgr.Close(ctx)
	assert.Equal(t, 0, fx.registry.Len())
	assert.Equal(t, 1, fx.client.lastHandle().closedCount())
	assert.Equal(t, StateIdle, fx.mgr.StateOf(alice.ID))
}

func TestUserRecordIdempotent(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, fx.mgr.HandleStart(ctx, alice))
	require.NoError(t, fx.mgr.HandleStart(ctx, alice))

	count, err := fx.users.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDisplayNameFallback(t *testing.T) {
	assert.Equal(t, "@alice", alice.DisplayName())
	assert.Equal(t, "Bob Smith", User{ID: 1, FirstName: "Bob", LastName: "Smith"}.DisplayName())
	assert.Equal(t, "unknown", User{ID: 1}.DisplayName())
	assert.True(t, strings.HasPrefix(User{ID: 1, Username: "x"}.DisplayName(), "@"))
}
