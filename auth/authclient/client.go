// Package authclient defines the boundary to the external account
// authentication service. The wire protocol is opaque to this repository;
// implementations live outside the core and are injected at wiring time.
package authclient

import (
	"context"
	"errors"
)

// ErrAlreadyAuthorized is returned by RequestCode when the account behind the
// phone number already holds a valid session with the service.
var ErrAlreadyAuthorized = errors.New("authclient: account already authorized")

// Credentials identify this application to the authentication service.
type Credentials struct {
	AppID   int
	AppHash string
}

// SignInResult reports the outcome of a code or password submission.
type SignInResult struct {
	// SecondFactorRequired indicates the service accepted the code but wants
	// an additional password before completing the sign-in.
	SecondFactorRequired bool
}

// Handle is one ephemeral connection to the authentication service, valid for
// exactly one login attempt. Close must be called exactly once on every exit
// path, including attempts where the connection was never fully established.
type Handle interface {
	// RequestCode asks the service to deliver a verification code to the
	// phone number and returns the opaque hash required for SignIn.
	RequestCode(ctx context.Context, phone string) (codeHash string, err error)

	// SignIn submits the user-entered code together with the hash returned by
	// RequestCode.
	SignIn(ctx context.Context, phone, code, codeHash string) (SignInResult, error)

	// SignInPassword completes a sign-in that the service flagged as
	// requiring a second factor.
	SignInPassword(ctx context.Context, password string) (SignInResult, error)

	// Export serializes the authorized session into a reusable credential
	// artifact. Valid only after a successful sign-in.
	Export(ctx context.Context) ([]byte, error)

	// Close disconnects the underlying session. Idempotent implementations
	// are preferred, but callers must not rely on that.
	Close() error
}

// Client dials new ephemeral handles.
type Client interface {
	Dial(ctx context.Context) (Handle, error)
}
