package accounts

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrDuplicateAccount   = errors.New("account already exists")
	ErrRateLimited        = errors.New("account creation rate limited")
	ErrNotConnected       = errors.New("account not connected")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidAccountID   = errors.New("invalid account id")
	ErrPhoneRequired      = errors.New("phone number required for pairing code login")
	ErrInvalidRecipient   = errors.New("invalid recipient")
	ErrClosed             = errors.New("session manager closed")

	// errSocketInit marks failures to build a socket at all, as opposed to a
	// socket that was built but could not reach the server.
	errSocketInit = errors.New("socket initialization failed")
)

// RateLimitedError is returned by CreateAccount while the creation cooldown is running.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
