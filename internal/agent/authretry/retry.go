// Package authretry wraps provider calls with a credential sync and a single
// retry when the provider reports an expired credential.
package authretry

import (
	"context"
	"errors"
	"fmt"
)

// ReauthRequiredCode is attached to ReauthRequiredError and to the terminal
// error chunk written for it, so clients can prompt for sign-in instead of
// showing a generic failure.
const ReauthRequiredCode = "anthropic_oauth_reauth_required"

// SyncOptions controls a credential sync.
type SyncOptions struct {
	ForceRefresh bool
}

// SyncResult is the outcome of a credential sync.
type SyncResult struct {
	// OK means usable credentials are in place.
	OK bool
	// ReauthRequired means the user must sign in again; no call can succeed.
	ReauthRequired bool
	// Reason is a short human-readable explanation when not OK.
	Reason string
}

// SyncFunc brings local credentials up to date with the credential store.
type SyncFunc func(ctx context.Context, opts SyncOptions) (SyncResult, error)

// Options configures one RunWithRetry call.
type Options struct {
	SyncCredential SyncFunc
	// OnRetry is called right before the single retry.
	OnRetry func()
}

// ReauthRequiredError is returned when credentials cannot be recovered.
type ReauthRequiredError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ReauthRequiredError) Error() string {
	msg := "reauthentication required"
	if e.Provider != "" {
		msg = fmt.Sprintf("%s: %s", e.Provider, msg)
	}
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	return msg
}

func (e *ReauthRequiredError) Unwrap() error { return e.Err }

// Code returns ReauthRequiredCode.
func (e *ReauthRequiredError) Code() string { return ReauthRequiredCode }

// IsReauthRequired reports whether err is, or wraps, a ReauthRequiredError.
func IsReauthRequired(err error) bool {
	var target *ReauthRequiredError
	return errors.As(err, &target)
}

// ExpiryPredicate reports whether an operation error means "credential expired".
type ExpiryPredicate func(err error) bool

// Policy is the retry policy of one provider.
type Policy struct {
	Provider  string
	IsExpired ExpiryPredicate
	Sync      SyncFunc
}

// Run runs op under the policy using the policy's own sync function.
func Run[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error), onRetry func()) (T, error) {
	return RunWithRetry(ctx, p, op, Options{SyncCredential: p.Sync, OnRetry: onRetry})
}

// RunWithRetry syncs credentials, runs op, and on a credential-expiry failure
// force-syncs once and retries op once. The retry's outcome is returned as-is.
func RunWithRetry[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error), opts Options) (T, error) {
	var zero T

	if opts.SyncCredential != nil {
		// A failing non-forced sync is not fatal: the cached credential may
		// still be accepted by the provider.
		res, err := opts.SyncCredential(ctx, SyncOptions{})
		if err == nil && res.ReauthRequired {
			return zero, &ReauthRequiredError{Provider: p.Provider, Reason: res.Reason}
		}
	}

	result, err := op(ctx)
	if err == nil {
		return result, nil
	}
	if p.IsExpired == nil || !p.IsExpired(err) || opts.SyncCredential == nil {
		return zero, err
	}
	if ctx.Err() != nil {
		return zero, err
	}

	res, syncErr := opts.SyncCredential(ctx, SyncOptions{ForceRefresh: true})
	if syncErr != nil {
		return zero, &ReauthRequiredError{Provider: p.Provider, Reason: syncErr.Error(), Err: err}
	}
	if !res.OK || res.ReauthRequired {
		return zero, &ReauthRequiredError{Provider: p.Provider, Reason: res.Reason, Err: err}
	}

	if opts.OnRetry != nil {
		opts.OnRetry()
	}
	return op(ctx)
}
