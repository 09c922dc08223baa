package authretry

import (
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// ProviderAnthropic is the slug of the Anthropic provider.
const ProviderAnthropic = "anthropic"

// anthropicExpirySignatures are message fragments the engine relays when an
// Anthropic OAuth access token has expired or been revoked.
var anthropicExpirySignatures = []string{
	"oauth token has expired",
	"oauth access token has expired",
	"token has been revoked",
	"invalid bearer token",
	"authentication_error",
}

// StatusCoder is implemented by errors that carry an HTTP status, such as the
// engine client's errors.
type StatusCoder interface {
	StatusCode() int
}

// IsAnthropicCredentialExpired reports whether err looks like an expired
// Anthropic credential. Typed SDK errors are checked first; errors that
// arrive through the engine transport are matched on their text.
func IsAnthropicCredentialExpired(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range anthropicExpirySignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}

	var coded StatusCoder
	if errors.As(err, &coded) && coded.StatusCode() == http.StatusUnauthorized {
		return strings.Contains(msg, "oauth") || strings.Contains(msg, "token")
	}
	return false
}

// NewAnthropicPolicy returns the Anthropic policy backed by sync.
func NewAnthropicPolicy(sync SyncFunc) *Policy {
	return &Policy{
		Provider:  ProviderAnthropic,
		IsExpired: IsAnthropicCredentialExpired,
		Sync:      sync,
	}
}
