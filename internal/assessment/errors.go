package assessment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindBadRequest  ErrorKind = "bad_request"
	KindRateLimited ErrorKind = "rate_limited"
	KindUnavailable ErrorKind = "unavailable"
	KindTimeout     ErrorKind = "timeout"
	KindNetwork     ErrorKind = "network"
	KindMalformed   ErrorKind = "malformed_response"
	KindCanceled    ErrorKind = "canceled"
)

func (k ErrorKind) retryable() bool {
	switch k {
	case KindAuth, KindBadRequest:
		return false
	default:
		return true
	}
}

// ProviderError is a categorized failure from an assessment provider.
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s provider %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NoPhotosError is returned when a trade-in has no photo to assess.
type NoPhotosError struct {
	TradeInID string
}

func (e *NoPhotosError) Error() string {
	return fmt.Sprintf("trade-in %s has no photos", e.TradeInID)
}

var transientSignatures = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"connection aborted",
	"broken pipe",
	"no such host",
	"network",
	"temporarily unavailable",
	"unexpected eof",
}

// IsRetryable reports whether a failed assessment may succeed if attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var noPhotos *NoPhotosError
	if errors.As(err, &noPhotos) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Kind.retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// classifyTransportError maps an http.Client error onto a ProviderError.
func classifyTransportError(ctx context.Context, provider string, err error) *ProviderError {
	kind := KindNetwork
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			kind = KindTimeout
		}
	}
	if ctx.Err() == context.Canceled {
		kind = KindCanceled
	}
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

// classifyStatus maps a non-2xx HTTP status onto a ProviderError.
func classifyStatus(provider string, status int, body string) *ProviderError {
	kind := KindUnavailable
	switch {
	case status == 401 || status == 403:
		kind = KindAuth
	case status == 400 || status == 404 || status == 422:
		kind = KindBadRequest
	case status == 429:
		kind = KindRateLimited
	case status == 408 || status == 504:
		kind = KindTimeout
	}
	return &ProviderError{Kind: kind, Provider: provider, StatusCode: status, Message: body}
}
