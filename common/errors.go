package common

import (
	"context"
	"errors"
	"fmt"
)

//
// Base types
//

type BaseError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Cause   error                  `json:"cause,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *BaseError) Unwrap() error {
	return e.Cause
}

func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BaseError) CodeChain() string {
	if e.Cause != nil {
		var be interface{ CodeChain() string }
		if errors.As(e.Cause, &be) {
			return fmt.Sprintf("%s <- %s", e.Code, be.CodeChain())
		}
	}
	return e.Code
}

// ErrorWithStatusCode maps a gateway error to the HTTP status it surfaces as.
type ErrorWithStatusCode interface {
	ErrorStatusCode() int
}

// ErrorStatusCode resolves the HTTP status for any error, defaulting to 500.
func ErrorStatusCode(err error) int {
	var sc ErrorWithStatusCode
	if errors.As(err, &sc) {
		return sc.ErrorStatusCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return 504
	}
	return 500
}

//
// Gateway errors
//

type ErrChainNotFound struct{ BaseError }

func NewErrChainNotFound(chainId uint64) error {
	return &ErrChainNotFound{
		BaseError{
			Code:    "ErrChainNotFound",
			Message: "chain is not configured on this gateway",
			Details: map[string]interface{}{"chainId": chainId},
		},
	}
}

func (e *ErrChainNotFound) ErrorStatusCode() int { return 404 }

type ErrMalformedRequest struct{ BaseError }

func NewErrMalformedRequest(cause error) error {
	return &ErrMalformedRequest{
		BaseError{
			Code:    "ErrMalformedRequest",
			Message: "request body is not a valid JSON-RPC call",
			Cause:   cause,
		},
	}
}

func (e *ErrMalformedRequest) ErrorStatusCode() int { return 400 }

type ErrNoHealthyUpstream struct{ BaseError }

func NewErrNoHealthyUpstream(chainId uint64) error {
	return &ErrNoHealthyUpstream{
		BaseError{
			Code:    "ErrNoHealthyUpstream",
			Message: "no healthy upstream available for chain",
			Details: map[string]interface{}{"chainId": chainId},
		},
	}
}

func (e *ErrNoHealthyUpstream) ErrorStatusCode() int { return 503 }

type ErrAllAttemptsFailed struct{ BaseError }

func NewErrAllAttemptsFailed(cause error, attempts int) error {
	return &ErrAllAttemptsFailed{
		BaseError{
			Code:    "ErrAllAttemptsFailed",
			Message: "all attempts towards upstreams failed",
			Cause:   cause,
			Details: map[string]interface{}{"attempts": attempts},
		},
	}
}

func (e *ErrAllAttemptsFailed) ErrorStatusCode() int { return 502 }

type ErrRequestTimeout struct{ BaseError }

func NewErrRequestTimeout(cause error) error {
	return &ErrRequestTimeout{
		BaseError{
			Code:    "ErrRequestTimeout",
			Message: "request exceeded its time budget",
			Cause:   cause,
		},
	}
}

func (e *ErrRequestTimeout) ErrorStatusCode() int { return 504 }

type ErrCoalesceTimeout struct{ BaseError }

func NewErrCoalesceTimeout(key string) error {
	return &ErrCoalesceTimeout{
		BaseError{
			Code:    "ErrCoalesceTimeout",
			Message: "timed out waiting for coalesced in-flight request",
			Details: map[string]interface{}{"key": key},
		},
	}
}

func (e *ErrCoalesceTimeout) ErrorStatusCode() int { return 504 }

//
// Upstream attempt classification
//

// ErrUpstreamTransient marks failures worth retrying: transport errors,
// timeouts, HTTP 5xx and JSON-RPC server-side error codes.
type ErrUpstreamTransient struct{ BaseError }

func NewErrUpstreamTransient(cause error, upstream string) error {
	return &ErrUpstreamTransient{
		BaseError{
			Code:    "ErrUpstreamTransient",
			Message: "transient upstream failure",
			Cause:   cause,
			Details: map[string]interface{}{"upstream": upstream},
		},
	}
}

// ErrUpstreamPermanent marks failures retrying cannot fix: malformed
// requests, HTTP 4xx other than 429, client-side JSON-RPC codes.
type ErrUpstreamPermanent struct {
	BaseError
	// Response carries the upstream's error envelope when one exists, so
	// method errors can be forwarded verbatim to the client.
	Response *JsonRpcResponse
}

func NewErrUpstreamPermanent(cause error, upstream string, resp *JsonRpcResponse) error {
	return &ErrUpstreamPermanent{
		BaseError: BaseError{
			Code:    "ErrUpstreamPermanent",
			Message: "permanent upstream failure",
			Cause:   cause,
			Details: map[string]interface{}{"upstream": upstream},
		},
		Response: resp,
	}
}

// Permanent failures without a forwardable envelope (e.g. an HTTP 404 from
// the upstream) surface as a bad gateway.
func (e *ErrUpstreamPermanent) ErrorStatusCode() int { return 502 }

// ErrUpstreamRateLimited marks HTTP 429 and provider throttling indicators;
// retried like a transient failure, with backoff.
type ErrUpstreamRateLimited struct{ BaseError }

func NewErrUpstreamRateLimited(upstream string) error {
	return &ErrUpstreamRateLimited{
		BaseError{
			Code:    "ErrUpstreamRateLimited",
			Message: "upstream rate limited the request",
			Details: map[string]interface{}{"upstream": upstream},
		},
	}
}

// IsRetryable reports whether the retry layer should recover from err.
func IsRetryable(err error) bool {
	var tr *ErrUpstreamTransient
	if errors.As(err, &tr) {
		return true
	}
	var rl *ErrUpstreamRateLimited
	if errors.As(err, &rl) {
		return true
	}
	var nh *ErrNoHealthyUpstream
	if errors.As(err, &nh) {
		// A probe round may restore health between attempts.
		return true
	}
	return false
}

// AsPermanentResponse extracts the forwardable upstream error envelope, if any.
func AsPermanentResponse(err error) (*JsonRpcResponse, bool) {
	var pe *ErrUpstreamPermanent
	if errors.As(err, &pe) && pe.Response != nil {
		return pe.Response, true
	}
	return nil, false
}
