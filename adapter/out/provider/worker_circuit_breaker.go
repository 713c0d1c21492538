package provider

import (
	"errors"
	"net/http"
	"time"

	"ticket_worker/core/port/out"
	"ticket_worker/pkg/logger"
	"ticket_worker/pkg/metrics"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// breaker fails fast while a provider API is unhealthy. It never retries;
// a rejected call surfaces as a ProviderError like any other failure.
type breaker struct {
	provider string
	cb       *gobreaker.CircuitBreaker
}

func newBreaker(provider string) *breaker {
	settings := gobreaker.Settings{
		Name:        provider + "-api",
		MaxRequests: 3,                // probes allowed while half-open
		Interval:    60 * time.Second, // closed-state counter reset
		Timeout:     30 * time.Second, // open-state duration
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithField("breaker", name).Warn("circuit breaker state changed from %s to %s", from.String(), to.String())
		},
	}
	return &breaker{provider: provider, cb: gobreaker.NewCircuitBreaker(settings)}
}

// execute runs fn under the breaker. Client errors are passed through
// without counting against the breaker.
func (b *breaker) execute(operation string, fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if isClientError(err) {
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		err = nce.err
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = out.NewProviderError(b.provider, operation, out.ProviderErrUnavailable, 0, "circuit breaker open", err)
	}

	metrics.RecordProviderRequest(b.provider, operation, err)
	return err
}

// state returns the breaker state for health reporting.
func (b *breaker) state() string {
	return b.cb.State().String()
}

// nonCircuitError wraps errors that should not trip the circuit breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

// isClientError reports errors caused by one request or one mailbox, such as
// a revoked refresh token. They say nothing about the provider's health.
func isClientError(err error) bool {
	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return isClientStatus(pe.StatusCode)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return isClientStatus(apiErr.Code)
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil {
			return isClientStatus(retrieveErr.Response.StatusCode)
		}
		// RFC 6749 error codes (invalid_grant, invalid_client) only come back
		// from a token endpoint that answered
		return retrieveErr.ErrorCode != ""
	}
	return false
}

func isClientStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
