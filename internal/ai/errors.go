package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/openai/openai-go"
)

var (
	// ErrNotConfigured is returned by every call on an Unconfigured client.
	ErrNotConfigured = errors.New("ai provider not configured")
	// ErrDimensionMismatch is matched by *DimensionError.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrProviderUnavailable covers unreachable, rate limited and unauthenticated providers.
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	// ErrGenerationFailed means the completion call returned no usable text.
	ErrGenerationFailed = errors.New("answer generation failed")
	// ErrTimeout means the provider did not answer within the configured timeout.
	ErrTimeout = errors.New("ai provider timeout")
)

// DimensionError reports a vector whose length differs from the configured
// dimensionality.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

func (e *DimensionError) Is(target error) bool { return target == ErrDimensionMismatch }

// CheckDim verifies that vec has exactly dim elements.
func CheckDim(vec []float32, dim int) error {
	if len(vec) != dim {
		return &DimensionError{Want: dim, Got: len(vec)}
	}
	return nil
}

// classify maps transport and API errors onto the package sentinels. fallback
// is used for API errors that are neither auth, throttling nor server side.
func classify(ctx context.Context, op string, err error, fallback error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout || apiErr.StatusCode == http.StatusGatewayTimeout:
			return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= 500:
			return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
		default:
			return fmt.Errorf("%s: %w: %w", op, fallback, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrProviderUnavailable, err)
}
