package store

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/smithy-go"

	"github.com/telemyapp/dwarf-link/internal/metrics"
)

type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

var defaultRetry = retryPolicy{maxAttempts: 4, baseDelay: 250 * time.Millisecond, maxDelay: 2 * time.Second}

func retryAWS(ctx context.Context, log *slog.Logger, p retryPolicy, opName string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientAWSError(err) {
			return err
		}
		if attempt == p.maxAttempts {
			metrics.Default().IncCounter("dwarf_aws_retry_exhausted_total", map[string]string{"op": opName})
			return err
		}
		metrics.Default().IncCounter("dwarf_aws_retries_total", map[string]string{
			"op":     opName,
			"reason": awsErrorCode(err),
		})
		delay := p.baseDelay * time.Duration(1<<(attempt-1))
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
		delay = withJitter(delay)
		log.Warn("aws call retry", "event", "aws_retry", "op", opName, "attempt", attempt, "delay_ms", delay.Milliseconds(), "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// withJitter returns a delay in [10% of delay, delay).
func withJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	floor := delay / 10
	span := uint64(delay - floor)
	if span == 0 {
		return floor
	}
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return floor + time.Duration(span/2)
	}
	return floor + time.Duration(binary.LittleEndian.Uint64(raw[:])%span)
}

func isTransientAWSError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ProvisionedThroughputExceededException",
		"RequestLimitExceeded",
		"ThrottlingException",
		"Throttling",
		"InternalServerError",
		"ServiceUnavailable",
		"TransactionConflictException",
		"RequestTimeout":
		return true
	default:
		return false
	}
}

func awsErrorCode(err error) string {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return "non_api_error"
	}
	code := strings.TrimSpace(apiErr.ErrorCode())
	if code == "" {
		return "unknown"
	}
	return code
}
