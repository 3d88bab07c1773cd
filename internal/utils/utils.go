package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/llm-d-incubation/pipeline-selftune/internal/logger"
)

// Global backoff configurations
var (
	// Standard backoff for most operations
	StandardBackoff = wait.Backoff{
		Duration: 100 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    5,
	}

	// Redis connect backoff with longer intervals for a store that is still starting
	RedisConnectBackoff = wait.Backoff{
		Duration: 500 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
		Steps:    6, // 0.5s, 1s, 2s, 4s, 8s, 16s = ~30s total
	}
)

// RetryWithBackoff calls fn until it succeeds or the backoff is exhausted,
// returning the last error fn produced in the latter case.
func RetryWithBackoff(ctx context.Context, backoff wait.Backoff, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		if err := fn(ctx); err != nil {
			// Record the last error so that we can surface it if the backoff is exhausted.
			lastErr = err
			logger.Log.Warnw("Operation failed, retrying", "op", op, "error", err.Error())
			return false, nil
		}
		return true, nil
	})
	if err != nil && lastErr != nil {
		return fmt.Errorf("%s: %w", op, lastErr)
	}
	return err
}

// Helper to check if a value is valid (not NaN or infinite)
func CheckValue(x float64) bool {
	return !(math.IsNaN(x) || math.IsInf(x, 0))
}

func MarshalStructToJsonString(t any) string {
	jsonBytes, err := json.MarshalIndent(t, "", " ")
	if err != nil {
		return fmt.Sprintf("error marshalling: %v", err)
	}
	re := regexp.MustCompile("\"|\n")
	return re.ReplaceAllString(string(jsonBytes), "")
}

func Ptr[T any](v T) *T {
	return &v
}

// GetEnvOrDefault returns the trimmed value of an environment variable, or def when unset or blank.
func GetEnvOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// GetEnvDuration parses an environment variable as a Go duration. It reports
// false when the variable is unset.
func GetEnvDuration(key string) (time.Duration, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, true, fmt.Errorf("invalid duration in %s: %w", key, err)
	}
	return d, true, nil
}
