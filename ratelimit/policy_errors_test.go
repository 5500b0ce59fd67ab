package ratelimit

import (
	"testing"
	"time"

	"github.com/goliatone/go-erpsync/core"
)

func TestThrottledError_ToServiceError(t *testing.T) {
	err := ThrottledError{
		System:     core.SystemB,
		Bucket:     "admin",
		RetryAfter: 3 * time.Second,
	}

	mapped := err.ToServiceError()
	if mapped == nil {
		t.Fatalf("expected mapped error")
	}
	if mapped.TextCode != core.SyncErrorRateLimited {
		t.Fatalf("expected %q text code, got %q", core.SyncErrorRateLimited, mapped.TextCode)
	}
	if mapped.Code != 429 {
		t.Fatalf("expected status code 429, got %d", mapped.Code)
	}
}

func TestThrottledError_MapsThroughCoreEnvelope(t *testing.T) {
	mapped := core.ToServiceError(ThrottledError{System: core.SystemA, Bucket: "login"})
	if mapped.TextCode != core.SyncErrorRateLimited {
		t.Fatalf("expected %q text code, got %q", core.SyncErrorRateLimited, mapped.TextCode)
	}
}
