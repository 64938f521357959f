package llmprovider

import (
	"errors"
	"testing"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		msg  string
		want FailoverReason
	}{
		{"rate limit exceeded", FailoverRateLimit},
		{"context deadline exceeded", FailoverTimeout},
		{"401 unauthorized", FailoverAuth},
		{"insufficient quota", FailoverBilling},
		{"500 internal server error", FailoverServerError},
		{"something bizarre", FailoverUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyError(errors.New(tc.msg)); got != tc.want {
			t.Errorf("ClassifyError(%q) = %q, want %q", tc.msg, got, tc.want)
		}
	}
}

func TestProviderError_WithStatusReclassifies(t *testing.T) {
	pe := NewProviderError("anthropic", "claude-sonnet-4", errors.New("boom")).WithStatus(429)
	if pe.Reason != FailoverRateLimit {
		t.Errorf("Reason = %q, want rate_limit", pe.Reason)
	}
	if !IsRetryable(pe) {
		t.Error("expected 429 to be retryable")
	}
}

func TestProviderError_AuthShouldFailover(t *testing.T) {
	pe := NewProviderError("openai", "gpt-4o", errors.New("boom")).WithStatus(401)
	if !ShouldFailover(pe) {
		t.Error("expected auth error to warrant failover")
	}
}

func TestGetProviderError(t *testing.T) {
	pe := NewProviderError("bedrock", "claude", errors.New("x"))
	wrapped := errors.New("context: " + pe.Error())
	if _, ok := GetProviderError(wrapped); ok {
		t.Error("GetProviderError should not match an unrelated error")
	}
	if got, ok := GetProviderError(pe); !ok || got != pe {
		t.Error("GetProviderError should find the wrapped ProviderError")
	}
}
