package providers

import (
	"context"
	"errors"
	"testing"
)

func TestBaseProvider_Retry_SucceedsAfterTransientFailures(t *testing.T) {
	b := NewBaseProvider("test")
	attempts := 0
	err := b.Retry(context.Background(), func(error) bool { return true }, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestBaseProvider_Retry_StopsOnNonRetryable(t *testing.T) {
	b := NewBaseProvider("test")
	attempts := 0
	wantErr := errors.New("fatal")
	err := b.Retry(context.Background(), func(error) bool { return false }, func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry after non-retryable)", attempts)
	}
}

func TestBaseProvider_Retry_ExhaustsMaxRetries(t *testing.T) {
	b := NewBaseProvider("test")
	attempts := 0
	err := b.Retry(context.Background(), func(error) bool { return true }, func() error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (default maxRetries)", attempts)
	}
}
