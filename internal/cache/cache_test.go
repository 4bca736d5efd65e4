package cache

import (
	"context"
	"errors"
	"testing"
)

func TestErrMissMessage(t *testing.T) {
	t.Parallel()

	if ErrMiss.Error() != "cache: miss" {
		t.Errorf("unexpected ErrMiss text %q", ErrMiss.Error())
	}
	wrapped := errors.Join(errors.New("lookup"), ErrMiss)
	if !errors.Is(wrapped, ErrMiss) {
		t.Error("expected errors.Is to match ErrMiss")
	}
}

func TestNewRedisCacheRejectsBadURL(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisCache(context.Background(), ""); err == nil {
		t.Error("expected error for empty url")
	}
	if _, err := NewRedisCache(context.Background(), "not-a-url://x"); err == nil {
		t.Error("expected error for unparseable url")
	}
}
