package permanent

import (
	"errors"
	"fmt"
	"testing"
)

func TestMarkNilPassesThrough(t *testing.T) {
	t.Parallel()

	if err := Mark(nil); err != nil {
		t.Fatalf("marking nil must stay nil, got %v", err)
	}
}

func TestIsSeesTagThroughWrapping(t *testing.T) {
	t.Parallel()

	cause := errors.New("alert payload rejected")
	wrapped := fmt.Errorf("process alert: %w", Mark(cause))

	if !Is(wrapped) {
		t.Fatalf("wrapped marked error must stay non-retryable")
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("marking must keep the cause visible to errors.Is")
	}
}

func TestPlainErrorIsRetryable(t *testing.T) {
	t.Parallel()

	if Is(errors.New("store unavailable")) {
		t.Fatalf("untagged failure must stay retryable")
	}
	if Is(nil) {
		t.Fatalf("nil is not a failure")
	}
}
