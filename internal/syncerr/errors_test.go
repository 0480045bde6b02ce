package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelMatchesAfterWithOp(t *testing.T) {
	err := fmt.Errorf("send: %w", WithOp(ErrEmptyMessage, "SendMessage"))

	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatal("expected errors.Is to match ErrEmptyMessage")
	}
	if errors.Is(err, ErrSelfConversation) {
		t.Fatal("different validation sentinel must not match")
	}
	if KindOf(err) != KindValidation {
		t.Errorf("KindOf = %v, want validation", KindOf(err))
	}
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{Wrap(KindNetwork, "op", errors.New("timeout")), true},
		{&Error{Kind: KindServer, Status: 502}, true},
		{ErrEmptyMessage, false},
		{ErrSessionExpired, false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := IsRetriable(tt.err); got != tt.want {
			t.Errorf("IsRetriable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindNetwork, "op", nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindServer, Op: "ListConversations", Status: 503, Message: "unavailable"}
	want := "ListConversations: server error (status 503): unavailable"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
