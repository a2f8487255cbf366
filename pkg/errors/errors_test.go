package errors

import (
	stderrors "errors"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"without cause", New("Store.Load", "open cache"), "Store.Load: open cache"},
		{"with cause", Wrap(ErrNotFound, "Store.Load", "seed events"), "Store.Load: seed events: not found"},
		{"formatted", Newf("Client.Dial", "connect %s", "ws://x"), "Client.Dial: connect ws://x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	wrapped := Wrap(ErrRetryExhausted, "Stream.reconnect", "all attempts failed")
	if !stderrors.Is(wrapped, ErrRetryExhausted) {
		t.Error("errors.Is should find ErrRetryExhausted through AppError")
	}

	var appErr *AppError
	if !stderrors.As(wrapped, &appErr) {
		t.Fatal("errors.As should extract *AppError")
	}
	if appErr.Op != "Stream.reconnect" {
		t.Errorf("Op = %q, want %q", appErr.Op, "Stream.reconnect")
	}
}

func TestAppError_WrapfChain(t *testing.T) {
	inner := Wrap(ErrCacheCorrupt, "EventStore.LoadAll", "decode row")
	outer := Wrapf(inner, "Tracker.seed", "hydrate %d events", 0)
	if !stderrors.Is(outer, ErrCacheCorrupt) {
		t.Error("sentinel should be findable through two wrap layers")
	}
}
