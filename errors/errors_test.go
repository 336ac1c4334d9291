package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"locked", ErrLocked, true},
		{"wrapped locked", fmt.Errorf("enter write lock: %w", ErrLocked), true},
		{"connection timeout", ErrConnectionTimeout, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"not found", ErrNotFound, false},
		{"data invalid", ErrDataInvalid, false},
		{"internal", ErrInternal, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("timeout")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsTransient(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalidAndFatal(t *testing.T) {
	invalid := []error{ErrNotFound, ErrAlreadyExists, ErrDataInvalid, ErrNotSupported, ErrLockRecursion, ErrUndeliverable}
	for _, err := range invalid {
		if !IsInvalid(err) {
			t.Errorf("expected %v to be invalid", err)
		}
		if IsFatal(err) {
			t.Errorf("expected %v not to be fatal", err)
		}
	}

	if !IsFatal(ErrInternal) {
		t.Error("expected ErrInternal to be fatal")
	}
	if IsInvalid(nil) || IsFatal(nil) {
		t.Error("nil must not be classified")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"locked", ErrLocked, ErrorTransient},
		{"not found", ErrNotFound, ErrorInvalid},
		{"internal", ErrInternal, ErrorFatal},
		{"unknown defaults to transient", errors.New("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := Classify(test.err); result != test.expected {
				t.Errorf("expected %v, got %v", test.expected, result)
			}
		})
	}
}

func TestWrapFunctions(t *testing.T) {
	base := ErrAlreadyExists

	wrapped := Wrap(base, "Registry", "Create", "add child edge")
	expected := "Registry.Create: add child edge failed: already exists"
	if wrapped.Error() != expected {
		t.Errorf("expected %q, got %q", expected, wrapped.Error())
	}
	if !errors.Is(wrapped, ErrAlreadyExists) {
		t.Error("wrapped error lost its sentinel")
	}

	invalid := WrapInvalid(base, "Registry", "Create", "add child edge")
	if !IsInvalid(invalid) {
		t.Error("WrapInvalid should classify as invalid")
	}
	var ce *ClassifiedError
	if !errors.As(invalid, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Component != "Registry" || ce.Operation != "Create" {
		t.Errorf("unexpected context: %s.%s", ce.Component, ce.Operation)
	}

	if !IsTransient(WrapTransient(ErrLocked, "Node", "EnterWriteLock", "acquire")) {
		t.Error("WrapTransient should classify as transient")
	}
	if !IsFatal(WrapFatal(errors.New("boom"), "Dispatcher", "build", "payload")) {
		t.Error("WrapFatal should classify as fatal")
	}

	if Wrap(nil, "a", "b", "c") != nil || WrapInvalid(nil, "a", "b", "c") != nil ||
		WrapTransient(nil, "a", "b", "c") != nil || WrapFatal(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil must return nil")
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{nil, http.StatusOK},
		{WrapInvalid(ErrNotFound, "Registry", "Resolve", "lookup"), http.StatusNotFound},
		{ErrNotSupported, http.StatusMethodNotAllowed},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrDataInvalid, http.StatusBadRequest},
		{WrapTransient(ErrLocked, "Node", "EnterReadLock", "acquire"), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, test := range tests {
		if got := StatusCode(test.err); got != test.expected {
			t.Errorf("StatusCode(%v) = %d, want %d", test.err, got, test.expected)
		}
	}
}

func TestRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	if !cfg.ShouldRetry(ErrLocked, 0) {
		t.Error("locked should be retried")
	}
	if cfg.ShouldRetry(ErrDataInvalid, 0) {
		t.Error("invalid data should not be retried")
	}
	if cfg.ShouldRetry(ErrLocked, cfg.MaxRetries) {
		t.Error("max retries reached")
	}

	rc := cfg.ToRetryConfig()
	if rc.MaxAttempts != cfg.MaxRetries+1 {
		t.Errorf("expected %d attempts, got %d", cfg.MaxRetries+1, rc.MaxAttempts)
	}
	if rc.InitialDelay != 100*time.Millisecond || !rc.AddJitter || rc.RetryIf == nil {
		t.Errorf("unexpected retry config: %+v", rc)
	}
}
