package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// ============================================================================
// 1. Error creation with different codes/categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"duplicate", ErrCodeAlreadyExists, "object exists", CategoryConfiguration},
		{"argument", ErrCodeInvalidArgument, "bad arg", CategoryConfiguration},
		{"no_router", ErrCodeNoRoutingNode, "no routing node", CategoryConnectivity},
		{"timeout", ErrCodeTimeout, "timed out", CategoryTimeout},
		{"fault", ErrCodeHandlerFault, "handler panicked", CategoryHandler},
		{"malformed", ErrCodeMalformed, "bad header", CategoryProtocol},
		{"rejected", ErrCodeJoinRejected, "no", CategoryRejection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.ErrorName() != ErrorNamePrefix+string(tt.code) {
				t.Errorf("ErrorName() = %v", err.ErrorName())
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeConnectionClosed)
	if err.Error() != "connection closed" {
		t.Errorf("Error() = %v, want %v", err.Error(), "connection closed")
	}
	if !IsConnectivity(err) {
		t.Error("connection closed should be a connectivity error")
	}
}

func TestUnknownCodeDefaultsToHandler(t *testing.T) {
	unknown := ErrorCode("SOMETHING_ELSE")
	if unknown.DefaultCategory() != CategoryHandler {
		t.Errorf("DefaultCategory() = %v, want handler", unknown.DefaultCategory())
	}
	if unknown.Description() != "unknown error" {
		t.Errorf("Description() = %q", unknown.Description())
	}
}

// ============================================================================
// 2. Retryable vs non-retryable errors
// ============================================================================

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
		want bool
	}{
		{"configuration is final", ErrCodeAlreadyExists, false},
		{"link lost may be retried", ErrCodeLinkLost, true},
		{"timeout may be retried", ErrCodeTimeout, true},
		{"handler fault is final", ErrCodeHandlerFault, false},
		{"rejection is final", ErrCodeJoinRejected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.code, "x").Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := New(ErrCodeTimeout, "x", WithRetryable(false))
	if err.Retryable() {
		t.Error("explicit override should win")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
}

// ============================================================================
// 3. Options and metadata
// ============================================================================

func TestOptions(t *testing.T) {
	cause := fmt.Errorf("socket reset")
	err := New(ErrCodeMethodFailed, "call failed",
		WithPeer(":abc.2"),
		WithMember("org.example.Chat", "Send"),
		WithMetadata("serial", "7"),
		WithCause(cause),
	)

	if err.Peer() != ":abc.2" {
		t.Errorf("Peer() = %q", err.Peer())
	}
	if err.Member() != "org.example.Chat.Send" {
		t.Errorf("Member() = %q", err.Member())
	}
	if err.Metadata()["serial"] != "7" {
		t.Error("metadata not set")
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be in chain")
	}
	if err.Error() != "call failed: socket reset" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(ErrCodeNotFound, "x", WithMetadata("k", "v"))
	m := err.Metadata()
	m["k"] = "changed"
	if err.Metadata()["k"] != "v" {
		t.Error("Metadata() should return a copy")
	}
}

// ============================================================================
// 4. JSON round trip (error replies)
// ============================================================================

func TestJSONRoundTrip(t *testing.T) {
	orig := New(ErrCodeHandlerFault, "handler panicked",
		WithPeer(":host.1"),
		WithMember("org.example.Echo", "Ping"),
		WithMetadata("panic_value", "string"),
	)

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Error
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if decoded.Code() != orig.Code() || decoded.Category() != orig.Category() {
		t.Errorf("decoded = %v/%v, want %v/%v", decoded.Code(), decoded.Category(), orig.Code(), orig.Category())
	}
	if decoded.Peer() != ":host.1" || decoded.Member() != "org.example.Echo.Ping" {
		t.Errorf("decoded peer/member = %q/%q", decoded.Peer(), decoded.Member())
	}
	if decoded.Metadata()["panic_value"] != "string" {
		t.Error("metadata lost in round trip")
	}
}

func TestReplyBody(t *testing.T) {
	data, err := json.Marshal(New(ErrCodeTimeout, "no reply", WithCause(fmt.Errorf("deadline"))))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if fields["name"] != "org.peerbus.Error.TIMEOUT" {
		t.Errorf("name = %v", fields["name"])
	}

	var decoded Error
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Error() != "no reply: deadline" {
		t.Errorf("Error() = %q", decoded.Error())
	}
	if !decoded.Retryable() {
		t.Error("timeouts stay retryable across the wire")
	}

	if err := json.Unmarshal([]byte(`{"message":"x"}`), &decoded); !Is(err, ErrCodeMalformed) {
		t.Errorf("reply without code: %v", err)
	}
	if err := json.Unmarshal([]byte(`{"code":"NOT_FOUND"}`), &decoded); err != nil || decoded.Category() != CategoryConfiguration {
		t.Errorf("missing category should default: %v %v", err, decoded.Category())
	}
}

// ============================================================================
// 5. Wrapping and inspection
// ============================================================================

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	inner := New(ErrCodeLinkLost, "link down", WithPeer(":p.1"))
	wrapped := Wrap(inner, "joining session")
	if wrapped.Code() != ErrCodeLinkLost {
		t.Errorf("Code() = %v", wrapped.Code())
	}
	if wrapped.Peer() != ":p.1" {
		t.Error("peer should be preserved")
	}
	if !Is(wrapped, ErrCodeLinkLost) {
		t.Error("Is should match wrapped code")
	}
}

func TestWrapContextErrors(t *testing.T) {
	if got := Wrap(context.DeadlineExceeded, "call").Code(); got != ErrCodeTimeout {
		t.Errorf("deadline wrapped to %v", got)
	}
	if got := Wrap(context.Canceled, "call").Code(); got != ErrCodeCanceled {
		t.Errorf("canceled wrapped to %v", got)
	}
	if got := Wrap(fmt.Errorf("boom"), "call").Code(); got != ErrCodeHandlerFault {
		t.Errorf("plain wrapped to %v", got)
	}
}

func TestCategoryHelpers(t *testing.T) {
	tests := []struct {
		name string
		err  error
		fn   func(error) bool
	}{
		{"configuration", AlreadyExists("x"), IsConfiguration},
		{"connectivity", ConnectionClosed(), IsConnectivity},
		{"timeout", Timeout("x"), IsTimeout},
		{"protocol", Malformed("x"), IsProtocol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.fn(tt.err) {
				t.Errorf("%s helper returned false", tt.name)
			}
			if tt.fn(fmt.Errorf("plain")) {
				t.Error("plain error should not match")
			}
		})
	}
}

func TestCodeAndCategoryExtraction(t *testing.T) {
	err := fmt.Errorf("outer: %w", JoinRejected(":host.1", 42))
	if Code(err) != ErrCodeJoinRejected {
		t.Errorf("Code() = %v", Code(err))
	}
	if Category(err) != CategoryRejection {
		t.Errorf("Category() = %v", Category(err))
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("plain error should have empty code")
	}
	if AsBusError(err) == nil {
		t.Error("AsBusError should find wrapped error")
	}
}

func TestCause(t *testing.T) {
	root := fmt.Errorf("root")
	err := Wrap(New(ErrCodeMethodFailed, "mid", WithCause(root)), "top")
	if Cause(err) != root {
		t.Errorf("Cause() = %v, want root", Cause(err))
	}
}

// ============================================================================
// 6. Panic recovery
// ============================================================================

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("RecoverPanic(nil) should be nil")
	}

	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"string", "boom", "boom"},
		{"error", fmt.Errorf("bad"), "bad"},
		{"other", 42, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RecoverPanic(tt.value)
			if err.Code() != ErrCodeHandlerFault {
				t.Errorf("Code() = %v", err.Code())
			}
			if err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}

func TestRecoverPanicInDeferredFunc(t *testing.T) {
	var got *Error
	func() {
		defer func() {
			got = RecoverPanic(recover())
		}()
		panic("handler exploded")
	}()
	if got == nil || got.Code() != ErrCodeHandlerFault {
		t.Fatalf("expected handler fault, got %v", got)
	}
}
