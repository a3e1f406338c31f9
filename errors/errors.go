package errors

import (
	"encoding/json"
	"fmt"
	"maps"
)

// BusError is a coded bus failure. Error replies carry one across the
// wire so the caller sees the code the handler side produced.
type BusError interface {
	error
	Code() ErrorCode
	Category() ErrorCategory
	Retryable() bool
	Metadata() map[string]string
	Unwrap() error
}

// Error is the concrete BusError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool

	// peer is the remote bus name; member is "interface.member".
	peer   string
	member string
}

var (
	_ BusError         = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }
func (e *Error) Unwrap() error           { return e.cause }

// Peer is the remote bus name the failure came from, or "".
func (e *Error) Peer() string { return e.peer }

// Member is the "interface.member" being called, or "".
func (e *Error) Member() string { return e.member }

// Retryable reports the explicit override if one was set, otherwise
// what the category implies.
func (e *Error) Retryable() bool {
	if e.retryable == nil {
		return e.category.IsRetryable()
	}
	return *e.retryable
}

// Metadata returns a copy of the key-value context.
func (e *Error) Metadata() map[string]string {
	out := make(map[string]string, len(e.metadata))
	maps.Copy(out, e.metadata)
	return out
}

// ErrorName is the dotted name carried by error replies.
func (e *Error) ErrorName() string {
	return ErrorNamePrefix + string(e.code)
}

// ErrorNamePrefix prefixes every error reply name.
const ErrorNamePrefix = "org.peerbus.Error."

// replyBody is the body of an error reply message.
type replyBody struct {
	Name      string            `json:"name"`
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Member    string            `json:"member,omitempty"`
	Peer      string            `json:"peer,omitempty"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	body := replyBody{
		Name:      e.ErrorName(),
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Member:    e.member,
		Peer:      e.peer,
		Retryable: e.Retryable(),
		Metadata:  e.metadata,
	}
	if e.cause != nil {
		body.Cause = e.cause.Error()
	}
	return json.Marshal(body)
}

// UnmarshalJSON decodes an error reply body. A reply without a code is
// rejected so callers can fall back to a generic method failure.
func (e *Error) UnmarshalJSON(data []byte) error {
	var body replyBody
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	if body.Code == "" {
		return Malformed("error reply without code")
	}
	retry := body.Retryable
	*e = Error{
		code:      body.Code,
		category:  body.Category,
		message:   body.Message,
		metadata:  body.Metadata,
		retryable: &retry,
		peer:      body.Peer,
		member:    body.Member,
	}
	if e.category == "" {
		e.category = body.Code.DefaultCategory()
	}
	if body.Cause != "" {
		e.cause = Remote(body.Cause)
	}
	return nil
}

// Remote is the text of a cause that crossed the wire.
type Remote string

func (r Remote) Error() string { return string(r) }

// Option configures an Error.
type Option func(*Error)

// WithCategory overrides the code's default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) { e.category = cat }
}

// WithRetryable overrides what the category implies.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

func WithMetadataMap(m map[string]string) Option {
	return func(e *Error) {
		if len(m) == 0 {
			return
		}
		if e.metadata == nil {
			e.metadata = make(map[string]string, len(m))
		}
		maps.Copy(e.metadata, m)
	}
}

func WithPeer(name string) Option {
	return func(e *Error) { e.peer = name }
}

func WithMember(iface, member string) Option {
	return func(e *Error) { e.member = iface + "." + member }
}

func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error in the code's default category.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{code: code, category: code.DefaultCategory(), message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode uses the code's description as the message.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

func AlreadyExists(message string, opts ...Option) *Error {
	return New(ErrCodeAlreadyExists, message, opts...)
}

func InvalidArgument(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidArgument, message, opts...)
}

func InvalidState(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidState, message, opts...)
}

// ConnectionClosed is delivered to callers still waiting when the
// attachment disconnects.
func ConnectionClosed(opts ...Option) *Error {
	return FromCode(ErrCodeConnectionClosed, opts...)
}

func HandlerFault(message string, opts ...Option) *Error {
	return New(ErrCodeHandlerFault, message, opts...)
}

// Malformed reports undecodable traffic.
func Malformed(message string, opts ...Option) *Error {
	return New(ErrCodeMalformed, message, opts...)
}

func JoinRejected(host string, port uint16, opts ...Option) *Error {
	opts = append([]Option{WithPeer(host)}, opts...)
	return New(ErrCodeJoinRejected, fmt.Sprintf("join to %s port %d rejected", host, port), opts...)
}

// MethodFailed is returned for a remote handler error that carried no
// code of its own.
func MethodFailed(message string, opts ...Option) *Error {
	return New(ErrCodeMethodFailed, message, opts...)
}
