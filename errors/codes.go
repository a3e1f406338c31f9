package errors

// ErrorCategory classifies errors by where they originate and how a caller
// should react to them.
type ErrorCategory string

// Error categories.
const (
	// CategoryConfiguration covers caller mistakes detected synchronously:
	// duplicate registrations, malformed names and signatures, bad arguments.
	// Never retried.
	CategoryConfiguration ErrorCategory = "configuration"

	// CategoryConnectivity covers a missing routing node or a lost link.
	CategoryConnectivity ErrorCategory = "connectivity"

	// CategoryTimeout covers method calls and session joins that ran out of time.
	CategoryTimeout ErrorCategory = "timeout"

	// CategoryHandler covers faults raised by user handlers and error replies
	// returned by remote handlers.
	CategoryHandler ErrorCategory = "handler"

	// CategoryProtocol covers malformed traffic.
	CategoryProtocol ErrorCategory = "protocol"

	// CategoryRejection covers requests a peer refused.
	CategoryRejection ErrorCategory = "rejection"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable reports whether the caller may reasonably try again.
// The bus itself never retries on the caller's behalf.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryConnectivity, CategoryTimeout:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidName        ErrorCode = "INVALID_NAME"        // Malformed interface, member, bus or path name
	ErrCodeInvalidSignature   ErrorCode = "INVALID_SIGNATURE"   // Signature does not parse
	ErrCodeInvalidArgument    ErrorCode = "INVALID_ARGUMENT"    // Arguments do not match a signature
	ErrCodeAlreadyExists      ErrorCode = "ALREADY_EXISTS"      // Registration collides with an existing one
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"           // Referenced registration does not exist
	ErrCodeInterfaceActivated ErrorCode = "INTERFACE_ACTIVATED" // Interface is frozen
	ErrCodeMemberExists       ErrorCode = "MEMBER_EXISTS"       // Duplicate member name
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"       // Operation not allowed in current lifecycle state
	ErrCodePortInUse          ErrorCode = "PORT_IN_USE"         // Session port already bound

	// Connectivity errors
	ErrCodeNoRoutingNode    ErrorCode = "NO_ROUTING_NODE"   // Routing node unreachable
	ErrCodeLinkLost         ErrorCode = "LINK_LOST"         // Link to routing node dropped
	ErrCodeConnectionClosed ErrorCode = "CONNECTION_CLOSED" // Attachment disconnected while waiting
	ErrCodeNotConnected     ErrorCode = "NOT_CONNECTED"     // Attachment is not connected
	ErrCodeUnreachable      ErrorCode = "UNREACHABLE"       // Destination peer cannot be reached

	// Timeout errors
	ErrCodeTimeout ErrorCode = "TIMEOUT" // Operation timed out

	// Handler errors
	ErrCodeHandlerFault ErrorCode = "HANDLER_FAULT"  // User handler panicked or broke its contract
	ErrCodeMethodFailed ErrorCode = "METHOD_FAILED"  // Remote handler returned an error
	ErrCodeNoSuchObject ErrorCode = "NO_SUCH_OBJECT" // No object at the called path
	ErrCodeNoSuchMethod ErrorCode = "NO_SUCH_METHOD" // Object does not implement the member

	// Protocol errors
	ErrCodeMalformed ErrorCode = "MALFORMED" // Envelope or body failed to decode

	// Rejection errors
	ErrCodeJoinRejected     ErrorCode = "JOIN_REJECTED"     // Host refused the joiner
	ErrCodeNoSession        ErrorCode = "NO_SESSION"        // Session does not exist or caller is not a member
	ErrCodeIncompatibleOpts ErrorCode = "INCOMPATIBLE_OPTS" // Session options do not overlap
	ErrCodeCanceled         ErrorCode = "CANCELED"          // Caller canceled the operation
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeInvalidName, ErrCodeInvalidSignature, ErrCodeInvalidArgument,
		ErrCodeAlreadyExists, ErrCodeNotFound, ErrCodeInterfaceActivated,
		ErrCodeMemberExists, ErrCodeInvalidState, ErrCodePortInUse:
		return CategoryConfiguration

	case ErrCodeNoRoutingNode, ErrCodeLinkLost, ErrCodeConnectionClosed,
		ErrCodeNotConnected, ErrCodeUnreachable:
		return CategoryConnectivity

	case ErrCodeTimeout:
		return CategoryTimeout

	case ErrCodeHandlerFault, ErrCodeMethodFailed, ErrCodeNoSuchObject, ErrCodeNoSuchMethod:
		return CategoryHandler

	case ErrCodeMalformed:
		return CategoryProtocol

	case ErrCodeJoinRejected, ErrCodeNoSession, ErrCodeIncompatibleOpts, ErrCodeCanceled:
		return CategoryRejection

	default:
		return CategoryHandler
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeInvalidName:        "invalid name",
	ErrCodeInvalidSignature:   "invalid type signature",
	ErrCodeInvalidArgument:    "arguments do not match signature",
	ErrCodeAlreadyExists:      "already exists",
	ErrCodeNotFound:           "not found",
	ErrCodeInterfaceActivated: "interface is activated",
	ErrCodeMemberExists:       "member already exists",
	ErrCodeInvalidState:       "invalid attachment state",
	ErrCodePortInUse:          "session port already bound",
	ErrCodeNoRoutingNode:      "no routing node reachable",
	ErrCodeLinkLost:           "link to routing node lost",
	ErrCodeConnectionClosed:   "connection closed",
	ErrCodeNotConnected:       "not connected",
	ErrCodeUnreachable:        "destination unreachable",
	ErrCodeTimeout:            "operation timed out",
	ErrCodeHandlerFault:       "handler fault",
	ErrCodeMethodFailed:       "method failed",
	ErrCodeNoSuchObject:       "no such object",
	ErrCodeNoSuchMethod:       "no such method",
	ErrCodeMalformed:          "malformed message",
	ErrCodeJoinRejected:       "session join rejected",
	ErrCodeNoSession:          "no such session",
	ErrCodeIncompatibleOpts:   "incompatible session options",
	ErrCodeCanceled:           "operation canceled",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
