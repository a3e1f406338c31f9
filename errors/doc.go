// Package errors provides the structured error taxonomy used across peerbus.
//
// # Error Categories
//
// Every error carries a category that tells the caller how to react:
//
//   - Configuration: duplicate registrations, malformed names or signatures,
//     arguments that do not match a signature. Reported synchronously.
//   - Connectivity: no routing node, lost link, connection closed.
//   - Timeout: a method call or session join ran out of time.
//   - Handler: a user handler panicked or a remote handler returned an error.
//   - Protocol: malformed traffic. The offending message is dropped.
//   - Rejection: a peer refused a session join or the session is gone.
//
// # Usage
//
//	err := errors.New(errors.ErrCodeAlreadyExists, "object already registered at /chat")
//
//	if errors.Is(err, errors.ErrCodeTimeout) {
//	    // give up on this call only
//	}
//
// # Error Replies
//
// A failed method call is answered with an error reply named
// org.peerbus.Error.<CODE> whose body is the JSON form of the Error:
//
//	body, _ := json.Marshal(busErr)
//
//	var remote errors.Error
//	if err := json.Unmarshal(body, &remote); err != nil {
//	    // no code in the body: treat as METHOD_FAILED
//	}
package errors
