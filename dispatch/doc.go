// Package dispatch runs bus callbacks on a bounded worker pool.
//
// Method handlers, signal handlers, listener callbacks and session join
// negotiation all run here rather than on the attachment's inbound pump,
// so a slow callback never stalls message intake.
//
// SubmitKeyed gives per-key ordering: found and lost events for one peer
// share a key, so a listener always sees found before lost. A panic in a
// task is recovered, logged as a handler fault and reported to the panic
// hook; the worker survives.
package dispatch
