// Package bus is the application-facing side of peerbus: the attachment,
// local bus objects and proxies to remote ones.
//
// # Overview
//
// An Attachment connects one application to a routing node through a
// router.Dialer. Once connected it has a unique name (":<guid>.<n>"),
// serves its registered BusObjects, calls remote objects through
// ProxyBusObjects, emits and receives signals, hosts and joins sessions and
// takes part in discovery.
//
// # Lifecycle
//
//	a, _ := bus.New("chat", bus.WithLogger(logging.New()))
//	_ = a.Start()
//	_ = a.Connect(ctx, node)
//	...
//	_ = a.Stop()
//	_ = a.Join()
//
// Disconnect and link loss end every session with SessionLost and fail
// in-flight calls with CONNECTION_CLOSED or LINK_LOST. A disconnected
// attachment may Connect again; it gets a new unique name.
//
// # Objects and Calls
//
// Interfaces are created with CreateInterface or CreateInterfacesFromXML,
// activated, and registered before a BusObject carrying them is
// registered. Every object also answers the Introspectable, Properties and
// Peer built-ins. Proxies check arguments against the declared signature
// before anything is sent; replies are matched by serial.
//
// # Signals
//
// A signal goes to one destination, to the other members of a session, or
// to every attachment whose AddMatch rules select it.
//
// # Threading
//
// One pump goroutine per connection decodes inbound messages. Handlers and
// listener callbacks run on the dispatch pool; callbacks for one session,
// one discovered peer or one signal sender run in order. Join must not be
// called from a callback.
package bus
