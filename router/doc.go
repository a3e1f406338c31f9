// Package router connects bus attachments to a routing node.
//
// # Overview
//
// A Link is one attachment's connection to a routing node. It offers
// exact-subject pub/sub with channel-based subscriptions, and signals
// transport loss by closing Done. A Dialer opens links; Connect adds
// opt-in retry with exponential backoff.
//
// # Available Implementations
//
//   - MemoryNode: in-process node for tests and single-process use. Sever
//     simulates transport loss on one link; Shutdown ends every link.
//   - NATSDialer: links over a NATS server. Reconnects are off unless
//     configured, so a dropped server ends the link.
//   - WSDialer and Hub: JSON frames over gorilla/websocket. Hub is the
//     server side, served by busd.
//
// # Subjects
//
//	peer.<unique name>     unicast inbox of an attachment
//	name.<well-known name> inbox of a well-known name owner
//	bus.discovery          advertisements and queries
//	bus.about              About announcements
//	bus.heartbeat          liveness beacons
//	bus.broadcast          sessionless and broadcast signals
//
// Publishers receive their own messages when subscribed.
package router
