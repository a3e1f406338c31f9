// Package discovery implements name advertisement and About announcements
// between bus attachments.
//
// # Overview
//
// An attachment advertises well-known names and announces the objects and
// interfaces it serves. Every attachment keeps a Cache of what others
// advertised and reports changes as found, lost and announced events.
// Records carry a TTL; owners refresh them, and a record that is not
// refreshed in time expires as lost.
//
// # Available Implementations
//
//   - BroadcastDirectory: advertisements and queries on bus.discovery,
//     announcements on bus.about. Works over any router link.
//   - KVDirectory: records kept in a NATS JetStream KV bucket; puts become
//     found or announced events, deletes become lost events.
//
// # Basic Usage
//
//	dir, _ := discovery.NewBroadcastDirectory(link, discovery.Config{Self: ":abc.1"}, logger)
//	dir.Advertise(wire.Advertisement{Name: "org.example.chat", GUID: guid})
//	dir.Query("org.example.", false)
//
//	events, _ := dir.Watch()
//	for event := range events {
//	    switch event.Type {
//	    case discovery.EventFound:
//	        fmt.Printf("found %s at %s\n", event.Advertisement.Name, event.Peer())
//	    case discovery.EventLost:
//	        fmt.Printf("lost %s\n", event.Advertisement.Name)
//	    case discovery.EventAnnounced:
//	        fmt.Printf("announced by %s\n", event.Peer())
//	    }
//	}
//
// A directory never reports the local attachment's own records.
package discovery
