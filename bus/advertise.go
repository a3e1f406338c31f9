package bus

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vinayprograms/peerbus/discovery"
	buserr "github.com/vinayprograms/peerbus/errors"
	"github.com/vinayprograms/peerbus/iface"
	"github.com/vinayprograms/peerbus/session"
	"github.com/vinayprograms/peerbus/wire"
)

// AboutVersion is the announcement format version.
const AboutVersion uint16 = 1

// AdvertiseName publishes name to other attachments.
func (a *Attachment) AdvertiseName(name string, transports session.TransportMask) error {
	if err := iface.ValidateWellKnownName(name); err != nil {
		return err
	}
	c, err := a.current()
	if err != nil {
		return err
	}
	a.mu.Lock()
	if _, ok := a.advertised[name]; ok {
		a.mu.Unlock()
		return buserr.AlreadyExists(fmt.Sprintf("name %s is already advertised", name))
	}
	a.advertised[name] = transports
	a.mu.Unlock()

	err = c.dir.Advertise(wire.Advertisement{
		Name:          name,
		TransportMask: transports,
		GUID:          a.guid,
		UniqueName:    c.unique,
		TTLSeconds:    uint32(a.cfg.DiscoveryTTL.Seconds()),
	})
	if err != nil {
		a.mu.Lock()
		delete(a.advertised, name)
		a.mu.Unlock()
		return err
	}
	return nil
}

// CancelAdvertiseName withdraws an advertisement; peers see it as lost.
func (a *Attachment) CancelAdvertiseName(name string) error {
	c, err := a.current()
	if err != nil {
		return err
	}
	a.mu.Lock()
	_, ok := a.advertised[name]
	delete(a.advertised, name)
	a.mu.Unlock()
	if !ok {
		return buserr.NotFound(fmt.Sprintf("name %s is not advertised", name))
	}
	return c.dir.Cancel(name)
}

// FindAdvertisedName reports names starting with prefix to bus listeners,
// including names already known.
func (a *Attachment) FindAdvertisedName(prefix string) error {
	c, err := a.current()
	if err != nil {
		return err
	}
	a.mu.Lock()
	if _, ok := a.finds[prefix]; ok {
		a.mu.Unlock()
		return buserr.AlreadyExists(fmt.Sprintf("already finding %q", prefix))
	}
	a.finds[prefix] = struct{}{}
	a.mu.Unlock()

	if err := c.dir.Query(prefix, false); err != nil {
		a.mu.Lock()
		delete(a.finds, prefix)
		a.mu.Unlock()
		return err
	}
	for _, ad := range c.dir.Names(prefix) {
		a.submitKeyed("peer:"+ad.UniqueName, func() {
			a.reportFound(ad, []string{prefix})
		})
	}
	return nil
}

// CancelFindAdvertisedName stops reporting names for prefix.
func (a *Attachment) CancelFindAdvertisedName(prefix string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.finds[prefix]; !ok {
		return buserr.NotFound(fmt.Sprintf("not finding %q", prefix))
	}
	delete(a.finds, prefix)
	return nil
}

// WhoImplements reports About announcements carrying every interface in
// ifaces to about listeners. An empty list matches every announcement.
func (a *Attachment) WhoImplements(ifaces []string) error {
	c, err := a.current()
	if err != nil {
		return err
	}
	key := implementsKey(ifaces)
	a.mu.Lock()
	if _, ok := a.whoImplements[key]; ok {
		a.mu.Unlock()
		return buserr.AlreadyExists(fmt.Sprintf("already querying %q", key))
	}
	a.whoImplements[key] = append([]string(nil), ifaces...)
	a.mu.Unlock()

	if err := c.dir.Query("", true); err != nil {
		a.mu.Lock()
		delete(a.whoImplements, key)
		a.mu.Unlock()
		return err
	}
	for _, ann := range c.dir.Announcements() {
		if !ann.Implements(ifaces) {
			continue
		}
		a.submitKeyed("peer:"+ann.UniqueName, func() { a.reportAnnounced(ann) })
	}
	return nil
}

// CancelWhoImplements ends a WhoImplements query.
func (a *Attachment) CancelWhoImplements(ifaces []string) error {
	key := implementsKey(ifaces)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.whoImplements[key]; !ok {
		return buserr.NotFound(fmt.Sprintf("not querying %q", key))
	}
	delete(a.whoImplements, key)
	return nil
}

func implementsKey(ifaces []string) string {
	sorted := append([]string(nil), ifaces...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// Announce publishes the About announcement: the announced interfaces of
// every registered object, the session port to join and aboutData.
func (a *Attachment) Announce(port session.Port, aboutData map[string]string) error {
	c, err := a.current()
	if err != nil {
		return err
	}
	if _, ok := a.sessions.Binding(port); !ok {
		return buserr.NotFound(fmt.Sprintf("session port %d is not bound", port))
	}

	data := make(map[string]string, len(aboutData)+1)
	for k, v := range aboutData {
		data[k] = v
	}
	if _, ok := data["AppName"]; !ok {
		data["AppName"] = a.appName
	}
	return c.dir.Announce(wire.Announcement{
		UniqueName: c.unique,
		Version:    AboutVersion,
		Port:       port,
		Objects:    a.announcedObjects(),
		AboutData:  data,
		TTLSeconds: uint32(a.cfg.DiscoveryTTL.Seconds()),
	})
}

func (a *Attachment) announcedObjects() []wire.ObjectDescription {
	a.mu.RLock()
	objs := make([]*BusObject, 0, len(a.objects))
	for _, o := range a.objects {
		objs = append(objs, o)
	}
	a.mu.RUnlock()

	var out []wire.ObjectDescription
	for _, o := range objs {
		if names := o.AnnouncedInterfaces(); len(names) > 0 {
			out = append(out, wire.ObjectDescription{Path: o.path, Interfaces: names})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// deliverDiscovery runs on the peer's dispatch lane.
func (a *Attachment) deliverDiscovery(e discovery.Event) {
	switch e.Type {
	case discovery.EventFound, discovery.EventLost:
		prefixes := a.matchingFinds(e.Advertisement.Name)
		if len(prefixes) == 0 {
			return
		}
		if e.Type == discovery.EventFound {
			a.reportFound(e.Advertisement, prefixes)
		} else {
			a.reportLost(e.Advertisement, prefixes)
		}
	case discovery.EventAnnounced:
		if e.Announcement != nil && a.wantsAnnouncement(*e.Announcement) {
			a.reportAnnounced(*e.Announcement)
		}
	}
}

func (a *Attachment) matchingFinds(name string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for prefix := range a.finds {
		if discovery.MatchPrefix(name, prefix) {
			out = append(out, prefix)
		}
	}
	sort.Strings(out)
	return out
}

func (a *Attachment) wantsAnnouncement(ann wire.Announcement) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, ifaces := range a.whoImplements {
		if ann.Implements(ifaces) {
			return true
		}
	}
	return false
}

func (a *Attachment) reportFound(ad wire.Advertisement, prefixes []string) {
	a.metrics.RecordDiscovery(string(discovery.EventFound))
	for _, l := range a.busListenerSnapshot() {
		for _, prefix := range prefixes {
			a.safely("bus listener", func() { l.FoundAdvertisedName(ad.Name, ad.TransportMask, prefix) })
		}
	}
}

func (a *Attachment) reportLost(ad wire.Advertisement, prefixes []string) {
	a.metrics.RecordDiscovery(string(discovery.EventLost))
	for _, l := range a.busListenerSnapshot() {
		for _, prefix := range prefixes {
			a.safely("bus listener", func() { l.LostAdvertisedName(ad.Name, ad.TransportMask, prefix) })
		}
	}
}

func (a *Attachment) reportAnnounced(ann wire.Announcement) {
	a.metrics.RecordDiscovery(string(discovery.EventAnnounced))
	for _, l := range a.aboutListenerSnapshot() {
		a.safely("about listener", func() {
			l.Announced(ann.UniqueName, ann.Version, ann.Port, ann.Objects, ann.AboutData)
		})
	}
}
