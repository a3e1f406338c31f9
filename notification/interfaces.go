package notification

import (
	"github.com/vinayprograms/peerbus/bus"
	"github.com/vinayprograms/peerbus/iface"
)

// registerInterfaces registers the notification interfaces on a. It is
// safe to call for both a Sender and a Receiver on one attachment.
func registerInterfaces(a *bus.Attachment) error {
	build := []struct {
		name string
		add  func(d *iface.Description) error
	}{
		{Interface, func(d *iface.Description) error {
			if err := d.AddSignal("notify", NotifySignature,
				"version,msgId,msgType,deviceId,deviceName,appId,appName,attributes,customAttributes,notificationText",
				iface.Sessionless); err != nil {
				return err
			}
			return d.AddProperty("Version", "q", iface.AccessRead)
		}},
		{DismisserInterface, func(d *iface.Description) error {
			if err := d.AddSignal("Dismiss", DismissSignature, "msgId,appId", iface.Sessionless); err != nil {
				return err
			}
			return d.AddProperty("Version", "q", iface.AccessRead)
		}},
		{ProducerInterface, func(d *iface.Description) error {
			if err := d.AddMethod("Dismiss", "i", "", "msgId", 0); err != nil {
				return err
			}
			return d.AddProperty("Version", "q", iface.AccessRead)
		}},
	}
	for _, b := range build {
		d, err := a.CreateInterface(b.name)
		if err != nil {
			return err
		}
		if err := b.add(d); err != nil {
			return err
		}
		if err := a.RegisterInterface(d); err != nil {
			return err
		}
	}
	return nil
}

// newObject builds an object at path implementing the registered
// interface name, with its Version property set.
func newObject(a *bus.Attachment, path, name string) (*bus.BusObject, error) {
	desc, _ := a.Interface(name)
	obj, err := bus.NewBusObject(path)
	if err != nil {
		return nil, err
	}
	if err := obj.AddInterface(desc); err != nil {
		return nil, err
	}
	if err := obj.SetProperty(name, "Version", Version); err != nil {
		return nil, err
	}
	return obj, nil
}
