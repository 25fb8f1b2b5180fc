package xhci

// backend.go declares the narrow interface this driver consumes from
// the surrounding device-monitor subsystem, and the interface it
// exposes back to policy modules. Grounded on
// _examples/original_source/drivers/usb/usb_device.h's get_device_by_address/
// get_device_by_port/free_device/usb_init_device_monitor prototypes,
// translated into a Go interface boundary instead of a linked C object
// file, so this package does not need to know how devices are
// discovered or enumerated upstream of it.

// Device is the minimal view of an attached USB device this driver
// needs in order to decide shadowing policy (device class, configured
// address, attachment port).
type Device struct {
	Address    uint8
	Port       int
	SlotID     int
	Class      uint8
	SubClass   uint8
	Protocol   uint8
}

// DeviceMonitor is implemented by the surrounding subsystem that tracks
// attached devices; this driver calls it to resolve a Slot ID to device
// identity when a policy module's match rule needs it, and to be told
// about attach/detach so it can hand slots back on disconnect.
type DeviceMonitor interface {
	// DeviceByAddress returns the Device assigned USB address addr, or
	// ok=false if no such device is currently attached.
	DeviceByAddress(addr uint8) (Device, bool)

	// DeviceByPort returns the Device attached at port, or ok=false.
	DeviceByPort(port int) (Device, bool)

	// NotifyConnectStatus is called whenever a PORTSC connect-status
	// change bit is observed, so the monitor can re-enumerate.
	NotifyConnectStatus(port int, connected bool)

	// FreeDevice releases the monitor's bookkeeping for a detached
	// device's slot.
	FreeDevice(slotID int)
}

// PolicyModule is the interface a loaded filter/shadowing extension
// implements to receive controller lifecycle notifications alongside
// registering its hooks through HookRegistry directly.
type PolicyModule interface {
	// Attach is called once, at controller construction, with the hook
	// registry the module should call Register/RegisterEx on.
	Attach(hooks *HookRegistry)
}

// AttachPolicyModules registers every given PolicyModule's hooks
// against this controller's HookRegistry.
func (c *Controller) AttachPolicyModules(modules ...PolicyModule) {
	for _, m := range modules {
		m.Attach(c.hooks)
	}
}

// SetDeviceMonitor installs the backend this controller consults for
// device identity and attach/detach notification.
func (c *Controller) SetDeviceMonitor(m DeviceMonitor) {
	c.monitor = m
}
