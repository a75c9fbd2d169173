package bluez

import (
	"strconv"
	"strings"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	propsIface           = "org.freedesktop.DBus.Properties"

	objectRoot = "/org/bluetooth_serial/profile"
)

var pathCounter uint64

// nextProfilePath returns a unique object path per exported profile so that
// concurrent listeners and dials never collide.
func nextProfilePath(role string) dbus.ObjectPath {
	id := atomic.AddUint64(&pathCounter, 1)
	return dbus.ObjectPath(objectRoot + "/" + role + "/p" + strconv.FormatUint(id, 10))
}

// devicePath builds the Device1 object path for mac under adapter,
// e.g. /org/bluez/hci0/dev_00_11_22_33_44_55.
func devicePath(adapter, mac string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_"))
}

// macFromPath is the inverse of devicePath; it returns "" for paths that do
// not name a device.
func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
