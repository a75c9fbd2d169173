package discovery

import (
	"sort"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"bluetooth-serial/internal/transport"
)

const (
	bluezService    = "org.bluez"
	deviceIface     = "org.bluez.Device1"
	adapterIface    = "org.bluez.Adapter1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
)

// managedObjects is the GetManagedObjects reply shape.
type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// filter selects devices by their Device1 properties.
type filter func(props map[string]dbus.Variant) bool

func advertises(service uuid.UUID) filter {
	return func(props map[string]dbus.Variant) bool {
		v, ok := props["UUIDs"]
		if !ok {
			return false
		}
		list, _ := v.Value().([]string)
		return containsUUID(list, service)
	}
}

func paired(props map[string]dbus.Variant) bool {
	v, ok := props["Paired"]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

// peerFromIfaces extracts a Peer from one object's interfaces if it is a
// Device1 accepted by keep.
func peerFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, keep filter) (transport.Peer, bool) {
	props, ok := ifaces[deviceIface]
	if !ok || !keep(props) {
		return transport.Peer{}, false
	}
	var mac, name, alias string
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		alias, _ = v.Value().(string)
	}
	if mac == "" {
		mac = macFromPath(path)
	}
	if mac == "" {
		return transport.Peer{}, false
	}
	if name == "" {
		name = alias
	}
	return transport.Peer{Address: strings.ToUpper(mac), Name: name}, true
}

func peersFrom(objs managedObjects, keep filter) map[string]transport.Peer {
	out := make(map[string]transport.Peer)
	for path, ifaces := range objs {
		if p, ok := peerFromIfaces(path, ifaces, keep); ok {
			out[p.Address] = p
		}
	}
	return out
}

func adaptersFrom(objs managedObjects) []dbus.ObjectPath {
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	return out
}

// containsUUID compares parsed UUIDs so that case and short textual
// variations do not matter. Unparseable entries are skipped.
func containsUUID(list []string, target uuid.UUID) bool {
	for _, s := range list {
		u, err := uuid.Parse(s)
		if err == nil && u == target {
			return true
		}
	}
	return false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

func sorted(m map[string]transport.Peer) []transport.Peer {
	out := make([]transport.Peer, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
