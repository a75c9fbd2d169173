package bluez

import (
	"strings"
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestDevicePathRoundTrip(t *testing.T) {
	p := devicePath("hci0", "00:1a:7d:da:71:13")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_00_1A_7D_DA_71_13"), p)
	assert.True(t, p.IsValid())
	assert.Equal(t, "00:1A:7D:DA:71:13", macFromPath(p))
}

func TestMacFromPathWithoutDevice(t *testing.T) {
	assert.Empty(t, macFromPath("/org/bluez/hci0"))
}

func TestNextProfilePathUnique(t *testing.T) {
	a := nextProfilePath("server")
	b := nextProfilePath("server")
	assert.NotEqual(t, a, b)
	assert.True(t, a.IsValid())
	assert.True(t, strings.HasPrefix(string(b), objectRoot+"/server/p"))
}
