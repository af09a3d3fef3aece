package system

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Logind is a client for the org.freedesktop.login1.Manager interface
type Logind struct {
	obj dbus.BusObject
}

// NewLogind binds to login1 on an existing connection
func NewLogind(conn *dbus.Conn) *Logind {
	return &Logind{
		obj: conn.Object("org.freedesktop.login1", "/org/freedesktop/login1"),
	}
}

// Reboot asks logind to reboot the host. interactive=false fails instead
// of prompting when polkit would ask for authentication.
func (l *Logind) Reboot() error {
	call := l.obj.Call("org.freedesktop.login1.Manager.Reboot", 0, false)
	if call.Err != nil {
		return fmt.Errorf("Reboot call: %w", call.Err)
	}
	return nil
}

// Reboot connects to the system bus and requests a reboot
func Reboot() error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()
	return NewLogind(conn).Reboot()
}
