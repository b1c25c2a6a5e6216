package bus

import (
	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
)

// InterfacesAdded is the decoded body of an ObjectManager.InterfacesAdded signal.
type InterfacesAdded struct {
	Path       dbus.ObjectPath
	Interfaces map[string]map[string]dbus.Variant
}

// Has reports whether the announced object carries iface.
func (a *InterfacesAdded) Has(iface string) bool {
	_, ok := a.Interfaces[iface]
	return ok
}

// PropertiesChanged is the decoded body of a Properties.PropertiesChanged signal.
type PropertiesChanged struct {
	Interface   string
	Changed     map[string]dbus.Variant
	Invalidated []string
}

// DecodeInterfacesAdded reads the object path and interface map of an
// InterfacesAdded signal.
func DecodeInterfacesAdded(signal *dbus.Signal) (*InterfacesAdded, error) {
	if signal == nil || len(signal.Body) < 2 {
		return nil, errors.New("malformed InterfacesAdded signal")
	}

	path, ok := signal.Body[0].(dbus.ObjectPath)
	if !ok {
		return nil, errors.Errorf("unexpected object path type %T", signal.Body[0])
	}

	ifaces, ok := signal.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return nil, errors.Errorf("unexpected interface map type %T", signal.Body[1])
	}

	return &InterfacesAdded{
		Path:       path,
		Interfaces: ifaces,
	}, nil
}

// DecodePropertiesChanged reads the interface name and changed properties of
// a PropertiesChanged signal.
func DecodePropertiesChanged(signal *dbus.Signal) (*PropertiesChanged, error) {
	if signal == nil || len(signal.Body) < 2 {
		return nil, errors.New("malformed PropertiesChanged signal")
	}

	iface, ok := signal.Body[0].(string)
	if !ok {
		return nil, errors.Errorf("unexpected interface name type %T", signal.Body[0])
	}

	changed, ok := signal.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, errors.Errorf("unexpected property map type %T", signal.Body[1])
	}

	pc := &PropertiesChanged{
		Interface: iface,
		Changed:   changed,
	}

	if len(signal.Body) > 2 {
		if invalidated, ok := signal.Body[2].([]string); ok {
			pc.Invalidated = invalidated
		}
	}

	return pc, nil
}

// NewInterfacesAddedSignal builds the signal an object manager at manager
// emits when the object at path appears.
func NewInterfacesAddedSignal(manager string, path string, ifaces map[string]map[string]dbus.Variant) *dbus.Signal {
	if ifaces == nil {
		ifaces = map[string]map[string]dbus.Variant{}
	}

	return &dbus.Signal{
		Path: dbus.ObjectPath(manager),
		Name: ObjectManagerInterface + ".InterfacesAdded",
		Body: []interface{}{dbus.ObjectPath(path), ifaces},
	}
}

// NewPropertiesChangedSignal builds the signal emitted when properties of
// iface on the object at path change.
func NewPropertiesChangedSignal(path string, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	if changed == nil {
		changed = map[string]dbus.Variant{}
	}

	return &dbus.Signal{
		Path: dbus.ObjectPath(path),
		Name: PropertiesInterface + ".PropertiesChanged",
		Body: []interface{}{iface, changed, []string{}},
	}
}
