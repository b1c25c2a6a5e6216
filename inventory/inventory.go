// Package inventory reads the firmware images the platform knows about.
package inventory

import (
	"context"
	"sort"
	"strings"

	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
	"github.com/lijl44/stdOpneBMCWeb/bus"
)

var ErrNotFound = errors.New("software inventory item not found")

const (
	purposeBMC  = bus.VersionInterface + ".VersionPurpose.BMC"
	purposeHost = bus.VersionInterface + ".VersionPurpose.Host"

	managerURI = "/redfish/v1/Managers/bmc"
	biosURI    = "/redfish/v1/Systems/system/Bios"
)

// Status is the Redfish state and health of an image, derived from its
// activation.
type Status struct {
	State  string
	Health string
}

// Item is a single firmware image.
type Item struct {
	ID          string
	Version     string
	Purpose     string
	Description string
	RelatedItem []string
	Status      Status
	Updateable  bool
}

type Config struct {
	Bus    bus.Bus
	Logger Logger
}

type Inventory struct {
	bus bus.Bus
	log Logger
}

func New(config *Config) *Inventory {
	i := &Inventory{
		bus: config.Bus,
	}

	if config.Logger != nil {
		i.log = config.Logger
	} else {
		i.log = noopLogger{}
	}

	return i
}

func idOf(path dbus.ObjectPath) string {
	p := string(path)
	return p[strings.LastIndex(p, "/")+1:]
}

// IDs lists the images below the software root, sorted.
func (i *Inventory) IDs(ctx context.Context) ([]string, error) {
	tree, err := i.bus.GetSubTree(ctx, bus.SoftwarePath, 0, []string{bus.VersionInterface})
	if err != nil {
		return nil, errors.Errorf("could not list software: %v", err)
	}

	ids := make([]string, 0, len(tree))
	for path := range tree {
		id := idOf(path)
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids, nil
}

// Get looks up an image by the last segment of its object path.
func (i *Inventory) Get(ctx context.Context, id string) (*Item, error) {
	tree, err := i.bus.GetSubTree(ctx, "/", 0, []string{bus.VersionInterface})
	if err != nil {
		return nil, errors.Errorf("could not list software: %v", err)
	}

	var (
		path    string
		service string
	)

	for p, owners := range tree {
		if !strings.HasSuffix(string(p), id) || len(owners) == 0 {
			continue
		}

		path = string(p)
		service = firstOwner(owners)
		break
	}

	if path == "" {
		i.log.Warnf("Input swID %v not found!", id)
		return nil, ErrNotFound
	}

	item := &Item{
		ID: id,
	}

	props, err := i.bus.GetAllProperties(ctx, service, path, bus.VersionInterface)
	if err != nil {
		return nil, errors.Errorf("could not read version of %v: %v", path, err)
	}

	if err := item.readVersion(props); err != nil {
		return nil, errors.Errorf("could not read version of %v: %v", path, err)
	}

	item.Status, err = i.status(ctx, service, path)
	if err != nil {
		return nil, err
	}

	item.Updateable, err = i.updateable(ctx, id)
	if err != nil {
		return nil, err
	}

	return item, nil
}

// firstOwner picks a deterministic owner when several services share an
// object.
func firstOwner(owners bus.ObjectOwners) string {
	names := make([]string, 0, len(owners))
	for name := range owners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}

func (item *Item) readVersion(props map[string]dbus.Variant) error {
	purpose, ok := stringProperty(props, "Purpose")
	if !ok {
		return errors.New("can't find property Purpose")
	}

	version, ok := stringProperty(props, "Version")
	if !ok {
		return errors.New("can't find property Version")
	}

	// xyz.openbmc_project.Software.Version.VersionPurpose.ABC reads "ABC image"
	end := strings.LastIndex(purpose, ".") + 1
	if end == 0 || end >= len(purpose) {
		return errors.Errorf("malformed purpose %v", purpose)
	}

	item.Purpose = purpose
	item.Version = version
	item.Description = purpose[end:] + " image"

	switch purpose {
	case purposeBMC:
		item.RelatedItem = []string{managerURI}
	case purposeHost:
		item.RelatedItem = []string{biosURI}
	default:
		item.RelatedItem = []string{}
	}

	return nil
}

func stringProperty(props map[string]dbus.Variant, name string) (string, bool) {
	v, ok := props[name]
	if !ok {
		return "", false
	}

	s, ok := v.Value().(string)
	return s, ok
}

func (i *Inventory) status(ctx context.Context, service, path string) (Status, error) {
	v, err := i.bus.GetProperty(ctx, service, path, bus.ActivationInterface, "Activation")
	if err != nil {
		// images without activation, like the running host firmware, are
		// reported as enabled
		i.log.Debugf("No activation for %v: %v", path, err)
		return Status{State: "Enabled", Health: "OK"}, nil
	}

	activation, ok := v.Value().(string)
	if !ok {
		return Status{}, errors.Errorf("unexpected activation type %v of %v", v.Signature(), path)
	}

	return activationStatus(activation), nil
}

func activationStatus(activation string) Status {
	switch strings.TrimPrefix(activation, bus.ActivationInterface+".Activations.") {
	case "Activating":
		return Status{State: "Updating", Health: "OK"}
	case "Active":
		return Status{State: "Enabled", Health: "OK"}
	case "Ready", "Staged":
		return Status{State: "StandbySpare", Health: "OK"}
	default:
		return Status{State: "Disabled", Health: "Warning"}
	}
}

// updateable reports whether the platform lists the image in its updateable
// association.
func (i *Inventory) updateable(ctx context.Context, id string) (bool, error) {
	v, err := i.bus.GetProperty(ctx, bus.MapperService, bus.UpdateablePath, bus.AssociationInterface, "endpoints")
	if err != nil {
		i.log.Debugf("No updateable association: %v", err)
		return false, nil
	}

	var endpoints []string
	switch e := v.Value().(type) {
	case []string:
		endpoints = e
	case []dbus.ObjectPath:
		for _, p := range e {
			endpoints = append(endpoints, string(p))
		}
	default:
		return false, errors.Errorf("unexpected endpoints type %v", v.Signature())
	}

	for _, endpoint := range endpoints {
		if idOf(dbus.ObjectPath(endpoint)) == id {
			return true, nil
		}
	}

	return false, nil
}
