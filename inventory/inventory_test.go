package inventory

import (
	"context"
	"testing"

	"github.com/lijl44/stdOpneBMCWeb/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bmcImage  = bus.SoftwarePath + "/6b1b3a8c"
	hostImage = bus.SoftwarePath + "/bios_active"
	updater   = "xyz.openbmc_project.Software.BMC.Updater"
)

func newInventory() (*Inventory, *bus.MemoryBus) {
	b := bus.NewMemoryBus()

	b.AddObject(bmcImage, bus.ObjectOwners{updater: {bus.VersionInterface, bus.ActivationInterface}})
	b.SetPropertyValue(updater, bmcImage, bus.VersionInterface, "Version", "2.14.0-dev")
	b.SetPropertyValue(updater, bmcImage, bus.VersionInterface, "Purpose", purposeBMC)
	b.SetPropertyValue(updater, bmcImage, bus.ActivationInterface, "Activation", bus.ActivationInterface+".Activations.Active")

	b.AddObject(hostImage, bus.ObjectOwners{"xyz.openbmc_project.Software.Host.Updater": {bus.VersionInterface}})
	b.SetPropertyValue("xyz.openbmc_project.Software.Host.Updater", hostImage, bus.VersionInterface, "Version", "v1.0")
	b.SetPropertyValue("xyz.openbmc_project.Software.Host.Updater", hostImage, bus.VersionInterface, "Purpose", purposeHost)

	// not software
	b.AddObject(bus.ApplyTimePath, bus.ObjectOwners{bus.SettingsService: {bus.ApplyTimeInterface}})

	return New(&Config{Bus: b}), b
}

func TestIDs(t *testing.T) {
	inv, _ := newInventory()

	ids, err := inv.IDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"6b1b3a8c", "bios_active"}, ids)
}

func TestGetBMCImage(t *testing.T) {
	inv, b := newInventory()
	b.SetPropertyValue(bus.MapperService, bus.UpdateablePath, bus.AssociationInterface, "endpoints", []string{bmcImage})

	item, err := inv.Get(context.Background(), "6b1b3a8c")
	require.NoError(t, err)

	assert.Equal(t, &Item{
		ID:          "6b1b3a8c",
		Version:     "2.14.0-dev",
		Purpose:     purposeBMC,
		Description: "BMC image",
		RelatedItem: []string{"/redfish/v1/Managers/bmc"},
		Status:      Status{State: "Enabled", Health: "OK"},
		Updateable:  true,
	}, item)
}

func TestGetHostImage(t *testing.T) {
	inv, _ := newInventory()

	item, err := inv.Get(context.Background(), "bios_active")
	require.NoError(t, err)

	assert.Equal(t, "Host image", item.Description)
	assert.Equal(t, []string{"/redfish/v1/Systems/system/Bios"}, item.RelatedItem)
	assert.False(t, item.Updateable)
}

func TestGetUnknownImage(t *testing.T) {
	inv, _ := newInventory()

	_, err := inv.Get(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetImageWithoutPurpose(t *testing.T) {
	inv, b := newInventory()
	b.AddObject(bus.SoftwarePath+"/broken", bus.ObjectOwners{updater: {bus.VersionInterface}})
	b.SetPropertyValue(updater, bus.SoftwarePath+"/broken", bus.VersionInterface, "Version", "1.0")

	_, err := inv.Get(context.Background(), "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestActivationStatus(t *testing.T) {
	for activation, status := range map[string]Status{
		"Activating": {State: "Updating", Health: "OK"},
		"Active":     {State: "Enabled", Health: "OK"},
		"Ready":      {State: "StandbySpare", Health: "OK"},
		"Failed":     {State: "Disabled", Health: "Warning"},
		"NotReady":   {State: "Disabled", Health: "Warning"},
	} {
		assert.Equal(t, status, activationStatus(bus.ActivationInterface+".Activations."+activation), activation)
	}
}
