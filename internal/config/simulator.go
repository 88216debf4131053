package config

import (
	"fmt"
	"time"

	"github.com/blekey-server/blekey-server/pkg/blekey"
	"github.com/blekey-server/blekey-server/pkg/blekey/keysim"
)

// SimulatedDevices builds the configured simulated keys, each holding its
// configured number of events ending at now
func (c *Config) SimulatedDevices(now time.Time) ([]*keysim.Device, error) {
	devices := make([]*keysim.Device, 0, len(c.Simulator.Devices))
	for i, sd := range c.Simulator.Devices {
		creds, err := blekey.ParseCredentials(sd.SysCode, sd.RegCode)
		if err != nil {
			return nil, fmt.Errorf("simulator.devices[%d]: %w", i, err)
		}

		d := keysim.NewDevice(sd.Address, creds)
		d.Name = sd.Name
		d.RSSI = sd.RSSI
		d.ResponseDelay = sd.ResponseDelay
		d.KeyInfo = keysim.KeyInfoPayload(uint16(0x1000+i), 0x50, 0x0001, 365, true, 90)
		d.Events = keysim.GenerateEvents(uint16(0x1000+i), sd.Events, now.UTC().Truncate(time.Second))
		devices = append(devices, d)
	}
	return devices, nil
}
