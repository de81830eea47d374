// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package backend

import (
	"fmt"

	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/band"
)

// Bandwidth is the bandwidth code understood by SX127x based radios
type Bandwidth uint8

var bandwidthHz = []uint32{7800, 10400, 15600, 20800, 31250, 41700, 62500, 125000, 250000, 500000}

// Hz returns the bandwidth in Hz, or 0 for an unknown code
func (b Bandwidth) Hz() uint32 {
	if int(b) >= len(bandwidthHz) {
		return 0
	}
	return bandwidthHz[b]
}

// RadioConfig contains the radio parameters. They are applied once at startup.
type RadioConfig struct {
	Frequency       uint32 // Hz
	SpreadingFactor uint8  // 6-12
	Bandwidth       Bandwidth
	CodingRate      uint8 // 1-4, meaning 4/5 to 4/8
	CRC             bool
}

// DefaultRadioConfig is 866 MHz, SF7, 125 kHz, 4/5 with CRC
var DefaultRadioConfig = RadioConfig{
	Frequency:       866000000,
	SpreadingFactor: 7,
	Bandwidth:       7,
	CodingRate:      1,
	CRC:             true,
}

// Validate checks that all parameters are in range
func (c RadioConfig) Validate() error {
	if c.Frequency < 137000000 || c.Frequency > 1020000000 {
		return fmt.Errorf("radio: frequency %d Hz out of range", c.Frequency)
	}
	if c.SpreadingFactor < 6 || c.SpreadingFactor > 12 {
		return fmt.Errorf("radio: spreading factor %d out of range", c.SpreadingFactor)
	}
	if c.Bandwidth.Hz() == 0 {
		return fmt.Errorf("radio: unknown bandwidth code %d", c.Bandwidth)
	}
	if c.CodingRate < 1 || c.CodingRate > 4 {
		return fmt.Errorf("radio: coding rate %d out of range", c.CodingRate)
	}
	return nil
}

// DataRateIndex returns the LoRaWAN uplink data rate index of the spreading
// factor and bandwidth in the given band
func (c RadioConfig) DataRateIndex(name band.Name) (int, error) {
	b, err := band.GetConfig(name, false, lorawan.DwellTimeNoLimit)
	if err != nil {
		return 0, err
	}
	return b.GetDataRate(band.DataRate{
		Modulation:   band.LoRaModulation,
		SpreadFactor: int(c.SpreadingFactor),
		Bandwidth:    int(c.Bandwidth.Hz() / 1000),
	})
}

func (c RadioConfig) String() string {
	return fmt.Sprintf("%.1fMHz SF%d BW%.1fkHz CR4/%d CRC=%t",
		float64(c.Frequency)/1e6, c.SpreadingFactor, float64(c.Bandwidth.Hz())/1e3, c.CodingRate+4, c.CRC)
}
