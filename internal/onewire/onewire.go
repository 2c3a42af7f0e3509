// Package onewire reads DS18B20 thermometers attached to a one-wire bus and
// turns them into a change-detecting measurement source.
package onewire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// MaxDevices is the number of thermometers handled on one bus.
const MaxDevices = 5

// DefaultDevicesDir is where the Linux w1 driver exposes bus devices.
const DefaultDevicesDir = "/sys/bus/w1/devices"

// Readings the DS18B20 driver reports when a conversion failed: -127.0 when
// the device did not answer, +85.0 for the power-on reset value.
const (
	sentinelDisconnected = -1270
	sentinelPowerOn      = 850
)

// ErrDeviceMissing is reported when a device that holds a slot in a Bank is
// absent from a bus read.
var ErrDeviceMissing = errors.New("thermometer missing from bus")

// Reading is the temperature of one device, in degrees Celsius.
type Reading struct {
	Device  string
	Celsius float64
}

// Bus returns the temperature of every device on the bus, sorted by device id.
type Bus interface {
	Temperatures() ([]Reading, error)
}

// SysfsBus reads thermometers through the w1_therm sysfs interface.
type SysfsBus struct {
	fs  afero.Fs
	dir string
}

// NewSysfsBus reads devices below dir on fs. Pass afero.NewOsFs() in production.
func NewSysfsBus(fs afero.Fs, dir string) *SysfsBus {
	if dir == "" {
		dir = DefaultDevicesDir
	}
	return &SysfsBus{fs: fs, dir: dir}
}

// Devices lists the DS18B20 device ids (family 28) on the bus, sorted.
func (b *SysfsBus) Devices() ([]string, error) {
	matches, err := afero.Glob(b.fs, filepath.Join(b.dir, "28-*"))
	if err != nil {
		return nil, fmt.Errorf("list w1 devices: %w", err)
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, filepath.Base(m))
	}
	sort.Strings(ids)
	if len(ids) > MaxDevices {
		ids = ids[:MaxDevices]
	}
	return ids, nil
}

// Temperatures reads every device. A device whose read fails reports the
// disconnected sentinel so indexes stay stable; the first error is returned
// alongside the readings.
func (b *SysfsBus) Temperatures() ([]Reading, error) {
	ids, err := b.Devices()
	if err != nil {
		return nil, err
	}
	temps := make([]Reading, len(ids))
	var firstErr error
	for i, id := range ids {
		temps[i].Device = id
		t, err := b.read(id)
		if err != nil {
			temps[i].Celsius = sentinelDisconnected / 10.0
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		temps[i].Celsius = t
	}
	return temps, firstErr
}

var errCRC = errors.New("crc check failed")

// read parses a w1_slave file:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func (b *SysfsBus) read(id string) (float64, error) {
	data, err := afero.ReadFile(b.fs, filepath.Join(b.dir, id, "w1_slave"))
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", id, err)
	}
	return parseSlave(data)
}

func parseSlave(data []byte) (float64, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() {
		return 0, errors.New("empty w1_slave")
	}
	if !strings.HasSuffix(strings.TrimSpace(sc.Text()), "YES") {
		return 0, errCRC
	}
	if !sc.Scan() {
		return 0, errors.New("missing temperature line")
	}
	line := sc.Text()
	i := strings.LastIndex(line, "t=")
	if i < 0 {
		return 0, fmt.Errorf("no t= in %q", line)
	}
	milli, err := strconv.Atoi(strings.TrimSpace(line[i+2:]))
	if err != nil {
		return 0, fmt.Errorf("parse temperature: %w", err)
	}
	return float64(milli) / 1000, nil
}

// Bank stores the last good reading of each thermometer in tenths of a degree.
// A device keeps the slot it was given when first seen, so a device dropping
// off the bus never shifts the others. Measure and the accessors may be
// called from different goroutines.
type Bank struct {
	bus Bus

	mu       sync.Mutex
	devices  []string // slot order
	measures [MaxDevices]int16
}

// NewBank returns a measurement source over bus.
func NewBank(bus Bus) *Bank {
	return &Bank{bus: bus}
}

// Measure reads the bus and reports whether any stored value changed or a
// new device took a slot. Sentinel readings are discarded and the previous
// value kept; a missing device keeps its value too and is reported as
// ErrDeviceMissing unless the bus returned an error of its own.
func (b *Bank) Measure() (bool, error) {
	temps, err := b.bus.Temperatures()

	b.mu.Lock()
	defer b.mu.Unlock()

	changed := false
	present := make(map[string]bool, len(temps))
	for _, r := range temps {
		slot, added := b.slot(r.Device)
		if slot < 0 {
			continue
		}
		present[r.Device] = true
		if added {
			changed = true
		}
		tenths := int(math.Round(r.Celsius * 10))
		if tenths == sentinelDisconnected || tenths == sentinelPowerOn {
			continue
		}
		if b.measures[slot] != int16(tenths) {
			b.measures[slot] = int16(tenths)
			changed = true
		}
	}

	var missing []string
	for _, id := range b.devices {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	if err == nil && len(missing) > 0 {
		err = fmt.Errorf("%w: %s", ErrDeviceMissing, strings.Join(missing, ", "))
	}
	return changed, err
}

// slot returns the index of device id, assigning the next free one on first
// sight. It returns -1 once every slot is taken by other devices.
func (b *Bank) slot(id string) (int, bool) {
	for i, d := range b.devices {
		if d == id {
			return i, false
		}
	}
	if len(b.devices) == MaxDevices {
		return -1, false
	}
	b.devices = append(b.devices, id)
	return len(b.devices) - 1, true
}

// Count returns the number of slots assigned so far.
func (b *Bank) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.devices)
}

// Devices returns the device ids in slot order.
func (b *Bank) Devices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.devices...)
}

// Values returns the stored readings in degrees Celsius, one decimal, in
// slot order.
func (b *Bank) Values() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float64, len(b.devices))
	for i := range b.devices {
		out[i] = float64(b.measures[i]) / 10
	}
	return out
}
