package ble

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ScannedController is a controller found advertising the fleet service.
type ScannedController struct {
	Name    string
	Address string
	RSSI    int
	// BatteryPercent is taken from the advertised manufacturer data.
	// HasBattery is false when the advertisement carried none.
	BatteryPercent int
	HasBattery     bool
}

// ScanForControllers scans for controllers advertising the fleet service
// for up to timeout. Results are sorted by signal strength, strongest first.
func ScanForControllers(ctx context.Context, adapter Adapter, timeout time.Duration) ([]ScannedController, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, FleetServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	out := make([]ScannedController, 0, len(devices))
	for _, d := range devices {
		sc := ScannedController{Name: d.Name, Address: d.Address, RSSI: d.RSSI}
		sc.BatteryPercent, sc.HasBattery = advertisedBattery(d.ManufacturerData[ManufacturerID])
		out = append(out, sc)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out, nil
}

// advertisedBattery extracts the battery byte from a manufacturer payload.
// Payloads shorter than four bytes carry no status.
func advertisedBattery(payload []byte) (int, bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return int(payload[2]), true
}
