// Command test-link is a manual test for the controller link.
// It connects to one controller, prints its device information and answers
// to every read command, then disconnects. Nothing is written to settings.
//
// Usage:
//
//	go run ./cmd/test-link --address AA:BB:CC:DD:EE:FF [--timeout 2s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/chaz8081/scootcal/internal/ble"
	"github.com/chaz8081/scootcal/internal/ble/protocol"
)

func main() {
	address := flag.String("address", "", "controller BLE address")
	timeout := flag.Duration("timeout", 2*time.Second, "per-request timeout")
	flag.Parse()

	if *address == "" {
		fmt.Println("Error: --address is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := ble.DefaultLinkOptions()
	opts.RequestTimeout = *timeout
	link := ble.NewLink(ble.NewTinygoAdapter(), *address, opts)

	fmt.Printf("Connecting to %s...\n", *address)
	if err := link.Connect(ctx); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer link.Disconnect()

	if info, err := link.DeviceInfo(ctx); err == nil {
		fmt.Printf("Firmware: %q  Hardware: %q  Software: %q\n", info.Firmware, info.Hardware, info.Software)
	}

	reads := []protocol.Command{
		protocol.ReadBattery{},
		protocol.ReadSpeed{},
		protocol.ReadVoltage{},
		protocol.ReadDiagnostics{},
		protocol.ReadFirmwareVersion{},
	}
	for _, cmd := range reads {
		t, err := link.Request(ctx, cmd)
		if err != nil {
			fmt.Printf("%-28T error: %v\n", cmd, err)
			continue
		}
		fmt.Printf("%-28T %+v\n", cmd, t)
	}

	if snap, err := link.ReadSnapshot(ctx); err == nil {
		fmt.Printf("Snapshot: motor %d°C, battery %d°C", snap.MotorTempC, snap.BatteryTempC)
		if snap.HasSpeed {
			fmt.Printf(", speed %d km/h", snap.SpeedKmh)
		}
		fmt.Println()
	} else {
		fmt.Printf("Snapshot error: %v\n", err)
	}

	fmt.Printf("Dropped notifications: %d\n", link.Dropped())
	fmt.Println("\nDone!")
}
