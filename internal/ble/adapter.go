// Package ble provides the GATT link to scooter motor controllers. It handles
// connection management, characteristic discovery, command writes and
// telemetry notifications over Bluetooth Low Energy.
package ble

import "context"

// Controller BLE UUIDs
const (
	SettingsServiceUUID  = "00006683-0000-1000-8000-00805f9b34fb"
	TelemetryServiceUUID = "00006688-0000-1000-8000-00805f9b34fb"
	FleetServiceUUID     = "0000ff01-0000-1000-8000-00805f9b34fb"

	DeviceInfoServiceUUID = "0000180a-0000-1000-8000-00805f9b34fb"
	FirmwareRevisionUUID  = "00002a26-0000-1000-8000-00805f9b34fb"
	HardwareRevisionUUID  = "00002a27-0000-1000-8000-00805f9b34fb"
	SoftwareRevisionUUID  = "00002a28-0000-1000-8000-00805f9b34fb"
)

// ManufacturerID is the company ID controllers advertise their status under.
const ManufacturerID uint16 = 0x5240

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Read returns the characteristic's current value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
	// ManufacturerData maps company IDs to advertised payloads.
	ManufacturerData map[uint16][]byte
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	// An empty charUUID selects the first characteristic of the service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter. Calling it more than once is harmless.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
