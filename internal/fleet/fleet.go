// Package fleet aggregates device records by the region and batch encoded in
// their identifiers.
package fleet

import (
	"math"
	"slices"
	"sort"

	"github.com/chaz8081/scootcal/internal/identity"
)

// LowBatteryPercent is the threshold below which a device counts as low.
const LowBatteryPercent = 20

// DefaultMaxDevices caps firmware update queues when no limit is given.
const DefaultMaxDevices = 100

// Record is one device as exported by the fleet registry.
type Record struct {
	ID                string   `json:"id" yaml:"id"`
	Identifier        string   `json:"bt_mac" yaml:"bt_mac"`
	DeviceName        string   `json:"device_name,omitempty" yaml:"device_name,omitempty"`
	FirmwareVersion   string   `json:"firmware_version,omitempty" yaml:"firmware_version,omitempty"`
	BatteryPercentage *int     `json:"battery_percentage,omitempty" yaml:"battery_percentage,omitempty"`
	BatteryVoltage    *float64 `json:"battery_voltage,omitempty" yaml:"battery_voltage,omitempty"`
	SpeedKmh          *int     `json:"speed,omitempty" yaml:"speed,omitempty"`
	OwnerID           string   `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
}

// Fleet is an immutable collection of records.
type Fleet struct {
	records []Record
}

// New copies records into a Fleet.
func New(records []Record) *Fleet {
	return &Fleet{records: slices.Clone(records)}
}

// Len returns the number of records.
func (f *Fleet) Len() int { return len(f.records) }

// Records returns a copy of all records.
func (f *Fleet) Records() []Record { return slices.Clone(f.records) }

func (f *Fleet) filter(keep func(identity.Identity) bool) []Record {
	var out []Record
	for _, r := range f.records {
		id, err := identity.Parse(r.Identifier)
		if err != nil {
			continue
		}
		if keep(id) {
			out = append(out, r)
		}
	}
	return out
}

// ByCity returns records whose region lies in city.
func (f *Fleet) ByCity(city identity.City) []Record {
	return f.filter(func(id identity.Identity) bool { return id.City() == city })
}

// ByRegion returns records with the given two-character region code.
func (f *Fleet) ByRegion(code string) []Record {
	return f.filter(func(id identity.Identity) bool { return id.RegionCode() == code })
}

// ByBatch returns records from batch n.
func (f *Fleet) ByBatch(n uint32) []Record {
	return f.filter(func(id identity.Identity) bool { return id.BatchNumber() == n })
}

// RegionStats summarises one region code.
type RegionStats struct {
	Code       string        `json:"code" yaml:"code"`
	District   string        `json:"district" yaml:"district"`
	City       identity.City `json:"city" yaml:"city"`
	Count      int           `json:"count" yaml:"count"`
	Batches    []uint32      `json:"batches" yaml:"batches"`
	BatchCount int           `json:"batch_count" yaml:"batch_count"`
	AvgBattery int           `json:"avg_battery" yaml:"avg_battery"`
	LowBattery int           `json:"low_battery" yaml:"low_battery"`
	Devices    []string      `json:"devices" yaml:"devices"`
}

// RegionStats groups parsable records by region code. Batches keep
// first-seen order. AvgBattery is the mean over records that report a
// battery level, rounded half up; 0 when none do.
func (f *Fleet) RegionStats() map[string]RegionStats {
	type acc struct {
		stats   RegionStats
		seen    map[uint32]bool
		sum     int
		samples int
	}
	groups := make(map[string]*acc)

	for _, r := range f.records {
		id, err := identity.Parse(r.Identifier)
		if err != nil {
			continue
		}
		code := id.RegionCode()
		g, ok := groups[code]
		if !ok {
			g = &acc{
				stats: RegionStats{
					Code:     code,
					District: id.District(),
					City:     id.City(),
				},
				seen: make(map[uint32]bool),
			}
			groups[code] = g
		}

		g.stats.Count++
		g.stats.Devices = append(g.stats.Devices, r.ID)
		if b := id.BatchNumber(); !g.seen[b] {
			g.seen[b] = true
			g.stats.Batches = append(g.stats.Batches, b)
		}
		if r.BatteryPercentage != nil {
			g.sum += *r.BatteryPercentage
			g.samples++
			if *r.BatteryPercentage < LowBatteryPercent {
				g.stats.LowBattery++
			}
		}
	}

	out := make(map[string]RegionStats, len(groups))
	for code, g := range groups {
		g.stats.BatchCount = len(g.stats.Batches)
		if g.samples > 0 {
			g.stats.AvgBattery = int(math.Floor(float64(g.sum)/float64(g.samples) + 0.5))
		}
		out[code] = g.stats
	}
	return out
}

// RegionCodes returns the keys of stats in ascending order.
func RegionCodes(stats map[string]RegionStats) []string {
	codes := make([]string, 0, len(stats))
	for code := range stats {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// InvalidDevice is a record that failed validation.
type InvalidDevice struct {
	ID         string `json:"id" yaml:"id"`
	Identifier string `json:"bt_mac" yaml:"bt_mac"`
	Reason     string `json:"reason" yaml:"reason"`
}

// ValidationResult counts valid and invalid identifiers.
type ValidationResult struct {
	Total          int             `json:"total" yaml:"total"`
	Valid          int             `json:"valid" yaml:"valid"`
	Invalid        int             `json:"invalid" yaml:"invalid"`
	InvalidDevices []InvalidDevice `json:"invalid_devices" yaml:"invalid_devices"`
}

// ReasonMissingMarker annotates well-formed identifiers without the fleet marker.
const ReasonMissingMarker = "missing " + identity.FleetMarker + " marker"

// Validate checks every record's identifier.
func (f *Fleet) Validate() ValidationResult {
	res := ValidationResult{Total: len(f.records)}
	for _, r := range f.records {
		id, err := identity.Parse(r.Identifier)
		switch {
		case err != nil:
			res.InvalidDevices = append(res.InvalidDevices, InvalidDevice{ID: r.ID, Identifier: r.Identifier, Reason: err.Error()})
		case !id.IsValid():
			res.InvalidDevices = append(res.InvalidDevices, InvalidDevice{ID: r.ID, Identifier: r.Identifier, Reason: ReasonMissingMarker})
		default:
			res.Valid++
		}
	}
	res.Invalid = len(res.InvalidDevices)
	return res
}

// QueueOptions tunes FirmwareUpdateQueue.
type QueueOptions struct {
	// Region restricts the queue to one region code. Empty means all.
	Region string
	// MaxDevices truncates the queue. Zero or negative means DefaultMaxDevices.
	MaxDevices int
	// PrioritizeLowBatch sorts older (lower) batches first.
	PrioritizeLowBatch bool
}

func DefaultQueueOptions() QueueOptions {
	return QueueOptions{MaxDevices: DefaultMaxDevices, PrioritizeLowBatch: true}
}

// FirmwareUpdateQueue returns records not yet on target, ordered by batch.
// Records with unparsable identifiers keep their input order after all
// parsable ones.
func (f *Fleet) FirmwareUpdateQueue(target string, opts QueueOptions) []Record {
	limit := opts.MaxDevices
	if limit <= 0 {
		limit = DefaultMaxDevices
	}

	type candidate struct {
		rec   Record
		batch uint32
	}
	var parsed []candidate
	var unparsed []Record

	for _, r := range f.records {
		if r.FirmwareVersion == target {
			continue
		}
		id, err := identity.Parse(r.Identifier)
		if err != nil {
			if opts.Region == "" {
				unparsed = append(unparsed, r)
			}
			continue
		}
		if opts.Region != "" && id.RegionCode() != opts.Region {
			continue
		}
		parsed = append(parsed, candidate{rec: r, batch: id.BatchNumber()})
	}

	sort.SliceStable(parsed, func(i, j int) bool {
		if opts.PrioritizeLowBatch {
			return parsed[i].batch < parsed[j].batch
		}
		return parsed[i].batch > parsed[j].batch
	})

	queue := make([]Record, 0, min(limit, len(parsed)+len(unparsed)))
	for _, c := range parsed {
		queue = append(queue, c.rec)
	}
	queue = append(queue, unparsed...)
	if len(queue) > limit {
		queue = queue[:limit]
	}
	return queue
}
