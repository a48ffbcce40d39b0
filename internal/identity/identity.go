// Package identity decodes fleet device identifiers.
//
// An identifier is a UUID-shaped string of five dash-separated segments:
//
//	{deployment:8}-{marker:4}-{region:2}{sub-region:2}-{batch:4}-{device:12}
//
// Only identifiers carrying the fleet marker "ff01" are valid, but every
// field can be extracted from any five-segment string.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// FleetMarker is the second segment every valid identifier carries.
const FleetMarker = "ff01"

// ErrMalformedIdentifier is returned by Parse for strings that do not split
// into exactly five segments.
var ErrMalformedIdentifier = errors.New("identity: malformed identifier")

// Identity is a parsed device identifier. The zero value is not useful.
type Identity struct {
	raw   string
	parts [5]string
}

// Parse splits raw into its segments. Parsing is case-insensitive; the
// stored form is lower-cased.
func Parse(raw string) (Identity, error) {
	lower := strings.ToLower(raw)
	parts := strings.Split(lower, "-")
	if len(parts) != 5 {
		return Identity{}, fmt.Errorf("%w: %q has %d segments, want 5", ErrMalformedIdentifier, raw, len(parts))
	}
	id := Identity{raw: lower}
	copy(id.parts[:], parts)
	return id, nil
}

// MustParse is like Parse but panics on error.
func MustParse(raw string) Identity {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// IsValid reports whether the identifier carries the fleet marker.
func (id Identity) IsValid() bool { return id.parts[1] == FleetMarker }

func (id Identity) Raw() string          { return id.raw }
func (id Identity) DeploymentID() string { return id.parts[0] }
func (id Identity) Marker() string       { return id.parts[1] }
func (id Identity) BatchHex() string     { return id.parts[3] }
func (id Identity) DeviceID() string     { return id.parts[4] }

// RegionCode is the first two characters of the third segment.
func (id Identity) RegionCode() string { return substr(id.parts[2], 0, 2) }

// SubRegion is characters two to four of the third segment.
func (id Identity) SubRegion() string { return substr(id.parts[2], 2, 4) }

// BatchNumber is the fourth segment read as hex. Segments that are not
// valid hex (or overflow 32 bits) yield 0.
func (id Identity) BatchNumber() uint32 {
	n, err := strconv.ParseUint(id.parts[3], 16, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// String renders a short human label, e.g. "Scooter [Aarhus Nord] Batch #66".
func (id Identity) String() string {
	return fmt.Sprintf("Scooter [%s] Batch #%d", id.District(), id.BatchNumber())
}

// Info bundles every derived field for serialization.
type Info struct {
	UUID         string     `json:"uuid" yaml:"uuid"`
	Valid        bool       `json:"valid" yaml:"valid"`
	DeploymentID string     `json:"deployment_id" yaml:"deployment_id"`
	Region       RegionInfo `json:"region" yaml:"region"`
	Batch        BatchInfo  `json:"batch" yaml:"batch"`
	DeviceID     string     `json:"device_id" yaml:"device_id"`
}

type RegionInfo struct {
	Code      string `json:"code" yaml:"code"`
	SubRegion string `json:"sub_region" yaml:"sub_region"`
	City      City   `json:"city" yaml:"city"`
	District  string `json:"district" yaml:"district"`
}

type BatchInfo struct {
	Number uint32 `json:"number" yaml:"number"`
	Hex    string `json:"hex" yaml:"hex"`
}

// FullInfo returns all derived fields of id.
func (id Identity) FullInfo() Info {
	return Info{
		UUID:         id.raw,
		Valid:        id.IsValid(),
		DeploymentID: id.DeploymentID(),
		Region: RegionInfo{
			Code:      id.RegionCode(),
			SubRegion: id.SubRegion(),
			City:      id.City(),
			District:  id.District(),
		},
		Batch: BatchInfo{
			Number: id.BatchNumber(),
			Hex:    id.BatchHex(),
		},
		DeviceID: id.DeviceID(),
	}
}

func substr(s string, from, to int) string {
	if from > len(s) {
		return ""
	}
	if to > len(s) {
		to = len(s)
	}
	return s[from:to]
}
