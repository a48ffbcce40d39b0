package identity

import "fmt"

// City is a deployment city derived from the region code.
type City string

const (
	Copenhagen  City = "København"
	Aarhus      City = "Aarhus"
	Odense      City = "Odense"
	Aalborg     City = "Aalborg"
	Esbjerg     City = "Esbjerg"
	UnknownCity City = "Unknown"
)

// Region codes are compared as two-character strings. Bounds are inclusive.
var cityRanges = []struct {
	lo, hi string
	city   City
}{
	{"38", "3f", Copenhagen},
	{"40", "4f", Aarhus},
	{"50", "5f", Odense},
	{"60", "6f", Aalborg},
	{"70", "7f", Esbjerg},
}

var districts = map[string]string{
	"38": "København Central",
	"39": "København Nord",
	"3a": "København Syd/Vest",
	"3b": "København Øst",
	"40": "Aarhus Central",
	"41": "Aarhus Nord",
	"42": "Aarhus Syd",
	"50": "Odense Central",
	"51": "Odense Nord",
	"60": "Aalborg",
	"70": "Esbjerg",
}

// CityForRegion maps a two-character region code to its city.
func CityForRegion(code string) City {
	for _, r := range cityRanges {
		if code >= r.lo && code <= r.hi {
			return r.city
		}
	}
	return UnknownCity
}

// DistrictForRegion maps a region code to its district label, falling back
// to "Unknown region (<code>)".
func DistrictForRegion(code string) string {
	if d, ok := districts[code]; ok {
		return d
	}
	return fmt.Sprintf("Unknown region (%s)", code)
}

func (id Identity) City() City       { return CityForRegion(id.RegionCode()) }
func (id Identity) District() string { return DistrictForRegion(id.RegionCode()) }

// IsInCity reports whether the region code falls in c's range.
func (id Identity) IsInCity(c City) bool {
	return c != UnknownCity && id.City() == c
}

func (id Identity) IsInCopenhagen() bool { return id.IsInCity(Copenhagen) }
func (id Identity) IsInAarhus() bool     { return id.IsInCity(Aarhus) }
