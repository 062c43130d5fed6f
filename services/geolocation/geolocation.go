package geolocation

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

var (
	ErrNotFound    = errors.New("no geolocation found for ip")
	ErrBogon       = errors.New("ip is a bogon address")
	ErrCircuitOpen = errors.New("geolocation provider circuit is open")
)

// Location is the coarse geographic classification of a single ip address.
type Location struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
}

// Key returns the tally key of the location, i.e. "country,region,city".
// A missing region or city is kept as an empty segment.
func (l Location) Key() string {
	return strings.Join([]string{l.Country, l.Region, l.City}, ",")
}

// Locator resolves an ip address into a Location.
// Implementations must be safe for concurrent use.
type Locator interface {
	Locate(ctx context.Context, ip string) (Location, error)
}

// LocatorFunc adapts a plain function to the Locator interface.
type LocatorFunc func(ctx context.Context, ip string) (Location, error)

func (f LocatorFunc) Locate(ctx context.Context, ip string) (Location, error) {
	return f(ctx, ip)
}

// CountryName returns the English short name of a two letter ISO 3166 country code, e.g. "US" -> "United States".
// Any other value is returned unchanged.
func CountryName(code string) string {
	if len(code) != 2 {
		return code
	}
	region, err := language.ParseRegion(code)
	if err != nil || !region.IsCountry() {
		return code
	}
	if name := display.English.Regions().Name(region); name != "" {
		return name
	}
	return code
}
