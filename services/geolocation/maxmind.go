package geolocation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

var (
	ErrInvalidDatabase = errors.New("invalid database file")
	ErrInvalidIP       = errors.New("ip for lookup cannot be empty or invalid")
)

// GeoInfo is the subset of a GeoIP2/GeoLite2 City record needed to build a Location.
type GeoInfo struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
}

type MaxmindLocator struct {
	reader *maxminddb.Reader
}

// NewMaxmindLocator opens the mmdb file located at dbLoc.
func NewMaxmindLocator(dbLoc string) (*MaxmindLocator, error) {
	reader, err := maxminddb.Open(dbLoc)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDatabase, err)
		}
		if errors.As(err, &maxminddb.InvalidDatabaseError{}) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDatabase, err)
		}

		return nil, fmt.Errorf("opening maxmind reader from location: %w", err)
	}
	return &MaxmindLocator{reader: reader}, nil
}

func (m *MaxmindLocator) Locate(_ context.Context, ip string) (Location, error) {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return Location{}, ErrInvalidIP
	}

	var info GeoInfo
	_, found, err := m.reader.LookupNetwork(parsedIP, &info)
	if err != nil {
		return Location{}, fmt.Errorf("reading geolocation for ip: %w", err)
	}
	if !found {
		return Location{}, ErrNotFound
	}
	return info.location(ip), nil
}

func (m *MaxmindLocator) Close() error {
	return m.reader.Close()
}

func (g GeoInfo) location(ip string) Location {
	loc := Location{
		IP:      ip,
		Country: englishName(g.Country.Names, CountryName(g.Country.ISOCode)),
		City:    englishName(g.City.Names, ""),
	}
	if len(g.Subdivisions) > 0 {
		loc.Region = englishName(g.Subdivisions[0].Names, g.Subdivisions[0].ISOCode)
	}
	return loc
}

func englishName(names map[string]string, fallback string) string {
	if name, ok := names["en"]; ok && name != "" {
		return name
	}
	return fallback
}
