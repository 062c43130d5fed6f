package report

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-geo-report/services/geolocation"
)

// Tally counts distinct addresses per location key ("country,region,city").
type Tally map[string]int

// Add counts one more address for the location.
func (t Tally) Add(loc geolocation.Location) {
	t[loc.Key()]++
}

// Total returns the number of addresses counted across all locations.
func (t Tally) Total() int {
	return lo.Sum(lo.Values(t))
}

// Report is the sorted list of "location: count\n" lines built from a Tally.
type Report []string

func New(t Tally) Report {
	lines := lo.MapToSlice(t, func(location string, count int) string {
		return fmt.Sprintf("%s: %d\n", location, count)
	})
	slices.Sort(lines)
	return lines
}

// String joins the report lines into the final output.
func (r Report) String() string {
	return strings.Join(r, "")
}

// Entries splits the report lines back into location and count columns.
func (r Report) Entries() [][]string {
	return lo.Map(r, func(line string, _ int) []string {
		line = strings.TrimSuffix(line, "\n")
		idx := strings.LastIndex(line, ": ")
		return []string{line[:idx], line[idx+2:]}
	})
}
