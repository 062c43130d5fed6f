package accesslog

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/bytesize"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
)

// DateLayout is the layout of the date part of a log timestamp, e.g. 10/Aug/2024.
const DateLayout = "02/Jan/2006"

var (
	ErrMissingTimestamp = errors.New("line has no bracketed timestamp")
	ErrInvalidTimestamp = errors.New("line has an invalid timestamp")
	ErrInvalidWindow    = errors.New("window end date is before its start date")
)

var timestampPattern = regexp.MustCompile(`\[(.*?)\]`)

// Window is an inclusive range of calendar dates.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow truncates start and end to their calendar dates.
func NewWindow(start, end time.Time) (Window, error) {
	w := Window{Start: dateOf(start), End: dateOf(end)}
	if w.End.Before(w.Start) {
		return Window{}, fmt.Errorf("%w: %s < %s", ErrInvalidWindow, w.End.Format(time.DateOnly), w.Start.Format(time.DateOnly))
	}
	return w, nil
}

// Contains reports whether the calendar date of t lies within the window.
func (w Window) Contains(t time.Time) bool {
	d := dateOf(t)
	return !d.Before(w.Start) && !d.After(w.End)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddressSet is a set of distinct client addresses.
type AddressSet map[string]struct{}

func (s AddressSet) Add(addr string) {
	s[addr] = struct{}{}
}

func (s AddressSet) Contains(addr string) bool {
	_, ok := s[addr]
	return ok
}

// Slice returns the addresses in no particular order.
func (s AddressSet) Slice() []string {
	return lo.Keys(s)
}

type Opt func(*Filter)

func WithLogger(log logger.Logger) Opt {
	return func(f *Filter) {
		f.logger = log
	}
}

func WithStats(s stats.Stats) Opt {
	return func(f *Filter) {
		f.stats = s
	}
}

// WithMaxLineSize sets the largest line the scanner accepts.
func WithMaxLineSize(size int64) Opt {
	return func(f *Filter) {
		if size > 0 {
			f.maxLineSize = size
		}
	}
}

// Filter selects the distinct client addresses that requested a target
// resource within a date window.
type Filter struct {
	target      string
	window      Window
	maxLineSize int64

	logger logger.Logger
	stats  stats.Stats
}

func NewFilter(target string, window Window, opts ...Opt) *Filter {
	f := &Filter{
		target:      target,
		window:      window,
		maxLineSize: bytesize.MB,
		logger:      logger.NOP,
		stats:       stats.NOP,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Match reports whether line contains the target and carries a date inside the window.
// The timestamp of a line not containing the target is never inspected.
func (f *Filter) Match(line string) (bool, error) {
	if !strings.Contains(line, f.target) {
		return false, nil
	}
	date, err := ParseDate(line)
	if err != nil {
		return false, err
	}
	return f.window.Contains(date), nil
}

// Scan reads r line by line and collects the addresses of matching lines.
func (f *Filter) Scan(r io.Reader) (AddressSet, error) {
	addrs := make(AddressSet)
	if err := f.scanInto(r, addrs); err != nil {
		return nil, err
	}
	f.report(addrs)
	return addrs, nil
}

// ScanFiles scans every path into a single set. Paths ending in .gz are decompressed.
func (f *Filter) ScanFiles(paths ...string) (AddressSet, error) {
	addrs := make(AddressSet)
	for _, path := range paths {
		if err := f.scanFile(path, addrs); err != nil {
			return nil, err
		}
	}
	f.report(addrs)
	return addrs, nil
}

func (f *Filter) scanFile(path string, addrs AddressSet) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening access log: %w", err)
	}
	defer func() { _ = file.Close() }()

	var r io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("creating gzip reader for %s: %w", path, err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	if err := f.scanInto(r, addrs); err != nil {
		return fmt.Errorf("scanning %s: %w", path, err)
	}
	return nil
}

func (f *Filter) scanInto(r io.Reader, addrs AddressSet) error {
	sc := bufio.NewScanner(r)
	// default scanner buffer maxCapacity is 64K
	sc.Buffer(make([]byte, 0, min(64*bytesize.KB, f.maxLineSize)), int(f.maxLineSize))

	var scanned, matched int
	defer func() {
		f.stats.NewStat("geo_report_lines_scanned", stats.CountType).Count(scanned)
		f.stats.NewStat("geo_report_lines_matched", stats.CountType).Count(matched)
	}()

	for sc.Scan() {
		scanned++
		line := sc.Text()
		ok, err := f.Match(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", scanned, err)
		}
		if !ok {
			continue
		}
		matched++
		addrs.Add(Address(line))
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading access log: %w", err)
	}
	return nil
}

func (f *Filter) report(addrs AddressSet) {
	f.stats.NewStat("geo_report_distinct_addresses", stats.GaugeType).Gauge(len(addrs))
	f.logger.Infon("distinct addresses found",
		logger.NewIntField("count", int64(len(addrs))),
		logger.NewStringField("target", f.target),
	)
}

// Address returns the client address of a line, i.e. everything before the first space.
func Address(line string) string {
	addr, _, _ := strings.Cut(line, " ")
	return addr
}

// ParseDate extracts the calendar date of the first bracketed timestamp in line.
func ParseDate(line string) (time.Time, error) {
	m := timestampPattern.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, ErrMissingTimestamp
	}
	datePart, _, _ := strings.Cut(m[1], ":")
	date, err := time.Parse(DateLayout, datePart)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %w", ErrInvalidTimestamp, m[1], err)
	}
	return date, nil
}
