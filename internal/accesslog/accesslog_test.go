package accesslog_test

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/rudderlabs/rudder-go-kit/stats/memstats"

	"github.com/rudderlabs/rudder-geo-report/internal/accesslog"
)

const target = "/assets/meshes/weapons/smg/smg.babylon"

func logLine(addr, date, path string) string {
	return addr + ` - - [` + date + `:13:55:36 +0000] "GET ` + path + ` HTTP/1.1" 200 2326 "-" "Mozilla/5.0"`
}

func mustWindow(t *testing.T, start, end string) accesslog.Window {
	t.Helper()
	s, err := time.Parse(time.DateOnly, start)
	require.NoError(t, err)
	e, err := time.Parse(time.DateOnly, end)
	require.NoError(t, err)
	w, err := accesslog.NewWindow(s, e)
	require.NoError(t, err)
	return w
}

func TestNewWindow(t *testing.T) {
	t.Run("truncates bounds to dates", func(t *testing.T) {
		w, err := accesslog.NewWindow(
			time.Date(2024, 8, 5, 17, 30, 0, 0, time.UTC),
			time.Date(2024, 12, 31, 1, 0, 0, 0, time.UTC),
		)
		require.NoError(t, err)
		require.Equal(t, time.Date(2024, 8, 5, 0, 0, 0, 0, time.UTC), w.Start)
		require.Equal(t, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), w.End)
	})

	t.Run("single day window is valid", func(t *testing.T) {
		day := time.Date(2024, 8, 5, 0, 0, 0, 0, time.UTC)
		w, err := accesslog.NewWindow(day, day.Add(23*time.Hour))
		require.NoError(t, err)
		require.True(t, w.Contains(day.Add(12*time.Hour)))
	})

	t.Run("end before start is rejected", func(t *testing.T) {
		_, err := accesslog.NewWindow(
			time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 8, 5, 0, 0, 0, 0, time.UTC),
		)
		require.ErrorIs(t, err, accesslog.ErrInvalidWindow)
	})
}

func TestWindowContains(t *testing.T) {
	w := mustWindow(t, "2024-08-05", "2024-12-31")

	testCases := []struct {
		name string
		date time.Time
		want bool
	}{
		{name: "start date", date: time.Date(2024, 8, 5, 0, 0, 0, 0, time.UTC), want: true},
		{name: "end date", date: time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC), want: true},
		{name: "inside", date: time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC), want: true},
		{name: "day before start", date: time.Date(2024, 8, 4, 23, 59, 59, 0, time.UTC), want: false},
		{name: "day after end", date: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), want: false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, w.Contains(tc.date))
		})
	}
}

func TestParseDate(t *testing.T) {
	t.Run("parses the date part of the first bracketed segment", func(t *testing.T) {
		d, err := accesslog.ParseDate(`1.2.3.4 - - [10/Aug/2024:13:55:36 +0000] "GET / HTTP/1.1" [01/Jan/1999:00:00:00]`)
		require.NoError(t, err)
		require.Equal(t, time.Date(2024, 8, 10, 0, 0, 0, 0, time.UTC), d)
	})

	t.Run("missing timestamp", func(t *testing.T) {
		_, err := accesslog.ParseDate(`1.2.3.4 - - "GET / HTTP/1.1" 200`)
		require.ErrorIs(t, err, accesslog.ErrMissingTimestamp)
	})

	t.Run("invalid timestamp", func(t *testing.T) {
		_, err := accesslog.ParseDate(`1.2.3.4 - - [2024-08-10T13:55:36Z] "GET / HTTP/1.1" 200`)
		require.ErrorIs(t, err, accesslog.ErrInvalidTimestamp)
	})
}

func TestAddress(t *testing.T) {
	require.Equal(t, "10.0.0.1", accesslog.Address(logLine("10.0.0.1", "05/Aug/2024", "/")))
	require.Equal(t, "2001:db8::1", accesslog.Address("2001:db8::1 - - [05/Aug/2024:00:00:00 +0000]"))
	require.Equal(t, "nospace", accesslog.Address("nospace"))
}

func TestFilterScan(t *testing.T) {
	w := mustWindow(t, "2024-08-05", "2024-12-31")

	t.Run("collects distinct addresses of matching lines", func(t *testing.T) {
		log := strings.Join([]string{
			logLine("10.0.0.1", "05/Aug/2024", target),
			logLine("10.0.0.2", "31/Dec/2024", target),
			logLine("10.0.0.3", "10/Sep/2024", "/index.html"),
			logLine("10.0.0.1", "06/Aug/2024", target),
			logLine("10.0.0.4", "04/Aug/2024", target),
			logLine("10.0.0.5", "01/Jan/2025", target),
		}, "\n")

		statsStore, err := memstats.New()
		require.NoError(t, err)

		f := accesslog.NewFilter(target, w, accesslog.WithStats(statsStore))
		addrs, err := f.Scan(strings.NewReader(log))
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, addrs.Slice())
		require.True(t, addrs.Contains("10.0.0.1"))
		require.False(t, addrs.Contains("10.0.0.4"))

		require.EqualValues(t, 6, statsStore.Get("geo_report_lines_scanned", stats.Tags{}).LastValue())
		require.EqualValues(t, 3, statsStore.Get("geo_report_lines_matched", stats.Tags{}).LastValue())
		require.EqualValues(t, 2, statsStore.Get("geo_report_distinct_addresses", stats.Tags{}).LastValue())
	})

	t.Run("scanning twice yields the same set", func(t *testing.T) {
		log := strings.Join([]string{
			logLine("10.0.0.9", "05/Aug/2024", target),
			logLine("10.0.0.8", "05/Aug/2024", target),
		}, "\n")
		f := accesslog.NewFilter(target, w)

		first, err := f.Scan(strings.NewReader(log))
		require.NoError(t, err)
		second, err := f.Scan(strings.NewReader(log))
		require.NoError(t, err)
		require.Equal(t, first, second)
	})

	t.Run("lines without the target are not date checked", func(t *testing.T) {
		log := strings.Join([]string{
			"garbage line without timestamp",
			logLine("10.0.0.1", "05/Aug/2024", target),
		}, "\n")
		addrs, err := accesslog.NewFilter(target, w).Scan(strings.NewReader(log))
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"10.0.0.1"}, addrs.Slice())
	})

	t.Run("a matching line without timestamp aborts the scan", func(t *testing.T) {
		log := strings.Join([]string{
			logLine("10.0.0.1", "05/Aug/2024", target),
			`10.0.0.2 - - "GET ` + target + ` HTTP/1.1" 200`,
		}, "\n")
		_, err := accesslog.NewFilter(target, w).Scan(strings.NewReader(log))
		require.ErrorIs(t, err, accesslog.ErrMissingTimestamp)
		require.ErrorContains(t, err, "line 2")
	})

	t.Run("a matching line with an unparsable date aborts the scan", func(t *testing.T) {
		log := `10.0.0.2 - - [32/Foo/2024:00:00:00 +0000] "GET ` + target + ` HTTP/1.1" 200`
		_, err := accesslog.NewFilter(target, w).Scan(strings.NewReader(log))
		require.ErrorIs(t, err, accesslog.ErrInvalidTimestamp)
	})

	t.Run("lines longer than the limit fail", func(t *testing.T) {
		long := logLine("10.0.0.1", "05/Aug/2024", target+strings.Repeat("a", 256))
		_, err := accesslog.NewFilter(target, w, accesslog.WithMaxLineSize(128)).Scan(strings.NewReader(long))
		require.Error(t, err)
	})
}

func TestFilterScanFiles(t *testing.T) {
	w := mustWindow(t, "2024-08-05", "2024-12-31")
	dir := t.TempDir()

	plain := filepath.Join(dir, "ssl_access_log-20240811")
	require.NoError(t, os.WriteFile(plain, []byte(strings.Join([]string{
		logLine("10.0.0.1", "05/Aug/2024", target),
		logLine("10.0.0.2", "06/Aug/2024", "/"),
	}, "\n")+"\n"), 0o644))

	compressed := filepath.Join(dir, "ssl_access_log-20240804.gz")
	gzFile, err := os.Create(compressed)
	require.NoError(t, err)
	gz := gzip.NewWriter(gzFile)
	_, err = gz.Write([]byte(strings.Join([]string{
		logLine("10.0.0.1", "07/Aug/2024", target),
		logLine("10.0.0.3", "08/Aug/2024", target),
	}, "\n")))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, gzFile.Close())

	t.Run("merges plain and gzip logs into one set", func(t *testing.T) {
		addrs, err := accesslog.NewFilter(target, w).ScanFiles(plain, compressed)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.3"}, addrs.Slice())
	})

	t.Run("a missing file is an error", func(t *testing.T) {
		_, err := accesslog.NewFilter(target, w).ScanFiles(filepath.Join(dir, "missing"))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}
