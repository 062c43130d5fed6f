package geolocation_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-geo-report/services/geolocation"
)

type fakeDownloader struct {
	failures int
	calls    int
	keys     []string
	content  string
}

func (f *fakeDownloader) Download(_ context.Context, output *os.File, key string) error {
	f.calls++
	f.keys = append(f.keys, key)
	if f.calls <= f.failures {
		_, _ = output.WriteString("partial")
		return errors.New("connection reset by peer")
	}
	_, err := output.WriteString(f.content)
	return err
}

func TestDownloadDB(t *testing.T) {
	t.Run("skips the download when the file exists", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "city.mmdb")
		require.NoError(t, os.WriteFile(dbPath, []byte("existing"), 0o644))

		d := &fakeDownloader{content: "fresh"}
		require.NoError(t, geolocation.DownloadDB(context.Background(), d, dbPath, 3, logger.NOP))
		require.Zero(t, d.calls)

		got, err := os.ReadFile(dbPath)
		require.NoError(t, err)
		require.Equal(t, "existing", string(got))
	})

	t.Run("downloads into a nested directory after transient failures", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "geolocation", "GeoLite2-City.mmdb")

		d := &fakeDownloader{failures: 1, content: "mmdb-bytes"}
		require.NoError(t, geolocation.DownloadDB(context.Background(), d, dbPath, 3, logger.NOP))
		require.Equal(t, 2, d.calls)
		require.Equal(t, []string{"GeoLite2-City.mmdb", "GeoLite2-City.mmdb"}, d.keys)

		got, err := os.ReadFile(dbPath)
		require.NoError(t, err)
		require.Equal(t, "mmdb-bytes", string(got))

		leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(dbPath), "geodb-*.mmdb"))
		require.NoError(t, err)
		require.Empty(t, leftovers)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "city.mmdb")

		d := &fakeDownloader{failures: 10}
		err := geolocation.DownloadDB(context.Background(), d, dbPath, 1, logger.NOP)
		require.Error(t, err)
		require.Equal(t, 2, d.calls)
		require.NoFileExists(t, dbPath)
	})
}
