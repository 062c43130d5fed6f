package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/rudderlabs/rudder-go-kit/filemanager"
	"github.com/rudderlabs/rudder-go-kit/logger"
)

const FileName = "report.txt"

const (
	FormatText  = "text"
	FormatTable = "table"
)

var ErrUnknownFormat = errors.New("unknown console format")

// DiskWriter persists a report under <BaseDir>/<YYYY-MM-DD>/report.txt.
type DiskWriter struct {
	BaseDir string
	Now     func() time.Time
}

// Write creates the dated directory if absent and returns the path of the written file.
func (d DiskWriter) Write(r Report) (string, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	dir := filepath.Join(d.BaseDir, now().Format(time.DateOnly))
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}

	filePath := filepath.Join(dir, FileName)
	if err := os.WriteFile(filePath, []byte(r.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing report file: %w", err)
	}
	return filePath, nil
}

// ConsoleWriter prints a report either as raw text or as a table.
type ConsoleWriter struct {
	Out    io.Writer
	Format string
}

func (c ConsoleWriter) Write(r Report) error {
	switch c.Format {
	case FormatText, "":
		_, err := io.WriteString(c.Out, r.String())
		return err
	case FormatTable:
		table := tablewriter.NewWriter(c.Out)
		table.SetHeader([]string{"Location", "Count"})
		table.SetAutoFormatHeaders(false)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.AppendBulk(r.Entries())
		table.Render()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, c.Format)
	}
}

// FileUploader is the part of filemanager.FileManager needed to upload a report.
type FileUploader interface {
	Upload(ctx context.Context, file *os.File, prefixes ...string) (filemanager.UploadedFile, error)
}

// Uploader copies a written report file to object storage under <Prefix>/<YYYY-MM-DD>.
type Uploader struct {
	Manager FileUploader
	Prefix  string
	Now     func() time.Time
	Logger  logger.Logger
}

func (u Uploader) Upload(ctx context.Context, filePath string) (filemanager.UploadedFile, error) {
	now := time.Now
	if u.Now != nil {
		now = u.Now
	}
	f, err := os.Open(filePath)
	if err != nil {
		return filemanager.UploadedFile{}, fmt.Errorf("opening report file: %w", err)
	}
	defer func() { _ = f.Close() }()

	uploaded, err := u.Manager.Upload(ctx, f, u.Prefix, now().Format(time.DateOnly))
	if err != nil {
		return filemanager.UploadedFile{}, fmt.Errorf("uploading report file: %w", err)
	}
	if u.Logger != nil {
		u.Logger.Infon("report uploaded",
			logger.NewStringField("location", uploaded.Location),
			logger.NewStringField("objectName", uploaded.ObjectName),
		)
	}
	return uploaded, nil
}
