// Package export downloads attendance spreadsheets.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/andresmejia3/rollcall/internal/api"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

// DefaultFilename is used when the server does not name the file.
const DefaultFilename = "attendance.xlsx"

var ErrMissingTarget = errors.New("a session id or a group id is required")

var filenameRe = regexp.MustCompile(`filename=([^;]+)`)

// Params selects what to export. SessionID takes precedence when both are set.
type Params struct {
	SessionID string
	GroupID   string
}

// Query builds the export query string.
func (p Params) Query() (url.Values, error) {
	session := strings.TrimSpace(p.SessionID)
	group := strings.TrimSpace(p.GroupID)
	q := url.Values{}
	switch {
	case session != "":
		q.Set("session_id", session)
	case group != "":
		q.Set("group_id", group)
	default:
		return nil, ErrMissingTarget
	}
	return q, nil
}

// Exporter is the API surface needed to download a spreadsheet.
type Exporter interface {
	ExportAttendance(ctx context.Context, query url.Values) (*api.Download, error)
}

// Options controls where the file lands and whether progress is drawn.
type Options struct {
	Dir      string
	Progress io.Writer // nil disables the bar
}

// Filename extracts the file name from a Content-Disposition header value.
func Filename(contentDisposition string) string {
	m := filenameRe.FindStringSubmatch(contentDisposition)
	if m == nil {
		return DefaultFilename
	}
	name := strings.Trim(strings.TrimSpace(m[1]), `"`)
	// Never let the server pick a directory
	name = filepath.Base(name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return DefaultFilename
	}
	return name
}

// Run downloads the export for p and writes it into opts.Dir. It returns the
// path written. A failed download leaves no partial file behind.
func Run(ctx context.Context, c Exporter, p Params, opts Options) (string, error) {
	query, err := p.Query()
	if err != nil {
		return "", err
	}

	dl, err := c.ExportAttendance(ctx, query)
	if err != nil {
		return "", err
	}
	defer dl.Body.Close()

	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, Filename(dl.Header.Get("Content-Disposition")))

	tmp, err := os.CreateTemp(dir, ".rollcall-export-*")
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	var bar *progressbar.ProgressBar
	if opts.Progress != nil {
		bar = progressbar.NewOptions64(dl.ContentLength,
			progressbar.OptionSetDescription("📥 Exporting"),
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionShowBytes(true),
		)
		w = io.MultiWriter(tmp, bar)
	}

	n, err := io.Copy(w, dl.Body)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("download interrupted: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", path, err)
	}
	if bar != nil {
		bar.Finish()
	}

	log.Debug().Str("path", path).Int64("bytes", n).Msg("export saved")
	return path, nil
}
