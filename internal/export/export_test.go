package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/rollcall/internal/api"
	"github.com/andresmejia3/rollcall/internal/apitest"
	"github.com/andresmejia3/rollcall/internal/session"
)

type memStorage map[string]string

func (m memStorage) Get(key string) (string, bool, error) { v, ok := m[key]; return v, ok, nil }
func (m memStorage) Set(key, value string) error          { m[key] = value; return nil }
func (m memStorage) Delete(key string) error              { delete(m, key); return nil }

type countingExporter struct {
	calls int
}

func (c *countingExporter) ExportAttendance(context.Context, url.Values) (*api.Download, error) {
	c.calls++
	return nil, errors.New("unexpected call")
}

func TestParamsQuery(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		want    url.Values
		wantErr error
	}{
		{"session only", Params{SessionID: "7"}, url.Values{"session_id": {"7"}}, nil},
		{"group only", Params{GroupID: "3"}, url.Values{"group_id": {"3"}}, nil},
		{"session wins", Params{SessionID: "7", GroupID: "3"}, url.Values{"session_id": {"7"}}, nil},
		{"blank", Params{SessionID: "  "}, nil, ErrMissingTarget},
		{"neither", Params{}, nil, ErrMissingTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.params.Query()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if got.Encode() != tt.want.Encode() {
				t.Errorf("Expected query %q, got %q", tt.want.Encode(), got.Encode())
			}
		})
	}
}

func TestFilename(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{`attachment; filename="attendance_session_7.xlsx"`, "attendance_session_7.xlsx"},
		{`attachment; filename=report.xlsx; size=10`, "report.xlsx"},
		{`attachment`, DefaultFilename},
		{``, DefaultFilename},
		{`attachment; filename="../../etc/passwd"`, "passwd"},
	}

	for _, tt := range tests {
		if got := Filename(tt.header); got != tt.want {
			t.Errorf("Filename(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestRunRequiresTargetBeforeNetwork(t *testing.T) {
	exp := &countingExporter{}
	_, err := Run(context.Background(), exp, Params{}, Options{Dir: t.TempDir()})
	if !errors.Is(err, ErrMissingTarget) {
		t.Fatalf("Expected ErrMissingTarget, got %v", err)
	}
	if exp.calls != 0 {
		t.Errorf("Expected no request, got %d", exp.calls)
	}
}

func newClient(t *testing.T, srv *apitest.Server) *api.Client {
	t.Helper()
	srv.AcceptToken("t1")
	sess, _ := session.Open(memStorage{session.TokenKey: "t1"})
	c := api.New(srv.BaseURL(), sess)
	t.Cleanup(c.Close)
	return c
}

func TestRunSavesServerFile(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	payload := bytes.Repeat([]byte("x"), 4096)
	srv.SetExport(payload, "attendance_session_7.xlsx")

	dir := filepath.Join(t.TempDir(), "out")
	var progress bytes.Buffer
	path, err := Run(context.Background(), newClient(t, srv), Params{SessionID: "7", GroupID: "3"}, Options{Dir: dir, Progress: &progress})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if filepath.Base(path) != "attendance_session_7.xlsx" {
		t.Errorf("Unexpected path %s", path)
	}
	got, _ := os.ReadFile(path)
	if !bytes.Equal(got, payload) {
		t.Errorf("Saved %d bytes, want %d", len(got), len(payload))
	}

	reqs := srv.RequestsTo("/attendance/export")
	if len(reqs) != 1 || reqs[0].Query.Get("session_id") != "7" || reqs[0].Query.Has("group_id") {
		t.Errorf("Unexpected export requests %+v", reqs)
	}
}

func TestRunDefaultFilename(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	srv.SetExport([]byte("PK"), "")

	dir := t.TempDir()
	path, err := Run(context.Background(), newClient(t, srv), Params{GroupID: "3"}, Options{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, DefaultFilename) {
		t.Errorf("Expected default filename, got %s", path)
	}
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
func (brokenBody) Close() error             { return nil }

type brokenExporter struct{}

func (brokenExporter) ExportAttendance(context.Context, url.Values) (*api.Download, error) {
	h := http.Header{}
	h.Set("Content-Disposition", `attachment; filename="x.xlsx"`)
	return &api.Download{Body: brokenBody{}, Header: h, ContentLength: -1}, nil
}

func TestRunLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Run(context.Background(), brokenExporter{}, Params{SessionID: "1"}, Options{Dir: dir})
	if err == nil || !strings.Contains(err.Error(), "interrupted") {
		t.Fatalf("Expected interrupted download, got %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected empty output dir, found %d entries", len(entries))
	}
}

func TestRunServerError(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()
	sess, _ := session.Open(memStorage{})
	c := api.New(srv.BaseURL(), sess)
	defer c.Close()

	_, err := Run(context.Background(), c, Params{SessionID: "1"}, Options{Dir: t.TempDir()})
	if got := api.Message(err, ""); got != "Not authenticated" {
		t.Errorf("Expected server detail, got %q", got)
	}
}
