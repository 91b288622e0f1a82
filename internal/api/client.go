package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ResponseType selects how a successful response body is handled.
type ResponseType int

const (
	// ResponseJSON decodes the body into Request.Out (if set) and closes it.
	ResponseJSON ResponseType = iota
	// ResponseBinary hands the open body back to the caller.
	ResponseBinary
)

// FilePart is a single file field of a multipart upload.
type FilePart struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// Request describes one call to the remote API. At most one of JSON, Form
// and File is used as the body.
type Request struct {
	Method       string
	Path         string
	Query        url.Values
	JSON         any
	Form         url.Values
	File         *FilePart
	Out          any
	ResponseType ResponseType
	// Anonymous suppresses the Authorization header (login).
	Anonymous bool
}

// APIError is a non-2xx response. Detail is the server's "detail" field verbatim.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// Message returns the server-provided detail carried by err, or fallback.
func Message(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return fallback
}

// Client is an HTTP client bound to one base URL and one session store.
type Client struct {
	baseURL string
	http    *http.Client
	session *session.Store

	// authHeader holds the full "Bearer <token>" value, or "" when logged out.
	authHeader  atomic.Pointer[string]
	unsubscribe func()
}

// New creates a client for baseURL that follows the token held by sess.
// The Authorization header is updated whenever sess changes, not re-read per call.
func New(baseURL string, sess *session.Store) *Client {
	if baseURL == "" {
		baseURL = config.DefaultAPIURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		session: sess,
	}

	empty := ""
	c.authHeader.Store(&empty)
	c.unsubscribe = sess.Subscribe(func(token string) {
		h := ""
		if token != "" {
			h = "Bearer " + token
		}
		c.authHeader.Store(&h)
	})
	return c
}

// Close detaches the client from its session store.
func (c *Client) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do executes req. For ResponseBinary the caller must close the returned body;
// for ResponseJSON the body is already consumed and closed.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	requestID := httpReq.Header.Get("X-Request-ID")
	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		log.Debug().Err(err).Str("method", req.Method).Str("path", req.Path).Str("request_id", requestID).Msg("api request failed")
		return nil, err
	}
	log.Debug().
		Str("method", req.Method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Str("request_id", requestID).
		Dur("elapsed", time.Since(start)).
		Msg("api request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Status: resp.StatusCode, Detail: parseDetail(body)}
	}

	if req.ResponseType == ResponseBinary {
		return resp, nil
	}

	defer resp.Body.Close()
	if req.Out != nil {
		if err := json.NewDecoder(resp.Body).Decode(req.Out); err != nil {
			return nil, fmt.Errorf("failed to decode %s %s response: %w", req.Method, req.Path, err)
		}
	}
	return resp, nil
}

// Get issues a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query, Out: out})
	return err
}

// Post issues a POST with a JSON body (nil for none) and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	_, err := c.Do(ctx, Request{Method: http.MethodPost, Path: path, JSON: body, Out: out})
	return err
}

func (c *Client) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case req.File != nil:
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		part, err := createFilePart(mw, req.File)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(req.File.Data); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
		body = buf
		contentType = mw.FormDataContentType()
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if req.ResponseType == ResponseBinary {
		httpReq.Header.Set("Accept", "*/*")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	// Read the header exactly once so a concurrent token swap never splits a request
	if !req.Anonymous {
		if auth := *c.authHeader.Load(); auth != "" {
			httpReq.Header.Set("Authorization", auth)
		}
	}
	return httpReq, nil
}

func createFilePart(mw *multipart.Writer, f *FilePart) (io.Writer, error) {
	field := f.Field
	if field == "" {
		field = "file"
	}
	if f.ContentType == "" {
		return mw.CreateFormFile(field, f.Filename)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.Filename))
	h.Set("Content-Type", f.ContentType)
	return mw.CreatePart(h)
}

// parseDetail extracts the "detail" field of an error body. Validation errors
// carry a structured detail, which is returned as compact JSON.
func parseDetail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload.Detail, &s); err == nil {
		return s
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload.Detail); err != nil {
		return string(payload.Detail)
	}
	if compact.String() == "null" {
		return ""
	}
	return compact.String()
}
