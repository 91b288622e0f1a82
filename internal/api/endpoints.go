package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/andresmejia3/rollcall/internal/types"
)

// Login exchanges credentials for a bearer token and stores it in the session.
// On failure nothing is stored.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var res types.TokenResult
	_, err := c.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      "/auth/login",
		Form:      form,
		Out:       &res,
		Anonymous: true,
	})
	if err != nil {
		return "", err
	}
	if res.AccessToken == "" {
		return "", fmt.Errorf("login response did not contain an access token")
	}
	if err := c.session.SetToken(res.AccessToken); err != nil {
		return "", err
	}
	return res.AccessToken, nil
}

// Logout forgets the stored token. It makes no network call.
func (c *Client) Logout() error {
	return c.session.SetToken("")
}

func (c *Client) ListUsers(ctx context.Context) ([]types.User, error) {
	var users []types.User
	err := c.Get(ctx, "/users/", nil, &users)
	return users, err
}

func (c *Client) CreateUser(ctx context.Context, in types.UserCreate) (types.User, error) {
	var u types.User
	err := c.Post(ctx, "/users/", in, &u)
	return u, err
}

func (c *Client) ListGroups(ctx context.Context) ([]types.Group, error) {
	var groups []types.Group
	err := c.Get(ctx, "/groups/", nil, &groups)
	return groups, err
}

func (c *Client) CreateGroup(ctx context.Context, in types.GroupCreate) (types.Group, error) {
	var g types.Group
	err := c.Post(ctx, "/groups/", in, &g)
	return g, err
}

// AddStudentToGroup attaches a student to a group and returns the server acknowledgement.
func (c *Client) AddStudentToGroup(ctx context.Context, groupID, studentID string) (string, error) {
	var msg types.Message
	path := fmt.Sprintf("/groups/%s/add-student/%s", url.PathEscape(groupID), url.PathEscape(studentID))
	err := c.Post(ctx, path, nil, &msg)
	return msg.Message, err
}

func (c *Client) ListSessions(ctx context.Context) ([]types.Session, error) {
	var sessions []types.Session
	err := c.Get(ctx, "/sessions/", nil, &sessions)
	return sessions, err
}

func (c *Client) CreateSession(ctx context.Context, in types.SessionCreate) (types.Session, error) {
	var s types.Session
	err := c.Post(ctx, "/sessions/", in, &s)
	return s, err
}

// RegisterFace enrolls a face image for a user. The part is labelled with the
// sniffed image type, so PNG and JPEG files are both sent as what they are.
func (c *Client) RegisterFace(ctx context.Context, userID int, image []byte, filename string) (string, error) {
	var msg types.Message
	_, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/face/register/" + strconv.Itoa(userID),
		File:   &FilePart{Field: "file", Filename: filename, ContentType: http.DetectContentType(image), Data: image},
		Out:    &msg,
	})
	return msg.Message, err
}

// MarkAttendance submits one JPEG frame for the attendance session and returns
// who was recognized in it. An empty slice is a valid result.
func (c *Client) MarkAttendance(ctx context.Context, sessionID string, frame []byte) ([]types.Recognition, error) {
	var res types.MarkResult
	_, err := c.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/face/mark-attendance/" + url.PathEscape(sessionID),
		File:   &FilePart{Field: "file", Filename: "frame.jpg", ContentType: "image/jpeg", Data: frame},
		Out:    &res,
	})
	if err != nil {
		return nil, err
	}
	if res.Recognized == nil {
		res.Recognized = []types.Recognition{}
	}
	return res.Recognized, nil
}

// Download is a binary response whose body the caller must close.
type Download struct {
	Body          io.ReadCloser
	Header        http.Header
	ContentLength int64
}

// ExportAttendance requests the attendance spreadsheet for the given query
// (session_id or group_id).
func (c *Client) ExportAttendance(ctx context.Context, query url.Values) (*Download, error) {
	resp, err := c.Do(ctx, Request{
		Method:       http.MethodGet,
		Path:         "/attendance/export",
		Query:        query,
		ResponseType: ResponseBinary,
	})
	if err != nil {
		return nil, err
	}
	return &Download{Body: resp.Body, Header: resp.Header, ContentLength: resp.ContentLength}, nil
}
