// Package apitest serves an in-memory fake of the remote attendance API for tests.
package apitest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/gin-gonic/gin"
)

// Recorded is one request the fake received.
type Recorded struct {
	Method        string
	Path          string
	Query         url.Values
	Authorization string
	RequestID     string
	FileSize      int
	FileType      string // Content-Type of the uploaded part
}

// MarkFunc decides the response to a frame submission.
type MarkFunc func(sessionID string, frame []byte) (status int, body any)

// Server is a gin-backed fake of /api/v1.
type Server struct {
	srv *httptest.Server

	mu          sync.Mutex
	credentials map[string]string // email -> password
	tokens      map[string]string // token -> email
	users       []types.User
	groups      []types.Group
	sessions    []types.Session
	members     map[int][]int
	requests    []Recorded

	mark           MarkFunc
	exportBody     []byte
	exportFilename string
}

// New starts the fake. Call Close when done.
func New() *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		credentials:    map[string]string{},
		tokens:         map[string]string{},
		members:        map[int][]int{},
		exportBody:     []byte("PK\x03\x04fake-xlsx"),
		exportFilename: "attendance_session.xlsx",
		mark: func(string, []byte) (int, any) {
			return http.StatusOK, gin.H{"recognized": []types.Recognition{}}
		},
	}

	router := gin.New()
	router.Use(s.record())

	v1 := router.Group("/api/v1")
	v1.POST("/auth/login", s.login)

	private := v1.Group("")
	private.Use(s.requireToken())
	private.GET("/users/", s.listUsers)
	private.POST("/users/", s.createUser)
	private.GET("/groups/", s.listGroups)
	private.POST("/groups/", s.createGroup)
	private.POST("/groups/:group_id/add-student/:student_id", s.addStudent)
	private.GET("/sessions/", s.listSessions)
	private.POST("/sessions/", s.createSession)
	private.POST("/face/register/:user_id", s.registerFace)
	private.POST("/face/mark-attendance/:session_id", s.markAttendance)
	private.GET("/attendance/export", s.export)

	s.srv = httptest.NewServer(router)
	return s
}

// BaseURL is the API root to hand to api.New.
func (s *Server) BaseURL() string { return s.srv.URL + "/api/v1" }

func (s *Server) Close() { s.srv.Close() }

// AddAccount registers credentials accepted by /auth/login.
func (s *Server) AddAccount(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[email] = password
}

// AcceptToken makes token valid without a login round-trip.
func (s *Server) AcceptToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = "preset"
}

func (s *Server) SetUsers(users ...types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append([]types.User(nil), users...)
}

func (s *Server) SetMarkFunc(fn MarkFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mark = fn
}

// SetExport sets the export payload. An empty filename omits Content-Disposition.
func (s *Server) SetExport(body []byte, filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exportBody = body
	s.exportFilename = filename
}

// Requests returns a copy of everything received so far.
func (s *Server) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recorded(nil), s.requests...)
}

// RequestsTo returns the received requests whose path starts with prefix (relative to /api/v1).
func (s *Server) RequestsTo(prefix string) []Recorded {
	var out []Recorded
	for _, r := range s.Requests() {
		if strings.HasPrefix(r.Path, "/api/v1"+prefix) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) record() gin.HandlerFunc {
	return func(c *gin.Context) {
		r := Recorded{
			Method:        c.Request.Method,
			Path:          c.Request.URL.Path,
			Query:         c.Request.URL.Query(),
			Authorization: c.GetHeader("Authorization"),
			RequestID:     c.GetHeader("X-Request-ID"),
		}
		if strings.HasPrefix(c.ContentType(), "multipart/") {
			if fh, err := c.FormFile("file"); err == nil {
				r.FileSize = int(fh.Size)
				r.FileType = fh.Header.Get("Content-Type")
			}
		}
		s.mu.Lock()
		s.requests = append(s.requests, r)
		s.mu.Unlock()
		c.Next()
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		s.mu.Lock()
		_, valid := s.tokens[token]
		s.mu.Unlock()
		if !ok || !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
			return
		}
		c.Next()
	}
}

func (s *Server) login(c *gin.Context) {
	email := c.PostForm("username")
	password := c.PostForm("password")

	s.mu.Lock()
	defer s.mu.Unlock()
	if want, ok := s.credentials[email]; !ok || want != password {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Bad credentials"})
		return
	}
	token := "token-" + email
	s.tokens[token] = email
	c.JSON(http.StatusOK, gin.H{"access_token": token, "token_type": "bearer"})
}

func (s *Server) listUsers(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, nonNil(s.users))
}

func (s *Server) createUser(c *gin.Context) {
	var in types.UserCreate
	if err := c.ShouldBindJSON(&in); err != nil || in.Email == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"body", "email"}, "msg": "field required"}}})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == in.Email {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Email already exists"})
			return
		}
	}
	u := types.User{ID: len(s.users) + 1, FirstName: in.FirstName, LastName: in.LastName, Email: in.Email, Role: in.Role, IsActive: true}
	s.users = append(s.users, u)
	c.JSON(http.StatusOK, u)
}

func (s *Server) listGroups(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, nonNil(s.groups))
}

func (s *Server) createGroup(c *gin.Context) {
	var in types.GroupCreate
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := types.Group{ID: len(s.groups) + 1, Name: in.Name}
	s.groups = append(s.groups, g)
	c.JSON(http.StatusOK, g)
}

func (s *Server) addStudent(c *gin.Context) {
	groupID, err1 := strconv.Atoi(c.Param("group_id"))
	studentID, err2 := strconv.Atoi(c.Param("student_id"))
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "invalid id"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if groupID < 1 || groupID > len(s.groups) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Group not found"})
		return
	}
	s.members[groupID] = append(s.members[groupID], studentID)
	c.JSON(http.StatusOK, gin.H{"message": "Student added"})
}

func (s *Server) listSessions(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.JSON(http.StatusOK, nonNil(s.sessions))
}

func (s *Server) createSession(c *gin.Context) {
	var in types.SessionCreate
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := types.Session{ID: len(s.sessions) + 1, GroupID: in.GroupID, TeacherID: in.TeacherID, StartTime: in.StartTime, EndTime: in.EndTime}
	s.sessions = append(s.sessions, sess)
	c.JSON(http.StatusOK, sess)
}

func (s *Server) registerFace(c *gin.Context) {
	if _, err := c.FormFile("file"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Fichier vide"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Face registered", "student_id": c.Param("user_id")})
}

func (s *Server) markAttendance(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Fichier vide"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	defer f.Close()
	frame, _ := io.ReadAll(f)

	s.mu.Lock()
	mark := s.mark
	s.mu.Unlock()

	status, body := mark(c.Param("session_id"), frame)
	c.JSON(status, body)
}

func (s *Server) export(c *gin.Context) {
	if c.Query("session_id") == "" && c.Query("group_id") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "session_id or group_id required"})
		return
	}
	s.mu.Lock()
	body, filename := s.exportBody, s.exportFilename
	s.mu.Unlock()

	if filename != "" {
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	}
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", body)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
