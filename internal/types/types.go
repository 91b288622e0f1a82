package types

// Role is the account role assigned by the attendance API.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleTeacher Role = "TEACHER"
	RoleStudent Role = "STUDENT"
)

// User matches the user objects returned by GET /users/
type User struct {
	ID        int    `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	IsActive  bool   `json:"is_active"`
}

// UserCreate is the body of POST /users/. Password is optional (students have none).
type UserCreate struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	Password  string `json:"password,omitempty"`
}

type Group struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type GroupCreate struct {
	Name string `json:"name"`
}

// Session is an attendance session (a class slot), not the login session.
type Session struct {
	ID        int    `json:"id"`
	GroupID   int    `json:"group_id"`
	TeacherID *int   `json:"teacher_id"`
	StartTime string `json:"start_time"` // ISO-8601, passed through as the server sent it
	EndTime   string `json:"end_time"`
}

type SessionCreate struct {
	GroupID   int    `json:"group_id"`
	TeacherID *int   `json:"teacher_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Recognition is one (subject, distance) pair returned for a submitted frame.
type Recognition struct {
	UserID   int     `json:"user_id"`
	Distance float64 `json:"distance"`
}

// MarkResult is the response of POST /face/mark-attendance/{session_id}
type MarkResult struct {
	Recognized []Recognition `json:"recognized"`
}

// Message wraps the {"message": "..."} acknowledgements.
type Message struct {
	Message string `json:"message"`
}

// TokenResult is the response of POST /auth/login
type TokenResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
}
