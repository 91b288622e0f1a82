package admin

import (
	"context"
	"strconv"

	"github.com/andresmejia3/rollcall/internal/api"
	"github.com/andresmejia3/rollcall/internal/types"
)

type (
	UsersScreen    = Screen[types.User, types.UserCreate]
	GroupsScreen   = Screen[types.Group, types.GroupCreate]
	SessionsScreen = Screen[types.Session, types.SessionCreate]
)

func Users(c *api.Client) *UsersScreen {
	return NewScreen("Users", c.ListUsers, c.CreateUser,
		Column[types.User]{"ID", func(u types.User) string { return strconv.Itoa(u.ID) }},
		Column[types.User]{"NAME", func(u types.User) string { return u.FirstName + " " + u.LastName }},
		Column[types.User]{"EMAIL", func(u types.User) string { return u.Email }},
		Column[types.User]{"ROLE", func(u types.User) string { return string(u.Role) }},
		Column[types.User]{"ACTIVE", func(u types.User) string { return yesNo(u.IsActive) }},
	)
}

func Groups(c *api.Client) *GroupsScreen {
	return NewScreen("Groups", c.ListGroups, c.CreateGroup,
		Column[types.Group]{"ID", func(g types.Group) string { return strconv.Itoa(g.ID) }},
		Column[types.Group]{"NAME", func(g types.Group) string { return g.Name }},
	)
}

func Sessions(c *api.Client) *SessionsScreen {
	return NewScreen("Sessions", c.ListSessions, c.CreateSession,
		Column[types.Session]{"ID", func(s types.Session) string { return strconv.Itoa(s.ID) }},
		Column[types.Session]{"GROUP", func(s types.Session) string { return strconv.Itoa(s.GroupID) }},
		Column[types.Session]{"TEACHER", func(s types.Session) string {
			if s.TeacherID == nil {
				return "-"
			}
			return strconv.Itoa(*s.TeacherID)
		}},
		Column[types.Session]{"START", func(s types.Session) string { return s.StartTime }},
		Column[types.Session]{"END", func(s types.Session) string { return s.EndTime }},
	)
}

// AddStudent attaches a student to a group. Ids are passed through unvalidated.
func AddStudent(ctx context.Context, c *api.Client, groupID, studentID string) (string, error) {
	msg, err := c.AddStudentToGroup(ctx, groupID, studentID)
	if err != nil {
		return "", err
	}
	if msg == "" {
		msg = "OK"
	}
	return msg, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
