package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID decodes the numeric identifiers the campus API serializes sometimes as
// JSON numbers and sometimes as strings, depending on the endpoint.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("id %q: %w", s, err)
	}
	*id = ID(n)
	return nil
}

// User is a contact record from GET /users.
type User struct {
	ID        ID     `json:"id_user"`
	FirstName string `json:"prenom"`
	LastName  string `json:"nom"`
	Email     string `json:"email"`
	Domain    string `json:"domaine"`
	AvatarURL string `json:"avatar"`
}

// Group is a group record from GET /groupes/my-groups.
type Group struct {
	ID          ID     `json:"id_groupe"`
	Name        string `json:"nom"`
	Description string `json:"description"`
	MemberCount int    `json:"nombre_membres"`
}

// WireMessage is one entry of a conversation history batch.
type WireMessage struct {
	ID       ID     `json:"id_message"`
	SenderID ID     `json:"id_expediteur"`
	Content  string `json:"contenu"`
	ImageURL string `json:"image_url"`
	SentAt   string `json:"date_envoi"`
}

// Time parses the server timestamp. The API emits either RFC 3339 or the
// bare MySQL datetime form.
func (m WireMessage) Time() (time.Time, error) {
	return parseServerTime(m.SentAt)
}

// CreatedMessage is the record returned by POST /messages.
type CreatedMessage struct {
	ID       int64
	ImageURL string
	SentAt   string
}

// Notification is one entry of the notification feed.
type Notification struct {
	ID        ID     `json:"id_notification"`
	Type      string `json:"type"`
	Content   string `json:"contenu"`
	Link      string `json:"lien"`
	Read      int    `json:"est_lu"`
	CreatedAt string `json:"date_creation"`
}

// Time parses the notification creation timestamp.
func (n Notification) Time() (time.Time, error) {
	return parseServerTime(n.CreatedAt)
}

func parseServerTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	ts, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return ts, nil
}

// Error is an application-level failure reported by the API envelope.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %s (http %d)", e.Message, e.Status)
}
