package roster

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the two conversation shapes.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Address identifies a conversation independently of its kind. It is the
// cache key for the store and the pollers: two addresses are the same
// conversation iff Kind and ID both match.
type Address struct {
	Kind Kind
	ID   int64
}

// Key returns the stable string form used to key store rows, e.g. "direct:42".
func (a Address) Key() string {
	return fmt.Sprintf("%s:%d", a.Kind, a.ID)
}

func (a Address) String() string { return a.Key() }

// ParseKey reverses Key. It accepts only the two known kinds.
func ParseKey(key string) (Address, error) {
	kindStr, idStr, ok := strings.Cut(key, ":")
	if !ok {
		return Address{}, fmt.Errorf("malformed conversation key %q", key)
	}
	kind := Kind(kindStr)
	if kind != KindDirect && kind != KindGroup {
		return Address{}, fmt.Errorf("unknown conversation kind %q", kindStr)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return Address{}, fmt.Errorf("malformed conversation key %q: %w", key, err)
	}
	return Address{Kind: kind, ID: id}, nil
}

// IsGroup reports whether the address names a group conversation.
func (a Address) IsGroup() bool { return a.Kind == KindGroup }

// Entry is a row in the roster sidebar: a contact or a group.
type Entry interface {
	Address() Address
	DisplayName() string
}

// Contact is another user the signed-in user can message.
type Contact struct {
	ID        int64
	FirstName string
	LastName  string
	Email     string
	Domain    string
	AvatarURL string
}

func (c Contact) Address() Address { return Address{Kind: KindDirect, ID: c.ID} }

// DisplayName joins first and last name, falling back to the email address.
func (c Contact) DisplayName() string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		return c.Email
	}
	return name
}

// Group is a group conversation the signed-in user belongs to.
type Group struct {
	ID          int64
	Name        string
	MemberCount int
}

func (g Group) Address() Address { return Address{Kind: KindGroup, ID: g.ID} }

func (g Group) DisplayName() string { return g.Name }
