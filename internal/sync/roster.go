package sync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/medvall/campus/internal/api"
	"github.com/medvall/campus/internal/bus"
	"github.com/medvall/campus/internal/roster"
	"github.com/medvall/campus/internal/store"
)

// RosterFetcher is the slice of the API client the roster sync needs.
type RosterFetcher interface {
	ListUsers(ctx context.Context) ([]api.User, error)
	MyGroups(ctx context.Context) ([]api.Group, error)
}

// RosterSync keeps the local conversation directory aligned with the server's
// user and group lists. The latest fetch is cached in memory so callers can
// filter without another round trip.
type RosterSync struct {
	db     *store.DB
	fetch  RosterFetcher
	bus    *bus.Bus
	logger *zap.Logger
	selfID int64

	mu       sync.RWMutex
	contacts []roster.Contact
	groups   []roster.Group
}

func NewRosterSync(db *store.DB, fetch RosterFetcher, b *bus.Bus, logger *zap.Logger, selfID int64) *RosterSync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RosterSync{db: db, fetch: fetch, bus: b, logger: logger, selfID: selfID}
}

// Refresh fetches users and groups, replaces the cached directory, and
// publishes a roster.updated event. Last-message fields on existing
// conversations survive the replace.
func (r *RosterSync) Refresh(ctx context.Context) error {
	users, err := r.fetch.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	groups, err := r.fetch.MyGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	contacts := make([]roster.Contact, 0, len(users))
	convs := make([]store.Conversation, 0, len(users)+len(groups))
	for _, u := range users {
		c := roster.Contact{
			ID:        int64(u.ID),
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Email:     u.Email,
			Domain:    u.Domain,
			AvatarURL: u.AvatarURL,
		}
		contacts = append(contacts, c)
		convs = append(convs, store.Conversation{
			Key:         c.Address().Key(),
			Kind:        string(roster.KindDirect),
			RemoteID:    c.ID,
			DisplayName: c.DisplayName(),
			Email:       c.Email,
			Domain:      c.Domain,
			AvatarURL:   c.AvatarURL,
		})
	}

	rg := make([]roster.Group, 0, len(groups))
	for _, g := range groups {
		grp := roster.Group{ID: int64(g.ID), Name: g.Name, MemberCount: g.MemberCount}
		rg = append(rg, grp)
		convs = append(convs, store.Conversation{
			Key:         grp.Address().Key(),
			Kind:        string(roster.KindGroup),
			RemoteID:    grp.ID,
			DisplayName: grp.Name,
			MemberCount: grp.MemberCount,
		})
	}

	if err := r.db.ReplaceRoster(convs); err != nil {
		return fmt.Errorf("replace roster: %w", err)
	}

	r.mu.Lock()
	r.contacts = contacts
	r.groups = rg
	r.mu.Unlock()

	r.logger.Info("roster refreshed",
		zap.Int("contacts", len(contacts)),
		zap.Int("groups", len(rg)))
	if r.bus != nil {
		r.bus.Publish(bus.Emit(bus.KindRosterUpdated, RosterNotice{Contacts: len(contacts), Groups: len(rg)}))
	}
	return nil
}

// Entries returns the cached directory filtered by search query and domain,
// with the client's own user excluded.
func (r *RosterSync) Entries(query, domain string) []roster.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return roster.Filter(r.contacts, r.groups, query, domain, r.selfID)
}

// Contact looks up a cached contact by user id.
func (r *RosterSync) Contact(id int64) (roster.Contact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.contacts {
		if c.ID == id {
			return c, true
		}
	}
	return roster.Contact{}, false
}

// RosterNotice is the payload for roster.updated events.
type RosterNotice struct {
	Contacts int
	Groups   int
}
