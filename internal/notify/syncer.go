package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/medvall/campus/internal/api"
	"github.com/medvall/campus/internal/bus"
	"github.com/medvall/campus/internal/store"
	"go.uber.org/zap"
)

// Notification kinds as the server reports them.
const (
	KindMessage       = "MESSAGE"
	KindFriendRequest = "FRIEND_REQUEST"
	KindApplication   = "APPLICATION"
	KindEvent         = "EVENT"
)

const unreadStateKey = "notify.unread_count"

// Feed is the network surface the syncer depends on.
type Feed interface {
	Notifications(ctx context.Context) ([]api.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkNotificationRead(ctx context.Context, id int64) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Syncer keeps the notification feed and its unread counter reconciled
// against the server on a slow fixed interval, independent of the
// conversation history poller. Mark-read actions flip locally first and
// revert if the network call fails.
type Syncer struct {
	db       *store.DB
	feed     Feed
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
}

// NewSyncer creates a notification syncer.
func NewSyncer(db *store.DB, feed Feed, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{db: db, feed: feed, bus: b, logger: logger, interval: interval}
}

// Start begins the poll loop: an immediate refresh, then one per interval.
func (s *Syncer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop cancels the loop.
func (s *Syncer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Syncer) loop(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("notification poll failed", zap.Error(err))
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("notification poll failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Refresh fetches the feed and the unread counter and merges both into the
// cache. Unparseable entries are dropped, never fatal.
func (s *Syncer) Refresh(ctx context.Context) error {
	items, err := s.feed.Notifications(ctx)
	if err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}
	count, err := s.feed.UnreadCount(ctx)
	if err != nil {
		return fmt.Errorf("fetch unread count: %w", err)
	}

	merged := make([]store.Notification, 0, len(items))
	dropped := 0
	for _, n := range items {
		if n.ID == 0 {
			dropped++
			continue
		}
		ts, err := n.Time()
		if err != nil {
			dropped++
			continue
		}
		merged = append(merged, store.Notification{
			ID:        int64(n.ID),
			Kind:      n.Type,
			Body:      n.Content,
			Link:      n.Link,
			IsRead:    n.Read != 0,
			CreatedAt: ts.UnixMilli(),
		})
	}
	if dropped > 0 {
		s.logger.Warn("dropped malformed notifications", zap.Int("dropped", dropped))
	}

	if err := s.db.MergeNotifications(merged); err != nil {
		return fmt.Errorf("merge notifications: %w", err)
	}
	if err := s.setUnread(count); err != nil {
		return err
	}
	s.publish(bus.KindNotifyUpdated, len(merged))
	return nil
}

// Unread returns the cached unread counter.
func (s *Syncer) Unread() (int, error) {
	v, err := s.db.GetState(unreadStateKey)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.Atoi(v)
}

// MarkRead flips one notification to read locally, then tells the server.
// A network failure reverts the flip.
func (s *Syncer) MarkRead(ctx context.Context, id int64) error {
	if err := s.db.SetNotificationRead(id, true); err != nil {
		return err
	}
	count, _ := s.Unread()
	if count > 0 {
		count--
	}
	if err := s.setUnread(count); err != nil {
		return err
	}
	s.publish(bus.KindNotifyUpdated, 1)

	if err := s.feed.MarkNotificationRead(ctx, id); err != nil {
		if revertErr := s.db.SetNotificationRead(id, false); revertErr != nil {
			s.logger.Error("failed to revert read flag", zap.Int64("id", id), zap.Error(revertErr))
		}
		if revertErr := s.setUnread(count + 1); revertErr != nil {
			s.logger.Error("failed to revert unread count", zap.Error(revertErr))
		}
		s.publish(bus.KindNotifyUpdated, 1)
		return fmt.Errorf("mark read %d: %w", id, err)
	}
	return nil
}

// MarkAllRead flips every unread notification locally, then tells the
// server once. A network failure reverts exactly the flipped set.
func (s *Syncer) MarkAllRead(ctx context.Context) error {
	ids, err := s.db.UnreadNotificationIDs()
	if err != nil {
		return err
	}
	prevCount, _ := s.Unread()
	for _, id := range ids {
		if err := s.db.SetNotificationRead(id, true); err != nil {
			return err
		}
	}
	if err := s.setUnread(0); err != nil {
		return err
	}
	s.publish(bus.KindNotifyUpdated, len(ids))

	if err := s.feed.MarkAllNotificationsRead(ctx); err != nil {
		for _, id := range ids {
			if revertErr := s.db.SetNotificationRead(id, false); revertErr != nil {
				s.logger.Error("failed to revert read flag", zap.Int64("id", id), zap.Error(revertErr))
			}
		}
		if revertErr := s.setUnread(prevCount); revertErr != nil {
			s.logger.Error("failed to revert unread count", zap.Error(revertErr))
		}
		s.publish(bus.KindNotifyUpdated, len(ids))
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

func (s *Syncer) setUnread(count int) error {
	if err := s.db.SetState(unreadStateKey, strconv.Itoa(count)); err != nil {
		return fmt.Errorf("store unread count: %w", err)
	}
	s.publish(bus.KindNotifyUnread, count)
	return nil
}

func (s *Syncer) publish(kind string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.Emit(kind, payload))
	}
}
