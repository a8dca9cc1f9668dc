package sync

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/medvall/campus/internal/api"
	"github.com/medvall/campus/internal/bus"
	"github.com/medvall/campus/internal/roster"
	"github.com/medvall/campus/internal/store"
	"go.uber.org/zap"
)

// FailedPendingCycles is how many poll cycles an optimistic entry may go
// without a server echo before it is flagged failed.
const FailedPendingCycles = 2

// Engine merges server history batches into the local cache. All the
// duplicate-suppression rules live here: promote a matching optimistic
// entry, skip already-cached server ids, insert the rest.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	selfID int64
	window time.Duration
}

// MergeResult reports what one batch application did.
type MergeResult struct {
	Inserted int
	Promoted int
	Skipped  int
	Dropped  int
	Failed   []store.Message
}

// MergeNotice is the payload of message.upserted events.
type MergeNotice struct {
	ConvKey  string
	Inserted int
	Promoted int
}

// FailedNotice is the payload of message.send_failed events.
type FailedNotice struct {
	ConvKey string
	LocalID string
}

// NewEngine creates a merge engine. selfID is the signed-in user's id (used
// to recognize self-authored server messages); window bounds the optimistic
// dedup match and should equal the history poll interval.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger, selfID int64, window time.Duration) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, bus: b, logger: logger, selfID: selfID, window: window}
}

// Ensure creates the conversation log for addr if it does not exist yet.
func (e *Engine) Ensure(addr roster.Address) error {
	return e.db.EnsureConversation(addr.Key(), string(addr.Kind), addr.ID)
}

// MergeBatch reconciles a server batch into the log for addr. advance marks
// poll-driven merges: only those age unmatched optimistic entries toward
// failed. Re-applying the same batch is a no-op; a malformed entry is
// dropped and counted, never fatal to the rest of the batch.
func (e *Engine) MergeBatch(addr roster.Address, batch []api.WireMessage, advance bool) (*MergeResult, error) {
	key := addr.Key()
	if err := e.Ensure(addr); err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}

	res := &MergeResult{}
	var promoted []string
	var lastAt int64
	var lastPreview string

	for _, wm := range batch {
		sentAt, ok := e.validate(key, wm)
		if !ok {
			res.Dropped++
			continue
		}

		fromMe := int64(wm.SenderID) == e.selfID
		if fromMe {
			echo, err := e.db.FindPendingEcho(key, wm.Content, wm.ImageURL, sentAt, e.window.Milliseconds())
			if err != nil {
				return nil, fmt.Errorf("find echo: %w", err)
			}
			if echo != nil {
				if err := e.db.PromotePending(echo.LocalID, int64(wm.ID), sentAt); err != nil {
					return nil, fmt.Errorf("promote %s: %w", echo.LocalID, err)
				}
				promoted = append(promoted, echo.LocalID)
				res.Promoted++
				continue
			}
		}

		exists, err := e.db.HasServerMessage(key, int64(wm.ID))
		if err != nil {
			return nil, fmt.Errorf("lookup server id: %w", err)
		}
		if exists {
			res.Skipped++
			continue
		}

		if err := e.db.InsertConfirmed(&store.Message{
			ConvKey:       key,
			LocalID:       uuid.NewString(),
			ServerID:      int64(wm.ID),
			SenderID:      int64(wm.SenderID),
			FromMe:        fromMe,
			Body:          wm.Content,
			AttachmentURL: wm.ImageURL,
			SentAt:        sentAt,
		}); err != nil {
			return nil, fmt.Errorf("insert message %d: %w", wm.ID, err)
		}
		res.Inserted++
		if sentAt >= lastAt {
			lastAt = sentAt
			lastPreview = truncate(wm.Content, 100)
		}
	}

	if advance {
		failed, err := e.db.AgePending(key, promoted, FailedPendingCycles)
		if err != nil {
			return nil, fmt.Errorf("age pending: %w", err)
		}
		res.Failed = failed
		for _, m := range failed {
			e.logger.Warn("optimistic entry never echoed, marked failed",
				zap.String("conv", key), zap.String("local_id", m.LocalID))
			e.publish(bus.KindMessageSendFailed, FailedNotice{ConvKey: key, LocalID: m.LocalID})
		}
	}

	if res.Dropped > 0 {
		e.logger.Warn("dropped malformed batch entries",
			zap.String("conv", key), zap.Int("dropped", res.Dropped))
	}
	if lastAt > 0 {
		if err := e.db.TouchConversation(key, lastAt, lastPreview); err != nil {
			return nil, fmt.Errorf("touch conversation: %w", err)
		}
	}
	if res.Inserted > 0 || res.Promoted > 0 {
		e.publish(bus.KindMessageUpserted, MergeNotice{ConvKey: key, Inserted: res.Inserted, Promoted: res.Promoted})
	}
	return res, nil
}

func (e *Engine) validate(key string, wm api.WireMessage) (int64, bool) {
	if wm.ID == 0 {
		e.logger.Debug("batch entry without id", zap.String("conv", key))
		return 0, false
	}
	if wm.Content == "" && wm.ImageURL == "" {
		e.logger.Debug("batch entry with no content", zap.String("conv", key), zap.Int64("server_id", int64(wm.ID)))
		return 0, false
	}
	ts, err := wm.Time()
	if err != nil {
		e.logger.Debug("batch entry with bad timestamp", zap.String("conv", key), zap.Error(err))
		return 0, false
	}
	return ts.UnixMilli(), true
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus != nil {
		e.bus.Publish(bus.Emit(kind, payload))
	}
}

// truncate shortens s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
