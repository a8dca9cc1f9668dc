package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/medvall/campus/internal/api"
	"github.com/medvall/campus/internal/bus"
	"github.com/medvall/campus/internal/roster"
	"github.com/medvall/campus/internal/store"
	"github.com/medvall/campus/internal/sync"
	"go.uber.org/zap"
)

// ErrEmptyDraft is returned when a send is attempted with neither text nor
// attachment. It never reaches the network.
var ErrEmptyDraft = errors.New("outbox: draft has no text and no attachment")

// MessageSender is the network half of the pipeline.
type MessageSender interface {
	CreateMessage(ctx context.Context, addr roster.Address, content string, attachment *api.Attachment) (*api.CreatedMessage, error)
}

// Draft is a user-composed message before it enters the pipeline.
type Draft struct {
	Text       string
	Attachment *api.Attachment
}

// Pipeline turns drafts into optimistic log entries and reconciles the
// server-assigned identity back into the store. The optimistic entry is
// visible before the network call starts, so the composer can be cleared
// immediately.
type Pipeline struct {
	db     *store.DB
	engine *sync.Engine
	sender MessageSender
	bus    *bus.Bus
	logger *zap.Logger
	selfID int64
}

// NewPipeline creates a send pipeline for the signed-in user.
func NewPipeline(db *store.DB, engine *sync.Engine, sender MessageSender, b *bus.Bus, logger *zap.Logger, selfID int64) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{db: db, engine: engine, sender: sender, bus: b, logger: logger, selfID: selfID}
}

// Send validates the draft, appends a pending entry, performs the network
// create, and confirms the entry with the returned server identity. On a
// network failure the entry is marked failed and the local id is still
// returned so the caller can offer retry; the error is the network error.
func (p *Pipeline) Send(ctx context.Context, addr roster.Address, draft Draft) (string, error) {
	if draft.Text == "" && draft.Attachment == nil {
		return "", ErrEmptyDraft
	}
	if err := p.engine.Ensure(addr); err != nil {
		return "", fmt.Errorf("ensure conversation: %w", err)
	}

	localID := uuid.NewString()
	if err := p.db.InsertPending(&store.Message{
		ConvKey:  addr.Key(),
		LocalID:  localID,
		SenderID: p.selfID,
		Body:     draft.Text,
		SentAt:   time.Now().UnixMilli(),
	}); err != nil {
		return "", fmt.Errorf("insert optimistic entry: %w", err)
	}
	p.publish(bus.KindMessageUpserted, sync.MergeNotice{ConvKey: addr.Key()})

	created, err := p.sender.CreateMessage(ctx, addr, draft.Text, draft.Attachment)
	if err != nil {
		p.logger.Error("send failed", zap.String("conv", addr.Key()),
			zap.String("local_id", localID), zap.Error(err))
		if markErr := p.db.MarkMessageFailed(localID); markErr != nil {
			p.logger.Error("failed to flag entry", zap.String("local_id", localID), zap.Error(markErr))
		}
		p.publish(bus.KindMessageSendFailed, sync.FailedNotice{ConvKey: addr.Key(), LocalID: localID})
		return localID, fmt.Errorf("create message: %w", err)
	}

	// The response carries the exact identity of our entry, so this is a
	// direct promotion; the next poll's batch then skips the server id.
	sentAt := time.Now().UnixMilli()
	if created.SentAt != "" {
		if ts, err := (api.WireMessage{SentAt: created.SentAt}).Time(); err == nil {
			sentAt = ts.UnixMilli()
		}
	}
	if err := p.db.PromotePending(localID, created.ID, sentAt); err != nil {
		// A poll tick can merge the server's copy while the create is in
		// flight: the echo match promotes our row early, or an attachment
		// echo (whose image_url the pending row never carried) lands as a
		// separate confirmed entry. The message is delivered either way.
		resolved, resolveErr := p.reconcileRacedSend(addr, localID, created.ID)
		if resolveErr != nil || !resolved {
			return localID, fmt.Errorf("confirm entry: %w", err)
		}
	} else if created.ImageURL != "" {
		if err := p.db.SetMessageAttachment(localID, created.ImageURL); err != nil {
			return localID, fmt.Errorf("record attachment: %w", err)
		}
	}

	p.logger.Info("message sent", zap.String("conv", addr.Key()),
		zap.String("local_id", localID), zap.Int64("server_id", created.ID))
	p.publish(bus.KindMessageSendAck, sync.MergeNotice{ConvKey: addr.Key(), Promoted: 1})
	return localID, nil
}

// reconcileRacedSend handles a create response that arrives after a poll
// already merged the same message. When the conversation holds the server id,
// any leftover pending row is removed and the send counts as delivered.
func (p *Pipeline) reconcileRacedSend(addr roster.Address, localID string, serverID int64) (bool, error) {
	exists, err := p.db.HasServerMessage(addr.Key(), serverID)
	if err != nil || !exists {
		return false, err
	}
	m, err := p.db.GetMessageByLocalID(localID)
	if err != nil {
		return false, err
	}
	if m != nil && m.Status == store.StatusPending {
		if err := p.db.DeleteMessageByLocalID(localID); err != nil {
			return false, err
		}
		p.publish(bus.KindMessageUpserted, sync.MergeNotice{ConvKey: addr.Key()})
	}
	p.logger.Info("send confirmed by poll", zap.String("conv", addr.Key()),
		zap.String("local_id", localID), zap.Int64("server_id", serverID))
	return true, nil
}

// Retry re-runs the pipeline for a failed entry with the same draft. The
// failed attempt is removed first, so a successful retry leaves exactly one
// entry. Attachments are not cached locally; callers re-supply the file.
func (p *Pipeline) Retry(ctx context.Context, localID string, attachment *api.Attachment) (string, error) {
	m, err := p.db.GetMessageByLocalID(localID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", fmt.Errorf("retry %s: unknown entry", localID)
	}
	if m.Status != store.StatusFailed {
		return "", fmt.Errorf("retry %s: entry is %s, not failed", localID, m.Status)
	}

	addr, err := roster.ParseKey(m.ConvKey)
	if err != nil {
		return "", fmt.Errorf("retry %s: %w", localID, err)
	}
	if err := p.db.DeleteMessageByLocalID(localID); err != nil {
		return "", fmt.Errorf("remove failed entry: %w", err)
	}
	return p.Send(ctx, addr, Draft{Text: m.Body, Attachment: attachment})
}

// Discard removes a failed entry from the log.
func (p *Pipeline) Discard(localID string) error {
	m, err := p.db.GetMessageByLocalID(localID)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if m.Status != store.StatusFailed {
		return fmt.Errorf("discard %s: entry is %s, not failed", localID, m.Status)
	}
	if err := p.db.DeleteMessageByLocalID(localID); err != nil {
		return err
	}
	p.publish(bus.KindMessageUpserted, sync.MergeNotice{ConvKey: m.ConvKey})
	return nil
}

func (p *Pipeline) publish(kind string, payload any) {
	if p.bus != nil {
		p.bus.Publish(bus.Emit(kind, payload))
	}
}
