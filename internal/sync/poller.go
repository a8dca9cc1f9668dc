package sync

import (
	"context"
	"sync"
	"time"

	"github.com/medvall/campus/internal/api"
	"github.com/medvall/campus/internal/roster"
	"go.uber.org/zap"
)

// HistoryFetcher fetches one conversation's history from the server.
type HistoryFetcher interface {
	History(ctx context.Context, addr roster.Address) ([]api.WireMessage, error)
}

// Poller drives the history loop for the active conversation: an immediate
// fetch on selection, then one per interval. Exactly one conversation is
// polled at a time; selecting a new address cancels the old loop first, and
// a fetch already in flight for the old address has its result discarded by
// a generation check at merge time.
type Poller struct {
	fetch    HistoryFetcher
	engine   *Engine
	logger   *zap.Logger
	interval time.Duration

	mu     sync.Mutex
	gen    uint64
	active *roster.Address
	cancel context.CancelFunc
}

// NewPoller creates a poller in the idle state.
func NewPoller(fetch HistoryFetcher, engine *Engine, logger *zap.Logger, interval time.Duration) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{fetch: fetch, engine: engine, logger: logger, interval: interval}
}

// Select makes addr the active conversation and starts its poll loop.
// Reselecting the address already active is a no-op.
func (p *Poller) Select(ctx context.Context, addr roster.Address) {
	p.mu.Lock()
	if p.active != nil && *p.active == addr {
		p.mu.Unlock()
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.gen++
	gen := p.gen
	a := addr
	p.active = &a
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.logger.Info("conversation selected", zap.String("conv", addr.Key()))
	go p.loop(loopCtx, gen, addr)
}

// Active returns the currently selected address, or false when idle.
func (p *Poller) Active() (roster.Address, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return roster.Address{}, false
	}
	return *p.active, true
}

// Stop cancels the active loop and returns the poller to idle. In-flight
// fetch results are discarded when they arrive.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.active = nil
	p.gen++
}

func (p *Poller) loop(ctx context.Context, gen uint64, addr roster.Address) {
	p.tick(ctx, gen, addr)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.tick(ctx, gen, addr)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) tick(ctx context.Context, gen uint64, addr roster.Address) {
	batch, err := p.fetch.History(ctx, addr)
	if err != nil {
		// Transient network noise: the next tick simply tries again, and the
		// existing log keeps rendering.
		if ctx.Err() == nil {
			p.logger.Warn("history poll failed", zap.String("conv", addr.Key()), zap.Error(err))
		}
		return
	}
	if !p.current(gen) {
		p.logger.Debug("discarding stale poll result", zap.String("conv", addr.Key()))
		return
	}
	if _, err := p.engine.MergeBatch(addr, batch, true); err != nil {
		p.logger.Error("merge failed", zap.String("conv", addr.Key()), zap.Error(err))
	}
}

func (p *Poller) current(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen == gen
}
