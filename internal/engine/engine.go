// Package engine is the central orchestrator of the book watcher.
//
// It wires together all subsystems:
//
//  1. The Gamma metadata client resolves a market slug to its outcome tokens.
//  2. A fresh market.Book is created per watched market.
//  3. The Supervisor fetches REST snapshots, opens the market channel and
//     keeps the book consistent across reconnects.
//  4. Listener callbacks feed metrics, the dashboard event stream and the
//     optional Redis top-of-book mirror.
//
// Lifecycle: New() → Start() → Watch()/Unwatch()/Reconnect() → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-bookwatch/internal/api"
	"polymarket-bookwatch/internal/config"
	"polymarket-bookwatch/internal/exchange"
	"polymarket-bookwatch/internal/market"
	"polymarket-bookwatch/internal/metrics"
	"polymarket-bookwatch/internal/publish"
	"polymarket-bookwatch/internal/store"
	"polymarket-bookwatch/pkg/types"
)

// MetadataSource resolves a market slug. Implemented by *market.MetadataClient.
type MetadataSource interface {
	MarketBySlug(ctx context.Context, slug string) (types.MarketInfo, error)
}

// Publisher mirrors top-of-book updates. Implemented by *publish.RedisWriter.
type Publisher interface {
	Publish(t publish.Top)
	Forget(tokenIDs ...string)
	Run(ctx context.Context)
}

// WatchStore persists the watched slug. Implemented by *store.Store.
type WatchStore interface {
	SaveWatch(slug string) error
	LoadWatch() (*store.WatchState, error)
}

var (
	_ api.Provider = (*Engine)(nil)
	_ Listener     = (*Engine)(nil)
)

// Engine owns the watched market, its book and the supervisor that feeds it.
type Engine struct {
	cfg     config.Config
	client  *exchange.Client // nil in tests
	meta    MetadataSource
	sup     *Supervisor
	metrics *metrics.Metrics
	pub     Publisher  // nil when Redis is disabled
	store   WatchStore // nil when persistence is disabled
	closers []func() error
	logger  *slog.Logger

	// watchMu serializes Watch and Unwatch so the supervisor and the
	// current book always change together.
	watchMu sync.Mutex

	mu   sync.RWMutex
	info *types.MarketInfo // nil when nothing is watched
	book *market.Book      // nil when nothing is watched or resolved

	// dashboardEvents is an optional channel for sending events to the dashboard.
	// Nil if dashboard is disabled.
	dashboardEvents chan api.DashboardEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// deps are the collaborators New builds from config; tests supply fakes.
type deps struct {
	client *exchange.Client
	creds  exchange.CredentialSource
	fetch  SnapshotFetcher
	open   OpenFunc
	sched  Scheduler
	meta   MetadataSource
	pub    Publisher
	store  WatchStore
}

// New creates and wires all engine components. If Redis is enabled it must
// answer PING before New returns.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, err
	}
	client := exchange.NewClient(cfg, auth, logger)
	m := metrics.New()

	d := deps{
		client: client,
		creds:  auth,
		fetch:  client,
		open:   DialerOpener(exchange.NewDialer(cfg, logger)),
		sched:  RealScheduler{},
		meta:   market.NewMetadataClient(cfg, logger),
	}

	if cfg.Watch.StateDir != "" {
		st, err := store.Open(cfg.Watch.StateDir)
		if err != nil {
			return nil, err
		}
		d.store = st
	}

	var closers []func() error
	if cfg.Redis.Enabled {
		rc, closeFn, err := publish.NewRedisClient(context.Background(), cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		d.pub = publish.NewRedisWriter(rc, m.Published.Inc, logger)
		closers = append(closers, closeFn)
	}

	e := wire(cfg, d, m, logger)
	e.closers = closers
	return e, nil
}

func wire(cfg config.Config, d deps, m *metrics.Metrics, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	var dashEvents chan api.DashboardEvent
	if cfg.Dashboard.Enabled {
		dashEvents = make(chan api.DashboardEvent, 256)
	}

	e := &Engine{
		cfg:             cfg,
		client:          d.client,
		meta:            d.meta,
		metrics:         m,
		pub:             d.pub,
		store:           d.store,
		logger:          logger.With("component", "engine"),
		dashboardEvents: dashEvents,
		ctx:             ctx,
		cancel:          cancel,
	}
	e.sup = NewSupervisor(
		SupervisorConfig{
			BackoffFloor:   cfg.Stream.BackoffFloor,
			BackoffCeiling: cfg.Stream.BackoffCeiling,
			CredentialPoll: cfg.Stream.CredentialPoll,
		},
		d.creds, d.fetch, d.open, d.sched, e, logger,
	)
	return e
}

// Start launches background work (credential derivation, the Redis flusher)
// and watches the configured market. Without one it resumes the last
// persisted watch, if any.
func (e *Engine) Start() error {
	if e.client != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.client.EnsureCredentials(e.ctx)
		}()
	}

	if e.pub != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pub.Run(e.ctx)
		}()
	}

	slug, resumed := e.startSlug()
	if slug == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()
	if err := e.Watch(ctx, slug); err != nil {
		if resumed {
			// A stale resume must not keep the process from starting.
			e.logger.Warn("failed to resume watch", "slug", slug, "error", err)
			return nil
		}
		return fmt.Errorf("watch %s: %w", slug, err)
	}
	return nil
}

// startSlug picks the configured market, falling back to the persisted one.
func (e *Engine) startSlug() (slug string, resumed bool) {
	if e.cfg.Watch.MarketSlug != "" || e.store == nil {
		return e.cfg.Watch.MarketSlug, false
	}
	st, err := e.store.LoadWatch()
	if err != nil {
		e.logger.Warn("failed to load watch state", "error", err)
		return "", false
	}
	if st == nil || st.Slug == "" {
		return "", false
	}
	e.logger.Info("resuming watch", "slug", st.Slug, "since", st.UpdatedAt)
	return st.Slug, true
}

// saveWatch records the current selection; failures only cost the resume.
func (e *Engine) saveWatch(slug string) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveWatch(slug); err != nil {
		e.logger.Warn("failed to save watch state", "slug", slug, "error", err)
	}
}

// Stop tears down the stream, waits for background goroutines and closes
// resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.sup.Stop()
	e.cancel()
	e.wg.Wait()

	for _, c := range e.closers {
		if err := c(); err != nil {
			e.logger.Warn("close failed", "error", err)
		}
	}
	e.logger.Info("shutdown complete")
}

// Watch switches to the market with the given slug. The previous watch set
// is torn down first and a new empty book reports loading until every
// outcome has its first snapshot. Closed or paused markets are recorded as
// resolved and no stream is started.
func (e *Engine) Watch(ctx context.Context, slug string) error {
	info, err := e.meta.MarketBySlug(ctx, slug)
	if err != nil {
		return err
	}

	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	e.mu.Lock()
	prev := e.info
	e.info = &info
	e.book = nil
	if info.Tradable() {
		e.book = market.NewBook(info.Outcomes)
	}
	book := e.book
	e.mu.Unlock()

	if prev != nil && e.pub != nil {
		e.pub.Forget(prev.TokenIDs()...)
	}

	if book == nil {
		e.sup.Stop()
		e.logger.Info("market resolved, not streaming", "slug", slug, "closed", info.Closed)
	} else {
		e.sup.Start(NewWatchSet(info.TokenIDs()), book)
		e.logger.Info("watching market",
			"slug", slug,
			"outcomes", len(info.Outcomes),
			"rewards", info.RewardsEnabled,
			"max_spread", info.RewardsMaxSpread,
		)
	}

	e.saveWatch(info.Slug)
	e.emitDashboardEvent(api.DashboardEvent{
		Type:      api.EventWatch,
		Timestamp: time.Now(),
		Data: api.WatchEvent{
			Slug:     info.Slug,
			Resolved: book == nil,
			Outcomes: outcomeSummaries(info.Outcomes),
		},
	})
	return nil
}

// Unwatch stops streaming and forgets the current market.
func (e *Engine) Unwatch() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	e.sup.Stop()

	e.mu.Lock()
	prev := e.info
	e.info = nil
	e.book = nil
	e.mu.Unlock()

	if prev == nil {
		return
	}
	e.saveWatch("")
	if e.pub != nil {
		e.pub.Forget(prev.TokenIDs()...)
	}
	e.logger.Info("unwatched market", "slug", prev.Slug)
	e.emitDashboardEvent(api.DashboardEvent{
		Type:      api.EventWatch,
		Timestamp: time.Now(),
		Data:      api.WatchEvent{},
	})
}

// Reconnect abandons the current session and connects again immediately
// with the backoff reset to its floor.
func (e *Engine) Reconnect() {
	e.logger.Info("manual reconnect requested")
	e.sup.ReconnectNow()
}

// Book returns the current book, or nil.
func (e *Engine) Book() *market.Book {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Status implements api.Provider.
func (e *Engine) Status() api.StatusSnapshot {
	st := e.sup.Status()

	e.mu.RLock()
	info, book := e.info, e.book
	e.mu.RUnlock()

	snap := api.StatusSnapshot{
		Timestamp:  time.Now(),
		State:      st.State.String(),
		Connection: string(st.Connection),
		Generation: st.Generation,
		RetryInMs:  st.RetryIn.Milliseconds(),
		StaleDrops: st.StaleDrops,
		Reconnects: st.Reconnects,
		Config:     api.NewConfigSummary(e.cfg),
	}
	if info != nil {
		snap.Market = marketSummary(*info)
		snap.Resolved = book == nil
	}
	if book != nil {
		snap.Loading = !book.Ready()
		snap.LastUpdated = book.LastUpdated()
		snap.Stale = st.Connection != Connected || book.IsStale(e.cfg.Stream.StaleAfter)
	}
	return snap
}

// Depth implements api.Provider: cumulative depth and reward flags for
// every outcome, in venue order.
func (e *Engine) Depth() (api.DepthSnapshot, error) {
	e.mu.RLock()
	info, book := e.info, e.book
	e.mu.RUnlock()

	if info == nil {
		return api.DepthSnapshot{}, api.ErrNotWatching
	}

	out := api.DepthSnapshot{
		Timestamp:  time.Now(),
		Slug:       info.Slug,
		Connection: string(e.sup.Status().Connection),
		Outcomes:   make([]api.OutcomeDepth, 0, len(info.Outcomes)),
	}
	if book == nil {
		out.Connection = string(Disconnected)
		return out, nil
	}
	out.Loading = !book.Ready()

	rp := rewardParams(*info)
	for _, o := range info.Outcomes {
		ob, ok := book.Snapshot(o.TokenID)
		if !ok {
			continue
		}
		d := market.ComputeDepth(ob, rp)
		out.Outcomes = append(out.Outcomes, api.OutcomeDepth{
			Name:          o.Name,
			TokenID:       o.TokenID,
			BestBid:       d.BestBid,
			BestAsk:       d.BestAsk,
			Spread:        d.Spread,
			SpreadPercent: d.SpreadPercent,
			Midpoint:      d.Midpoint,
			Hash:          ob.Hash,
			HashTrusted:   d.HashTrusted,
			Bids:          depthRows(d.Bids),
			Asks:          depthRows(d.Asks),
			UpdatedAt:     ob.UpdatedAt,
		})
	}
	return out, nil
}

// DashboardEvents returns the dashboard event channel (may be nil).
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent {
	return e.dashboardEvents
}

// emitDashboardEvent sends an event to the dashboard (non-blocking).
func (e *Engine) emitDashboardEvent(evt api.DashboardEvent) {
	if e.dashboardEvents == nil {
		return
	}

	select {
	case e.dashboardEvents <- evt:
	default:
		// Dashboard can't keep up, drop event
	}
}

// ------------------------------------------------------------------------
// Listener
// ------------------------------------------------------------------------

// StateChanged implements Listener.
func (e *Engine) StateChanged(state State, backoff time.Duration) {
	e.metrics.State.Set(float64(state))
	if state == StateBackoff {
		e.metrics.BackoffSeconds.Set(backoff.Seconds())
		e.logger.Info("stream state", "state", state, "retry_in", backoff)
	} else {
		e.metrics.BackoffSeconds.Set(0)
		e.logger.Info("stream state", "state", state)
	}

	if state != StateBackoff {
		backoff = 0
	}
	e.emitDashboardEvent(api.NewStateEvent(state.String(), string(state.Connection()), backoff))
}

// Reconnecting implements Listener.
func (e *Engine) Reconnecting() {
	e.metrics.Reconnects.Inc()
}

// BookChanged implements Listener.
func (e *Engine) BookChanged(tokenIDs []string) {
	e.mu.RLock()
	info, book := e.info, e.book
	e.mu.RUnlock()
	if book == nil {
		return
	}

	for _, id := range tokenIDs {
		top, ok := book.Top(id)
		if !ok {
			// Applied to a book that has since been replaced.
			continue
		}
		e.metrics.BookUpdates.WithLabelValues(id).Inc()

		if e.pub != nil {
			e.pub.Publish(publish.Top{
				TokenID: id,
				Bid:     top.BestBid,
				Ask:     top.BestAsk,
				Mid:     top.Midpoint,
				At:      top.UpdatedAt,
			})
		}
		e.emitDashboardEvent(api.NewBookUpdateEvent(
			id, outcomeName(info, id), top.BestBid, top.BestAsk, top.Midpoint, top.Spread, top.UpdatedAt,
		))
	}
}

// StaleDropped implements Listener.
func (e *Engine) StaleDropped(callback string) {
	e.metrics.StaleDrops.WithLabelValues(callback).Inc()
}

// SnapshotFailed implements Listener.
func (e *Engine) SnapshotFailed(tokenID string, err error) {
	e.metrics.SnapshotFailures.Inc()
	e.logger.Warn("snapshot failed", "token", tokenID, "error", err)
}

// UnknownEventType implements Listener.
func (e *Engine) UnknownEventType(eventType string) {
	e.metrics.UnknownEvents.WithLabelValues(eventType).Inc()
}

// UnknownAsset implements Observer.
func (e *Engine) UnknownAsset(eventType, assetID string) {
	e.metrics.UnknownAssets.Inc()
	e.logger.Debug("event for unwatched asset", "type", eventType, "asset", assetID)
}

// ProtocolError implements Observer.
func (e *Engine) ProtocolError(err error) {
	e.metrics.ProtocolErrors.Inc()
	e.logger.Warn("protocol error", "error", err)
}

// LastTrade implements Observer.
func (e *Engine) LastTrade(evt types.WSLastTradeEvent) {
	e.metrics.LastTrades.Inc()
	e.emitDashboardEvent(api.DashboardEvent{
		Type:      api.EventTrade,
		Timestamp: time.Now(),
		TokenID:   evt.AssetID,
		Data:      api.TradeEvent{Price: evt.Price, Size: evt.Size, Side: string(evt.Side)},
	})
}

// TickSizeChange implements Observer. The watched market's tick size is
// updated in place.
func (e *Engine) TickSizeChange(evt types.WSTickSizeChangeEvent) {
	e.mu.Lock()
	if e.info != nil && evt.NewTickSize != "" {
		info := *e.info
		info.TickSize = types.TickSize(evt.NewTickSize)
		e.info = &info
	}
	e.mu.Unlock()

	e.logger.Info("tick size changed", "token", evt.AssetID, "old", evt.OldTickSize, "new", evt.NewTickSize)
	e.emitDashboardEvent(api.DashboardEvent{
		Type:      api.EventTickSize,
		Timestamp: time.Now(),
		TokenID:   evt.AssetID,
		Data:      api.TickSizeEvent{Old: evt.OldTickSize, New: evt.NewTickSize},
	})
}

// ------------------------------------------------------------------------
// Conversions
// ------------------------------------------------------------------------

func rewardParams(info types.MarketInfo) market.RewardParams {
	return market.RewardParams{
		Enabled:   info.RewardsEnabled,
		MaxSpread: decimal.NewFromFloat(info.RewardsMaxSpread),
	}
}

func depthRows(rows []market.DepthRow) []api.DepthRow {
	out := make([]api.DepthRow, len(rows))
	for i, r := range rows {
		out[i] = api.DepthRow{
			Price:          r.Price,
			Size:           r.Size,
			CumSize:        r.CumSize,
			CumNotional:    r.CumNotional,
			RewardEligible: r.RewardEligible,
		}
	}
	return out
}

func outcomeSummaries(outcomes []types.Outcome) []api.OutcomeSummary {
	out := make([]api.OutcomeSummary, len(outcomes))
	for i, o := range outcomes {
		out[i] = api.OutcomeSummary{Name: o.Name, TokenID: o.TokenID}
	}
	return out
}

func marketSummary(info types.MarketInfo) *api.MarketSummary {
	return &api.MarketSummary{
		Slug:             info.Slug,
		Question:         info.Question,
		ConditionID:      info.ConditionID,
		Outcomes:         outcomeSummaries(info.Outcomes),
		TickSize:         string(info.TickSize),
		PriceDecimals:    info.TickSize.Decimals(),
		EndDate:          info.EndDate,
		RewardsEnabled:   info.RewardsEnabled,
		RewardsMaxSpread: info.RewardsMaxSpread,
		RewardsMinSize:   info.RewardsMinSize,
	}
}

func outcomeName(info *types.MarketInfo, tokenID string) string {
	if info == nil {
		return ""
	}
	for _, o := range info.Outcomes {
		if o.TokenID == tokenID {
			return o.Name
		}
	}
	return ""
}
