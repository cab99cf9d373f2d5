package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"polymarket-bookwatch/internal/exchange"
	"polymarket-bookwatch/internal/market"
	"polymarket-bookwatch/pkg/types"
)

// State is the reconnect supervisor's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionState is the coarse connection status shown to readers.
type ConnectionState string

const (
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

// Connection maps a supervisor state to what readers see.
func (s State) Connection() ConnectionState {
	switch s {
	case StateLive:
		return Connected
	case StateConnecting:
		return Connecting
	default:
		return Disconnected
	}
}

// SnapshotFetcher fetches one outcome's REST book. Implemented by *exchange.Client.
type SnapshotFetcher interface {
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// Stream is an open stream session.
type Stream interface {
	Close()
}

// OpenFunc opens a stream session. It must return without invoking h; all
// callbacks are delivered later from another goroutine.
type OpenFunc func(gen uint64, watch []string, creds exchange.Credentials, h exchange.SessionHandler) (Stream, error)

// DialerOpener adapts an exchange.Dialer to an OpenFunc.
func DialerOpener(d *exchange.Dialer) OpenFunc {
	return func(gen uint64, watch []string, creds exchange.Credentials, h exchange.SessionHandler) (Stream, error) {
		s, err := d.Open(gen, watch, creds, h)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Listener is notified of everything the supervisor does. Calls are made
// without the supervisor's lock held. StateChanged carries the retry delay
// when entering Backoff. Reconnecting fires when a backoff timer starts a
// new attempt; manual reconnects do not count.
type Listener interface {
	Observer
	StateChanged(state State, backoff time.Duration)
	Reconnecting()
	BookChanged(tokenIDs []string)
	StaleDropped(callback string)
	SnapshotFailed(tokenID string, err error)
	UnknownEventType(eventType string)
}

type nopListener struct{ nopObserver }

func (nopListener) StateChanged(State, time.Duration) {}
func (nopListener) Reconnecting()                     {}
func (nopListener) BookChanged([]string)              {}
func (nopListener) StaleDropped(string)               {}
func (nopListener) SnapshotFailed(string, error)      {}
func (nopListener) UnknownEventType(string)           {}

// SupervisorConfig sets reconnect timing.
type SupervisorConfig struct {
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	CredentialPoll time.Duration
}

// SupervisorStatus is a point-in-time view of the supervisor.
type SupervisorStatus struct {
	State      State
	Connection ConnectionState
	Generation uint64
	RetryIn    time.Duration // pending backoff delay, zero outside Backoff
	Watch      []string
	StaleDrops uint64
	Reconnects uint64
}

// Supervisor keeps one stream session alive for a watch set and keeps the
// book consistent across reconnects.
//
//	Idle ──Start──▶ Connecting ──SessionOpened──▶ Live
//	                   │  ▲                         │
//	  snapshot/session │  │ timer                   │ session closed
//	           failure ▼  │                         ▼
//	                  Backoff ◀─────────────────────┘
//
// Every connect attempt, backoff and Stop bumps the generation. Callbacks
// carry the generation they were issued under and are dropped if it is no
// longer current, so nothing from an abandoned session or fetch can touch
// the book. While credentials are missing the supervisor stays Idle and
// polls the credential source.
type Supervisor struct {
	cfg    SupervisorConfig
	creds  exchange.CredentialSource
	fetch  SnapshotFetcher
	open   OpenFunc
	sched  Scheduler
	lsn    Listener
	logger *slog.Logger
	spawn  func(func())

	mu          sync.Mutex
	running     bool
	state       State
	gen         uint64
	watch       WatchSet
	book        *market.Book
	backoff     time.Duration // delay for the next failure
	retryIn     time.Duration // delay of the pending backoff timer
	timer       Timer
	session     Stream
	fetchCancel context.CancelFunc
	after       []func() // run in order once mu is released

	staleDrops atomic.Uint64
	reconnects atomic.Uint64
}

// NewSupervisor creates an idle supervisor. lsn may be nil.
func NewSupervisor(
	cfg SupervisorConfig,
	creds exchange.CredentialSource,
	fetch SnapshotFetcher,
	open OpenFunc,
	sched Scheduler,
	lsn Listener,
	logger *slog.Logger,
) *Supervisor {
	if lsn == nil {
		lsn = nopListener{}
	}
	return &Supervisor{
		cfg:     cfg,
		creds:   creds,
		fetch:   fetch,
		open:    open,
		sched:   sched,
		lsn:     lsn,
		logger:  logger.With("component", "supervisor"),
		spawn:   func(f func()) { go f() },
		backoff: cfg.BackoffFloor,
	}
}

// Start begins syncing book for watch, tearing down any previous watch set
// first. The book is only written by callbacks of the new generation.
func (s *Supervisor) Start(watch WatchSet, book *market.Book) {
	s.mu.Lock()
	s.running = true
	s.watch = watch
	s.book = book
	s.backoff = s.cfg.BackoffFloor
	s.connectLocked()
	s.unlock()
}

// Stop returns to Idle. The generation is bumped before the network is
// closed, timers are stopped and in-flight snapshot fetches are cancelled;
// no session is opened afterwards until the next Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running && s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.invalidateLocked()
	s.running = false
	s.setStateLocked(StateIdle)
	s.unlock()
}

// ReconnectNow resets the backoff to the floor and starts a fresh connect
// attempt immediately, abandoning the current session or timer.
func (s *Supervisor) ReconnectNow() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.backoff = s.cfg.BackoffFloor
	s.connectLocked()
	s.unlock()
}

// Status returns a copy of the supervisor's state.
func (s *Supervisor) Status() SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SupervisorStatus{
		State:      s.state,
		Connection: s.state.Connection(),
		Generation: s.gen,
		RetryIn:    s.retryInLocked(),
		Watch:      s.watch.IDs(),
		StaleDrops: s.staleDrops.Load(),
		Reconnects: s.reconnects.Load(),
	}
}

func (s *Supervisor) retryInLocked() time.Duration {
	if s.state != StateBackoff {
		return 0
	}
	return s.retryIn
}

// unlock releases mu and then runs the deferred notifications and spawns
// queued while it was held.
func (s *Supervisor) unlock() {
	after := s.after
	s.after = nil
	s.mu.Unlock()
	for _, f := range after {
		f()
	}
}

func (s *Supervisor) setStateLocked(st State) {
	if s.state == st && st != StateBackoff {
		return
	}
	s.state = st
	retryIn := s.retryInLocked()
	s.after = append(s.after, func() { s.lsn.StateChanged(st, retryIn) })
}

// invalidateLocked abandons the current attempt: every callback issued
// under the old generation becomes stale.
func (s *Supervisor) invalidateLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	if s.session != nil {
		sess := s.session
		s.session = nil
		sess.Close()
	}
}

func (s *Supervisor) connectLocked() {
	s.invalidateLocked()
	gen := s.gen

	creds, ok := s.creds.Credentials()
	if !ok {
		s.logger.Debug("waiting for credentials", "poll", s.cfg.CredentialPoll)
		s.setStateLocked(StateIdle)
		s.timer = s.sched.AfterFunc(s.cfg.CredentialPoll, func() { s.retry(gen) })
		return
	}

	s.setStateLocked(StateConnecting)
	ctx, cancel := context.WithCancel(context.Background())
	s.fetchCancel = cancel
	watch, book := s.watch, s.book
	s.after = append(s.after, func() {
		s.spawn(func() { s.bootstrap(ctx, gen, watch, book, creds) })
	})
}

// retry is the credential-poll and backoff timer callback.
func (s *Supervisor) retry(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.running {
		s.mu.Unlock()
		s.dropStale("timer")
		return
	}
	if s.state == StateBackoff {
		s.reconnects.Add(1)
		s.after = append(s.after, s.lsn.Reconnecting)
	}
	s.connectLocked()
	s.unlock()
}

// bootstrap fetches a snapshot for every watched outcome, installs them and
// opens the session, all under generation gen.
func (s *Supervisor) bootstrap(ctx context.Context, gen uint64, watch WatchSet, book *market.Book, creds exchange.Credentials) {
	muts := make([]market.Mutation, 0, watch.Len())
	for _, id := range watch.IDs() {
		m, err := s.snapshot(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				s.lsn.SnapshotFailed(id, err)
			}
			s.fail(gen, fmt.Errorf("snapshot %s: %w", id, err))
			return
		}
		muts = append(muts, m)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.dropStale("snapshot")
		return
	}
	book.Apply(muts...)
	s.after = append(s.after, func() { s.lsn.BookChanged(watch.IDs()) })

	sess, err := s.open(gen, watch.IDs(), creds, s)
	if err != nil {
		if errors.Is(err, exchange.ErrAuthUnavailable) {
			s.connectLocked()
		} else {
			s.enterBackoffLocked(fmt.Errorf("open session: %w", err))
		}
		s.unlock()
		return
	}
	s.session = sess
	s.fetchCancel()
	s.fetchCancel = nil
	s.unlock()
}

// snapshot fetches one book and converts it to a replace mutation. A body
// with unparseable levels counts as a failed fetch.
func (s *Supervisor) snapshot(ctx context.Context, tokenID string) (market.Mutation, error) {
	resp, err := s.fetch.GetOrderBook(ctx, tokenID)
	if err != nil {
		return market.Mutation{}, err
	}
	m, err := market.ReplaceMutation(tokenID, resp.Bids, resp.Asks, resp.Hash)
	if err != nil {
		return market.Mutation{}, &exchange.NetworkError{Op: "get book", Err: err}
	}
	return m, nil
}

func (s *Supervisor) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.dropStale("failure")
		return
	}
	s.enterBackoffLocked(err)
	s.unlock()
}

func (s *Supervisor) enterBackoffLocked(cause error) {
	s.invalidateLocked()
	gen := s.gen

	delay := s.backoff
	s.retryIn = delay
	s.logger.Warn("stream down, backing off", "error", cause, "delay", delay, "gen", gen)
	s.setStateLocked(StateBackoff)
	s.timer = s.sched.AfterFunc(delay, func() { s.retry(gen) })

	s.backoff *= 2
	if s.backoff > s.cfg.BackoffCeiling {
		s.backoff = s.cfg.BackoffCeiling
	}
}

func (s *Supervisor) dropStale(callback string) {
	s.staleDrops.Add(1)
	s.lsn.StaleDropped(callback)
}

// SessionOpened implements exchange.SessionHandler. The subscription has
// been written, which is all the acknowledgment the channel gives.
func (s *Supervisor) SessionOpened(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnecting {
		s.mu.Unlock()
		s.dropStale("opened")
		return
	}
	s.backoff = s.cfg.BackoffFloor
	s.setStateLocked(StateLive)
	s.logger.Info("stream live", "gen", gen, "assets", s.watch.Len())
	s.unlock()
}

// SessionMessage implements exchange.SessionHandler.
func (s *Supervisor) SessionMessage(gen uint64, data []byte) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.dropStale("message")
		return
	}
	watch := s.watch
	s.mu.Unlock()

	decoded, err := exchange.DecodeFrame(data)
	if err != nil {
		s.lsn.ProtocolError(err)
		return
	}
	for _, t := range decoded.Unknown {
		s.logger.Debug("unknown ws event type", "type", t)
		s.lsn.UnknownEventType(t)
	}
	for _, e := range decoded.Errors {
		s.lsn.ProtocolError(e)
	}

	var muts []market.Mutation
	for _, evt := range decoded.Events {
		muts = append(muts, Dispatch(watch, evt, s.lsn)...)
	}
	if len(muts) == 0 {
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.dropStale("message")
		return
	}
	s.book.Apply(muts...)
	s.mu.Unlock()

	s.lsn.BookChanged(touched(muts))
}

// SessionClosed implements exchange.SessionHandler.
func (s *Supervisor) SessionClosed(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.dropStale("closed")
		return
	}
	s.session = nil
	s.enterBackoffLocked(err)
	s.unlock()
}

func touched(muts []market.Mutation) []string {
	seen := make(map[string]struct{}, 2)
	var ids []string
	for _, m := range muts {
		if _, ok := seen[m.TokenID]; ok {
			continue
		}
		seen[m.TokenID] = struct{}{}
		ids = append(ids, m.TokenID)
	}
	return ids
}
