package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-bookwatch/internal/exchange"
	"polymarket-bookwatch/internal/market"
	"polymarket-bookwatch/pkg/types"
)

// ------------------------------------------------------------------------
// Virtual-time scheduler
// ------------------------------------------------------------------------

type fakeTimer struct {
	s       *fakeScheduler
	at      time.Duration
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type fakeScheduler struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, at: s.now + d, delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

// Advance moves virtual time forward, firing due timers in deadline order.
func (s *fakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	for {
		var next *fakeTimer
		for _, t := range s.timers {
			if t.stopped || t.fired || t.at > target {
				continue
			}
			if next == nil || t.at < next.at {
				next = t
			}
		}
		if next == nil {
			break
		}
		next.fired = true
		s.now = next.at
		s.mu.Unlock()
		next.f()
		s.mu.Lock()
	}
	s.now = target
	s.mu.Unlock()
}

// Pending returns the delays of timers that have neither fired nor been stopped.
func (s *fakeScheduler) Pending() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// ------------------------------------------------------------------------
// Collaborator fakes
// ------------------------------------------------------------------------

type fakeCreds struct {
	mu    sync.Mutex
	creds exchange.Credentials
}

func (c *fakeCreds) Credentials() (exchange.Credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds, c.creds.Complete()
}

func (c *fakeCreds) set(creds exchange.Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

var goodCreds = exchange.Credentials{ApiKey: "k", Secret: "s", Passphrase: "p"}

type fakeFetcher struct {
	mu    sync.Mutex
	books map[string]*types.BookResponse
	err   error
	calls []string
	block bool // wait for ctx cancellation
	began chan struct{}
}

func (f *fakeFetcher) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tokenID)
	err, block, began := f.err, f.block, f.began
	book := f.books[tokenID]
	f.mu.Unlock()

	if block {
		if began != nil {
			began <- struct{}{}
		}
		<-ctx.Done()
		return nil, &exchange.NetworkError{Op: "get book", Err: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}
	if book == nil {
		book = &types.BookResponse{AssetID: tokenID}
	}
	return book, nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeStream struct {
	mu     sync.Mutex
	gen    uint64
	watch  []string
	closed bool
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeOpener struct {
	mu      sync.Mutex
	streams []*fakeStream
	hook    func() error // consulted before each open
}

func (o *fakeOpener) open(gen uint64, watch []string, creds exchange.Credentials, h exchange.SessionHandler) (Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hook != nil {
		if err := o.hook(); err != nil {
			return nil, err
		}
	}
	s := &fakeStream{gen: gen, watch: watch}
	o.streams = append(o.streams, s)
	return s, nil
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.streams)
}

func (o *fakeOpener) last(t *testing.T) *fakeStream {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.streams) == 0 {
		t.Fatal("no session opened")
	}
	return o.streams[len(o.streams)-1]
}

type recordingListener struct {
	nopObserver
	mu          sync.Mutex
	states      []State
	delays      []time.Duration
	stale       []string
	changed     [][]string
	unknownType []string
	protoErrs   []error
	retries     int
}

func (l *recordingListener) StateChanged(s State, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
	if s == StateBackoff {
		l.delays = append(l.delays, d)
	}
}
func (l *recordingListener) Reconnecting() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retries++
}
func (l *recordingListener) BookChanged(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changed = append(l.changed, ids)
}
func (l *recordingListener) StaleDropped(cb string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stale = append(l.stale, cb)
}
func (l *recordingListener) SnapshotFailed(string, error) {}
func (l *recordingListener) UnknownEventType(t string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unknownType = append(l.unknownType, t)
}
func (l *recordingListener) ProtocolError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.protoErrs = append(l.protoErrs, err)
}

// ------------------------------------------------------------------------
// Harness
// ------------------------------------------------------------------------

var testOutcomes = []types.Outcome{
	{Name: "Yes", TokenID: "yes"},
	{Name: "No", TokenID: "no"},
}

type harness struct {
	sup    *Supervisor
	sched  *fakeScheduler
	creds  *fakeCreds
	fetch  *fakeFetcher
	opener *fakeOpener
	lsn    *recordingListener
	book   *market.Book
	watch  WatchSet
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sched:  &fakeScheduler{},
		creds:  &fakeCreds{creds: goodCreds},
		fetch:  &fakeFetcher{books: map[string]*types.BookResponse{}},
		opener: &fakeOpener{},
		lsn:    &recordingListener{},
		book:   market.NewBook(testOutcomes),
		watch:  NewWatchSet([]string{"yes", "no"}),
	}
	h.sup = NewSupervisor(
		SupervisorConfig{BackoffFloor: time.Second, BackoffCeiling: 30 * time.Second, CredentialPoll: time.Second},
		h.creds, h.fetch, h.opener.open, h.sched, h.lsn,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	h.sup.spawn = func(f func()) { f() }
	return h
}

// live starts the supervisor and acknowledges the first session.
func (h *harness) live(t *testing.T) *fakeStream {
	t.Helper()
	h.sup.Start(h.watch, h.book)
	s := h.opener.last(t)
	h.sup.SessionOpened(s.gen)
	if st := h.sup.Status().State; st != StateLive {
		t.Fatalf("state = %s, want live", st)
	}
	return s
}

func (h *harness) assertState(t *testing.T, want State) {
	t.Helper()
	if got := h.sup.Status().State; got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

const bookFrame = `{"event_type":"book","asset_id":"yes","bids":[{"price":"0.48","size":"10"}],"asks":[{"price":"0.52","size":"5"}],"hash":"h"}`

// ------------------------------------------------------------------------
// Tests
// ------------------------------------------------------------------------

func TestSupervisorConnectsAndGoesLive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetch.books["yes"] = &types.BookResponse{
		AssetID: "yes",
		Bids:    []types.PriceLevel{{Price: "0.60", Size: "10"}},
		Asks:    []types.PriceLevel{{Price: "0.62", Size: "5"}},
	}

	h.sup.Start(h.watch, h.book)
	h.assertState(t, StateConnecting)
	if c := h.sup.Status().Connection; c != Connecting {
		t.Errorf("connection = %s, want connecting", c)
	}

	if n := h.fetch.callCount(); n != 2 {
		t.Fatalf("snapshot fetches = %d, want 2", n)
	}
	if !h.book.Ready() {
		t.Fatal("book not ready after snapshots")
	}
	ob, _ := h.book.Snapshot("yes")
	if len(ob.Bids) != 1 || !ob.Bids[0].Price.Equal(decimal.RequireFromString("0.6")) {
		t.Errorf("yes bids = %v", ob.Bids)
	}

	s := h.opener.last(t)
	if s.gen != h.sup.Status().Generation {
		t.Errorf("session gen = %d, want current %d", s.gen, h.sup.Status().Generation)
	}
	if len(s.watch) != 2 || s.watch[0] != "yes" || s.watch[1] != "no" {
		t.Errorf("session watch = %v, want [yes no]", s.watch)
	}

	h.sup.SessionOpened(s.gen)
	h.assertState(t, StateLive)
	if c := h.sup.Status().Connection; c != Connected {
		t.Errorf("connection = %s, want connected", c)
	}
}

func TestSupervisorAppliesMessages(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.live(t)

	h.sup.SessionMessage(s.gen, []byte(bookFrame))
	h.sup.SessionMessage(s.gen, []byte(`[{"event_type":"price_change","market":"m","price_changes":[
		{"asset_id":"yes","price":"0.48","size":"0","side":"BUY"},
		{"asset_id":"yes","price":"0.53","size":"8","side":"SELL"},
		{"asset_id":"yes","price":"bad","size":"8","side":"SELL"}]},
		{"event_type":"new_market"}]`))
	h.sup.SessionMessage(s.gen, []byte("PONG"))

	ob, _ := h.book.Snapshot("yes")
	if len(ob.Bids) != 0 {
		t.Errorf("bids = %v, want empty", ob.Bids)
	}
	if len(ob.Asks) != 2 || !ob.Asks[1].Price.Equal(decimal.RequireFromString("0.53")) {
		t.Errorf("asks = %v, want 0.52 then 0.53", ob.Asks)
	}

	h.lsn.mu.Lock()
	defer h.lsn.mu.Unlock()
	if len(h.lsn.protoErrs) != 1 {
		t.Errorf("protocol errors = %v, want 1", h.lsn.protoErrs)
	}
	if len(h.lsn.unknownType) != 1 || h.lsn.unknownType[0] != "new_market" {
		t.Errorf("unknown types = %v, want [new_market]", h.lsn.unknownType)
	}
	if len(h.lsn.changed) < 3 {
		t.Errorf("book changes = %d, want snapshot + two messages", len(h.lsn.changed))
	}
}

func TestSupervisorRejectsStaleSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	old := h.live(t)

	h.sup.ReconnectNow()
	if !old.isClosed() {
		t.Error("old session not closed on reconnect")
	}
	current := h.opener.last(t)
	if current.gen == old.gen {
		t.Fatal("reconnect reused the generation")
	}

	before, _ := h.book.Snapshot("yes")
	h.sup.SessionMessage(old.gen, []byte(bookFrame))
	h.sup.SessionOpened(old.gen)
	h.sup.SessionClosed(old.gen, errors.New("late close"))

	after, _ := h.book.Snapshot("yes")
	if len(after.Bids) != len(before.Bids) || len(after.Asks) != len(before.Asks) {
		t.Errorf("stale message changed the book: %v -> %v", before, after)
	}
	h.assertState(t, StateConnecting)
	if got := h.sup.Status().StaleDrops; got != 3 {
		t.Errorf("stale drops = %d, want 3", got)
	}
	if n := len(h.sched.Pending()); n != 0 {
		t.Errorf("stale close scheduled %d timers", n)
	}
}

func TestSupervisorBackoffSequence(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetch.setErr(&exchange.NetworkError{Op: "get book", StatusCode: 503, Err: errors.New("unavailable")})

	h.sup.Start(h.watch, h.book)
	h.assertState(t, StateBackoff)

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		w *= time.Second
		pending := h.sched.Pending()
		if len(pending) != 1 || pending[0] != w {
			t.Fatalf("attempt %d: pending timers = %v, want [%v]", i, pending, w)
		}
		h.sched.Advance(w)
	}
	if n := h.opener.count(); n != 0 {
		t.Errorf("sessions opened = %d while snapshots fail", n)
	}
	if got := h.sup.Status().Reconnects; got != uint64(len(want)) {
		t.Errorf("reconnects = %d, want %d", got, len(want))
	}

	// Recovery resets the delay to the floor.
	h.fetch.setErr(nil)
	h.sched.Advance(30 * time.Second)
	s := h.opener.last(t)
	h.sup.SessionOpened(s.gen)
	h.assertState(t, StateLive)

	h.sup.SessionClosed(s.gen, errors.New("read: i/o timeout"))
	h.assertState(t, StateBackoff)
	if pending := h.sched.Pending(); len(pending) != 1 || pending[0] != time.Second {
		t.Errorf("pending after reset = %v, want [1s]", pending)
	}

	h.lsn.mu.Lock()
	defer h.lsn.mu.Unlock()
	if len(h.lsn.delays) == 0 || h.lsn.delays[0] != time.Second {
		t.Errorf("first reported delay = %v, want 1s", h.lsn.delays)
	}
}

func TestSupervisorReconnectNowResetsBackoff(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetch.setErr(&exchange.NetworkError{Op: "get book", StatusCode: 502, Err: errors.New("bad gateway")})

	h.sup.Start(h.watch, h.book)
	h.sched.Advance(time.Second)
	h.sched.Advance(2 * time.Second)
	if pending := h.sched.Pending(); len(pending) != 1 || pending[0] != 4*time.Second {
		t.Fatalf("pending = %v, want [4s] after two failed retries", pending)
	}
	if got := h.sup.Status().RetryIn; got != 4*time.Second {
		t.Errorf("retry in = %v, want 4s", got)
	}

	// Still failing: the manual attempt fails straight back to the floor.
	h.sup.ReconnectNow()
	if pending := h.sched.Pending(); len(pending) != 1 || pending[0] != time.Second {
		t.Errorf("pending after failed manual reconnect = %v, want [1s]", pending)
	}

	h.fetch.setErr(nil)
	h.sup.ReconnectNow()
	if pending := h.sched.Pending(); len(pending) != 0 {
		t.Errorf("pending after manual reconnect = %v, want none", pending)
	}
	h.assertState(t, StateConnecting)
	if got := h.sup.Status().RetryIn; got != 0 {
		t.Errorf("retry in = %v outside backoff, want 0", got)
	}
	if n := h.opener.count(); n != 1 {
		t.Fatalf("sessions opened = %d, want 1", n)
	}

	h.sup.SessionClosed(h.opener.last(t).gen, errors.New("eof"))
	if pending := h.sched.Pending(); len(pending) != 1 || pending[0] != time.Second {
		t.Errorf("next failure delay = %v, want [1s]", pending)
	}

	// Only the two timer-driven attempts count as reconnects.
	if got := h.sup.Status().Reconnects; got != 2 {
		t.Errorf("reconnects = %d, want 2", got)
	}
	h.lsn.mu.Lock()
	defer h.lsn.mu.Unlock()
	if h.lsn.retries != 2 {
		t.Errorf("Reconnecting calls = %d, want 2", h.lsn.retries)
	}
}

func TestSupervisorSessionCloseBacksOff(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.live(t)

	h.sup.SessionClosed(s.gen, errors.New("eof"))
	h.assertState(t, StateBackoff)
	if c := h.sup.Status().Connection; c != Disconnected {
		t.Errorf("connection = %s, want disconnected", c)
	}

	h.sup.SessionMessage(s.gen, []byte(bookFrame))
	if got := h.sup.Status().StaleDrops; got != 1 {
		t.Errorf("stale drops = %d, want 1", got)
	}
	h.sched.Advance(time.Second)
	h.assertState(t, StateConnecting)
	if n := h.opener.count(); n != 2 {
		t.Errorf("sessions = %d, want 2", n)
	}
	if n := h.fetch.callCount(); n != 4 {
		t.Errorf("snapshot fetches = %d, want 4 (fresh snapshot per attempt)", n)
	}
}

func TestSupervisorStopTearsDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	s := h.live(t)

	h.sup.Stop()
	h.assertState(t, StateIdle)
	if !s.isClosed() {
		t.Error("session not closed on Stop")
	}

	// The session reports its close after Stop; it must not start a backoff.
	h.sup.SessionClosed(s.gen, exchange.ErrSessionClosed)
	h.sched.Advance(time.Minute)
	h.assertState(t, StateIdle)
	if n := h.opener.count(); n != 1 {
		t.Errorf("sessions = %d after Stop, want 1", n)
	}
	if n := len(h.sched.Pending()); n != 0 {
		t.Errorf("pending timers after Stop = %d", n)
	}
}

func TestSupervisorStopCancelsBackoffTimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetch.setErr(&exchange.NetworkError{Op: "get book", Err: errors.New("refused")})

	h.sup.Start(h.watch, h.book)
	h.assertState(t, StateBackoff)
	h.sup.Stop()

	fetches := h.fetch.callCount()
	h.sched.Advance(time.Minute)
	if n := h.fetch.callCount(); n != fetches {
		t.Errorf("fetches after Stop = %d, want %d", n, fetches)
	}
	if n := len(h.sched.Pending()); n != 0 {
		t.Errorf("pending timers after Stop = %d", n)
	}
}

func TestSupervisorStopCancelsInflightFetch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetch.block = true
	h.fetch.began = make(chan struct{}, 1)

	var wg sync.WaitGroup
	h.sup.spawn = func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	h.sup.Start(h.watch, h.book)
	select {
	case <-h.fetch.began:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never started")
	}

	h.sup.Stop()
	wg.Wait()

	if n := h.opener.count(); n != 0 {
		t.Errorf("session opened after Stop: %d", n)
	}
	if h.book.Ready() {
		t.Error("cancelled fetch installed a snapshot")
	}
	h.assertState(t, StateIdle)
}

func TestSupervisorWaitsForCredentials(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.creds.set(exchange.Credentials{})

	h.sup.Start(h.watch, h.book)
	h.assertState(t, StateIdle)
	if n := h.fetch.callCount(); n != 0 {
		t.Fatalf("fetched %d snapshots without credentials", n)
	}

	h.sched.Advance(time.Second)
	if pending := h.sched.Pending(); len(pending) != 1 || pending[0] != time.Second {
		t.Fatalf("pending = %v, want another 1s poll", pending)
	}

	h.creds.set(goodCreds)
	h.sched.Advance(time.Second)
	h.assertState(t, StateConnecting)
	if n := h.opener.count(); n != 1 {
		t.Errorf("sessions = %d, want 1 once credentials appear", n)
	}
}

func TestSupervisorOpenAuthUnavailablePolls(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// Credentials vanish between the check and the dial.
	h.opener.hook = func() error {
		h.creds.set(exchange.Credentials{})
		return exchange.ErrAuthUnavailable
	}

	h.sup.Start(h.watch, h.book)
	h.assertState(t, StateIdle)
	if n := h.opener.count(); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
	if pending := h.sched.Pending(); len(pending) != 1 || pending[0] != time.Second {
		t.Errorf("pending = %v, want credential poll", pending)
	}

	h.opener.mu.Lock()
	h.opener.hook = nil
	h.opener.mu.Unlock()
	h.creds.set(goodCreds)
	h.sched.Advance(time.Second)
	if n := h.opener.count(); n != 1 {
		t.Errorf("sessions = %d after credentials return, want 1", n)
	}
}

func TestSupervisorWatchChangeUsesNewBook(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	old := h.live(t)

	next := market.NewBook([]types.Outcome{{Name: "Up", TokenID: "up"}, {Name: "Down", TokenID: "down"}})
	h.sup.Start(NewWatchSet([]string{"up", "down"}), next)

	if !old.isClosed() {
		t.Error("previous watch session left open")
	}
	h.sup.SessionMessage(old.gen, []byte(bookFrame))
	if ob, _ := h.book.Snapshot("yes"); len(ob.Asks) == 1 && ob.Hash == "h" {
		t.Error("old session wrote to old book after watch change")
	}

	ids := h.sup.Status().Watch
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "down" || ids[1] != "up" {
		t.Errorf("watch = %v, want [down up]", ids)
	}
	if s := h.opener.last(t); s.watch[0] != "up" {
		t.Errorf("new session watch = %v", s.watch)
	}
}

func TestStateStrings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    State
		name string
		conn ConnectionState
	}{
		{StateIdle, "idle", Disconnected},
		{StateConnecting, "connecting", Connecting},
		{StateLive, "live", Connected},
		{StateBackoff, "backoff", Disconnected},
	}
	for _, tt := range tests {
		if tt.s.String() != tt.name || tt.s.Connection() != tt.conn {
			t.Errorf("%d: %s/%s, want %s/%s", tt.s, tt.s, tt.s.Connection(), tt.name, tt.conn)
		}
	}
}
