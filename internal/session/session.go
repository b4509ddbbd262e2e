package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/park285/chess98-live/internal/channel"
	"github.com/park285/chess98-live/internal/clock"
	"github.com/park285/chess98-live/internal/protocol"
	"github.com/park285/chess98-live/internal/rules"
	"go.uber.org/zap"
)

const (
	defaultReconnectAttempts = 10
	defaultReconnectDelay    = time.Second
	defaultReconnectMaxDelay = 30 * time.Second
	storeTimeout             = 2 * time.Second
	inboxSize                = 64
)

// Transport is the session channel as the runner uses it. *channel.Client satisfies it.
type Transport interface {
	Outbox
	Connect(ctx context.Context, sessionID, playerID string, h channel.Handlers) error
	Disconnect() error
}

// Store persists authoritative snapshots and the chat log. Optional.
type Store interface {
	SaveSnapshot(ctx context.Context, gameID string, v View) error
	AppendChat(ctx context.Context, gameID string, lines ...ChatLine) error
	Chat(ctx context.Context, gameID string) ([]ChatLine, error)
}

type Config struct {
	Machine   MachineConfig // Outbox is filled from Transport
	Transport Transport
	Store     Store
	Clock     clockwork.Clock
	Logger    *zap.Logger

	ReconnectMaxAttempts int
	ReconnectDelay       time.Duration
	ReconnectMaxDelay    time.Duration
}

// Session runs a Machine on a single goroutine. Clock ticks, channel events
// and user intents are serialized through it and each runs to completion.
type Session struct {
	m      *Machine
	tr     Transport
	store  Store
	clk    clockwork.Clock
	logger *zap.Logger

	gameID   string
	playerID string

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()
	quit   chan struct{}
	done   chan struct{}

	closeOnce sync.Once
	dialMu    sync.Mutex
	closed    atomic.Bool

	view    atomic.Pointer[View]
	updates chan View

	// owned by the loop goroutine
	gen           int
	attempts      int
	retry         clockwork.Timer
	savedPosition string
	savedPhase    Phase
	savedSnapshot int
	savedChat     int
}

func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	mc := cfg.Machine
	mc.Outbox = cfg.Transport
	if mc.Logger == nil {
		mc.Logger = logger
	}
	if mc.Now == nil {
		mc.Now = clk.Now
	}

	s := &Session{
		m:           NewMachine(mc),
		tr:          cfg.Transport,
		store:       cfg.Store,
		clk:         clk,
		logger:      logger.With(zap.String("game_id", mc.GameID)),
		gameID:      mc.GameID,
		playerID:    mc.Identity.PlayerID,
		maxAttempts: cfg.ReconnectMaxAttempts,
		baseDelay:   cfg.ReconnectDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		inbox:       make(chan func(), inboxSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		updates:     make(chan View, 1),
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultReconnectAttempts
	}
	if s.baseDelay <= 0 {
		s.baseDelay = defaultReconnectDelay
	}
	if s.maxDelay <= 0 {
		s.maxDelay = defaultReconnectMaxDelay
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	v := s.m.View()
	s.view.Store(&v)
	return s, nil
}

// Start restores the chat log, starts the loop and opens the channel.
// A failed first dial is returned; the loop keeps running until Close.
func (s *Session) Start(ctx context.Context) error {
	if s.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		lines, err := s.store.Chat(sctx, s.gameID)
		cancel()
		if err != nil {
			s.logger.Warn("session_chat_restore_failed", zap.Error(err))
		} else {
			s.m.RestoreChat(lines)
			s.savedChat = len(lines)
		}
	}
	s.publish()

	go s.run(clock.NewTicker(s.clk))
	return s.dial(ctx, 0)
}

// Close stops the ticker, the loop and the channel together. Idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		close(s.quit)
		<-s.done
		s.dialMu.Lock()
		err = s.tr.Disconnect()
		s.dialMu.Unlock()
		s.logger.Info("session_closed")
	})
	return err
}

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// View returns the latest published state.
func (s *Session) View() View { return *s.view.Load() }

// Updates delivers the latest view after each handled input. Intermediate
// views are dropped when the reader falls behind.
func (s *Session) Updates() <-chan View { return s.updates }

func (s *Session) SubmitMove(ctx context.Context, from, to, promotion string) (rules.Result, error) {
	var res rules.Result
	err := s.do(ctx, func(m *Machine) error {
		var err error
		res, err = m.SubmitMove(ctx, from, to, promotion)
		return err
	})
	return res, err
}

func (s *Session) QueuePremove(ctx context.Context, from, to, promotion string) error {
	return s.do(ctx, func(m *Machine) error { return m.QueuePremove(ctx, from, to, promotion) })
}

func (s *Session) ClearPremove(ctx context.Context) error {
	return s.do(ctx, func(m *Machine) error { m.ClearPremove(); return nil })
}

func (s *Session) OfferDraw(ctx context.Context) error {
	return s.do(ctx, func(m *Machine) error { return m.OfferDraw(ctx) })
}

func (s *Session) AcceptDraw(ctx context.Context) error {
	return s.do(ctx, func(m *Machine) error { return m.AcceptDraw(ctx) })
}

func (s *Session) DeclineDraw(ctx context.Context) error {
	return s.do(ctx, func(m *Machine) error { return m.DeclineDraw(ctx) })
}

func (s *Session) Resign(ctx context.Context) error {
	return s.do(ctx, func(m *Machine) error { return m.Resign(ctx) })
}

func (s *Session) SendChat(ctx context.Context, text string) error {
	return s.do(ctx, func(m *Machine) error { return m.SendChat(ctx, text) })
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func(*Machine) error) error {
	reply := make(chan error, 1)
	job := func() { reply <- fn(s.m) }
	select {
	case s.inbox <- job:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn for the loop. It gives up once the session is closing.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.quit:
	}
}

func (s *Session) run(t *clock.Ticker) {
	defer close(s.done)
	defer t.Stop()
	defer func() {
		if s.retry != nil {
			s.retry.Stop()
		}
	}()
	for {
		select {
		case <-s.quit:
			return
		case <-t.C():
			if err := s.m.Tick(s.ctx); err != nil {
				s.logger.Warn("session_tick_send_failed", zap.Error(err))
			}
		case fn := <-s.inbox:
			fn()
		}
		s.publish()
		s.persist()
	}
}

// dial opens connection generation gen. Handler callbacks wait until the
// open event is queued so it is always handled first.
func (s *Session) dial(ctx context.Context, gen int) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	ready := make(chan struct{})
	err := s.tr.Connect(ctx, s.gameID, s.playerID, s.handlers(gen, ready))
	if err != nil {
		close(ready)
		s.post(func() { s.onDialFailed(gen, err) })
		return err
	}
	s.post(func() { s.onOpen(gen) })
	close(ready)
	return nil
}

func (s *Session) handlers(gen int, ready <-chan struct{}) channel.Handlers {
	// ev forwards one inbound event to the loop, dropping stale generations.
	ev := func(fn func()) {
		<-ready
		s.post(func() {
			if gen != s.gen {
				return
			}
			fn()
		})
	}
	return channel.Handlers{
		OnWaiting: func(protocol.WaitingForOpponent) { ev(s.m.HandleWaiting) },
		OnGameStart: func(g protocol.GameStart) {
			ev(func() {
				if err := s.m.HandleGameStart(s.ctx, g); err != nil {
					s.logger.Warn("session_snapshot_rejected", zap.Error(err))
				}
			})
		},
		OnReconnected: func(r protocol.Reconnected) { ev(func() { s.m.HandleReconnected(r) }) },
		OnMoveMade: func(mm protocol.MoveMade) {
			ev(func() {
				if err := s.m.HandleMoveMade(s.ctx, mm); err != nil {
					s.logger.Warn("session_move_event_rejected", zap.Error(err))
				}
			})
		},
		OnGameOver:            func(g protocol.GameOver) { ev(func() { s.m.HandleGameOver(g) }) },
		OnDrawOffer:           func(d protocol.DrawOffer) { ev(func() { s.m.HandleDrawOffer(d) }) },
		OnDrawOfferDeclined:   func(d protocol.DrawOfferDeclined) { ev(func() { s.m.HandleDrawDeclined(d) }) },
		OnChat:                func(c protocol.ChatMessage) { ev(func() { s.m.HandleChat(c) }) },
		OnServerError:         func(e protocol.ServerError) { ev(func() { s.m.HandleServerError(e) }) },
		OnOpponentReconnected: func(o protocol.OpponentReconnected) { ev(func() { s.m.HandleOpponentReconnected(o) }) },
		OnCanceled:            func(c protocol.GameCanceled) { ev(func() { s.m.HandleCanceled(c) }) },
		OnClose: func(err error) {
			ev(func() { s.onLost(err) })
		},
		OnMalformed: func(raw []byte, err error) {
			s.logger.Warn("session_malformed_frame", zap.Int("bytes", len(raw)), zap.Error(err))
		},
	}
}

func (s *Session) onOpen(gen int) {
	if gen != s.gen {
		return
	}
	s.attempts = 0
	s.m.HandleOpen()
}

func (s *Session) onLost(err error) {
	s.m.HandleConnectionLost(err)
	if s.m.phase.Terminal() {
		return
	}
	s.scheduleReconnect()
}

func (s *Session) onDialFailed(gen int, err error) {
	if gen != s.gen {
		return
	}
	s.logger.Warn("session_dial_failed", zap.Int("attempt", s.attempts), zap.Error(err))
	if gen == 0 {
		// first dial: nothing to reconnect to yet
		s.m.HandleConnectionLost(err)
	}
	if s.m.phase.Terminal() {
		return
	}
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	if s.closed.Load() {
		return
	}
	if s.attempts >= s.maxAttempts {
		s.logger.Error("session_reconnect_gave_up", zap.Int("attempts", s.attempts))
		s.m.HandleReconnectAbandoned()
		return
	}
	s.attempts++
	s.gen++
	gen := s.gen
	delay := backoff(s.baseDelay, s.maxDelay, s.attempts)
	s.logger.Info("session_reconnect_scheduled", zap.Int("attempt", s.attempts), zap.Duration("delay", delay))
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = s.clk.AfterFunc(delay, func() {
		_ = s.dial(s.ctx, gen)
	})
}

// backoff doubles base per attempt up to max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (s *Session) publish() {
	v := s.m.View()
	s.view.Store(&v)
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- v:
	default:
	}
}

// persist saves a new authoritative state and any unsaved chat lines.
func (s *Session) persist() {
	if s.store == nil {
		return
	}
	v := *s.view.Load()
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()

	changed := v.SnapshotCount != s.savedSnapshot || v.ConfirmedPosition != s.savedPosition || v.Phase != s.savedPhase
	if changed && (v.SnapshotCount > 0 || v.Phase.Terminal()) {
		if err := s.store.SaveSnapshot(ctx, s.gameID, v); err != nil {
			s.logger.Warn("session_snapshot_save_failed", zap.Error(err))
		} else {
			s.savedSnapshot = v.SnapshotCount
			s.savedPosition = v.ConfirmedPosition
			s.savedPhase = v.Phase
		}
	}
	if len(v.Chat) > s.savedChat {
		if err := s.store.AppendChat(ctx, s.gameID, v.Chat[s.savedChat:]...); err != nil {
			s.logger.Warn("session_chat_save_failed", zap.Error(err))
		} else {
			s.savedChat = len(v.Chat)
		}
	}
}
