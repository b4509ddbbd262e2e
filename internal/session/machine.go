package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/park285/chess98-live/internal/clock"
	"github.com/park285/chess98-live/internal/msgcat"
	"github.com/park285/chess98-live/internal/protocol"
	"github.com/park285/chess98-live/internal/rules"
	"go.uber.org/zap"
)

// MachineConfig wires a Machine. Outbox is required.
type MachineConfig struct {
	GameID    string
	Identity  Identity
	Increment int // seconds credited per move when the server omits times
	// Clock values shown before the first snapshot.
	InitialWhite int
	InitialBlack int

	Evaluator *rules.Evaluator
	Outbox    Outbox
	Texts     Texts
	Logger    *zap.Logger
	Now       func() time.Time
}

type attempt struct {
	uci    string
	result rules.Result
}

// Machine is the session state machine. It is the only mutator of session
// state and is not safe for concurrent use: one goroutine drives it.
type Machine struct {
	gameID    string
	id        Identity
	increment int
	eval      *rules.Evaluator
	out       Outbox
	texts     Texts
	logger    *zap.Logger
	now       func() time.Time

	phase        Phase
	connected    bool
	reconnecting bool
	resyncing    bool
	opponent     Presence
	started      bool

	confirmed string
	local     string
	turn      protocol.Color
	clocks    *clock.Pair
	inFlight  *attempt
	premove   *Premove

	drawOfferFrom string
	drawOfferSent bool

	lastUCI string
	lastSAN string

	result      protocol.Result
	termination protocol.Termination
	whiteDelta  *int
	blackDelta  *int

	snapshots int
	chat      []ChatLine
}

func NewMachine(cfg MachineConfig) *Machine {
	eval := cfg.Evaluator
	if eval == nil {
		eval = rules.NewEvaluator()
	}
	texts := cfg.Texts
	if texts == nil {
		texts = msgcat.MustDefault()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		gameID:    cfg.GameID,
		id:        cfg.Identity,
		increment: cfg.Increment,
		eval:      eval,
		out:       cfg.Outbox,
		texts:     texts,
		logger:    logger.With(zap.String("game_id", cfg.GameID), zap.String("player_id", cfg.Identity.PlayerID)),
		now:       now,
		phase:     PhaseConnecting,
		opponent:  PresenceUnknown,
		confirmed: rules.StartPosition,
		local:     rules.StartPosition,
		turn:      protocol.White,
		clocks:    clock.NewPair(cfg.InitialWhite, cfg.InitialBlack),
	}
}

// RestoreChat seeds the chat log, used when a persisted log is available.
// Lines already present are kept after the restored ones.
func (m *Machine) RestoreChat(lines []ChatLine) {
	if len(lines) == 0 {
		return
	}
	m.chat = append(append(make([]ChatLine, 0, len(lines)+len(m.chat)), lines...), m.chat...)
}

// ---- channel lifecycle ----

func (m *Machine) HandleOpen() {
	m.connected = true
	m.reconnecting = false
	if m.phase == PhaseConnecting {
		m.phase = PhaseAwaitingOpponent
	}
	m.logger.Info("session_channel_open", zap.String("phase", string(m.phase)))
}

// HandleConnectionLost keeps the phase but drops everything speculative.
// Moves stay blocked until the server sends a fresh snapshot.
func (m *Machine) HandleConnectionLost(cause error) {
	m.connected = false
	if m.phase.Terminal() {
		return
	}
	m.reconnecting = true
	m.resyncing = true
	m.opponent = PresenceUnknown
	if m.inFlight != nil {
		m.logger.Warn("session_move_discarded", zap.String("uci", m.inFlight.uci))
		m.inFlight = nil
	}
	m.local = m.confirmed
	m.premove = nil
	m.system(msgcat.KeyConnectionLost, nil)
	m.logger.Warn("session_connection_lost", zap.Error(cause))
}

// HandleReconnectAbandoned clears the reconnecting indicator once the runner
// stops retrying. The session stays disconnected.
func (m *Machine) HandleReconnectAbandoned() {
	m.reconnecting = false
	m.logger.Error("session_reconnect_abandoned")
}

// ---- inbound ----

func (m *Machine) HandleWaiting() {
	if m.phase.Terminal() {
		return
	}
	if m.phase == PhaseActive {
		m.logger.Warn("session_waiting_while_active")
		return
	}
	m.resyncing = false
	m.reconnecting = false
	if m.opponent != PresenceWaiting {
		m.system(msgcat.KeyWaiting, nil)
	}
	m.opponent = PresenceWaiting
	m.phase = PhaseAwaitingOpponent
}

// HandleGameStart applies an authoritative snapshot. It replaces all local
// state derived from earlier snapshots and moves; repeating it is harmless.
func (m *Machine) HandleGameStart(ctx context.Context, gs protocol.GameStart) error {
	if m.phase.Terminal() {
		m.logger.Debug("session_snapshot_ignored", zap.String("phase", string(m.phase)))
		return nil
	}
	pos := rules.Normalize(gs.Position())
	turn, err := rules.SideToMove(pos)
	if err != nil {
		m.logger.Error("session_snapshot_invalid", zap.String("position", gs.Position()), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if gs.Turn.Valid() && gs.Turn != turn {
		m.logger.Warn("session_turn_mismatch", zap.String("event_turn", string(gs.Turn)), zap.String("position_turn", string(turn)))
	}
	if gs.GameID != "" && gs.GameID != m.gameID {
		// reconnects and store keys stay on the configured id
		m.logger.Warn("session_game_id_mismatch", zap.String("event_game_id", gs.GameID))
	}

	if m.inFlight != nil {
		m.logger.Info("session_move_discarded", zap.String("uci", m.inFlight.uci))
		m.inFlight = nil
	}
	m.confirmed = pos
	m.local = pos
	m.turn = turn

	mine, theirs := gs.YourTime, gs.OpponentTime
	if m.id.Color == protocol.White {
		m.clocks.ApplyAuthoritativeTime(mine, theirs)
	} else {
		m.clocks.ApplyAuthoritativeTime(theirs, mine)
	}
	m.clocks.Start(turn)

	first := !m.started
	m.started = true
	m.phase = PhaseActive
	m.opponent = PresenceConnected
	m.resyncing = false
	m.reconnecting = false
	m.snapshots++

	if first {
		m.system(msgcat.KeyOpponentJoined, nil)
		m.system(msgcat.KeyGameStarted, nil)
	}
	m.logger.Info("session_snapshot_applied",
		zap.String("position", pos),
		zap.String("turn", string(turn)),
		zap.Int("white_time", m.clocks.Remaining(protocol.White)),
		zap.Int("black_time", m.clocks.Remaining(protocol.Black)),
	)
	m.replayPremove(ctx)
	return nil
}

func (m *Machine) HandleReconnected(msg protocol.Reconnected) {
	if m.phase.Terminal() {
		return
	}
	m.system(msgcat.KeyReconnected, nil)
	m.logger.Info("session_reconnected", zap.String("message", msg.Message))
}

// HandleMoveMade applies a confirmed move by either side. The server position
// always replaces the local one.
func (m *Machine) HandleMoveMade(ctx context.Context, mm protocol.MoveMade) error {
	if m.phase != PhaseActive {
		m.logger.Debug("session_move_ignored", zap.String("phase", string(m.phase)), zap.String("uci", mm.UCI))
		return nil
	}
	if m.resyncing {
		// pre-loss events may still be queued; the snapshot supersedes them
		m.logger.Debug("session_move_ignored_resync", zap.String("uci", mm.UCI))
		return nil
	}
	pos := rules.Normalize(mm.FEN)
	turn, err := rules.SideToMove(pos)
	if err != nil {
		m.logger.Error("session_move_invalid_position", zap.String("fen", mm.FEN), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if (mm.UCI == "" || mm.UCI == m.lastUCI) && rules.SamePosition(pos, m.confirmed) {
		m.logger.Debug("session_move_duplicate", zap.String("uci", mm.UCI))
		return nil
	}
	if mm.Turn.Valid() && mm.Turn != turn {
		m.logger.Warn("session_turn_mismatch", zap.String("event_turn", string(mm.Turn)), zap.String("position_turn", string(turn)))
	}

	mover := m.turn
	if a := m.inFlight; a != nil {
		if a.uci != mm.UCI || !rules.SamePosition(a.result.NewPosition, pos) {
			m.logger.Warn("session_move_diverged",
				zap.String("local_uci", a.uci),
				zap.String("server_uci", mm.UCI),
				zap.String("local_position", a.result.NewPosition),
				zap.String("server_position", pos),
			)
		}
		m.inFlight = nil
	}
	m.confirmed = pos
	m.local = pos
	m.turn = turn
	m.lastUCI = mm.UCI
	m.lastSAN = mm.SAN
	m.drawOfferFrom = ""
	m.drawOfferSent = false

	if mm.HasTimes() {
		m.clocks.ApplyAuthoritativeTime(*mm.WhiteTime, *mm.BlackTime)
	} else {
		m.clocks.ApplyIncrement(mover, m.increment)
	}
	m.clocks.Start(turn)

	m.logger.Info("session_move_confirmed",
		zap.String("uci", mm.UCI),
		zap.String("san", mm.SAN),
		zap.String("turn", string(turn)),
	)
	m.replayPremove(ctx)
	return nil
}

func (m *Machine) HandleGameOver(g protocol.GameOver) {
	if m.phase.Terminal() {
		return
	}
	m.phase = PhaseFinished
	m.clocks.StopAll()
	m.inFlight = nil
	m.local = m.confirmed
	m.premove = nil
	m.drawOfferFrom = ""
	m.drawOfferSent = false
	m.result = g.Result
	m.termination = g.Termination
	m.whiteDelta = g.WhiteRatingChange
	m.blackDelta = g.BlackRatingChange
	m.appendSystem(m.gameOverLine(g))
	m.logger.Info("session_game_over",
		zap.String("result", string(g.Result)),
		zap.String("termination", string(g.Termination)),
	)
}

func (m *Machine) HandleDrawOffer(d protocol.DrawOffer) {
	if d.From == m.id.PlayerID {
		m.logger.Debug("session_own_draw_offer_ignored")
		return
	}
	if m.phase != PhaseActive {
		return
	}
	m.drawOfferFrom = d.From
	m.system(msgcat.KeyDrawOffered, nil)
}

func (m *Machine) HandleDrawDeclined(d protocol.DrawOfferDeclined) {
	if d.From == m.id.PlayerID {
		return
	}
	m.drawOfferSent = false
	if m.phase.Terminal() {
		return
	}
	m.system(msgcat.KeyDrawDeclined, nil)
}

// HandleChat records chat in every phase, including after the game has ended.
func (m *Machine) HandleChat(c protocol.ChatMessage) {
	ts := c.Timestamp
	if ts == "" {
		ts = m.now().UTC().Format(time.RFC3339)
	}
	m.chat = append(m.chat, ChatLine{From: c.From, Message: c.Message, Timestamp: ts})
}

// HandleServerError treats a server refusal as a rejection of the move in flight, if any.
func (m *Machine) HandleServerError(e protocol.ServerError) {
	if m.inFlight != nil {
		m.logger.Warn("session_move_refused", zap.String("uci", m.inFlight.uci), zap.String("message", e.Message))
		m.inFlight = nil
		m.local = m.confirmed
	} else {
		m.logger.Warn("session_server_error", zap.String("message", e.Message))
	}
	m.system(msgcat.KeyServerError, map[string]string{"Message": e.Message})
}

func (m *Machine) HandleOpponentReconnected(o protocol.OpponentReconnected) {
	if o.UserID == m.id.PlayerID || m.phase.Terminal() {
		return
	}
	m.opponent = PresenceConnected
	m.system(msgcat.KeyOpponentReconnected, nil)
}

func (m *Machine) HandleCanceled(c protocol.GameCanceled) {
	if m.phase.Terminal() {
		return
	}
	m.phase = PhaseCanceled
	m.clocks.StopAll()
	m.inFlight = nil
	m.local = m.confirmed
	m.premove = nil
	m.drawOfferFrom = ""
	m.drawOfferSent = false
	m.system(msgcat.KeyCanceled, map[string]string{"Reason": c.Reason})
	m.logger.Info("session_canceled", zap.String("reason", c.Reason))
}

// Tick advances the clock pair by one second. While the running side sits at
// zero it asks the server to rule on every tick; it never ends the game itself.
func (m *Machine) Tick(ctx context.Context) error {
	if m.phase != PhaseActive {
		return nil
	}
	side, expired := m.clocks.Tick()
	if !expired || !m.connected {
		return nil
	}
	m.logger.Debug("session_clock_expired", zap.String("side", string(side)))
	if err := m.out.Send(ctx, protocol.CheckTimeoutMessage()); err != nil {
		return fmt.Errorf("check timeout: %w", err)
	}
	return nil
}

// ---- intents ----

// SubmitMove validates and optimistically applies a local move, then sends it.
func (m *Machine) SubmitMove(ctx context.Context, from, to, promotion string) (rules.Result, error) {
	if err := m.canMove(); err != nil {
		return rules.Result{}, err
	}
	if m.turn != m.id.Color {
		return rules.Result{}, ErrNotYourTurn
	}
	res, err := m.eval.TryMove(m.confirmed, from, to, promotion)
	if err != nil {
		return rules.Result{}, err
	}

	m.local = res.NewPosition
	m.inFlight = &attempt{uci: res.UCI, result: res}
	if err := m.out.Send(ctx, protocol.MoveMessage(res.UCI)); err != nil {
		m.inFlight = nil
		m.local = m.confirmed
		return rules.Result{}, fmt.Errorf("send move: %w", err)
	}
	m.logger.Info("session_move_sent", zap.String("uci", res.UCI), zap.String("san", res.SAN))
	return res, nil
}

// QueuePremove stores a move to try once the turn passes to the local player.
// When it already is the local turn with nothing in flight the move is submitted now.
func (m *Machine) QueuePremove(ctx context.Context, from, to, promotion string) error {
	if m.phase != PhaseActive {
		return ErrNotActive
	}
	mv := protocol.Move{
		From:      strings.ToLower(strings.TrimSpace(from)),
		To:        strings.ToLower(strings.TrimSpace(to)),
		Promotion: strings.ToLower(strings.TrimSpace(promotion)),
	}
	if err := mv.Validate(); err != nil {
		return fmt.Errorf("%w: %v", rules.ErrMalformedMove, err)
	}
	if m.turn == m.id.Color && m.inFlight == nil {
		_, err := m.SubmitMove(ctx, mv.From, mv.To, mv.Promotion)
		return err
	}
	m.premove = &Premove{From: mv.From, To: mv.To, Promotion: mv.Promotion}
	m.logger.Debug("session_premove_queued", zap.String("uci", m.premove.UCI()))
	return nil
}

func (m *Machine) ClearPremove() { m.premove = nil }

func (m *Machine) OfferDraw(ctx context.Context) error {
	if err := m.canNegotiate(); err != nil {
		return err
	}
	if m.opponent != PresenceConnected {
		return ErrOpponentAway
	}
	if m.drawOfferSent || m.drawOfferFrom != "" {
		return ErrDrawOfferPending
	}
	if err := m.out.Send(ctx, protocol.DrawOfferMessage()); err != nil {
		return fmt.Errorf("offer draw: %w", err)
	}
	m.drawOfferSent = true
	m.system(msgcat.KeyYouOfferedDraw, nil)
	return nil
}

// AcceptDraw asks the server to end the game drawn. The phase only changes on game_over.
func (m *Machine) AcceptDraw(ctx context.Context) error {
	if err := m.canNegotiate(); err != nil {
		return err
	}
	if m.drawOfferFrom == "" {
		return ErrNoDrawOffer
	}
	if err := m.out.Send(ctx, protocol.DrawAcceptMessage()); err != nil {
		return fmt.Errorf("accept draw: %w", err)
	}
	m.drawOfferFrom = ""
	return nil
}

func (m *Machine) DeclineDraw(ctx context.Context) error {
	if err := m.canNegotiate(); err != nil {
		return err
	}
	if m.drawOfferFrom == "" {
		return ErrNoDrawOffer
	}
	if err := m.out.Send(ctx, protocol.DrawDeclineMessage()); err != nil {
		return fmt.Errorf("decline draw: %w", err)
	}
	m.drawOfferFrom = ""
	m.system(msgcat.KeyDrawDeclined, nil)
	return nil
}

func (m *Machine) Resign(ctx context.Context) error {
	if err := m.canNegotiate(); err != nil {
		return err
	}
	if err := m.out.Send(ctx, protocol.ResignMessage()); err != nil {
		return fmt.Errorf("resign: %w", err)
	}
	m.logger.Info("session_resign_sent")
	return nil
}

// SendChat transmits a chat line. The log is updated from the server echo.
func (m *Machine) SendChat(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyChat
	}
	if !m.connected {
		return ErrNotConnected
	}
	if err := m.out.Send(ctx, protocol.ChatOutMessage(m.id.Username, text)); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	return nil
}

// View returns a copy of the derived state.
func (m *Machine) View() View {
	v := View{
		GameID:            m.gameID,
		Identity:          m.id,
		Phase:             m.phase,
		MoveInFlight:      m.inFlight != nil,
		ConfirmedPosition: m.confirmed,
		LocalPosition:     m.local,
		Turn:              m.turn,
		MyTurn:            m.phase == PhaseActive && m.turn == m.id.Color,
		Clocks:            m.clocks.State(),
		Connected:         m.connected,
		Reconnecting:      m.reconnecting,
		Resyncing:         m.resyncing,
		Opponent:          m.opponent,
		DrawOfferFrom:     m.drawOfferFrom,
		DrawOfferSent:     m.drawOfferSent,
		LastMoveUCI:       m.lastUCI,
		LastMoveSAN:       m.lastSAN,
		Result:            m.result,
		Termination:       m.termination,
		WhiteRatingChange: copyInt(m.whiteDelta),
		BlackRatingChange: copyInt(m.blackDelta),
		SnapshotCount:     m.snapshots,
		Chat:              append([]ChatLine(nil), m.chat...),
	}
	if m.inFlight != nil {
		v.InFlightUCI = m.inFlight.uci
	}
	if m.premove != nil {
		p := *m.premove
		v.Premove = &p
	}
	return v
}

// ---- helpers ----

func (m *Machine) canMove() error {
	switch {
	case m.phase != PhaseActive:
		return ErrNotActive
	case !m.connected:
		return ErrNotConnected
	case m.resyncing:
		return ErrResyncing
	case m.inFlight != nil:
		return ErrMoveInFlight
	}
	return nil
}

func (m *Machine) canNegotiate() error {
	switch {
	case m.phase != PhaseActive:
		return ErrNotActive
	case !m.connected:
		return ErrNotConnected
	case m.resyncing:
		return ErrResyncing
	}
	return nil
}

// replayPremove submits the queued premove once the authoritative turn is ours.
// A rejected premove is dropped.
func (m *Machine) replayPremove(ctx context.Context) {
	if m.premove == nil || m.phase != PhaseActive || m.turn != m.id.Color || m.inFlight != nil {
		return
	}
	pm := *m.premove
	m.premove = nil
	if _, err := m.SubmitMove(ctx, pm.From, pm.To, pm.Promotion); err != nil {
		m.logger.Info("session_premove_dropped", zap.String("uci", pm.UCI()), zap.Error(err))
	}
}

func (m *Machine) system(key string, data any) {
	m.appendSystem(m.texts.Text(key, data))
}

func (m *Machine) appendSystem(text string) {
	m.chat = append(m.chat, ChatLine{
		Message:   text,
		Timestamp: m.now().UTC().Format(time.RFC3339),
		System:    true,
	})
}

func (m *Machine) gameOverLine(g protocol.GameOver) string {
	reason := m.texts.Text(msgcat.PrefixTermination+string(g.Termination), nil)
	if winner, ok := g.Result.Winner(); ok {
		data := map[string]string{
			"Winner": m.texts.Text(msgcat.PrefixColor+string(winner), nil),
			"Loser":  m.texts.Text(msgcat.PrefixColor+string(winner.Opposite()), nil),
			"Reason": reason,
		}
		switch g.Termination {
		case protocol.TerminationTimeout:
			return m.texts.Text(msgcat.KeyGameOverTimeout, data)
		case protocol.TerminationResignation:
			return m.texts.Text(msgcat.KeyGameOverResignation, data)
		default:
			return m.texts.Text(msgcat.KeyGameOverWin, data)
		}
	}
	if g.Result == protocol.ResultDraw {
		return m.texts.Text(msgcat.KeyGameOverDraw, map[string]string{"Reason": reason})
	}
	return m.texts.Text(msgcat.KeyGameOverUnknown, nil)
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
