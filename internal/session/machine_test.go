package session

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/park285/chess98-live/internal/protocol"
	"github.com/park285/chess98-live/internal/rules"
)

const (
	whiteID = "11111111-1111-1111-1111-111111111111"
	blackID = "22222222-2222-2222-2222-222222222222"

	afterE4   = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
	afterE4E5 = "rnbqkbnr/pppp1ppp/8/4p3/4P3/8/PPPP1PPP/RNBQKBNR w KQkq - 0 2"
)

type fakeOutbox struct {
	sent []protocol.Outbound
	err  error
}

func (f *fakeOutbox) Send(_ context.Context, msg protocol.Outbound) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeOutbox) types() []protocol.MessageType {
	out := make([]protocol.MessageType, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Type)
	}
	return out
}

func fixedNow() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func newMachine(color protocol.Color, out *fakeOutbox) *Machine {
	id := Identity{PlayerID: whiteID, Username: "alice", Color: color}
	if color == protocol.Black {
		id = Identity{PlayerID: blackID, Username: "bob", Color: color}
	}
	return NewMachine(MachineConfig{
		GameID:       "game-1",
		Identity:     id,
		Increment:    5,
		InitialWhite: 600,
		InitialBlack: 600,
		Outbox:       out,
		Now:          fixedNow,
	})
}

// newActive returns a machine that received open and a start-position snapshot.
func newActive(t *testing.T, color protocol.Color, out *fakeOutbox) *Machine {
	t.Helper()
	m := newMachine(color, out)
	m.HandleOpen()
	m.HandleWaiting()
	err := m.HandleGameStart(context.Background(), protocol.GameStart{
		InitialFEN:   "startpos",
		YourTime:     600,
		OpponentTime: 600,
		Turn:         protocol.White,
	})
	if err != nil {
		t.Fatalf("HandleGameStart: %v", err)
	}
	return m
}

func intPtr(v int) *int { return &v }

func assertOneClockRunning(t *testing.T, m *Machine) {
	t.Helper()
	v := m.View()
	if v.Phase != PhaseActive {
		return
	}
	if v.Clocks.White.Running == v.Clocks.Black.Running {
		t.Fatalf("exactly one clock must run while active: %+v", v.Clocks)
	}
	running := protocol.White
	if v.Clocks.Black.Running {
		running = protocol.Black
	}
	if running != v.Turn {
		t.Fatalf("running clock %s does not match turn %s", running, v.Turn)
	}
}

func TestMachine_PhasesBeforeStart(t *testing.T) {
	out := &fakeOutbox{}
	m := newMachine(protocol.White, out)
	if m.View().Phase != PhaseConnecting {
		t.Fatalf("initial phase %s", m.View().Phase)
	}
	m.HandleOpen()
	if m.View().Phase != PhaseAwaitingOpponent {
		t.Fatalf("phase after open %s", m.View().Phase)
	}
	m.HandleWaiting()
	m.HandleWaiting()
	v := m.View()
	if v.Opponent != PresenceWaiting || len(v.Chat) != 1 || v.Chat[0].Message != "Waiting for opponent to join..." {
		t.Fatalf("unexpected waiting view: %+v", v)
	}
	if _, err := m.SubmitMove(context.Background(), "e2", "e4", ""); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if err := m.OfferDraw(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if len(out.sent) != 0 {
		t.Fatalf("nothing may be sent before the game starts: %v", out.types())
	}
}

func TestMachine_SubmitAndConfirmMove(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.White, out)
	ctx := context.Background()

	res, err := m.SubmitMove(ctx, "e2", "e4", "")
	if err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}
	v := m.View()
	if !v.MoveInFlight || v.InFlightUCI != "e2e4" {
		t.Fatalf("expected move in flight: %+v", v)
	}
	if !rules.SamePosition(v.LocalPosition, afterE4) || v.LocalPosition != res.NewPosition {
		t.Fatalf("local position not updated: %q", v.LocalPosition)
	}
	if v.ConfirmedPosition != rules.StartPosition {
		t.Fatalf("confirmed position moved before confirmation: %q", v.ConfirmedPosition)
	}
	if len(out.sent) != 1 || out.sent[0] != protocol.MoveMessage("e2e4") {
		t.Fatalf("unexpected outbound: %+v", out.sent)
	}
	assertOneClockRunning(t, m)

	err = m.HandleMoveMade(ctx, protocol.MoveMade{
		UCI: "e2e4", SAN: "e4", FEN: afterE4, Turn: protocol.Black,
		WhiteTime: intPtr(598), BlackTime: intPtr(600),
	})
	if err != nil {
		t.Fatalf("HandleMoveMade: %v", err)
	}
	v = m.View()
	if v.Phase != PhaseActive || v.MoveInFlight || v.Turn != protocol.Black || v.MyTurn {
		t.Fatalf("unexpected view after confirmation: %+v", v)
	}
	if v.ConfirmedPosition != afterE4 || v.LocalPosition != afterE4 {
		t.Fatalf("positions not reconciled: %+v", v)
	}
	if v.Clocks.White.Remaining != 598 || !v.Clocks.Black.Running {
		t.Fatalf("clocks not updated: %+v", v.Clocks)
	}
	if v.LastMoveSAN != "e4" {
		t.Fatalf("last move %q", v.LastMoveSAN)
	}
	assertOneClockRunning(t, m)
}

func TestMachine_DuplicateMoveMadeIsNoop(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.Black, out)
	ctx := context.Background()
	ev := protocol.MoveMade{
		UCI: "e2e4", SAN: "e4", FEN: afterE4, Turn: protocol.Black,
		WhiteTime: intPtr(597), BlackTime: intPtr(600),
	}
	if err := m.HandleMoveMade(ctx, ev); err != nil {
		t.Fatalf("HandleMoveMade: %v", err)
	}
	once := m.View()
	if err := m.HandleMoveMade(ctx, ev); err != nil {
		t.Fatalf("HandleMoveMade duplicate: %v", err)
	}
	if twice := m.View(); !reflect.DeepEqual(once, twice) {
		t.Fatalf("duplicate changed state:\n%+v\n%+v", once, twice)
	}
}

func TestMachine_RepeatedPositionWithoutUCIIsNoop(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.White, out)
	ctx := context.Background()
	ev := protocol.MoveMade{FEN: afterE4}
	if err := m.HandleMoveMade(ctx, ev); err != nil {
		t.Fatalf("HandleMoveMade: %v", err)
	}
	once := m.View()
	if once.Clocks.White.Remaining != 605 || once.Clocks.Black.Remaining != 600 {
		t.Fatalf("expected one increment for white: %+v", once.Clocks)
	}
	if err := m.HandleMoveMade(ctx, ev); err != nil {
		t.Fatalf("HandleMoveMade repeat: %v", err)
	}
	if twice := m.View(); !reflect.DeepEqual(once, twice) {
		t.Fatalf("repeated position changed state:\n%+v\n%+v", once, twice)
	}
	assertOneClockRunning(t, m)
}

func TestMachine_LocalRejectionsSendNothing(t *testing.T) {
	ctx := context.Background()

	out := &fakeOutbox{}
	black := newActive(t, protocol.Black, out)
	if _, err := black.SubmitMove(ctx, "e7", "e5", ""); !errors.Is(err, ErrNotYourTurn) {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}

	white := newActive(t, protocol.White, out)
	if _, err := white.SubmitMove(ctx, "e2", "e5", ""); !errors.Is(err, rules.ErrIllegalMove) {
		t.Fatalf("expected ErrIllegalMove, got %v", err)
	}
	if _, err := white.SubmitMove(ctx, "e2", "e9", ""); !errors.Is(err, rules.ErrMalformedMove) {
		t.Fatalf("expected ErrMalformedMove, got %v", err)
	}
	if len(out.sent) != 0 {
		t.Fatalf("rejections must not send: %v", out.types())
	}

	if _, err := white.SubmitMove(ctx, "e2", "e4", ""); err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}
	if _, err := white.SubmitMove(ctx, "d2", "d4", ""); !errors.Is(err, ErrMoveInFlight) {
		t.Fatalf("expected ErrMoveInFlight, got %v", err)
	}
	if len(out.sent) != 1 {
		t.Fatalf("only the first move may be sent: %v", out.types())
	}
}

func TestMachine_SendFailureRollsBack(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.White, out)
	out.err = errors.New("broken pipe")
	if _, err := m.SubmitMove(context.Background(), "e2", "e4", ""); err == nil {
		t.Fatalf("expected send error")
	}
	v := m.View()
	if v.MoveInFlight || v.LocalPosition != v.ConfirmedPosition {
		t.Fatalf("failed send must leave no speculative state: %+v", v)
	}
}

func TestMachine_OwnDrawOfferEchoIgnored(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.White, out)
	m.HandleDrawOffer(protocol.DrawOffer{From: whiteID})
	if m.View().DrawOfferFrom != "" {
		t.Fatalf("own offer must not set a pending offer")
	}
	if err := m.AcceptDraw(context.Background()); !errors.Is(err, ErrNoDrawOffer) {
		t.Fatalf("expected ErrNoDrawOffer, got %v", err)
	}
	if len(out.sent) != 0 {
		t.Fatalf("nothing may be sent: %v", out.types())
	}
}

func TestMachine_DrawNegotiation(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.White, out)
	ctx := context.Background()

	m.HandleDrawOffer(protocol.DrawOffer{From: blackID})
	if m.View().DrawOfferFrom != blackID {
		t.Fatalf("pending offer not recorded")
	}
	if err := m.OfferDraw(ctx); !errors.Is(err, ErrDrawOfferPending) {
		t.Fatalf("counter-offer while one is pending: %v", err)
	}
	if err := m.DeclineDraw(ctx); err != nil {
		t.Fatalf("DeclineDraw: %v", err)
	}
	v := m.View()
	if v.DrawOfferFrom != "" || v.Chat[len(v.Chat)-1].Message != "Draw declined." {
		t.Fatalf("decline not reflected: %+v", v)
	}

	m.HandleDrawOffer(protocol.DrawOffer{From: blackID})
	if err := m.AcceptDraw(ctx); err != nil {
		t.Fatalf("AcceptDraw: %v", err)
	}
	if m.View().Phase != PhaseActive {
		t.Fatalf("accepting is a request; phase must wait for game_over")
	}
	want := []protocol.MessageType{protocol.TypeDrawDecline, protocol.TypeDrawAccept}
	if got := out.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %v want %v", got, want)
	}

	m.HandleGameOver(protocol.GameOver{Result: protocol.ResultDraw, Termination: protocol.TerminationDrawAgreement})
	v = m.View()
	if v.Phase != PhaseFinished || v.Chat[len(v.Chat)-1].Message != "Game drawn by agreement." {
		t.Fatalf("unexpected final view: %+v", v)
	}
}

func TestMachine_MoveClearsPendingDrawOffer(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.Black, out)
	ctx := context.Background()

	m.HandleDrawOffer(protocol.DrawOffer{From: whiteID})
	if m.View().DrawOfferFrom != whiteID {
		t.Fatalf("pending offer not recorded")
	}
	err := m.HandleMoveMade(ctx, protocol.MoveMade{
		UCI: "e2e4", SAN: "e4", FEN: afterE4, Turn: protocol.Black,
		WhiteTime: intPtr(598), BlackTime: intPtr(600),
	})
	if err != nil {
		t.Fatalf("HandleMoveMade: %v", err)
	}
	if got := m.View().DrawOfferFrom; got != "" {
		t.Fatalf("offer survived a move: %q", got)
	}
	if err := m.AcceptDraw(ctx); !errors.Is(err, ErrNoDrawOffer) {
		t.Fatalf("expected ErrNoDrawOffer, got %v", err)
	}
	if len(out.sent) != 0 {
		t.Fatalf("nothing may be sent: %v", out.types())
	}
}

func TestMachine_LocalOfferGuard(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.White, out)
	ctx := context.Background()

	if err := m.OfferDraw(ctx); err != nil {
		t.Fatalf("OfferDraw: %v", err)
	}
	if err := m.OfferDraw(ctx); !errors.Is(err, ErrDrawOfferPending) {
		t.Fatalf("second offer: %v", err)
	}
	m.HandleDrawDeclined(protocol.DrawOfferDeclined{From: blackID})
	if err := m.OfferDraw(ctx); err != nil {
		t.Fatalf("offer after decline: %v", err)
	}
	if _, err := m.SubmitMove(ctx, "e2", "e4", ""); err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}
	_ = m.HandleMoveMade(ctx, protocol.MoveMade{UCI: "e2e4", FEN: afterE4, Turn: protocol.Black})
	if m.View().DrawOfferSent {
		t.Fatalf("a confirmed move clears the local offer")
	}
}

func TestMachine_OfferDrawNeedsOpponent(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.White, out)
	m.HandleConnectionLost(errors.New("eof"))
	m.HandleOpen()
	if err := m.OfferDraw(context.Background()); !errors.Is(err, ErrResyncing) {
		t.Fatalf("expected ErrResyncing, got %v", err)
	}
	_ = m.HandleGameStart(context.Background(), protocol.GameStart{InitialFEN: "startpos", YourTime: 600, OpponentTime: 600})
	m.opponent = PresenceWaiting
	if err := m.OfferDraw(context.Background()); !errors.Is(err, ErrOpponentAway) {
		t.Fatalf("expected ErrOpponentAway, got %v", err)
	}
}

func TestMachine_ClockExpirySendsCheckTimeout(t *testing.T) {
	out := &fakeOutbox{}
	m := newMachine(protocol.Black, out)
	m.HandleOpen()
	ctx := context.Background()
	// white to move with 2 seconds left
	if err := m.HandleGameStart(ctx, protocol.GameStart{InitialFEN: "startpos", YourTime: 300, OpponentTime: 2, Turn: protocol.White}); err != nil {
		t.Fatalf("HandleGameStart: %v", err)
	}
	if v := m.View(); v.Clocks.White.Remaining != 2 || v.Clocks.Black.Remaining != 300 {
		t.Fatalf("snapshot times not mapped to colors: %+v", v.Clocks)
	}

	_ = m.Tick(ctx)
	if len(out.sent) != 0 {
		t.Fatalf("sent before expiry: %v", out.types())
	}
	_ = m.Tick(ctx)
	_ = m.Tick(ctx)
	want := []protocol.MessageType{protocol.TypeCheckTimeout, protocol.TypeCheckTimeout}
	if got := out.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %v want %v", got, want)
	}
	if m.View().Phase != PhaseActive {
		t.Fatalf("clock expiry must not end the game locally")
	}

	m.HandleConnectionLost(errors.New("eof"))
	_ = m.Tick(ctx)
	if len(out.sent) != 2 {
		t.Fatalf("check_timeout sent while disconnected")
	}

	m.HandleGameOver(protocol.GameOver{
		Result: protocol.ResultBlackWin, Termination: protocol.TerminationTimeout,
		WhiteRatingChange: intPtr(-8), BlackRatingChange: intPtr(8),
	})
	v := m.View()
	if v.Phase != PhaseFinished || v.Clocks.White.Running || v.Clocks.Black.Running {
		t.Fatalf("game over must stop both clocks: %+v", v)
	}
	if got := v.Chat[len(v.Chat)-1].Message; got != "White's time has run out. Black wins!" {
		t.Fatalf("game over line %q", got)
	}
	if d, ok := v.RatingChange(); !ok || d != 8 {
		t.Fatalf("rating change %d %v", d, ok)
	}
}

func TestMachine_ReconnectMidFlightResetsToSnapshot(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.White, out)
	ctx := context.Background()
	if _, err := m.SubmitMove(ctx, "e2", "e4", ""); err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}

	m.HandleConnectionLost(errors.New("connection reset"))
	v := m.View()
	if v.MoveInFlight || v.LocalPosition != v.ConfirmedPosition {
		t.Fatalf("speculative state kept after loss: %+v", v)
	}
	if v.Phase != PhaseActive || !v.Reconnecting || v.Opponent != PresenceUnknown {
		t.Fatalf("unexpected view after loss: %+v", v)
	}
	if _, err := m.SubmitMove(ctx, "d2", "d4", ""); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	m.HandleOpen()
	m.HandleReconnected(protocol.Reconnected{Message: "welcome back"})
	if _, err := m.SubmitMove(ctx, "d2", "d4", ""); !errors.Is(err, ErrResyncing) {
		t.Fatalf("expected ErrResyncing, got %v", err)
	}
	// a stale confirmation from before the loss is superseded by the snapshot
	_ = m.HandleMoveMade(ctx, protocol.MoveMade{UCI: "e2e4", FEN: afterE4, Turn: protocol.Black})

	if err := m.HandleGameStart(ctx, protocol.GameStart{InitialFEN: rules.StartPosition, YourTime: 590, OpponentTime: 600, Turn: protocol.White}); err != nil {
		t.Fatalf("HandleGameStart: %v", err)
	}
	v = m.View()
	if v.LocalPosition != rules.StartPosition || v.MoveInFlight || v.Reconnecting || v.Resyncing {
		t.Fatalf("snapshot not adopted: %+v", v)
	}
	if v.Opponent != PresenceConnected || v.Clocks.White.Remaining != 590 {
		t.Fatalf("presence or clocks not restored: %+v", v)
	}
	if len(out.sent) != 1 {
		t.Fatalf("the dropped move must not be resent: %v", out.types())
	}
}

func TestMachine_ServerErrorRollsBack(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.White, out)
	if _, err := m.SubmitMove(context.Background(), "e2", "e4", ""); err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}
	m.HandleServerError(protocol.ServerError{Message: "Not your turn"})
	v := m.View()
	if v.MoveInFlight || v.LocalPosition != rules.StartPosition {
		t.Fatalf("refused move not rolled back: %+v", v)
	}
	if v.Chat[len(v.Chat)-1].Message != "Server: Not your turn" {
		t.Fatalf("server error line %q", v.Chat[len(v.Chat)-1].Message)
	}
}

func TestMachine_DivergentConfirmationServerWins(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.White, out)
	ctx := context.Background()
	if _, err := m.SubmitMove(ctx, "e2", "e4", ""); err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}
	d4 := "rnbqkbnr/pppppppp/8/8/3P4/8/PPP1PPPP/RNBQKBNR b KQkq - 0 1"
	if err := m.HandleMoveMade(ctx, protocol.MoveMade{UCI: "d2d4", FEN: d4, Turn: protocol.Black}); err != nil {
		t.Fatalf("HandleMoveMade: %v", err)
	}
	v := m.View()
	if v.LocalPosition != d4 || v.ConfirmedPosition != d4 || v.MoveInFlight {
		t.Fatalf("server position not adopted: %+v", v)
	}
}

func TestMachine_PremoveReplayedOnTurn(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.White, out)
	ctx := context.Background()

	if _, err := m.SubmitMove(ctx, "e2", "e4", ""); err != nil {
		t.Fatalf("SubmitMove: %v", err)
	}
	if err := m.QueuePremove(ctx, "g1", "f3", ""); err != nil {
		t.Fatalf("QueuePremove: %v", err)
	}
	if p := m.View().Premove; p == nil || p.UCI() != "g1f3" {
		t.Fatalf("premove not stored: %+v", p)
	}
	_ = m.HandleMoveMade(ctx, protocol.MoveMade{UCI: "e2e4", FEN: afterE4, Turn: protocol.Black})
	if len(out.sent) != 1 {
		t.Fatalf("premove sent ahead of turn: %v", out.sent)
	}
	_ = m.HandleMoveMade(ctx, protocol.MoveMade{UCI: "e7e5", FEN: afterE4E5, Turn: protocol.White})
	v := m.View()
	if len(out.sent) != 2 || out.sent[1].UCI != "g1f3" {
		t.Fatalf("premove not replayed: %+v", out.sent)
	}
	if !v.MoveInFlight || v.Premove != nil {
		t.Fatalf("replayed premove should be in flight: %+v", v)
	}
}

func TestMachine_IllegalPremoveDropped(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.Black, out)
	ctx := context.Background()
	if err := m.QueuePremove(ctx, "e8", "e6", ""); err != nil {
		t.Fatalf("QueuePremove: %v", err)
	}
	if err := m.QueuePremove(ctx, "e8", "z6", ""); !errors.Is(err, rules.ErrMalformedMove) {
		t.Fatalf("expected ErrMalformedMove, got %v", err)
	}
	_ = m.HandleMoveMade(ctx, protocol.MoveMade{UCI: "e2e4", FEN: afterE4, Turn: protocol.Black})
	v := m.View()
	if len(out.sent) != 0 || v.Premove != nil || v.MoveInFlight {
		t.Fatalf("illegal premove must be dropped silently: sent=%v view=%+v", out.sent, v)
	}
}

func TestMachine_MoveWithoutTimesCreditsIncrement(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.Black, out)
	_ = m.Tick(context.Background()) // white 599
	_ = m.HandleMoveMade(context.Background(), protocol.MoveMade{UCI: "e2e4", FEN: afterE4, Turn: protocol.Black})
	v := m.View()
	if v.Clocks.White.Remaining != 604 || !v.Clocks.Black.Running {
		t.Fatalf("expected increment for the mover: %+v", v.Clocks)
	}
}

func TestMachine_Canceled(t *testing.T) {
	out := &fakeOutbox{}
	m := newMachine(protocol.White, out)
	m.HandleOpen()
	m.HandleWaiting()
	m.HandleCanceled(protocol.GameCanceled{Reason: "Opponent left."})
	v := m.View()
	if v.Phase != PhaseCanceled || v.Chat[len(v.Chat)-1].Message != "Game canceled. Opponent left." {
		t.Fatalf("unexpected canceled view: %+v", v)
	}
	m.HandleGameOver(protocol.GameOver{Result: protocol.ResultWhiteWin, Termination: protocol.TerminationResignation})
	_ = m.HandleGameStart(context.Background(), protocol.GameStart{InitialFEN: "startpos"})
	if m.View().Phase != PhaseCanceled {
		t.Fatalf("canceled must be absorbing")
	}
}

func TestMachine_ResignAndChat(t *testing.T) {
	out := &fakeOutbox{}
	m := newActive(t, protocol.White, out)
	ctx := context.Background()
	if err := m.SendChat(ctx, "   "); !errors.Is(err, ErrEmptyChat) {
		t.Fatalf("expected ErrEmptyChat, got %v", err)
	}
	if err := m.SendChat(ctx, " gl hf "); err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if err := m.Resign(ctx); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if out.sent[0] != protocol.ChatOutMessage("alice", "gl hf") || out.sent[1].Type != protocol.TypeResign {
		t.Fatalf("unexpected outbound: %+v", out.sent)
	}
	if m.View().Phase != PhaseActive {
		t.Fatalf("resign waits for game_over")
	}

	before := len(m.View().Chat)
	m.HandleChat(protocol.ChatMessage{From: "alice", Message: "gl hf", Timestamp: "2026-01-02T03:04:05Z"})
	v := m.View()
	if len(v.Chat) != before+1 || v.Chat[before].From != "alice" || v.Chat[before].System {
		t.Fatalf("chat not appended: %+v", v.Chat)
	}

	m.HandleGameOver(protocol.GameOver{Result: protocol.ResultBlackWin, Termination: protocol.TerminationResignation})
	if got := m.View().Chat[len(m.View().Chat)-1].Message; got != "White resigned. Black wins!" {
		t.Fatalf("resignation line %q", got)
	}
	if err := m.Resign(ctx); !errors.Is(err, ErrNotActive) {
		t.Fatalf("resign after game over: %v", err)
	}
}

func TestMachine_BadSnapshotRejected(t *testing.T) {
	out := &fakeOutbox{}
	m := newMachine(protocol.White, out)
	m.HandleOpen()
	err := m.HandleGameStart(context.Background(), protocol.GameStart{InitialFEN: "garbage"})
	if !errors.Is(err, ErrBadSnapshot) {
		t.Fatalf("expected ErrBadSnapshot, got %v", err)
	}
	if m.View().Phase != PhaseAwaitingOpponent {
		t.Fatalf("bad snapshot must not change phase")
	}
}

func TestMachine_RestoreChatKeepsOrder(t *testing.T) {
	m := newMachine(protocol.White, &fakeOutbox{})
	m.HandleOpen()
	m.HandleWaiting()
	m.RestoreChat([]ChatLine{{From: "bob", Message: "earlier"}})
	v := m.View()
	if len(v.Chat) != 2 || v.Chat[0].Message != "earlier" {
		t.Fatalf("restored lines must come first: %+v", v.Chat)
	}
}

func TestMachine_ChatKeptAfterGameOver(t *testing.T) {
	m := newActive(t, protocol.White, &fakeOutbox{})
	m.HandleGameOver(protocol.GameOver{Result: protocol.ResultDraw, Termination: protocol.TerminationDrawAgreement})
	before := len(m.View().Chat)
	m.HandleChat(protocol.ChatMessage{From: "bob", Message: "gg"})
	v := m.View()
	if len(v.Chat) != before+1 || v.Chat[before].Message != "gg" || v.Chat[before].Timestamp != "2026-01-02T03:04:05Z" {
		t.Fatalf("post-game chat not recorded: %+v", v.Chat)
	}
}

func TestMachine_SnapshotKeepsConfiguredGameID(t *testing.T) {
	m := newMachine(protocol.White, &fakeOutbox{})
	m.HandleOpen()
	err := m.HandleGameStart(context.Background(), protocol.GameStart{GameID: "game-2", InitialFEN: "startpos", YourTime: 600, OpponentTime: 600})
	if err != nil {
		t.Fatalf("HandleGameStart: %v", err)
	}
	if v := m.View(); v.GameID != "game-1" || v.Phase != PhaseActive {
		t.Fatalf("unexpected view: game=%q phase=%s", v.GameID, v.Phase)
	}
}
