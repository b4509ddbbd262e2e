package session

import (
	"context"
	"errors"

	"github.com/park285/chess98-live/internal/clock"
	"github.com/park285/chess98-live/internal/protocol"
)

// Local rejections. None of them reach the channel.
var (
	ErrNotActive        = errors.New("session not active")
	ErrNotYourTurn      = errors.New("not your turn")
	ErrMoveInFlight     = errors.New("move already in flight")
	ErrNotConnected     = errors.New("not connected")
	ErrResyncing        = errors.New("waiting for server snapshot")
	ErrNoDrawOffer      = errors.New("no draw offer pending")
	ErrDrawOfferPending = errors.New("draw offer already pending")
	ErrOpponentAway     = errors.New("opponent not connected")
	ErrEmptyChat        = errors.New("empty chat message")
	ErrBadSnapshot      = errors.New("bad server snapshot")
	ErrClosed           = errors.New("session closed")
)

type Phase string

const (
	PhaseConnecting       Phase = "connecting"
	PhaseAwaitingOpponent Phase = "awaiting_opponent"
	PhaseActive           Phase = "active"
	PhaseFinished         Phase = "finished"
	PhaseCanceled         Phase = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return p == PhaseFinished || p == PhaseCanceled }

// Presence is what we know about the opponent's connection.
type Presence string

const (
	PresenceUnknown   Presence = "unknown"
	PresenceWaiting   Presence = "waiting"
	PresenceConnected Presence = "connected"
)

// Identity is the local player. It is fixed for the life of a session.
type Identity struct {
	PlayerID string
	Username string
	Color    protocol.Color
}

// Outbox transmits one outbound frame. *channel.Client satisfies it.
type Outbox interface {
	Send(ctx context.Context, msg protocol.Outbound) error
}

// Texts renders system chat lines. *msgcat.Catalog satisfies it.
type Texts interface {
	Text(key string, data any) string
}

// ChatLine is one entry of the append-only chat log.
type ChatLine struct {
	From      string `json:"from,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
	System    bool   `json:"system,omitempty"`
}

// Premove is a move queued while it is not the local player's turn.
type Premove struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

func (p Premove) UCI() string {
	return protocol.Move{From: p.From, To: p.To, Promotion: p.Promotion}.String()
}

// View is a read-only copy of the derived session state.
type View struct {
	GameID            string               `json:"game_id,omitempty"`
	Identity          Identity             `json:"-"`
	Phase             Phase                `json:"phase"`
	MoveInFlight      bool                 `json:"move_in_flight"`
	InFlightUCI       string               `json:"in_flight_uci,omitempty"`
	ConfirmedPosition string               `json:"confirmed_position"`
	LocalPosition     string               `json:"local_position"`
	Turn              protocol.Color       `json:"turn,omitempty"`
	MyTurn            bool                 `json:"my_turn"`
	Clocks            clock.State          `json:"clocks"`
	Connected         bool                 `json:"connected"`
	Reconnecting      bool                 `json:"reconnecting"`
	Resyncing         bool                 `json:"resyncing"`
	Opponent          Presence             `json:"opponent"`
	DrawOfferFrom     string               `json:"draw_offer_from,omitempty"`
	DrawOfferSent     bool                 `json:"draw_offer_sent"`
	LastMoveUCI       string               `json:"last_move_uci,omitempty"`
	LastMoveSAN       string               `json:"last_move_san,omitempty"`
	Premove           *Premove             `json:"premove,omitempty"`
	Result            protocol.Result      `json:"result,omitempty"`
	Termination       protocol.Termination `json:"termination,omitempty"`
	WhiteRatingChange *int                 `json:"white_rating_change,omitempty"`
	BlackRatingChange *int                 `json:"black_rating_change,omitempty"`
	SnapshotCount     int                  `json:"snapshot_count"`
	Chat              []ChatLine           `json:"chat,omitempty"`
}

// RatingChange returns the local player's rating delta once the game is over.
func (v View) RatingChange() (int, bool) {
	var p *int
	switch v.Identity.Color {
	case protocol.White:
		p = v.WhiteRatingChange
	case protocol.Black:
		p = v.BlackRatingChange
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}
