package gameapi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/park285/chess98-live/internal/protocol"
)

var (
	ErrNotFound       = errors.New("game not found")
	ErrBadTimeControl = errors.New("bad time control")
)

type Profile struct {
	DisplayName string         `json:"display_name"`
	Ratings     map[string]int `json:"ratings"`
}

type Player struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Profile  *Profile `json:"profile,omitempty"`
}

// Game is the REST game resource.
type Game struct {
	ID                string `json:"id"`
	TimeControl       string `json:"time_control"`
	TimeControlStr    string `json:"time_control_str"`
	Status            string `json:"status"`
	Result            string `json:"result,omitempty"`
	Termination       string `json:"termination,omitempty"`
	WhiteRating       int    `json:"white_rating"`
	BlackRating       int    `json:"black_rating"`
	WhiteRatingChange *int   `json:"white_rating_change,omitempty"`
	BlackRatingChange *int   `json:"black_rating_change,omitempty"`
	InitialFEN        string `json:"initial_fen"`
	FinalFEN          string `json:"final_fen,omitempty"`
	Opening           string `json:"opening,omitempty"`
	ECOCode           string `json:"eco_code,omitempty"`

	WhitePlayer *Player `json:"white_player,omitempty"`
	BlackPlayer *Player `json:"black_player,omitempty"`
	// some deployments serialize by field name instead of alias
	White *Player `json:"white,omitempty"`
	Black *Player `json:"black,omitempty"`
}

func (g Game) WhiteSide() *Player {
	if g.WhitePlayer != nil {
		return g.WhitePlayer
	}
	return g.White
}

func (g Game) BlackSide() *Player {
	if g.BlackPlayer != nil {
		return g.BlackPlayer
	}
	return g.Black
}

// ColorOf returns the side playerID plays in this game.
func (g Game) ColorOf(playerID string) (protocol.Color, bool) {
	id := strings.ToLower(strings.TrimSpace(playerID))
	if w := g.WhiteSide(); w != nil && strings.ToLower(w.ID) == id {
		return protocol.White, true
	}
	if b := g.BlackSide(); b != nil && strings.ToLower(b.ID) == id {
		return protocol.Black, true
	}
	return "", false
}

// Opponent returns the other player, if known.
func (g Game) Opponent(playerID string) *Player {
	c, ok := g.ColorOf(playerID)
	if !ok {
		return nil
	}
	if c == protocol.White {
		return g.BlackSide()
	}
	return g.WhiteSide()
}

// ParseTimeControl reads "minutes+increment", e.g. "5+3" → 300s base, 3s increment.
func ParseTimeControl(tc string) (initial, increment int, err error) {
	parts := strings.Split(strings.TrimSpace(tc), "+")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadTimeControl, tc)
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || minutes < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadTimeControl, tc)
	}
	inc, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || inc < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadTimeControl, tc)
	}
	return minutes * 60, inc, nil
}

// GameSummary is one entry of a player's finished games.
type GameSummary struct {
	ID             string `json:"id"`
	TimeControl    string `json:"time_control"`
	TimeControlStr string `json:"time_control_str"`
	Opponent       struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Rating   int    `json:"rating"`
	} `json:"opponent"`
	PlayerColor   protocol.Color `json:"player_color"`
	Result        string         `json:"result"`
	EndReason     string         `json:"end_reason"`
	Date          string         `json:"date"`
	Moves         int            `json:"moves"`
	RatingChange  int            `json:"rating_change"`
	FinalPosition string         `json:"final_position,omitempty"`
}
