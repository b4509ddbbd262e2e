package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/chess98-live/internal/protocol"
)

var (
	ErrIllegalMove   = errors.New("illegal move")
	ErrMalformedMove = errors.New("malformed move")
)

// StartPosition is the canonical initial position. "startpos" is accepted as an alias.
const StartPosition = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Result describes a legal move applied to a position.
type Result struct {
	NewPosition string
	SAN         string
	UCI         string
	IsCheck     bool
	IsCapture   bool
	IsCastle    bool
	IsPromotion bool
	Promotion   string // lowercase piece letter, "" when not promoting
}

// Evaluator validates candidate moves against a position. It holds no state;
// every call is a pure function of (position, move).
type Evaluator struct{}

func NewEvaluator() *Evaluator { return &Evaluator{} }

// TryMove applies from→to (with optional promotion letter) to position.
// Ordinary illegal moves return ErrIllegalMove; bad square names, an unknown
// promotion letter or an unparsable position return ErrMalformedMove.
func (e *Evaluator) TryMove(position, from, to, promotion string) (Result, error) {
	mv := protocol.Move{
		From:      strings.ToLower(strings.TrimSpace(from)),
		To:        strings.ToLower(strings.TrimSpace(to)),
		Promotion: strings.ToLower(strings.TrimSpace(promotion)),
	}
	if err := mv.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedMove, err)
	}

	game, err := load(position)
	if err != nil {
		return Result{}, err
	}
	pos := game.Position()

	piece := pos.Board().Piece(squareOf(mv.From))
	if piece == nchess.NoPiece {
		return Result{}, fmt.Errorf("%w: no piece on %s", ErrIllegalMove, mv.From)
	}
	if piece.Color() != pos.Turn() {
		return Result{}, fmt.Errorf("%w: %s is not the side to move", ErrIllegalMove, mv.From)
	}
	promoting := piece.Type() == nchess.Pawn && isLastRank(mv.To, piece.Color())
	switch {
	case promoting && mv.Promotion == "":
		mv.Promotion = "q"
	case !promoting && mv.Promotion != "":
		return Result{}, fmt.Errorf("%w: %s cannot promote", ErrIllegalMove, mv.String())
	}

	uci := mv.String()
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	last := lastMove(game)
	if last == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}

	return Result{
		NewPosition: game.FEN(),
		SAN:         nchess.AlgebraicNotation{}.Encode(pos, last),
		UCI:         uci,
		IsCheck:     last.HasTag(nchess.Check),
		IsCapture:   last.HasTag(nchess.Capture) || last.HasTag(nchess.EnPassant),
		IsCastle:    last.HasTag(nchess.KingSideCastle) || last.HasTag(nchess.QueenSideCastle),
		IsPromotion: last.Promo() != nchess.NoPieceType,
		Promotion:   mv.Promotion,
	}, nil
}

// SideToMove returns the color to move in position.
func SideToMove(position string) (protocol.Color, error) {
	game, err := load(position)
	if err != nil {
		return "", err
	}
	if game.Position().Turn() == nchess.White {
		return protocol.White, nil
	}
	return protocol.Black, nil
}

// Validate reports whether position parses as a canonical position.
func Validate(position string) error {
	_, err := load(position)
	return err
}

// Normalize maps the "startpos" alias and blank input to StartPosition.
func Normalize(position string) string {
	p := strings.TrimSpace(position)
	if p == "" || p == "startpos" {
		return StartPosition
	}
	return p
}

func load(position string) (*nchess.Game, error) {
	opt, err := nchess.FEN(Normalize(position))
	if err != nil {
		return nil, fmt.Errorf("%w: position: %v", ErrMalformedMove, err)
	}
	return nchess.NewGame(opt), nil
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func squareOf(name string) nchess.Square {
	return nchess.NewSquare(nchess.File(name[0]-'a'), nchess.Rank(name[1]-'1'))
}

func isLastRank(square string, c nchess.Color) bool {
	if c == nchess.White {
		return square[1] == '8'
	}
	return square[1] == '1'
}
