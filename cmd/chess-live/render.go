package main

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"github.com/park285/chess98-live/internal/analysis"
	"github.com/park285/chess98-live/internal/protocol"
	"github.com/park285/chess98-live/internal/rules"
	"github.com/park285/chess98-live/internal/session"
)

const chatTail = 6

var (
	pieceValues = map[nchess.PieceType]int{
		nchess.Pawn:   1,
		nchess.Knight: 3,
		nchess.Bishop: 3,
		nchess.Rook:   5,
		nchess.Queen:  9,
	}
	initialCounts = map[nchess.PieceType]int{
		nchess.Pawn:   8,
		nchess.Knight: 2,
		nchess.Bishop: 2,
		nchess.Rook:   2,
		nchess.Queen:  1,
	}
	// most valuable first
	captureOrder = []nchess.PieceType{nchess.Queen, nchess.Rook, nchess.Bishop, nchess.Knight, nchess.Pawn}
)

func loadBoard(position string) (*nchess.Board, error) {
	opt, err := nchess.FEN(rules.Normalize(position))
	if err != nil {
		return nil, err
	}
	return nchess.NewGame(opt).Position().Board(), nil
}

func pieceLetter(p nchess.Piece) byte { return letterFor(p.Type(), p.Color()) }

func letterFor(pt nchess.PieceType, color nchess.Color) byte {
	var c byte
	switch pt {
	case nchess.King:
		c = 'k'
	case nchess.Queen:
		c = 'q'
	case nchess.Rook:
		c = 'r'
	case nchess.Bishop:
		c = 'b'
	case nchess.Knight:
		c = 'n'
	case nchess.Pawn:
		c = 'p'
	default:
		return '.'
	}
	if color == nchess.White {
		c -= 'a' - 'A'
	}
	return c
}

// renderBoard draws position from the given side, marking the squares of
// the last move with brackets.
func renderBoard(position string, from protocol.Color, lastUCI string) (string, error) {
	board, err := loadBoard(position)
	if err != nil {
		return "", err
	}
	marked := map[string]bool{}
	if mv, err := protocol.ParseUCI(lastUCI); err == nil {
		marked[mv.From], marked[mv.To] = true, true
	}

	ranks := []int{7, 6, 5, 4, 3, 2, 1, 0}
	files := []int{0, 1, 2, 3, 4, 5, 6, 7}
	if from == protocol.Black {
		ranks = []int{0, 1, 2, 3, 4, 5, 6, 7}
		files = []int{7, 6, 5, 4, 3, 2, 1, 0}
	}

	var sb strings.Builder
	for _, r := range ranks {
		fmt.Fprintf(&sb, "%d ", r+1)
		for _, f := range files {
			name := string([]byte{byte('a' + f), byte('1' + r)})
			ch := pieceLetter(board.Piece(nchess.NewSquare(nchess.File(f), nchess.Rank(r))))
			if marked[name] {
				fmt.Fprintf(&sb, "[%c]", ch)
			} else {
				fmt.Fprintf(&sb, " %c ", ch)
			}
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("  ")
	for _, f := range files {
		fmt.Fprintf(&sb, " %c ", 'a'+f)
	}
	sb.WriteByte('\n')
	return sb.String(), nil
}

// captured lists the pieces each side has taken and White's material lead.
func captured(position string) (byWhite, byBlack string, lead int, err error) {
	board, err := loadBoard(position)
	if err != nil {
		return "", "", 0, err
	}
	counts := map[nchess.Color]map[nchess.PieceType]int{nchess.White: {}, nchess.Black: {}}
	for _, p := range board.SquareMap() {
		counts[p.Color()][p.Type()]++
	}
	missing := func(c nchess.Color) (string, int) {
		var sb strings.Builder
		value := 0
		for _, pt := range captureOrder {
			for n := initialCounts[pt] - counts[c][pt]; n > 0; n-- {
				sb.WriteByte(letterFor(pt, c))
				value += pieceValues[pt]
			}
		}
		return sb.String(), value
	}
	lostBlack, blackLoss := missing(nchess.Black)
	lostWhite, whiteLoss := missing(nchess.White)
	return lostBlack, lostWhite, blackLoss - whiteLoss, nil
}

func formatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

func clockLine(label string, side protocol.Color, v session.View) string {
	s := v.Clocks.White
	if side == protocol.Black {
		s = v.Clocks.Black
	}
	marker := " "
	if s.Running {
		marker = "*"
	}
	return fmt.Sprintf("%s %-6s %s %s", marker, side, formatClock(s.Remaining), label)
}

func statusLine(v session.View) string {
	switch {
	case v.Reconnecting:
		return "reconnecting..."
	case v.Resyncing:
		return "resyncing..."
	case v.Phase == session.PhaseActive && v.MoveInFlight:
		return "sent " + v.InFlightUCI + ", waiting for server"
	case v.Phase == session.PhaseActive && v.MyTurn:
		return "your move"
	case v.Phase == session.PhaseActive:
		return "opponent to move"
	default:
		return string(v.Phase)
	}
}

// renderView is the full screen for one published view.
func renderView(v session.View, score *analysis.Score) string {
	me := v.Identity.Color
	if !me.Valid() {
		me = protocol.White
	}
	var sb strings.Builder
	sb.WriteString(clockLine("opponent", me.Opposite(), v))
	sb.WriteByte('\n')

	position := v.LocalPosition
	if position == "" {
		position = rules.StartPosition
	}
	if board, err := renderBoard(position, me, v.LastMoveUCI); err == nil {
		sb.WriteString(board)
	} else {
		fmt.Fprintf(&sb, "(unreadable position %q)\n", position)
	}
	sb.WriteString(clockLine("you", me, v))
	sb.WriteByte('\n')

	if byWhite, byBlack, lead, err := captured(position); err == nil && (byWhite != "" || byBlack != "") {
		fmt.Fprintf(&sb, "captured: white %s | black %s (%+d)\n", orDash(byWhite), orDash(byBlack), lead)
	}
	if v.LastMoveSAN != "" {
		fmt.Fprintf(&sb, "last move: %s\n", v.LastMoveSAN)
	}
	if score != nil {
		fmt.Fprintf(&sb, "eval: %s (depth %d, best %s)\n", whiteScore(*score, v.Turn), score.Depth, orDash(score.BestMove))
	}
	if v.Premove != nil {
		fmt.Fprintf(&sb, "premove: %s\n", v.Premove.UCI())
	}
	if v.DrawOfferFrom != "" {
		sb.WriteString("opponent offers a draw: accept / decline\n")
	}
	if delta, ok := v.RatingChange(); ok {
		fmt.Fprintf(&sb, "rating: %+d\n", delta)
	}
	fmt.Fprintf(&sb, "status: %s\n", statusLine(v))

	chat := v.Chat
	if len(chat) > chatTail {
		chat = chat[len(chat)-chatTail:]
	}
	for _, l := range chat {
		if l.System {
			fmt.Fprintf(&sb, "  * %s\n", l.Message)
		} else {
			fmt.Fprintf(&sb, "  <%s> %s\n", l.From, l.Message)
		}
	}
	return sb.String()
}

func whiteScore(s analysis.Score, turn protocol.Color) string {
	if s.Mate != 0 {
		m := s.Mate
		if turn == protocol.Black {
			m = -m
		}
		return fmt.Sprintf("#%d", m)
	}
	return fmt.Sprintf("%+.2f", float64(s.WhiteCP(turn != protocol.Black))/100)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
