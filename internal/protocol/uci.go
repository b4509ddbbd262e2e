package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var ErrBadUCI = errors.New("malformed uci move")

// Move is a square pair plus optional promotion, e.g. e7e8q.
type Move struct {
	From      string
	To        string
	Promotion string // "", or one of q r b n
}

func (m Move) String() string {
	return m.From + m.To + m.Promotion
}

// ParseUCI parses the 4 or 5 character encoding. Input is lower-cased first.
func ParseUCI(s string) (Move, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 4 && len(s) != 5 {
		return Move{}, fmt.Errorf("%w: %q", ErrBadUCI, s)
	}
	m := Move{From: s[0:2], To: s[2:4]}
	if len(s) == 5 {
		m.Promotion = s[4:5]
	}
	if err := m.Validate(); err != nil {
		return Move{}, err
	}
	return m, nil
}

// Validate checks square names and the promotion letter.
func (m Move) Validate() error {
	if !ValidSquare(m.From) || !ValidSquare(m.To) {
		return fmt.Errorf("%w: bad square in %q", ErrBadUCI, m.String())
	}
	if m.From == m.To {
		return fmt.Errorf("%w: null move %q", ErrBadUCI, m.String())
	}
	if m.Promotion != "" && !ValidPromotion(m.Promotion) {
		return fmt.Errorf("%w: bad promotion %q", ErrBadUCI, m.Promotion)
	}
	return nil
}

// ValidSquare reports whether s names a square on the 8×8 grid (a1..h8).
func ValidSquare(s string) bool {
	if len(s) != 2 {
		return false
	}
	return s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}

func ValidPromotion(p string) bool {
	switch p {
	case "q", "r", "b", "n":
		return true
	default:
		return false
	}
}
