package rules

import "strings"

// SamePosition compares two canonical positions field by field.
//
// An en-passant target is only kept when a pawn of the side to move can
// actually capture onto it: some rules libraries always emit the target after
// a double push, others only when the capture is available.
func SamePosition(a, b string) bool {
	fa, okA := canonicalFields(a)
	fb, okB := canonicalFields(b)
	if !okA || !okB {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return fa == fb
}

func canonicalFields(position string) ([6]string, bool) {
	var out [6]string
	parts := strings.Fields(Normalize(position))
	if len(parts) < 4 || len(parts) > 6 {
		return out, false
	}
	copy(out[:], parts)
	if out[4] == "" {
		out[4] = "0"
	}
	if out[5] == "" {
		out[5] = "1"
	}
	if out[3] != "-" && !epCapturable(out[0], out[1], out[3]) {
		out[3] = "-"
	}
	return out, true
}

// epCapturable reports whether side can capture en passant onto target.
func epCapturable(placement, side, target string) bool {
	if len(target) != 2 || target[0] < 'a' || target[0] > 'h' {
		return false
	}
	var pawn byte
	var rank int // rank index (0 = rank 1) where capturing pawns stand
	switch {
	case side == "w" && target[1] == '6':
		pawn, rank = 'P', 4
	case side == "b" && target[1] == '3':
		pawn, rank = 'p', 3
	default:
		return false
	}
	board, ok := expandPlacement(placement)
	if !ok {
		return false
	}
	file := int(target[0] - 'a')
	for _, df := range []int{-1, 1} {
		f := file + df
		if f < 0 || f > 7 {
			continue
		}
		if board[rank][f] == pawn {
			return true
		}
	}
	return false
}

// expandPlacement converts the placement field into board[rank][file].
func expandPlacement(placement string) ([8][8]byte, bool) {
	var board [8][8]byte
	rows := strings.Split(placement, "/")
	if len(rows) != 8 {
		return board, false
	}
	for i, row := range rows {
		rank := 7 - i
		file := 0
		for j := 0; j < len(row); j++ {
			c := row[j]
			if c >= '1' && c <= '8' {
				file += int(c - '0')
				continue
			}
			if file > 7 {
				return board, false
			}
			board[rank][file] = c
			file++
		}
		if file != 8 {
			return board, false
		}
	}
	return board, true
}
