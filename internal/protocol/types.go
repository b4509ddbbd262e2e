package protocol

// Color identifies a chess side as it appears on the wire.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opposite returns the other side. Unknown colors map to themselves.
func (c Color) Opposite() Color {
	switch c {
	case White:
		return Black
	case Black:
		return White
	default:
		return c
	}
}

func (c Color) Valid() bool { return c == White || c == Black }

// Result is the final outcome carried by game_over.
type Result string

const (
	ResultWhiteWin Result = "white_win"
	ResultBlackWin Result = "black_win"
	ResultDraw     Result = "draw"
)

// Winner returns the winning side, or false for a draw or unknown result.
func (r Result) Winner() (Color, bool) {
	switch r {
	case ResultWhiteWin:
		return White, true
	case ResultBlackWin:
		return Black, true
	default:
		return "", false
	}
}

// Termination is the enumerated cause of a game ending.
type Termination string

const (
	TerminationCheckmate            Termination = "checkmate"
	TerminationResignation          Termination = "resignation"
	TerminationTimeout              Termination = "timeout"
	TerminationDrawAgreement        Termination = "draw_agreement"
	TerminationStalemate            Termination = "stalemate"
	TerminationInsufficientMaterial Termination = "insufficient_material"
	TerminationFiftyMoveRule        Termination = "fifty_move_rule"
	TerminationThreefoldRepetition  Termination = "threefold_repetition"
)

// MessageType is the "type" discriminator of every frame.
type MessageType string

// inbound (server → client)
const (
	TypeWaitingForOpponent  MessageType = "waiting_for_opponent"
	TypeGameStart           MessageType = "game_start"
	TypeReconnected         MessageType = "reconnected"
	TypeMoveMade            MessageType = "move_made"
	TypeGameOver            MessageType = "game_over"
	TypeDrawOffer           MessageType = "draw_offer"
	TypeDrawOfferDeclined   MessageType = "draw_offer_declined"
	TypeChatMessage         MessageType = "chat_message"
	TypeError               MessageType = "error"
	TypeOpponentReconnected MessageType = "opponent_reconnected"
	TypeGameCanceled        MessageType = "game_canceled"
)

// outbound only (client → server); draw_offer and chat_message are shared with inbound.
const (
	TypeMove         MessageType = "move"
	TypeResign       MessageType = "resign"
	TypeDrawDecline  MessageType = "draw_decline"
	TypeDrawAccept   MessageType = "draw_accept"
	TypeCheckTimeout MessageType = "check_timeout"
)
