package channel

import "github.com/park285/chess98-live/internal/protocol"

// Handlers receives decoded inbound messages. Callbacks run on the read
// goroutine in arrival order; a nil callback drops that kind.
type Handlers struct {
	OnWaiting             func(protocol.WaitingForOpponent)
	OnGameStart           func(protocol.GameStart)
	OnReconnected         func(protocol.Reconnected)
	OnMoveMade            func(protocol.MoveMade)
	OnGameOver            func(protocol.GameOver)
	OnDrawOffer           func(protocol.DrawOffer)
	OnDrawOfferDeclined   func(protocol.DrawOfferDeclined)
	OnChat                func(protocol.ChatMessage)
	OnServerError         func(protocol.ServerError)
	OnOpponentReconnected func(protocol.OpponentReconnected)
	OnCanceled            func(protocol.GameCanceled)

	// OnClose reports transport loss. Not called after Disconnect.
	OnClose func(err error)
	// OnMalformed reports a frame that could not be decoded. The connection stays open.
	OnMalformed func(raw []byte, err error)
}

func (h Handlers) dispatch(msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.WaitingForOpponent:
		if h.OnWaiting != nil {
			h.OnWaiting(m)
		}
	case protocol.GameStart:
		if h.OnGameStart != nil {
			h.OnGameStart(m)
		}
	case protocol.Reconnected:
		if h.OnReconnected != nil {
			h.OnReconnected(m)
		}
	case protocol.MoveMade:
		if h.OnMoveMade != nil {
			h.OnMoveMade(m)
		}
	case protocol.GameOver:
		if h.OnGameOver != nil {
			h.OnGameOver(m)
		}
	case protocol.DrawOffer:
		if h.OnDrawOffer != nil {
			h.OnDrawOffer(m)
		}
	case protocol.DrawOfferDeclined:
		if h.OnDrawOfferDeclined != nil {
			h.OnDrawOfferDeclined(m)
		}
	case protocol.ChatMessage:
		if h.OnChat != nil {
			h.OnChat(m)
		}
	case protocol.ServerError:
		if h.OnServerError != nil {
			h.OnServerError(m)
		}
	case protocol.OpponentReconnected:
		if h.OnOpponentReconnected != nil {
			h.OnOpponentReconnected(m)
		}
	case protocol.GameCanceled:
		if h.OnCanceled != nil {
			h.OnCanceled(m)
		}
	}
}
