package protocol

// Outbound is a client → server frame. Fields not used by a message type are omitted.
type Outbound struct {
	Type     MessageType `json:"type"`
	UCI      string      `json:"uci,omitempty"`
	Username string      `json:"username,omitempty"`
	Message  string      `json:"message,omitempty"`
}

func MoveMessage(uci string) Outbound { return Outbound{Type: TypeMove, UCI: uci} }
func ResignMessage() Outbound         { return Outbound{Type: TypeResign} }
func DrawOfferMessage() Outbound      { return Outbound{Type: TypeDrawOffer} }
func DrawDeclineMessage() Outbound    { return Outbound{Type: TypeDrawDecline} }
func DrawAcceptMessage() Outbound     { return Outbound{Type: TypeDrawAccept} }
func CheckTimeoutMessage() Outbound   { return Outbound{Type: TypeCheckTimeout} }

func ChatOutMessage(username, message string) Outbound {
	return Outbound{Type: TypeChatMessage, Username: username, Message: message}
}
