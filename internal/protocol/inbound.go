package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMissingType = errors.New("message type missing")
)

// Inbound is any decoded server → client message.
type Inbound interface {
	MessageType() MessageType
}

type WaitingForOpponent struct{}

// GameStart is the authoritative snapshot sent when both players are present,
// and again after every reconnect.
type GameStart struct {
	GameID          string `json:"game_id,omitempty"`
	InitialFEN      string `json:"initial_fen,omitempty"`
	InitialPosition string `json:"initial_position,omitempty"`
	YourTime        int    `json:"your_time"`
	OpponentTime    int    `json:"opponent_time"`
	Turn            Color  `json:"turn,omitempty"`
}

// Position returns the snapshot position whichever field the server used.
func (g GameStart) Position() string {
	if p := strings.TrimSpace(g.InitialFEN); p != "" {
		return p
	}
	return strings.TrimSpace(g.InitialPosition)
}

type Reconnected struct {
	Message string `json:"message"`
}

// MoveMade is the server's confirmation of a move by either side.
// Times are optional: a degenerate server may echo only the position.
type MoveMade struct {
	UCI       string `json:"uci"`
	SAN       string `json:"san"`
	FEN       string `json:"fen"`
	Turn      Color  `json:"turn"`
	WhiteTime *int   `json:"white_time,omitempty"`
	BlackTime *int   `json:"black_time,omitempty"`
}

// HasTimes reports whether both authoritative clock values are present.
func (m MoveMade) HasTimes() bool { return m.WhiteTime != nil && m.BlackTime != nil }

type GameOver struct {
	Result            Result      `json:"result"`
	Termination       Termination `json:"termination"`
	WhiteRatingChange *int        `json:"white_rating_change,omitempty"`
	BlackRatingChange *int        `json:"black_rating_change,omitempty"`
}

type DrawOffer struct {
	From string `json:"from"`
}

type DrawOfferDeclined struct {
	From string `json:"from"`
}

type ChatMessage struct {
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ServerError reports that the server refused the client's last request.
type ServerError struct {
	Message string `json:"message"`
}

type OpponentReconnected struct {
	UserID string `json:"user_id"`
}

type GameCanceled struct {
	Reason string `json:"reason,omitempty"`
}

func (WaitingForOpponent) MessageType() MessageType  { return TypeWaitingForOpponent }
func (GameStart) MessageType() MessageType           { return TypeGameStart }
func (Reconnected) MessageType() MessageType         { return TypeReconnected }
func (MoveMade) MessageType() MessageType            { return TypeMoveMade }
func (GameOver) MessageType() MessageType            { return TypeGameOver }
func (DrawOffer) MessageType() MessageType           { return TypeDrawOffer }
func (DrawOfferDeclined) MessageType() MessageType   { return TypeDrawOfferDeclined }
func (ChatMessage) MessageType() MessageType         { return TypeChatMessage }
func (ServerError) MessageType() MessageType         { return TypeError }
func (OpponentReconnected) MessageType() MessageType { return TypeOpponentReconnected }
func (GameCanceled) MessageType() MessageType        { return TypeGameCanceled }

type envelope struct {
	Type MessageType `json:"type"`
}

// Decode parses one JSON text frame into its typed message.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return nil, ErrMissingType
	}

	var msg Inbound
	switch env.Type {
	case TypeWaitingForOpponent:
		return WaitingForOpponent{}, nil
	case TypeGameStart:
		var m GameStart
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	case TypeReconnected:
		var m Reconnected
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	case TypeMoveMade:
		var m MoveMade
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	case TypeGameOver:
		var m GameOver
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	case TypeDrawOffer:
		var m DrawOffer
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	case TypeDrawOfferDeclined:
		var m DrawOfferDeclined
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	case TypeChatMessage:
		var m ChatMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	case TypeError:
		var m ServerError
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	case TypeOpponentReconnected:
		var m OpponentReconnected
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	case TypeGameCanceled:
		var m GameCanceled
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return msg, nil
}
