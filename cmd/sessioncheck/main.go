package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/park285/chess98-live/internal/channel"
	appcfg "github.com/park285/chess98-live/internal/config"
	"github.com/park285/chess98-live/internal/gameapi"
	"github.com/park285/chess98-live/internal/protocol"
)

// sessioncheck looks the game up over REST, then opens the game socket and
// prints every inbound event for a short window. It never sends intents.
func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.GameID == "" {
		log.Fatal("CHESS_GAME_ID is required")
	}
	window := 10 * time.Second
	if v := os.Getenv("CHECK_WINDOW_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			window = time.Duration(n) * time.Second
		}
	}

	headers := func() map[string]string {
		m := map[string]string{}
		if cfg.AuthToken != "" {
			m["Authorization"] = "Bearer " + cfg.AuthToken
		}
		return m
	}

	api := gameapi.NewClient(cfg.APIBaseURL, gameapi.WithHeaderProvider(headers), gameapi.WithTimeout(8*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	game, err := api.GetGame(ctx, cfg.GameID)
	cancel()
	if err != nil {
		log.Printf("/games/%s error: %v", cfg.GameID, err)
	} else {
		color, seated := game.ColorOf(cfg.PlayerID)
		log.Printf("/games/%s ok: status=%s time_control=%s seated=%v color=%s", game.ID, game.Status, game.TimeControl, seated, color)
	}

	wsURL, err := channel.GameURL(cfg.WSBaseURL, cfg.GameID, cfg.PlayerID)
	if err != nil {
		log.Fatalf("ws url error: %v", err)
	}
	log.Printf("dialing %s", wsURL)

	closed := make(chan error, 1)
	ws := channel.NewClient(cfg.WSBaseURL, channel.Options{HeaderProvider: headers})
	h := channel.Handlers{
		OnWaiting: func(protocol.WaitingForOpponent) {
			fmt.Println("WS waiting_for_opponent")
		},
		OnGameStart: func(m protocol.GameStart) {
			fmt.Printf("WS game_start turn=%s fen=%q times=%d/%d\n", m.Turn, m.Position(), m.YourTime, m.OpponentTime)
		},
		OnReconnected: func(protocol.Reconnected) {
			fmt.Println("WS reconnected")
		},
		OnMoveMade: func(m protocol.MoveMade) {
			fmt.Printf("WS move_made uci=%s san=%s turn=%s\n", m.UCI, m.SAN, m.Turn)
		},
		OnGameOver: func(m protocol.GameOver) {
			fmt.Printf("WS game_over result=%s termination=%s\n", m.Result, m.Termination)
		},
		OnDrawOffer: func(m protocol.DrawOffer) {
			fmt.Printf("WS draw_offer from=%s\n", m.From)
		},
		OnDrawOfferDeclined: func(m protocol.DrawOfferDeclined) {
			fmt.Printf("WS draw_offer_declined from=%s\n", m.From)
		},
		OnChat: func(m protocol.ChatMessage) {
			fmt.Printf("WS chat from=%s text=%q\n", m.From, m.Message)
		},
		OnServerError: func(m protocol.ServerError) {
			fmt.Printf("WS error %q\n", m.Message)
		},
		OnOpponentReconnected: func(m protocol.OpponentReconnected) {
			fmt.Printf("WS opponent_reconnected user=%s\n", m.UserID)
		},
		OnCanceled: func(m protocol.GameCanceled) {
			fmt.Printf("WS game_canceled reason=%q\n", m.Reason)
		},
		OnMalformed: func(raw []byte, err error) {
			fmt.Printf("WS malformed %v: %q\n", err, raw)
		},
		OnClose: func(err error) {
			closed <- err
		},
	}

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := ws.Connect(cctx, cfg.GameID, cfg.PlayerID, h); err != nil {
		log.Printf("WS connect error: %v", err)
		return
	}

	t := time.NewTimer(window)
	defer t.Stop()
	select {
	case <-t.C:
	case err := <-closed:
		log.Printf("WS closed by server: %v", err)
		return
	}
	_ = ws.Disconnect()
}
