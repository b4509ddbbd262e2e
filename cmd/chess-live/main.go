package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/park285/chess98-live/internal/analysis"
	"github.com/park285/chess98-live/internal/channel"
	appcfg "github.com/park285/chess98-live/internal/config"
	"github.com/park285/chess98-live/internal/gameapi"
	"github.com/park285/chess98-live/internal/msgcat"
	"github.com/park285/chess98-live/internal/obslog"
	"github.com/park285/chess98-live/internal/protocol"
	"github.com/park285/chess98-live/internal/session"
	"github.com/park285/chess98-live/internal/sessionstore"
	"go.uber.org/zap"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	headers := func() map[string]string {
		h := map[string]string{}
		if cfg.AuthToken != "" {
			h["Authorization"] = "Bearer " + cfg.AuthToken
		}
		return h
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *sessionstore.Store
	if cfg.RedisURL != "" {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		store, err = sessionstore.Open(sctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatalf("session store init error: %v", err)
		}
		defer store.Close()
	}

	gameID := cfg.GameID
	if gameID == "" && store != nil {
		if gameID, err = store.LastGame(ctx, cfg.PlayerID); err != nil {
			log.Fatalf("last game lookup error: %v", err)
		}
	}
	if gameID == "" {
		log.Fatal("CHESS_GAME_ID is required (no remembered game to resume)")
	}

	api := gameapi.NewClient(cfg.APIBaseURL, gameapi.WithHeaderProvider(headers), gameapi.WithTimeout(8*time.Second))
	lctx, lcancel := context.WithTimeout(ctx, 10*time.Second)
	game, err := api.GetGame(lctx, gameID)
	lcancel()
	if err != nil {
		log.Fatalf("game lookup error: %v", err)
	}
	color, ok := game.ColorOf(cfg.PlayerID)
	if !ok {
		log.Fatalf("player %s is not seated in game %s", cfg.PlayerID, gameID)
	}
	initial, increment, err := gameapi.ParseTimeControl(game.TimeControl)
	if err != nil {
		log.Fatalf("game %s: %v", gameID, err)
	}
	if store != nil {
		if err := store.SetLastGame(ctx, cfg.PlayerID, game.ID); err != nil {
			logger.Warn("last_game_save_failed", zap.Error(err))
		}
	}

	username := cfg.Username
	if username == "" {
		username = seatName(game, color)
	}

	ch := channel.NewClient(cfg.WSBaseURL, channel.Options{
		HeaderProvider: headers,
		SendTimeout:    cfg.SendTimeout(),
		Logger:         logger,
	})

	scfg := session.Config{
		Machine: session.MachineConfig{
			GameID:       game.ID,
			Identity:     session.Identity{PlayerID: cfg.PlayerID, Username: username, Color: color},
			Increment:    increment,
			InitialWhite: initial,
			InitialBlack: initial,
			Texts:        msgcat.MustDefault(),
		},
		Transport:            ch,
		Logger:               logger,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		ReconnectDelay:       cfg.ReconnectDelay(),
	}
	if store != nil {
		scfg.Store = store
	}
	sess, err := session.New(scfg)
	if err != nil {
		log.Fatalf("session init error: %v", err)
	}
	if err := sess.Start(ctx); err != nil {
		// the runner keeps retrying in the background
		logger.Warn("first_dial_failed", zap.Error(err))
	}
	defer sess.Close()

	var engine *analysis.Engine
	if cfg.StockfishPath != "" {
		engine, err = analysis.NewEngine(ctx, cfg.StockfishPath, analysis.Options{Depth: cfg.AnalysisDepth, Logger: logger})
		if err != nil {
			logger.Warn("analysis_disabled", zap.Error(err))
		} else {
			defer engine.Close()
		}
	}

	opp := game.Opponent(cfg.PlayerID)
	if opp != nil {
		fmt.Printf("game %s (%s) as %s vs %s\n", game.ID, game.TimeControl, color, opp.Username)
	}
	fmt.Println(helpText)

	go screen(ctx, sess, engine, logger)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd, err := parseCommand(line)
			if err != nil {
				fmt.Println(err)
				continue
			}
			if cmd.kind == cmdHistory {
				printHistory(ctx, api, cfg.PlayerID)
				continue
			}
			msg, err := execute(ctx, sess, cmd)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Println("error:", err)
			} else if msg != "" {
				fmt.Println(msg)
			}
		}
	}
}

type evaluation struct {
	fen   string
	score *analysis.Score
}

// screen redraws on every published view and evaluates each new confirmed
// position off the session loop, one search at a time.
func screen(ctx context.Context, sess *session.Session, engine *analysis.Engine, logger *zap.Logger) {
	var (
		score   *analysis.Score
		scored  string
		pending string
		results = make(chan evaluation, 1)
	)
	maybeEvaluate := func(fen string) {
		if engine == nil || pending != "" || fen == "" || fen == scored {
			return
		}
		pending = fen
		go func() {
			sc, err := engine.Evaluate(ctx, fen)
			if err != nil {
				logger.Debug("analysis_failed", zap.Error(err))
				results <- evaluation{fen: fen}
				return
			}
			results <- evaluation{fen: fen, score: &sc}
		}()
	}
	draw := func(v session.View) {
		if scored != v.ConfirmedPosition {
			score = nil
		}
		fmt.Print("\n" + renderView(v, score))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case r := <-results:
			pending = ""
			scored, score = r.fen, r.score
			v := sess.View()
			draw(v)
			maybeEvaluate(v.ConfirmedPosition)
		case v := <-sess.Updates():
			maybeEvaluate(v.ConfirmedPosition)
			draw(v)
		}
	}
}

func seatName(g *gameapi.Game, c protocol.Color) string {
	p := g.WhiteSide()
	if c == protocol.Black {
		p = g.BlackSide()
	}
	if p == nil {
		return ""
	}
	return p.Username
}

func printHistory(ctx context.Context, api *gameapi.Client, playerID string) {
	hctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	games, err := api.UserGames(hctx, playerID, 1, 10)
	if err != nil {
		fmt.Println("history error:", err)
		return
	}
	if len(games) == 0 {
		fmt.Println("no finished games")
		return
	}
	for _, g := range games {
		fmt.Printf("%s  %-5s %-5s vs %-16s %-5s %-12s %+d\n",
			g.Date, g.TimeControl, g.PlayerColor, g.Opponent.Username, g.Result, g.EndReason, g.RatingChange)
	}
}
