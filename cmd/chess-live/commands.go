package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/park285/chess98-live/internal/protocol"
	"github.com/park285/chess98-live/internal/rules"
)

var (
	errUnknownCommand = errors.New("unknown command")
	errQuit           = errors.New("quit")
)

const helpText = `commands:
  <uci> | move <uci>     play a move, e.g. e2e4 or e7e8q
  pre <uci>              queue a premove
  unpre                  drop the queued premove
  draw                   offer a draw
  accept | decline       answer a draw offer
  resign                 resign the game
  say <text>             chat
  history                your recent games
  help                   this text
  quit                   leave (the game keeps running on the server)`

type commandKind int

const (
	cmdMove commandKind = iota + 1
	cmdPremove
	cmdClearPremove
	cmdOfferDraw
	cmdAcceptDraw
	cmdDeclineDraw
	cmdResign
	cmdChat
	cmdHistory
	cmdHelp
	cmdQuit
)

type command struct {
	kind commandKind
	move protocol.Move
	text string
}

// actions is the intent surface of session.Session.
type actions interface {
	SubmitMove(ctx context.Context, from, to, promotion string) (rules.Result, error)
	QueuePremove(ctx context.Context, from, to, promotion string) error
	ClearPremove(ctx context.Context) error
	OfferDraw(ctx context.Context) error
	AcceptDraw(ctx context.Context) error
	DeclineDraw(ctx context.Context) error
	Resign(ctx context.Context) error
	SendChat(ctx context.Context, text string) error
}

func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errUnknownCommand
	}
	head, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(head) {
	case "move", "m":
		mv, err := protocol.ParseUCI(rest)
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdMove, move: mv}, nil
	case "pre", "premove":
		mv, err := protocol.ParseUCI(rest)
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdPremove, move: mv}, nil
	case "unpre":
		return command{kind: cmdClearPremove}, nil
	case "draw":
		return command{kind: cmdOfferDraw}, nil
	case "accept":
		return command{kind: cmdAcceptDraw}, nil
	case "decline":
		return command{kind: cmdDeclineDraw}, nil
	case "resign":
		return command{kind: cmdResign}, nil
	case "say", "chat":
		if rest == "" {
			return command{}, fmt.Errorf("%s needs a message", head)
		}
		return command{kind: cmdChat, text: rest}, nil
	case "history":
		return command{kind: cmdHistory}, nil
	case "help", "?":
		return command{kind: cmdHelp}, nil
	case "quit", "exit":
		return command{kind: cmdQuit}, nil
	}
	if rest == "" {
		if mv, err := protocol.ParseUCI(head); err == nil {
			return command{kind: cmdMove, move: mv}, nil
		}
	}
	return command{}, fmt.Errorf("%w: %s", errUnknownCommand, head)
}

// execute runs an intent and returns a short acknowledgement. History, help
// and quit are handled by the caller.
func execute(ctx context.Context, a actions, c command) (string, error) {
	switch c.kind {
	case cmdMove:
		res, err := a.SubmitMove(ctx, c.move.From, c.move.To, c.move.Promotion)
		if err != nil {
			return "", err
		}
		return "played " + res.SAN, nil
	case cmdPremove:
		if err := a.QueuePremove(ctx, c.move.From, c.move.To, c.move.Promotion); err != nil {
			return "", err
		}
		return "premove " + c.move.String(), nil
	case cmdClearPremove:
		return "premove cleared", a.ClearPremove(ctx)
	case cmdOfferDraw:
		return "draw offered", a.OfferDraw(ctx)
	case cmdAcceptDraw:
		return "draw accepted", a.AcceptDraw(ctx)
	case cmdDeclineDraw:
		return "draw declined", a.DeclineDraw(ctx)
	case cmdResign:
		return "resigned", a.Resign(ctx)
	case cmdChat:
		return "", a.SendChat(ctx, c.text)
	case cmdHelp:
		return helpText, nil
	case cmdQuit:
		return "", errQuit
	}
	return "", errUnknownCommand
}
