package analysis

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReadyTimeout = 4 * time.Second
	defaultDepth        = 14
	mateScore           = 30000
)

var ErrClosed = errors.New("engine closed")

type Options struct {
	Threads int
	HashMB  int
	Depth   int
	Logger  *zap.Logger
}

// Score is reported from the side to move, as UCI engines do.
type Score struct {
	CP       int
	Mate     int
	Depth    int
	BestMove string
	PV       []string
}

// WhiteCP returns the score from White's side, with mates mapped to ±mateScore.
func (s Score) WhiteCP(whiteToMove bool) int {
	cp := s.CP
	if s.Mate > 0 {
		cp = mateScore
	} else if s.Mate < 0 {
		cp = -mateScore
	}
	if !whiteToMove {
		cp = -cp
	}
	return cp
}

func (s Score) String() string {
	if s.Mate != 0 {
		return fmt.Sprintf("#%d", s.Mate)
	}
	return fmt.Sprintf("%+.2f", float64(s.CP)/100)
}

type line struct {
	text string
	err  error
}

// Engine drives one UCI engine process. Evaluate calls are serialized.
type Engine struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan line
	depth  int
	logger *zap.Logger

	mu     sync.Mutex
	search sync.Mutex
	closed bool
}

// NewEngine starts binaryPath and completes the uci/isready handshake.
func NewEngine(ctx context.Context, binaryPath string, opt Options) (*Engine, error) {
	if strings.TrimSpace(binaryPath) == "" {
		return nil, errors.New("engine path required")
	}
	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	e := newEngine(stdin, stdout, opt)
	e.cmd = cmd
	if err := e.initialize(ctx, opt); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func newEngine(stdin io.WriteCloser, stdout io.Reader, opt Options) *Engine {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	depth := opt.Depth
	if depth <= 0 {
		depth = defaultDepth
	}
	e := &Engine{
		stdin:  stdin,
		lines:  make(chan line, 64),
		depth:  depth,
		logger: logger,
	}
	go e.readLoop(bufio.NewReader(stdout))
	return e
}

func (e *Engine) readLoop(r *bufio.Reader) {
	defer close(e.lines)
	for {
		s, err := r.ReadString('\n')
		if s = strings.TrimSpace(s); s != "" {
			e.lines <- line{text: s}
		}
		if err != nil {
			e.lines <- line{err: err}
			return
		}
	}
}

// Evaluate searches fen to the configured depth.
func (e *Engine) Evaluate(ctx context.Context, fen string) (Score, error) {
	e.search.Lock()
	defer e.search.Unlock()

	if err := e.send(buildPositionCommand(fen)); err != nil {
		return Score{}, fmt.Errorf("send position: %w", err)
	}
	if err := e.send(fmt.Sprintf("go depth %d\n", e.depth)); err != nil {
		return Score{}, fmt.Errorf("send go: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, searchTimeout(e.depth))
	defer cancel()

	var best Score
	for {
		text, err := e.readLine(searchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				// the engine still owes a bestmove; consume it before the next search
				_ = e.send("stop\n")
				drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
				_ = e.awaitToken(drainCtx, "bestmove")
				drainCancel()
			}
			e.logger.Warn("analysis_read_failed", zap.String("fen", fen), zap.Error(err))
			return Score{}, fmt.Errorf("read line: %w", err)
		}
		switch {
		case strings.HasPrefix(text, "info "):
			if sc, ok := parseInfo(text); ok {
				best = sc
			}
		case strings.HasPrefix(text, "bestmove"):
			if parts := strings.Fields(text); len(parts) >= 2 && parts[1] != "(none)" {
				best.BestMove = parts[1]
			}
			return best, nil
		}
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	_, _ = io.WriteString(e.stdin, "quit\n")
	_ = e.stdin.Close()
	e.mu.Unlock()

	if e.cmd == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		_ = e.cmd.Process.Kill()
		return <-done
	}
}

func (e *Engine) initialize(ctx context.Context, opt Options) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := e.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := e.awaitToken(initCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}
	threads := opt.Threads
	if threads <= 0 {
		threads = 1
	}
	hash := opt.HashMB
	if hash <= 0 {
		hash = 16
	}
	for _, cmd := range []string{
		fmt.Sprintf("setoption name Threads value %d\n", threads),
		fmt.Sprintf("setoption name Hash value %d\n", hash),
		"ucinewgame\n",
		"isready\n",
	} {
		if err := e.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	if err := e.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (e *Engine) send(msg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	_, err := io.WriteString(e.stdin, msg)
	return err
}

func (e *Engine) awaitToken(ctx context.Context, token string) error {
	for {
		text, err := e.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(text, token) {
			return nil
		}
	}
}

func (e *Engine) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l, ok := <-e.lines:
		if !ok {
			return "", io.EOF
		}
		return l.text, l.err
	}
}

func buildPositionCommand(fen string) string {
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" {
		return "position startpos\n"
	}
	return "position fen " + fen + "\n"
}

func searchTimeout(depth int) time.Duration {
	base := time.Duration(depth) * 300 * time.Millisecond
	if base < 6*time.Second {
		base = 6 * time.Second
	}
	if base > 20*time.Second {
		base = 20 * time.Second
	}
	return base
}

// parseInfo reads the first principal variation of an "info" line.
func parseInfo(text string) (Score, bool) {
	parts := strings.Fields(text)
	var (
		sc       Score
		multipv  = 1
		scoreSet bool
	)
	for i := 1; i < len(parts); i++ {
		switch parts[i] {
		case "depth":
			if i+1 < len(parts) {
				sc.Depth, _ = strconv.Atoi(parts[i+1])
				i++
			}
		case "multipv":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					multipv = v
				}
				i++
			}
		case "score":
			if i+2 < len(parts) {
				v, err := strconv.Atoi(parts[i+2])
				if err == nil {
					switch parts[i+1] {
					case "cp":
						sc.CP, scoreSet = v, true
					case "mate":
						sc.Mate, scoreSet = v, true
					}
				}
				i += 2
			}
		case "pv":
			sc.PV = append([]string(nil), parts[i+1:]...)
			i = len(parts)
		}
	}
	if multipv != 1 || !scoreSet || len(sc.PV) == 0 {
		return Score{}, false
	}
	return sc, true
}
