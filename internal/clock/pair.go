package clock

import "github.com/park285/chess98-live/internal/protocol"

// Side is one countdown of the pair.
type Side struct {
	Remaining int  `json:"remaining"`
	Running   bool `json:"running"`
}

// State is a copy of both countdowns.
type State struct {
	White Side `json:"white"`
	Black Side `json:"black"`
}

// Pair holds two countdowns in whole seconds. At most one side runs at a time.
//
// Reaching zero is reported by Tick but never ends anything by itself: the
// owner is expected to ask the server, which alone decides a timeout.
//
// Pair is not safe for concurrent use; the session loop owns it.
type Pair struct {
	white   int
	black   int
	running protocol.Color // "" when stopped
}

func NewPair(white, black int) *Pair {
	return &Pair{white: clampSeconds(white), black: clampSeconds(black)}
}

// Start runs c's countdown and stops the other side.
func (p *Pair) Start(c protocol.Color) {
	if !c.Valid() {
		return
	}
	p.running = c
}

// Stop halts c's countdown if it is the running one.
func (p *Pair) Stop(c protocol.Color) {
	if p.running == c {
		p.running = ""
	}
}

func (p *Pair) StopAll() { p.running = "" }

// Running returns the side whose countdown is active.
func (p *Pair) Running() (protocol.Color, bool) {
	return p.running, p.running != ""
}

// Tick decrements the running side by one second, clamping at zero.
// It reports the running side as expired on every tick that leaves it at zero,
// so callers can poll the server once per second until it rules.
func (p *Pair) Tick() (protocol.Color, bool) {
	switch p.running {
	case protocol.White:
		if p.white > 0 {
			p.white--
		}
		return protocol.White, p.white == 0
	case protocol.Black:
		if p.black > 0 {
			p.black--
		}
		return protocol.Black, p.black == 0
	default:
		return "", false
	}
}

// ApplyAuthoritativeTime overwrites both counters with server values.
func (p *Pair) ApplyAuthoritativeTime(white, black int) {
	p.white = clampSeconds(white)
	p.black = clampSeconds(black)
}

// ApplyIncrement credits seconds to c. Non-positive credits are ignored.
func (p *Pair) ApplyIncrement(c protocol.Color, seconds int) {
	if seconds <= 0 {
		return
	}
	switch c {
	case protocol.White:
		p.white += seconds
	case protocol.Black:
		p.black += seconds
	}
}

func (p *Pair) Remaining(c protocol.Color) int {
	switch c {
	case protocol.White:
		return p.white
	case protocol.Black:
		return p.black
	default:
		return 0
	}
}

func (p *Pair) State() State {
	return State{
		White: Side{Remaining: p.white, Running: p.running == protocol.White},
		Black: Side{Remaining: p.black, Running: p.running == protocol.Black},
	}
}

func clampSeconds(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
