package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TickInterval is the wall-clock period between countdown ticks.
const TickInterval = time.Second

// Ticker delivers one tick per TickInterval from a clockwork clock.
// Production code passes clockwork.NewRealClock(); tests pass a FakeClock.
type Ticker struct {
	t        clockwork.Ticker
	stopOnce sync.Once
}

func NewTicker(c clockwork.Clock) *Ticker {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Ticker{t: c.NewTicker(TickInterval)}
}

func (t *Ticker) C() <-chan time.Time { return t.t.Chan() }

// Stop halts the ticker. Safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(t.t.Stop)
}
