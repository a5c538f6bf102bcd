package watch

import (
	"fmt"
	"strings"
	"time"
)

// Ticker rotates through frames while the UI loop is alive.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() { t.index = (t.index + 1) % len(t.frames) }

func (t Ticker) Current() string { return t.frames[t.index] }

const activityWindow = time.Minute

// Activity lights five dots on each registry event, fades them over ten
// seconds and keeps a per-minute event rate.
type Activity struct {
	dots      int
	lastEvent time.Time
	recent    []time.Time
}

func NewActivity() Activity {
	return Activity{}
}

func (a *Activity) OnEvent(now time.Time) {
	a.dots = 5
	a.lastEvent = now
	a.recent = append(a.recent, now)
	a.trim(now)
}

// Decay fades the dots and forgets events older than the rate window.
func (a *Activity) Decay(now time.Time) {
	a.trim(now)
	if a.dots == 0 {
		return
	}
	elapsed := now.Sub(a.lastEvent)
	a.dots = max(0, 5-int(elapsed/(2*time.Second)))
}

func (a *Activity) trim(now time.Time) {
	cut := 0
	for cut < len(a.recent) && now.Sub(a.recent[cut]) > activityWindow {
		cut++
	}
	a.recent = a.recent[cut:]
}

// PerMinute is the number of events seen in the last minute.
func (a Activity) PerMinute() int { return len(a.recent) }

func (a Activity) LastEvent() time.Time { return a.lastEvent }

func (a Activity) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < a.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	fmt.Fprintf(&b, " %d/min", a.PerMinute())
	return b.String()
}
