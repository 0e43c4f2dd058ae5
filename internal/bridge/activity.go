package bridge

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultActivityTimeout hides the activity indicator when no transfer has
// reported progress for this long.
const DefaultActivityTimeout = 5 * time.Second

var networkActivity = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "haul_network_activity",
	Help: "Number of transfers that reported progress within the activity timeout.",
})

func init() {
	prometheus.MustRegister(networkActivity)
}

// Activity tracks which transfers are moving bytes and toggles a single
// indicator on and off.
type Activity struct {
	timeout  time.Duration
	onChange func(active bool)

	mu     sync.Mutex
	active map[int64]struct{}
	shown  bool
	timer  *time.Timer
	gen    uint64
}

// NewActivity returns an indicator that calls onChange whenever it flips.
// onChange may be nil.
func NewActivity(timeout time.Duration, onChange func(active bool)) *Activity {
	if timeout <= 0 {
		timeout = DefaultActivityTimeout
	}
	return &Activity{
		timeout:  timeout,
		onChange: onChange,
		active:   make(map[int64]struct{}),
	}
}

// Touch marks refID active, shows the indicator and restarts the hide timer.
func (a *Activity) Touch(refID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active[refID] = struct{}{}
	networkActivity.Set(float64(len(a.active)))
	a.stopTimer()
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.timeout, func() { a.expire(gen) })
	a.set(true)
}

// Done marks refID inactive and hides the indicator once nothing is active.
func (a *Activity) Done(refID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, refID)
	networkActivity.Set(float64(len(a.active)))
	if len(a.active) == 0 {
		a.stopTimer()
		a.set(false)
	}
}

// Active reports whether the indicator is shown.
func (a *Activity) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shown
}

// Close hides the indicator and stops the timer.
func (a *Activity) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.active)
	networkActivity.Set(0)
	a.stopTimer()
	a.set(false)
}

func (a *Activity) expire(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen {
		return
	}
	clear(a.active)
	networkActivity.Set(0)
	a.timer = nil
	a.set(false)
}

func (a *Activity) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// set must be called with mu held.
func (a *Activity) set(shown bool) {
	if a.shown == shown {
		return
	}
	a.shown = shown
	if a.onChange != nil {
		a.onChange(shown)
	}
}
