package telemetry

import (
	"sort"
	"sync"
	"time"
)

const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
)

// HealthReport is served on /healthz.
type HealthReport struct {
	Status     string            `json:"status"`
	Components []ComponentHealth `json:"components,omitempty"`
}

type ComponentHealth struct {
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Detail   string    `json:"detail,omitempty"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// HealthTracker aggregates heartbeat loops and explicit component checks.
type HealthTracker struct {
	mu       sync.Mutex
	now      func() time.Time
	beats    map[string]*Heartbeat
	statuses map[string]string
}

// Heartbeat is owned by one background loop; a loop that stops beating for
// longer than its window makes the whole report degraded.
type Heartbeat struct {
	tracker *HealthTracker
	name    string
	window  time.Duration
	last    time.Time
}

func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		now:      time.Now,
		beats:    make(map[string]*Heartbeat),
		statuses: make(map[string]string),
	}
}

func (h *HealthTracker) Register(name string, window time.Duration) *Heartbeat {
	h.mu.Lock()
	defer h.mu.Unlock()
	beat := &Heartbeat{tracker: h, name: name, window: window}
	h.beats[name] = beat
	return beat
}

func (h *HealthTracker) Unregister(name string) {
	h.mu.Lock()
	delete(h.beats, name)
	h.mu.Unlock()
}

// SetStatus records the result of an explicit component check. A nil error
// marks the component healthy.
func (h *HealthTracker) SetStatus(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		h.statuses[name] = ""
		return
	}
	h.statuses[name] = err.Error()
}

func (b *Heartbeat) Beat() {
	if b == nil || b.tracker == nil {
		return
	}
	b.tracker.mu.Lock()
	b.last = b.tracker.now()
	b.tracker.mu.Unlock()
}

func (h *HealthTracker) Report() HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	report := HealthReport{Status: HealthStatusOK}
	for name, beat := range h.beats {
		component := ComponentHealth{Name: name, Status: HealthStatusOK, LastSeen: beat.last}
		switch {
		case beat.last.IsZero():
			component.Status = HealthStatusDegraded
			component.Detail = "no heartbeat yet"
		case beat.window > 0 && now.Sub(beat.last) > beat.window:
			component.Status = HealthStatusDegraded
			component.Detail = "heartbeat overdue"
		}
		report.Components = append(report.Components, component)
	}
	for name, detail := range h.statuses {
		component := ComponentHealth{Name: name, Status: HealthStatusOK}
		if detail != "" {
			component.Status = HealthStatusDegraded
			component.Detail = detail
		}
		report.Components = append(report.Components, component)
	}
	sort.Slice(report.Components, func(i, j int) bool {
		return report.Components[i].Name < report.Components[j].Name
	})
	for _, component := range report.Components {
		if component.Status != HealthStatusOK {
			report.Status = HealthStatusDegraded
			break
		}
	}
	return report
}
