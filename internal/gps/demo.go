package gps

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shaunagostinho/trackcap/internal/signal"
)

// DemoSource generates a simulated drive for testing. It can stand in for
// either kind; only the polling kind reports satellites.
type DemoSource struct {
	kind     Kind
	interval time.Duration

	mu      sync.Mutex
	enabled bool
	t       float64
	stop    chan struct{}
}

// NewDemo creates a demo source of the given kind. A zero interval means
// UpdateInterval.
func NewDemo(kind Kind, interval time.Duration) *DemoSource {
	if interval <= 0 {
		interval = UpdateInterval
	}
	return &DemoSource{kind: kind, interval: interval, enabled: true}
}

func (d *DemoSource) Name() string { return fmt.Sprintf("Demo GPS (%s, simulated)", d.kind) }
func (d *DemoSource) Kind() Kind   { return d.kind }

func (d *DemoSource) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// SetEnabled flips the simulated location switch.
func (d *DemoSource) SetEnabled(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = on
}

func (d *DemoSource) Start(h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return fmt.Errorf("gps: demo: %w", ErrProviderDisabled)
	}
	if d.stop != nil {
		return fmt.Errorf("gps: demo already started")
	}
	d.stop = make(chan struct{})
	go d.run(h, d.stop)
	return nil
}

func (d *DemoSource) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
}

func (d *DemoSource) run(h Handler, stop <-chan struct{}) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	if d.kind == KindPush {
		h.status(Status{Available: false})
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if d.kind == KindPolling {
				h.status(d.satellites())
			}
			h.fix(d.next())
		}
	}
}

func (d *DemoSource) next() Fix {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	// Simulate driving in a circle around a point
	centerLat := 43.6532 // Toronto
	centerLon := -79.3832
	radius := 0.005 // ~500m

	provider := "gps"
	if d.kind == KindPush {
		provider = "fused"
	}
	return Fix{
		Latitude:    centerLat + radius*math.Sin(d.t*0.1),
		Longitude:   centerLon + radius*math.Cos(d.t*0.1),
		Altitude:    76,
		HasAltitude: true,
		Speed:       14 + 8*math.Sin(d.t*0.3) + rand.Float64(),
		Accuracy:    3 + rand.Float64()*2,
		Time:        time.Now().UTC(),
		Provider:    provider,
		Satellites:  9,
	}
}

func (d *DemoSource) satellites() Status {
	samples := make([]signal.Sample, 12)
	for i := range samples {
		samples[i] = signal.Sample{
			SNR:       18 + rand.Float64()*25,
			UsedInFix: i < 9,
		}
	}
	return Status{Available: true, Satellites: samples}
}
