package gps

import (
	"errors"
	"fmt"
	"time"

	"github.com/shaunagostinho/trackcap/internal/signal"
)

// ErrProviderDisabled is returned when the location system backing a source
// is switched off or unreachable.
var ErrProviderDisabled = errors.New("location provider disabled")

// UpdateInterval is the fix cadence requested from every source.
const UpdateInterval = 1000 * time.Millisecond

// Kind tags which location-update variant a capture uses.
type Kind string

const (
	KindPolling Kind = "polling" // Location-manager style: polled fixes plus satellite status
	KindPush    Kind = "push"    // Fused-provider style: pushed fixes, no satellite status
)

// ParseKind validates a kind name from config or the API.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPolling, KindPush:
		return Kind(s), nil
	}
	return "", fmt.Errorf("gps: unknown source kind %q", s)
}

// Source is the interface for location-update sources.
type Source interface {
	Name() string
	Kind() Kind
	// Enabled reports whether the underlying location system is switched on.
	Enabled() bool
	// Start subscribes h to fix and status events without waiting on the
	// provider. Callbacks arrive on the source's own goroutine.
	Start(h Handler) error
	// Stop ends the subscription. It does not wait for in-flight callbacks.
	Stop()
}

// Handler receives events from a running Source.
type Handler struct {
	Fix    func(Fix)
	Status func(Status)
	// Lost is called once if the source terminates on its own.
	Lost func(error)
}

func (h Handler) fix(f Fix) {
	if h.Fix != nil {
		h.Fix(f)
	}
}

func (h Handler) status(s Status) {
	if h.Status != nil {
		h.Status(s)
	}
}

func (h Handler) lost(err error) {
	if h.Lost != nil {
		h.Lost(err)
	}
}

// Fix holds a single position report.
type Fix struct {
	Latitude    float64   `json:"latitude"`    // Decimal degrees
	Longitude   float64   `json:"longitude"`   // Decimal degrees
	Altitude    float64   `json:"altitude"`    // Meters
	HasAltitude bool      `json:"hasAltitude"` // Altitude is meaningful
	Speed       float64   `json:"speed"`       // m/s
	Accuracy    float64   `json:"accuracy"`    // Horizontal, meters
	Time        time.Time `json:"time"`        // UTC fix time
	Provider    string    `json:"provider"`    // Source tag written to the track log
	Satellites  int       `json:"satellites"`  // Sats in use, 0 if unknown
}

// Status is one satellite-visibility report.
type Status struct {
	Available  bool            `json:"available"`
	Satellites []signal.Sample `json:"satellites"`
}
