// Package track defines track points and the GPX track-log format they are
// written in.
package track

import (
	"fmt"
	"math"
	"time"

	"github.com/shaunagostinho/trackcap/internal/gps"
	"github.com/shaunagostinho/trackcap/internal/signal"
)

// Point is one recorded fix paired with the signal summary in effect when it
// arrived.
type Point struct {
	Latitude       float64        `json:"latitude"`
	Longitude      float64        `json:"longitude"`
	Altitude       float64        `json:"altitude"`
	HasAltitude    bool           `json:"hasAltitude"`
	Speed          float64        `json:"speed"`    // m/s
	Accuracy       float64        `json:"accuracy"` // meters
	Time           time.Time      `json:"time"`
	Source         string         `json:"source"`
	SatellitesUsed int            `json:"satellitesUsed"`
	Signals        signal.Summary `json:"signals"`
}

// NewPoint pairs a fix with a signal summary. The satellite count falls back
// to the summary's used-in-fix count when the source did not report one.
func NewPoint(f gps.Fix, s signal.Summary) Point {
	used := f.Satellites
	if used == 0 {
		used = s.Used
	}
	return Point{
		Latitude:       f.Latitude,
		Longitude:      f.Longitude,
		Altitude:       f.Altitude,
		HasAltitude:    f.HasAltitude,
		Speed:          f.Speed,
		Accuracy:       f.Accuracy,
		Time:           f.Time.UTC(),
		Source:         f.Provider,
		SatellitesUsed: used,
		Signals:        s,
	}
}

// DeviceInfo identifies the recording device in the track-log metadata.
type DeviceInfo struct {
	Device       string `yaml:"device" json:"device"`
	ID           string `yaml:"id" json:"id"`
	Manufacturer string `yaml:"manufacturer" json:"manufacturer"`
	Model        string `yaml:"model" json:"model"`
}

// TimeLayout is the UTC millisecond timestamp used throughout the track log.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// FileName returns the track-log name for a capture started at t.
func FileName(t time.Time) string {
	return fmt.Sprintf("track_%s.gpx", t.UTC().Format("2006-01-02_150405.000"))
}

// DistanceKm returns the great-circle distance between two points.
func DistanceKm(a, b Point) float64 {
	return haversineKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
}

// haversineKm calculates the great-circle distance between two lat/lon points.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0 // Earth radius km
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
