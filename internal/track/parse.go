package track

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/shaunagostinho/trackcap/internal/signal"
)

// Log is a parsed track-log file.
type Log struct {
	Creator string
	Created time.Time
	Closed  time.Time // Zero if the footer is missing
	Device  DeviceInfo
	Points  []Point
}

type gpxDoc struct {
	Creator  string      `xml:"creator,attr"`
	Metadata gpxMetadata `xml:"metadata"`
	Points   []gpxPoint  `xml:"trk>trkseg>trkpt"`
	Time     string      `xml:"time"`
}

type gpxMetadata struct {
	Time         string `xml:"time"`
	Device       string `xml:"device"`
	ID           string `xml:"id"`
	Manufacturer string `xml:"manufacturer"`
	Model        string `xml:"model"`
}

type gpxPoint struct {
	Lat      float64  `xml:"lat,attr"`
	Lon      float64  `xml:"lon,attr"`
	Ele      *float64 `xml:"ele"`
	Time     string   `xml:"time"`
	Speed    float64  `xml:"speed"`
	Accuracy float64  `xml:"accuracy"`
	Src      string   `xml:"src"`
	Sat      int      `xml:"sat"`
	Signal01 float64  `xml:"signal01"`
	Signal02 float64  `xml:"signal02"`
	Signal03 float64  `xml:"signal03"`
	Signal04 float64  `xml:"signal04"`
}

// Parse reads a complete track log written by RenderHeader, RenderPoint and
// RenderFooter.
func Parse(r io.Reader) (*Log, error) {
	var doc gpxDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("track: decode: %w", err)
	}

	created, err := parseTime(doc.Metadata.Time)
	if err != nil {
		return nil, fmt.Errorf("track: metadata time: %w", err)
	}
	log := &Log{
		Creator: doc.Creator,
		Created: created,
		Device: DeviceInfo{
			Device:       doc.Metadata.Device,
			ID:           doc.Metadata.ID,
			Manufacturer: doc.Metadata.Manufacturer,
			Model:        doc.Metadata.Model,
		},
		Points: make([]Point, 0, len(doc.Points)),
	}
	if doc.Time != "" {
		if log.Closed, err = parseTime(doc.Time); err != nil {
			return nil, fmt.Errorf("track: close time: %w", err)
		}
	}

	for i, gp := range doc.Points {
		ts, err := parseTime(gp.Time)
		if err != nil {
			return nil, fmt.Errorf("track: point %d: %w", i, err)
		}
		p := Point{
			Latitude:       gp.Lat,
			Longitude:      gp.Lon,
			Speed:          gp.Speed,
			Accuracy:       gp.Accuracy,
			Time:           ts,
			Source:         gp.Src,
			SatellitesUsed: gp.Sat,
			Signals:        signal.FromSignals(gp.Sat, 0, gp.Signal01, gp.Signal02, gp.Signal03, gp.Signal04),
		}
		if gp.Ele != nil {
			p.Altitude = *gp.Ele
			p.HasAltitude = true
		}
		log.Points = append(log.Points, p)
	}
	return log, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}
