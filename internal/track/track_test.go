package track

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/trackcap/internal/gps"
	"github.com/shaunagostinho/trackcap/internal/signal"
)

var (
	created = time.Date(2026, 10, 17, 6, 30, 0, 0, time.UTC)
	device  = DeviceInfo{Device: "rpi4", ID: "abc123", Manufacturer: "Raspberry Pi", Model: "4B"}
)

func samplePoint() Point {
	sum := signal.Observe([]signal.Sample{
		{SNR: 20.375, UsedInFix: true},
		{SNR: 36.156, UsedInFix: true},
		{SNR: 33.945, UsedInFix: true},
		{SNR: 29.188, UsedInFix: true},
	})
	return NewPoint(gps.Fix{
		Latitude:    43.6532,
		Longitude:   -79.3832,
		Altitude:    76.5,
		HasAltitude: true,
		Speed:       12.25,
		Accuracy:    3.5,
		Time:        created.Add(1500 * time.Millisecond),
		Provider:    "gps",
		Satellites:  9,
	}, sum)
}

func TestFormatTime(t *testing.T) {
	loc := time.FixedZone("EDT", -4*3600)
	ts := time.Date(2026, 10, 17, 2, 30, 0, 123456789, loc)
	assert.Equal(t, "2026-10-17T06:30:00.123Z", FormatTime(ts))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "track_2026-10-17_063000.000.gpx", FileName(created))
	assert.Equal(t, "track_2026-10-17_063000.250.gpx", FileName(created.Add(250*time.Millisecond)))
}

func TestRenderHeader(t *testing.T) {
	h := RenderHeader(created, "trackcap", device)

	assert.True(t, strings.HasPrefix(h, "<?xml version='1.0' encoding='UTF-8' ?>"))
	assert.Contains(t, h, `<gpx version="1.1" creator="trackcap" `)
	assert.Contains(t, h, `xmlns="http://www.topografix.com/GPX/1/1"`)
	assert.Contains(t, h, "<metadata><time>2026-10-17T06:30:00.000Z</time><device>rpi4</device>"+
		"<id>abc123</id><manufacturer>Raspberry Pi</manufacturer><model>4B</model></metadata>\n")
	assert.True(t, strings.HasSuffix(h, "<trk>\n<trkseg>\n"))
}

func TestRenderHeaderEscapes(t *testing.T) {
	h := RenderHeader(created, `a"b<c`, DeviceInfo{Model: "R&D"})
	assert.Contains(t, h, `creator="a&#34;b&lt;c"`)
	assert.Contains(t, h, "<model>R&amp;D</model>")
}

func TestRenderPoint(t *testing.T) {
	want := `<trkpt lat="43.653200" lon="-79.383200">` +
		`<ele>76.50</ele>` +
		`<time>2026-10-17T06:30:01.500Z</time>` +
		`<speed>12.2500</speed>` +
		`<accuracy>3.5000</accuracy>` +
		`<src>gps</src>` +
		`<sat>9</sat>` +
		`<signal01>36.156</signal01>` +
		`<signal02>33.945</signal02>` +
		`<signal03>29.188</signal03>` +
		`<signal04>20.375</signal04>` +
		`<average>29.916</average>` +
		"</trkpt>\n"

	p := samplePoint()
	assert.Equal(t, want, RenderPoint(p))
	assert.Equal(t, RenderPoint(p), RenderPoint(p))
}

func TestRenderPointWithoutAltitudeOrSignals(t *testing.T) {
	p := NewPoint(gps.Fix{Latitude: 1, Longitude: 2, Time: created, Provider: "fused"}, signal.Summary{})
	out := RenderPoint(p)

	assert.NotContains(t, out, "<ele>")
	assert.Contains(t, out, "<sat>0</sat>")
	assert.Contains(t, out, "<signal01>0.000</signal01>")
	assert.Contains(t, out, "<signal04>0.000</signal04>")
	assert.Contains(t, out, "<average>0.000</average>")
}

func TestNewPointSatelliteFallback(t *testing.T) {
	sum := signal.FromSignals(5, 7, 40, 30)
	p := NewPoint(gps.Fix{Time: created}, sum)
	assert.Equal(t, 5, p.SatellitesUsed)

	p = NewPoint(gps.Fix{Time: created, Satellites: 11}, sum)
	assert.Equal(t, 11, p.SatellitesUsed)
}

func TestRenderFooter(t *testing.T) {
	closed := created.Add(time.Minute)
	assert.Equal(t, "</trkseg>\n</trk>\n<time>2026-10-17T06:31:00.000Z</time>\n</gpx>\n", RenderFooter(closed))
}

func TestParseRoundTrip(t *testing.T) {
	p := samplePoint()
	q := NewPoint(gps.Fix{Latitude: 43.66, Longitude: -79.39, Time: created.Add(2 * time.Second), Provider: "fused"},
		signal.FromSignals(0, 0, 25, 24.5))

	doc := RenderHeader(created, "trackcap", device) + RenderPoint(p) + RenderPoint(q) +
		RenderFooter(created.Add(time.Minute))

	log, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "trackcap", log.Creator)
	assert.Equal(t, created, log.Created)
	assert.Equal(t, created.Add(time.Minute), log.Closed)
	assert.Equal(t, device, log.Device)
	require.Len(t, log.Points, 2)

	got := log.Points[0]
	assert.InDelta(t, p.Latitude, got.Latitude, 1e-6)
	assert.InDelta(t, p.Longitude, got.Longitude, 1e-6)
	assert.True(t, got.HasAltitude)
	assert.InDelta(t, 76.5, got.Altitude, 1e-9)
	assert.Equal(t, p.Time, got.Time)
	assert.Equal(t, "gps", got.Source)
	assert.Equal(t, 9, got.SatellitesUsed)
	assert.Equal(t, p.Signals.Signals(), got.Signals.Signals())
	assert.InDelta(t, 29.916, got.Signals.Average(), 1e-3)

	assert.False(t, log.Points[1].HasAltitude)
	assert.Equal(t, 2, log.Points[1].Signals.Retained())
	assert.Equal(t, RenderPoint(q), RenderPoint(log.Points[1]))
}

func TestParseUnterminated(t *testing.T) {
	doc := RenderHeader(created, "trackcap", device) + RenderPoint(samplePoint())
	_, err := Parse(strings.NewReader(doc))
	assert.Error(t, err)
}

func TestDistanceKm(t *testing.T) {
	a := Point{Latitude: 43.6532, Longitude: -79.3832}
	b := Point{Latitude: 45.5017, Longitude: -73.5673}
	assert.InDelta(t, 504, DistanceKm(a, b), 5)
	assert.Zero(t, DistanceKm(a, a))
}
