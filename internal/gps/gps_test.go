package gps

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/trackcap/internal/signal"
)

var epoch = []string{
	"$GPRMC,123519.00,A,4807.038,N,01131.000,E,022.4,084.4,171026,003.1,W*48",
	"$GPGGA,123519.00,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*69",
	"$GPGSA,A,3,04,05,09,12,,,,,,,,,2.5,1.3,2.1*3F",
	"$GPGSV,2,1,06,04,40,083,46,05,20,120,41,09,55,230,38,12,10,300,30*75",
	"$GPGSV,2,2,06,17,05,010,22,24,65,180,44*71",
}

type recorder struct {
	fixes    chan Fix
	statuses chan Status
	lost     chan error
}

func newRecorder() *recorder {
	return &recorder{
		fixes:    make(chan Fix, 16),
		statuses: make(chan Status, 16),
		lost:     make(chan error, 1),
	}
}

func (r *recorder) handler() Handler {
	return Handler{
		Fix:    func(f Fix) { r.fixes <- f },
		Status: func(s Status) { r.statuses <- s },
		Lost:   func(err error) { r.lost <- err },
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("push")
	require.NoError(t, err)
	assert.Equal(t, KindPush, k)

	_, err = ParseKind("satellite")
	assert.Error(t, err)
}

func TestNMEAStatusThenFix(t *testing.T) {
	pr, pw := io.Pipe()
	logger, _ := test.NewNullLogger()
	src := NewNMEA(NMEAConfig{PortPath: "/dev/ttyTEST", IntervalMs: 200},
		WithOpener(func() (io.ReadCloser, error) { return pr, nil }),
		WithNMEALogger(logger))

	rec := newRecorder()
	require.True(t, src.Enabled())
	require.NoError(t, src.Start(rec.handler()))
	defer src.Stop()

	go io.WriteString(pw, strings.Join(epoch, "\r\n")+"\r\n")

	var st Status
	select {
	case st = <-rec.statuses:
	case <-time.After(2 * time.Second):
		t.Fatal("no status event")
	}
	assert.True(t, st.Available)
	require.Len(t, st.Satellites, 6)

	sum := signal.Observe(st.Satellites)
	assert.Equal(t, []float64{46, 41, 38, 30}, sum.Signals())
	assert.InDelta(t, 38.75, sum.Average(), 1e-9)
	assert.Equal(t, 4, sum.Used)
	assert.Equal(t, 6, sum.Visible)

	var fix Fix
	select {
	case fix = <-rec.fixes:
	case <-time.After(2 * time.Second):
		t.Fatal("no fix event")
	}
	assert.InDelta(t, 48.1173, fix.Latitude, 1e-6)
	assert.InDelta(t, 11.516667, fix.Longitude, 1e-6)
	assert.InDelta(t, 22.4*knotsToMS, fix.Speed, 1e-9)
	assert.True(t, fix.HasAltitude)
	assert.InDelta(t, 545.4, fix.Altitude, 1e-9)
	assert.Equal(t, 8, fix.Satellites)
	assert.InDelta(t, 4.5, fix.Accuracy, 1e-9)
	assert.Equal(t, "gps", fix.Provider)
	assert.Equal(t, time.Date(2026, 10, 17, 12, 35, 19, 0, time.UTC), fix.Time)
}

func TestNMEAVoidFixIgnored(t *testing.T) {
	st := newNMEAState()
	st.feed("$GPRMC,123520.00,V,,,,,,,171026,,*1B")
	st.feed("$GPRMC,garbage")

	rec := newRecorder()
	st.emit(rec.handler())
	assert.Empty(t, rec.fixes)
	assert.Empty(t, rec.statuses)
}

func TestNMEADropsSilentConstellation(t *testing.T) {
	st := newNMEAState()
	for _, line := range epoch[2:] {
		st.feed(line)
	}
	st.feed("$GLGSV,1,1,02,65,30,100,35,66,20,200,25*67")

	rec := newRecorder()
	st.emit(rec.handler())
	require.Len(t, rec.statuses, 1)
	assert.Len(t, (<-rec.statuses).Satellites, 8)

	// The GLONASS receiver goes quiet.
	for _, line := range epoch[3:] {
		st.feed(line)
	}
	st.emit(rec.handler())
	require.Len(t, rec.statuses, 1)
	assert.Len(t, (<-rec.statuses).Satellites, 6)

	st.emit(rec.handler())
	assert.Empty(t, rec.statuses)
}

func TestNMEAReadErrorReportsLost(t *testing.T) {
	data := strings.Join(epoch, "\n") + "\n"
	src := NewNMEA(NMEAConfig{PortPath: "/dev/ttyTEST", IntervalMs: 1000},
		WithOpener(func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(data)), nil }))

	rec := newRecorder()
	require.NoError(t, src.Start(rec.handler()))
	defer src.Stop()

	select {
	case err := <-rec.lost:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("source not reported lost")
	}
	// Buffered data is still delivered before the loss.
	assert.Len(t, rec.fixes, 1)
	assert.Len(t, rec.statuses, 1)
}

func TestNMEADisabled(t *testing.T) {
	src := NewNMEA(NMEAConfig{PortPath: "/nonexistent/ttyGPS"})
	assert.False(t, src.Enabled())
	err := src.Start(Handler{})
	assert.ErrorIs(t, err, ErrProviderDisabled)

	failing := NewNMEA(NMEAConfig{PortPath: "/dev/ttyTEST"},
		WithOpener(func() (io.ReadCloser, error) { return nil, errors.New("permission denied") }))
	err = failing.Start(Handler{})
	assert.ErrorIs(t, err, ErrProviderDisabled)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestNMEAStopIsIdempotent(t *testing.T) {
	pr, _ := io.Pipe()
	src := NewNMEA(NMEAConfig{PortPath: "/dev/ttyTEST", IntervalMs: 10},
		WithOpener(func() (io.ReadCloser, error) { return pr, nil }))
	rec := newRecorder()
	require.NoError(t, src.Start(rec.handler()))
	src.Stop()
	src.Stop()

	// A closed pipe after Stop must not be reported as a loss.
	select {
	case err := <-rec.lost:
		t.Fatalf("unexpected loss after stop: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDemoSource(t *testing.T) {
	src := NewDemo(KindPolling, 5*time.Millisecond)
	rec := newRecorder()
	require.NoError(t, src.Start(rec.handler()))
	defer src.Stop()

	select {
	case st := <-rec.statuses:
		assert.True(t, st.Available)
		assert.Len(t, st.Satellites, 12)
	case <-time.After(time.Second):
		t.Fatal("no status")
	}
	select {
	case f := <-rec.fixes:
		assert.Equal(t, "gps", f.Provider)
		assert.True(t, f.HasAltitude)
	case <-time.After(time.Second):
		t.Fatal("no fix")
	}
}

func TestDemoPushReportsUnavailable(t *testing.T) {
	src := NewDemo(KindPush, 5*time.Millisecond)
	rec := newRecorder()
	require.NoError(t, src.Start(rec.handler()))
	defer src.Stop()

	st := <-rec.statuses
	assert.False(t, st.Available)
	f := <-rec.fixes
	assert.Equal(t, "fused", f.Provider)
}

func TestDemoDisabled(t *testing.T) {
	src := NewDemo(KindPolling, 0)
	src.SetEnabled(false)
	assert.False(t, src.Enabled())
	assert.ErrorIs(t, src.Start(Handler{}), ErrProviderDisabled)
}

func TestDecodeFix(t *testing.T) {
	fix, ok, err := decodeFix([]byte(`{"lat":43.6532,"lon":-79.3832,"alt":76.5,"speed":12.25,"accuracy":3.5,"time":"2026-10-17T06:30:00.250Z"}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 43.6532, fix.Latitude)
	assert.Equal(t, -79.3832, fix.Longitude)
	assert.True(t, fix.HasAltitude)
	assert.Equal(t, 76.5, fix.Altitude)
	assert.Equal(t, 12.25, fix.Speed)
	assert.Equal(t, "fused", fix.Provider)
	assert.Equal(t, time.Date(2026, 10, 17, 6, 30, 0, 250e6, time.UTC), fix.Time)
}

func TestDecodeFixRMCStyle(t *testing.T) {
	fix, ok, err := decodeFix([]byte(`{"time":"12:34:56","lat":1.5,"lon":2.5,"speed_knots":10,"validity":"A","provider":"network"}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, fix.HasAltitude)
	assert.InDelta(t, 10*knotsToMS, fix.Speed, 1e-9)
	assert.Equal(t, "network", fix.Provider)
	assert.False(t, fix.Time.IsZero())

	_, ok, err = decodeFix([]byte(`{"lat":1,"lon":2,"validity":"V"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = decodeFix([]byte(`not json`))
	assert.Error(t, err)
}

func TestMQTTWithoutBrokerDisabled(t *testing.T) {
	src := NewMQTT(MQTTConfig{}, nil)
	assert.False(t, src.Enabled())
	assert.ErrorIs(t, src.Start(Handler{}), ErrProviderDisabled)
	assert.Equal(t, KindPush, src.Kind())
}
