package gps

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/shaunagostinho/trackcap/internal/signal"
)

const (
	knotsToMS = 0.514444
	// Rough user-equivalent range error used to turn HDOP into meters.
	hdopToMeters = 5.0
	lineBuffer   = 256
)

// NMEAConfig holds configuration for the NMEA polling source.
type NMEAConfig struct {
	PortPath   string `yaml:"port_path" json:"portPath"`
	BaudRate   int    `yaml:"baud_rate" json:"baudRate"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

// NMEASource polls a UART GPS that speaks NMEA 0183. Fixes come from
// RMC+GGA, the used-in-fix set from GSA and per-satellite SNR from GSV.
type NMEASource struct {
	portPath string
	baudRate int
	interval time.Duration
	open     func() (io.ReadCloser, error)
	present  func() bool
	log      logrus.FieldLogger

	mu      sync.Mutex
	port    io.ReadCloser
	stop    chan struct{}
	stopped bool
}

// NMEAOption customizes an NMEASource.
type NMEAOption func(*NMEASource)

// WithOpener replaces the serial port with another line source.
func WithOpener(open func() (io.ReadCloser, error)) NMEAOption {
	return func(n *NMEASource) {
		n.open = open
		n.present = func() bool { return true }
	}
}

// WithNMEALogger sets the logger.
func WithNMEALogger(l logrus.FieldLogger) NMEAOption {
	return func(n *NMEASource) { n.log = l.WithField("component", "gps") }
}

// NewNMEA creates a new NMEA polling source.
func NewNMEA(cfg NMEAConfig, opts ...NMEAOption) *NMEASource {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = UpdateInterval
	}
	n := &NMEASource{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		interval: interval,
		log:      logrus.StandardLogger().WithField("component", "gps"),
	}
	n.open = n.openSerial
	n.present = func() bool {
		_, err := os.Stat(n.portPath)
		return err == nil
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *NMEASource) Name() string { return "NMEA GPS " + n.portPath }
func (n *NMEASource) Kind() Kind   { return KindPolling }

// Enabled reports whether the GPS device node exists.
func (n *NMEASource) Enabled() bool { return n.present() }

func (n *NMEASource) openSerial() (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: n.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(n.portPath, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Start opens the port and begins polling.
func (n *NMEASource) Start(h Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.port != nil {
		return fmt.Errorf("gps: %s already started", n.portPath)
	}
	if !n.present() {
		return fmt.Errorf("gps: %s not present: %w", n.portPath, ErrProviderDisabled)
	}
	port, err := n.open()
	if err != nil {
		return fmt.Errorf("gps: failed to open %s: %v: %w", n.portPath, err, ErrProviderDisabled)
	}
	n.port = port
	n.stop = make(chan struct{})
	n.stopped = false

	lines := make(chan string, lineBuffer)
	readErr := make(chan error, 1)
	go n.readLoop(port, lines, readErr, n.stop)
	go n.pollLoop(h, lines, readErr, n.stop)

	n.log.WithFields(logrus.Fields{"port": n.portPath, "baud": n.baudRate, "interval": n.interval}).
		Info("polling started")
	return nil
}

// Stop closes the port, which also unblocks the reader.
func (n *NMEASource) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.port == nil {
		return
	}
	n.stopped = true
	close(n.stop)
	if err := n.port.Close(); err != nil {
		n.log.WithError(err).Warn("close port")
	}
	n.port = nil
	n.log.Info("polling stopped")
}

func (n *NMEASource) readLoop(r io.Reader, lines chan<- string, readErr chan<- error, stop <-chan struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		select {
		case lines <- line:
		case <-stop:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	readErr <- err
}

func (n *NMEASource) pollLoop(h Handler, lines <-chan string, readErr <-chan error, stop <-chan struct{}) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	st := newNMEAState()
	for {
		select {
		case <-stop:
			return
		case err := <-readErr:
			// Drain whatever arrived before the error.
			n.drain(st, lines)
			st.emit(h)
			if n.isStopped() {
				return
			}
			n.log.WithError(err).Warn("gps read failed, source lost")
			h.lost(fmt.Errorf("gps: read %s: %w", n.portPath, err))
			return
		case <-ticker.C:
			n.drain(st, lines)
			st.emit(h)
		}
	}
}

func (n *NMEASource) drain(st *nmeaState, lines <-chan string) {
	for {
		select {
		case line := <-lines:
			st.feed(line)
		default:
			return
		}
	}
}

func (n *NMEASource) isStopped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped
}

// nmeaState accumulates sentences between polls.
type nmeaState struct {
	fix      Fix
	fixReady bool

	used      map[int64]bool
	usedNext  map[int64]bool
	gsvCycle  map[string][]nmea.GSVInfo
	gsvDone   map[string][]nmea.GSVInfo
	statusNew bool
}

func newNMEAState() *nmeaState {
	return &nmeaState{
		fix:      Fix{Provider: "gps"},
		used:     make(map[int64]bool),
		gsvCycle: make(map[string][]nmea.GSVInfo),
		gsvDone:  make(map[string][]nmea.GSVInfo),
	}
}

func (st *nmeaState) feed(line string) {
	sentence, err := nmea.Parse(line)
	if err != nil {
		// noisy GPS or partial sentences
		return
	}

	switch m := sentence.(type) {
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return
		}
		st.fix.Latitude = m.Latitude
		st.fix.Longitude = m.Longitude
		st.fix.Speed = m.Speed * knotsToMS
		st.fix.Time = fixTime(m.Date, m.Time)
		st.fixReady = true

	case nmea.GGA:
		if m.FixQuality == nmea.Invalid {
			st.fix.HasAltitude = false
			return
		}
		st.fix.Altitude = m.Altitude
		st.fix.HasAltitude = true
		st.fix.Satellites = int(m.NumSatellites)
		st.fix.Accuracy = m.HDOP * hdopToMeters

	case nmea.GSA:
		// Multi-constellation receivers send one GSA per system per epoch.
		if st.usedNext == nil {
			st.usedNext = make(map[int64]bool)
		}
		for _, sv := range m.SV {
			if prn, err := strconv.ParseInt(strings.TrimSpace(sv), 10, 64); err == nil {
				st.usedNext[prn] = true
			}
		}

	case nmea.GSV:
		talker := m.TalkerID()
		if m.MessageNumber == 1 {
			st.gsvCycle[talker] = nil
		}
		st.gsvCycle[talker] = append(st.gsvCycle[talker], m.Info...)
		if m.MessageNumber == m.TotalMessages {
			st.gsvDone[talker] = st.gsvCycle[talker]
			delete(st.gsvCycle, talker)
			st.statusNew = true
		}
	}
}

// emit delivers the status (first, so the fix pairs with it) and the latest fix.
func (st *nmeaState) emit(h Handler) {
	if st.usedNext != nil {
		st.used = st.usedNext
		st.usedNext = nil
	}
	if st.statusNew {
		var samples []signal.Sample
		for _, infos := range st.gsvDone {
			for _, info := range infos {
				samples = append(samples, signal.Sample{
					SNR:       float64(info.SNR),
					UsedInFix: st.used[info.SVPRNNumber],
				})
			}
		}
		// A constellation that stops reporting drops out of the next status.
		st.gsvDone = make(map[string][]nmea.GSVInfo)
		st.statusNew = false
		h.status(Status{Available: true, Satellites: samples})
	}
	if st.fixReady {
		f := st.fix
		if f.Time.IsZero() {
			f.Time = time.Now().UTC()
		}
		st.fixReady = false
		h.fix(f)
	}
}

// fixTime combines RMC date and time; missing parts fall back to now.
func fixTime(d nmea.Date, t nmea.Time) time.Time {
	if !d.Valid || !t.Valid {
		return time.Time{}
	}
	return time.Date(2000+d.YY, time.Month(d.MM), d.DD,
		t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
