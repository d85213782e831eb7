// Package session runs GPS capture sessions: it starts a location source,
// pairs each fix with the latest satellite signal summary and hands the
// resulting track points to a track-log writer.
//
// Every operation and every source callback runs on one goroutine, so the
// session state needs no locking.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/trackcap/internal/catalog"
	"github.com/shaunagostinho/trackcap/internal/gps"
	"github.com/shaunagostinho/trackcap/internal/metrics"
	"github.com/shaunagostinho/trackcap/internal/signal"
	"github.com/shaunagostinho/trackcap/internal/track"
	"github.com/shaunagostinho/trackcap/internal/tracklog"
)

var (
	ErrAlreadyCapturing = errors.New("capture already in progress")
	ErrNotCapturing     = errors.New("no capture in progress")
	ErrUnknownSource    = errors.New("unknown location source")
	ErrClosed           = errors.New("session closed")
)

const mailboxSize = 64

// Phase is the capture state.
type Phase int

const (
	Idle Phase = iota
	Capturing
)

func (p Phase) String() string {
	if p == Capturing {
		return "capturing"
	}
	return "idle"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*p = Idle
	case "capturing":
		*p = Capturing
	default:
		return fmt.Errorf("unknown phase %q", b)
	}
	return nil
}

// Catalog records capture sessions. *catalog.Store implements it.
type Catalog interface {
	Begin(rec catalog.Record) error
	Finish(id string, update func(*catalog.Record)) error
}

// Config holds session configuration.
type Config struct {
	Dir       string
	QueueSize int
	Creator   string
	Device    track.DeviceInfo
	FS        tracklog.FileSystem
	Now       func() time.Time
	Catalog   Catalog
	Metrics   *metrics.Metrics
	Logger    logrus.FieldLogger
}

// Info is a snapshot of the session state.
type Info struct {
	Phase      Phase          `json:"phase"`
	Source     gps.Kind       `json:"source,omitempty"`
	SourceName string         `json:"sourceName,omitempty"`
	ID         string         `json:"id,omitempty"`
	File       string         `json:"file,omitempty"`
	Started    time.Time      `json:"started"`
	Points     uint64         `json:"points"`
	DistanceKm float64        `json:"distanceKm"`
	Writer     tracklog.Stats `json:"writer"`
}

// StatusSummary is published for every satellite-status event.
type StatusSummary struct {
	Available      bool           `json:"available"`
	Signals        signal.Summary `json:"signals"`
	SatellitesUsed int            `json:"satellitesUsed"`
	Time           time.Time      `json:"time"`
}

// Session is a capture session controller.
type Session struct {
	cfg     Config
	log     logrus.FieldLogger
	sources map[gps.Kind]gps.Source

	mailbox   chan func()
	held      heldEvents
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	points   *Feed[track.Point]
	statuses *Feed[StatusSummary]

	// Loop-owned state.
	phase    Phase
	gen      uint64
	kind     gps.Kind
	source   gps.Source
	writer   *tracklog.Writer
	recordID string
	begun    <-chan error
	started  time.Time
	summary  signal.Summary
	last     *track.Point
	count    uint64
	distance float64
}

// New creates a session over the given sources, at most one per kind, and
// starts its event loop.
func New(cfg Config, sources ...gps.Source) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Creator == "" {
		cfg.Creator = "trackcap"
	}

	s := &Session{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "session"),
		sources:  make(map[gps.Kind]gps.Source),
		mailbox:  make(chan func(), mailboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		points:   NewFeed[track.Point](),
		statuses: NewFeed[StatusSummary](),
	}
	for _, src := range sources {
		s.sources[src.Kind()] = src
	}
	go s.loop()
	return s
}

// Points is the feed of recorded track points.
func (s *Session) Points() *Feed[track.Point] { return s.points }

// Statuses is the feed of satellite signal summaries.
func (s *Session) Statuses() *Feed[StatusSummary] { return s.statuses }

// Start begins a capture from the source of the given kind.
func (s *Session) Start(kind gps.Kind) error {
	res := make(chan error, 1)
	if !s.post(func() { res <- s.start(kind) }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Stop ends the current capture. The returned channel is closed once the
// track log has been flushed and the catalog updated. Stopping an idle
// session is a no-op.
func (s *Session) Stop() <-chan struct{} {
	res := make(chan (<-chan struct{}), 1)
	if !s.post(func() { res <- s.stop(false) }) {
		return closedChan()
	}
	select {
	case ch := <-res:
		return ch
	case <-s.done:
		return closedChan()
	}
}

// State returns a snapshot of the session.
func (s *Session) State() Info {
	res := make(chan Info, 1)
	if !s.post(func() { res <- s.info() }) {
		return Info{Phase: Idle}
	}
	select {
	case info := <-res:
		return info
	case <-s.done:
		return Info{Phase: Idle}
	}
}

// Current returns the active capture or ErrNotCapturing.
func (s *Session) Current() (Info, error) {
	info := s.State()
	if info.Phase != Capturing {
		return info, ErrNotCapturing
	}
	return info, nil
}

// Close stops any capture, waits for its track log to be flushed and shuts
// down the event loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		flushed := s.Stop()
		close(s.quit)
		<-s.done
		<-flushed
	})
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		case <-s.quit:
			return
		}
	}
}

func (s *Session) post(fn func()) bool {
	select {
	case s.mailbox <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// heldEvents queues source callbacks made while Source.Start is running on
// the loop goroutine. Posting them would block on a full mailbox.
type heldEvents struct {
	mu      sync.Mutex
	holding bool
	events  []func()
}

func (h *heldEvents) hold() {
	h.mu.Lock()
	h.holding = true
	h.mu.Unlock()
}

// release stops holding and returns the queued events in arrival order.
func (h *heldEvents) release() []func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := h.events
	h.holding = false
	h.events = nil
	return events
}

// deliver routes a source callback to the loop.
func (s *Session) deliver(fn func()) {
	s.held.mu.Lock()
	if s.held.holding {
		s.held.events = append(s.held.events, fn)
		s.held.mu.Unlock()
		return
	}
	s.held.mu.Unlock()
	s.post(fn)
}

// handler tags source callbacks with the capture generation so late events
// from an earlier capture are discarded.
func (s *Session) handler(gen uint64) gps.Handler {
	return gps.Handler{
		Fix:    func(f gps.Fix) { s.deliver(func() { s.onFix(gen, f) }) },
		Status: func(st gps.Status) { s.deliver(func() { s.onStatus(gen, st) }) },
		Lost:   func(err error) { s.deliver(func() { s.onLost(gen, err) }) },
	}
}

func (s *Session) start(kind gps.Kind) error {
	if s.phase == Capturing {
		s.cfg.Metrics.StartRejected("already_capturing")
		return ErrAlreadyCapturing
	}
	src, ok := s.sources[kind]
	if !ok {
		s.cfg.Metrics.StartRejected("unknown_source")
		return fmt.Errorf("%w: %q", ErrUnknownSource, kind)
	}
	if !src.Enabled() {
		s.cfg.Metrics.StartRejected("disabled")
		return fmt.Errorf("%s: %w", src.Name(), gps.ErrProviderDisabled)
	}

	now := s.cfg.Now()
	s.gen++
	s.held.hold()
	err := src.Start(s.handler(s.gen))
	held := s.held.release()
	if err != nil {
		if errors.Is(err, gps.ErrProviderDisabled) {
			s.cfg.Metrics.StartRejected("disabled")
		} else {
			s.cfg.Metrics.StartRejected("source_error")
		}
		return fmt.Errorf("start %s: %w", src.Name(), err)
	}

	path := filepath.Join(s.cfg.Dir, track.FileName(now))
	w := tracklog.NewWriter(path, tracklog.Config{
		QueueSize: s.cfg.QueueSize,
		Creator:   s.cfg.Creator,
		Device:    s.cfg.Device,
		FS:        s.cfg.FS,
		Metrics:   s.cfg.Metrics,
		Logger:    s.cfg.Logger,
	})
	w.Open(now)

	s.recordID, s.begun = "", nil
	if s.cfg.Catalog != nil {
		rec := catalog.NewRecord(path, string(kind), now)
		begun := make(chan error, 1)
		go func() {
			err := s.cfg.Catalog.Begin(rec)
			if err != nil {
				s.log.WithError(err).Warn("catalog begin failed")
			}
			begun <- err
		}()
		s.recordID, s.begun = rec.ID, begun
	}

	s.phase = Capturing
	s.kind = kind
	s.source = src
	s.writer = w
	s.started = now
	s.summary = signal.Summary{}
	s.last = nil
	s.count = 0
	s.distance = 0
	s.cfg.Metrics.SessionStarted(string(kind))

	s.log.WithFields(logrus.Fields{
		"source": src.Name(),
		"kind":   kind,
		"path":   path,
	}).Info("capture started")

	for _, fn := range held {
		fn()
	}
	return nil
}

func (s *Session) stop(lost bool) <-chan struct{} {
	if s.phase != Capturing {
		s.log.Info("stop requested while idle")
		return closedChan()
	}

	s.source.Stop()
	now := s.cfg.Now()
	w := s.writer
	flushed := w.Close(now)

	begun, id, distance := s.begun, s.recordID, s.distance
	s.log.WithFields(logrus.Fields{
		"path":   w.Path(),
		"points": s.count,
		"km":     fmt.Sprintf("%.3f", distance),
		"lost":   lost,
	}).Info("capture stopped")

	s.phase = Idle
	s.source = nil
	s.writer = nil
	s.begun = nil
	s.last = nil
	s.cfg.Metrics.SessionStopped()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-flushed
		if begun == nil || <-begun != nil {
			return
		}
		st := w.Stats()
		err := s.cfg.Catalog.Finish(id, func(r *catalog.Record) {
			r.StoppedAt = now.UTC()
			r.Points = st.Written
			r.Dropped = st.Dropped
			r.Failed = st.Failed
			r.DistanceKm = distance
			r.Lost = lost
		})
		if err != nil {
			s.log.WithError(err).Warn("catalog finish failed")
		}
	}()
	return done
}

func (s *Session) stale(gen uint64) bool {
	return gen != s.gen || s.phase != Capturing
}

func (s *Session) onFix(gen uint64, f gps.Fix) {
	if s.stale(gen) {
		return
	}
	p := track.NewPoint(f, s.summary)
	s.writer.WritePoint(p)

	if s.last != nil {
		d := track.DistanceKm(*s.last, p)
		s.distance += d
		s.cfg.Metrics.Distance(d)
	}
	s.last = &p
	s.count++
	s.points.Publish(p)
}

func (s *Session) onStatus(gen uint64, st gps.Status) {
	if s.stale(gen) {
		return
	}
	var sum signal.Summary
	if st.Available {
		sum = signal.Observe(st.Satellites)
	}
	s.summary = sum
	s.cfg.Metrics.Signal(sum.Average(), sum.Used)
	s.statuses.Publish(StatusSummary{
		Available:      st.Available,
		Signals:        sum,
		SatellitesUsed: sum.Used,
		Time:           s.cfg.Now().UTC(),
	})
}

func (s *Session) onLost(gen uint64, err error) {
	if s.stale(gen) {
		return
	}
	s.log.WithError(err).WithField("source", s.source.Name()).Warn("location source lost, ending capture")
	s.cfg.Metrics.Lost(string(s.kind))
	s.stop(true)
}

func (s *Session) info() Info {
	info := Info{Phase: s.phase}
	if s.phase != Capturing {
		return info
	}
	info.Source = s.kind
	info.SourceName = s.source.Name()
	info.ID = s.recordID
	info.File = s.writer.Path()
	info.Started = s.started
	info.Points = s.count
	info.DistanceKm = s.distance
	info.Writer = s.writer.Stats()
	return info
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
