// Package session ties acquisition, records, displays and the catalog
// together for one user of the instrument.
package session

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"

	"github.com/gotmc/phasenoise"
	"github.com/gotmc/phasenoise/lib/catalog"
	"github.com/gotmc/phasenoise/lib/curve"
	"github.com/gotmc/phasenoise/lib/pnp"
	"github.com/gotmc/phasenoise/lib/profile"
	"github.com/gotmc/phasenoise/lib/sweep"
)

// NamePattern is the strftime pattern for records saved without a name.
const NamePattern = "pn-%Y%m%d-%H%M%S.pnp"

// Session holds the loaded sources and their displays. It is safe for
// concurrent use; an acquisition holds no lock while it runs.
type Session struct {
	prof    *profile.Profile
	catalog *catalog.Store
	log     *log.Logger
	dir     string
	now     func() time.Time

	mu       sync.Mutex
	plan     sweep.Plan
	hasPlan  bool
	sources  []*pnp.Source
	displays []*curve.Display
}

// Option configures a Session.
type Option func(*Session)

// WithCatalog records every acquired or opened source in store.
func WithCatalog(store *catalog.Store) Option { return func(s *Session) { s.catalog = store } }

// WithDirectory sets where unnamed acquisitions are saved.
func WithDirectory(dir string) Option { return func(s *Session) { s.dir = dir } }

// WithLogger routes session logging to l.
func WithLogger(l *log.Logger) Option { return func(s *Session) { s.log = l } }

// WithClock replaces time.Now for naming records.
func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

// New returns an empty session for prof.
func New(prof *profile.Profile, opts ...Option) *Session {
	s := &Session{
		prof: prof,
		log:  log.New(io.Discard),
		dir:  ".",
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Profile returns the instrument profile.
func (s *Session) Profile() *profile.Profile { return s.prof }

// Plan returns the decade plan most recently started, if any.
func (s *Session) Plan() (sweep.Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan, s.hasPlan
}

func (s *Session) setPlan(p sweep.Plan) {
	s.mu.Lock()
	s.plan, s.hasPlan = p, true
	s.mu.Unlock()
}

// Acquire runs a measurement on bus and saves it to path, or to a
// timestamped file in the session directory when path is empty. The saved
// record is reloaded with blending and appended to the session. Options
// are passed to the sweep controller after the session's own.
func (s *Session) Acquire(ctx context.Context, bus phasenoise.Bus, path string, opts ...sweep.Option) (*pnp.Source, error) {
	base := []sweep.Option{sweep.WithLogger(s.log), sweep.WithPlanHook(s.setPlan)}
	c, err := sweep.New(bus, s.prof, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	raw, err := c.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if path == "" {
		name, err := strftime.Format(NamePattern, s.now())
		if err != nil {
			return nil, err
		}
		path = filepath.Join(s.dir, name)
	}
	if err := pnp.Save(path, raw); err != nil {
		return nil, fmt.Errorf("saving acquisition: %w", err)
	}
	s.log.Info("saved", "path", path)
	return s.Open(ctx, path)
}

// Open loads the record at path and appends it to the session.
func (s *Session) Open(ctx context.Context, path string) (*pnp.Source, error) {
	src, err := pnp.Load(path, pnp.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sources = append(s.sources, src)
	s.displays = append(s.displays, nil)
	s.mu.Unlock()
	s.record(ctx, src)
	return src, nil
}

// record indexes src. The catalog is advisory, so failures only warn.
func (s *Session) record(ctx context.Context, src *pnp.Source) {
	if s.catalog == nil {
		return
	}
	if err := s.catalog.Record(ctx, src); err != nil {
		s.log.Warn("catalog", "err", err)
	}
}

// Sources returns the loaded sources in the order they were added.
func (s *Session) Sources() []*pnp.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*pnp.Source(nil), s.sources...)
}

func (s *Session) check(i int) error {
	if i < 0 || i >= len(s.sources) {
		return fmt.Errorf("no source %d (have %d)", i, len(s.sources))
	}
	return nil
}

// Close drops source i from the session. Later sources move down by one.
func (s *Session) Close(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(i); err != nil {
		return err
	}
	s.sources = append(s.sources[:i], s.sources[i+1:]...)
	s.displays = append(s.displays[:i], s.displays[i+1:]...)
	return nil
}

// Display returns the display for source i computed with settings. The
// display is cached until the settings change or the source is replaced.
func (s *Session) Display(i int, settings curve.Settings) (*curve.Display, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(i); err != nil {
		return nil, err
	}
	if d := s.displays[i]; d != nil {
		if d.Settings() != settings {
			if err := d.SetSettings(settings); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	d, err := curve.NewDisplay(s.sources[i], settings)
	if err != nil {
		return nil, err
	}
	s.displays[i] = d
	return d, nil
}

// SetCaption rewrites the caption of source i in its file, reloads it and
// updates the catalog.
func (s *Session) SetCaption(ctx context.Context, i int, text string) error {
	s.mu.Lock()
	if err := s.check(i); err != nil {
		s.mu.Unlock()
		return err
	}
	old := s.sources[i]
	s.mu.Unlock()

	if old.Path == "" {
		return fmt.Errorf("source %d was never saved", i)
	}
	if err := pnp.SetCaption(old.Path, text); err != nil {
		return fmt.Errorf("captioning %s: %w", old.Path, err)
	}
	src, err := pnp.Load(old.Path, pnp.WithLogger(s.log))
	if err != nil {
		return err
	}

	s.mu.Lock()
	// The list may have shifted while the file was rewritten.
	for j, cur := range s.sources {
		if cur == old {
			s.sources[j] = src
			s.displays[j] = nil
		}
	}
	s.mu.Unlock()

	if s.catalog != nil {
		if err := s.catalog.UpdateCaption(ctx, src.Path, src.Caption); err != nil {
			s.record(ctx, src)
		}
	}
	return nil
}
