// Package session tracks render sessions: one color image, its depth map and
// the animator that plays them. Sessions share nothing with each other.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stevecastle/wiggle/animator"
	"github.com/stevecastle/wiggle/depthsource"
	"github.com/stevecastle/wiggle/export"
	"github.com/stevecastle/wiggle/parallax"
	"github.com/stevecastle/wiggle/raster"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrNotReady means the session has no loaded buffers yet.
	ErrNotReady = errors.New("session is not ready")
	// ErrBusy means a depth fetch is already in flight.
	ErrBusy = errors.New("session is processing")
	// ErrFetchCancelled means the session was reset while its depth fetch
	// was in flight; the result was discarded.
	ErrFetchCancelled = errors.New("depth fetch cancelled by session reset")
)

// State is the lifecycle of a session.
type State int

const (
	Empty State = iota
	Processing
	Ready
)

func (s State) String() string {
	switch s {
	case Processing:
		return "processing"
	case Ready:
		return "ready"
	}
	return "empty"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// DepthFetcher produces a depth image for an upload.
type DepthFetcher interface {
	Fetch(ctx context.Context, img depthsource.Image) (image.Image, []byte, error)
}

// Options apply to every session a Manager creates.
type Options struct {
	Sampler parallax.Sampler
	Prepare raster.PrepareOptions
	Config  parallax.Config
	Cycle   time.Duration
	Clock   animator.Clock
}

// Session is one image being animated.
type Session struct {
	ID      string
	Created time.Time
	opts    Options

	mu    sync.RWMutex
	state State
	err   string
	cfg   parallax.Config
	color *raster.ColorBuffer
	depth *raster.DepthBuffer
	anim  *animator.Animator

	// bumped by BeginFetch and Reset; a fetch only lands on its own generation
	fetchGen uint64

	// upload waiting for its depth map
	stagedColor  image.Image
	stagedUpload depthsource.Image
}

// Info is a JSON snapshot of a session.
type Info struct {
	ID      string          `json:"id"`
	State   State           `json:"state"`
	Error   string          `json:"error,omitempty"`
	Width   int             `json:"width,omitempty"`
	Height  int             `json:"height,omitempty"`
	Config  parallax.Config `json:"config"`
	Backend string          `json:"backend"`
	Created time.Time       `json:"created"`
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in := Info{
		ID:      s.ID,
		State:   s.state,
		Error:   s.err,
		Config:  s.cfg,
		Backend: s.opts.Sampler.Mode(),
		Created: s.Created,
	}
	if s.color != nil {
		in.Width, in.Height = s.color.Width(), s.color.Height()
	}
	return in
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the message of the last failed fetch, if any.
func (s *Session) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Load aligns the pair and makes the session Ready with a running animator.
func (s *Session) Load(colorImg, depthImg image.Image) error {
	c, d, err := raster.Prepare(colorImg, depthImg, s.opts.Prepare)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(c, d)
}

func (s *Session) loadLocked(c *raster.ColorBuffer, d *raster.DepthBuffer) error {
	var opts []animator.Option
	if s.opts.Cycle > 0 {
		opts = append(opts, animator.WithCycle(s.opts.Cycle))
	}
	if s.opts.Clock != nil {
		opts = append(opts, animator.WithClock(s.opts.Clock))
	}
	a, err := animator.New(s.opts.Sampler, c, d, s.cfg, opts...)
	if err != nil {
		return err
	}
	a.Start()
	s.color, s.depth, s.anim = c, d, a
	s.state = Ready
	s.err = ""
	log.Printf("session %s: ready %dx%d (%s)", s.ID, c.Width(), c.Height(), s.opts.Sampler.Mode())
	return nil
}

// BeginFetch moves an idle session to Processing and returns the fetch's
// generation. A Reset while the fetch runs makes that generation stale.
func (s *Session) BeginFetch() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Processing {
		return 0, ErrBusy
	}
	s.clearLocked()
	s.state = Processing
	s.fetchGen++
	return s.fetchGen, nil
}

func (s *Session) fetchCurrentLocked(gen uint64) bool {
	return s.state == Processing && s.fetchGen == gen
}

// FailFetch returns a Processing session to Empty, keeping err's message. It
// returns ErrFetchCancelled when the fetch was overtaken by a Reset.
func (s *Session) FailFetch(gen uint64, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fetchCurrentLocked(gen) {
		return ErrFetchCancelled
	}
	s.clearLocked()
	s.state = Empty
	s.err = err.Error()
	log.Printf("session %s: depth fetch failed: %v", s.ID, err)
	return nil
}

// CompleteFetch loads the fetched pair, or fails the fetch if it cannot be
// aligned. A stale fetch changes nothing and returns ErrFetchCancelled.
func (s *Session) CompleteFetch(gen uint64, colorImg, depthImg image.Image) error {
	c, d, err := raster.Prepare(colorImg, depthImg, s.opts.Prepare)
	if err != nil {
		if ferr := s.FailFetch(gen, err); ferr != nil {
			return ferr
		}
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fetchCurrentLocked(gen) {
		return ErrFetchCancelled
	}
	if err := s.loadLocked(c, d); err != nil {
		s.state = Empty
		s.err = err.Error()
		return err
	}
	return nil
}

// Fetch runs a whole depth acquisition for colorImg through f.
func (s *Session) Fetch(ctx context.Context, f DepthFetcher, colorImg image.Image, upload depthsource.Image) error {
	gen, err := s.BeginFetch()
	if err != nil {
		return err
	}
	depth, _, err := f.Fetch(ctx, upload)
	if err != nil {
		if ferr := s.FailFetch(gen, err); ferr != nil {
			return ferr
		}
		return err
	}
	return s.CompleteFetch(gen, colorImg, depth)
}

// AbandonStaged drops a staged upload that will never be fetched and keeps
// err as the session's message.
func (s *Session) AbandonStaged(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Processing {
		return
	}
	s.stagedColor, s.stagedUpload = nil, depthsource.Image{}
	s.err = err.Error()
}

// Stage keeps an uploaded color image until a depth fetch picks it up.
func (s *Session) Stage(colorImg image.Image, upload depthsource.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stagedColor, s.stagedUpload = colorImg, upload
}

// Staged returns what Stage kept.
func (s *Session) Staged() (image.Image, depthsource.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stagedColor == nil {
		return nil, depthsource.Image{}, errors.New("no upload staged for depth fetch")
	}
	return s.stagedColor, s.stagedUpload, nil
}

// FetchStaged runs Fetch on the staged upload and drops it on success.
func (s *Session) FetchStaged(ctx context.Context, f DepthFetcher) error {
	colorImg, upload, err := s.Staged()
	if err != nil {
		return err
	}
	if err := s.Fetch(ctx, f, colorImg, upload); err != nil {
		return err
	}
	s.mu.Lock()
	s.stagedColor, s.stagedUpload = nil, depthsource.Image{}
	s.mu.Unlock()
	return nil
}

// Reset drops the buffers and phase and returns the session to Empty.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	s.stagedColor, s.stagedUpload = nil, depthsource.Image{}
	s.state = Empty
	s.err = ""
	s.fetchGen++
}

func (s *Session) clearLocked() {
	if s.anim != nil {
		s.anim.Stop()
	}
	s.color, s.depth, s.anim = nil, nil, nil
}

// SetConfig changes strength and speed. The animation phase is kept.
func (s *Session) SetConfig(cfg parallax.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anim != nil {
		if err := s.anim.SetConfig(cfg); err != nil {
			return err
		}
	}
	s.cfg = cfg
	return nil
}

func (s *Session) Config() parallax.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Animator returns the running animator of a Ready session.
func (s *Session) Animator() (*animator.Animator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Ready {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, s.state)
	}
	return s.anim, nil
}

// Frame renders the frame at progress without touching the live phase.
func (s *Session) Frame(progress float64) (*raster.PixelBuffer, error) {
	a, err := s.Animator()
	if err != nil {
		return nil, err
	}
	return a.RenderAt(progress)
}

// Depth returns the aligned depth buffer.
func (s *Session) Depth() (*raster.DepthBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Ready {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, s.state)
	}
	return s.depth, nil
}

// Source snapshots what an export needs. Later config changes do not
// affect a snapshot already taken.
func (s *Session) Source() (export.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Ready {
		return export.Source{}, fmt.Errorf("%w: %s", ErrNotReady, s.state)
	}
	return export.Source{Sampler: s.opts.Sampler, Color: s.color, Depth: s.depth, Config: s.cfg}, nil
}

// Manager owns the live sessions.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager returns an empty manager. A nil sampler uses the scan backend.
func NewManager(opts Options) *Manager {
	if opts.Sampler == nil {
		opts.Sampler = &parallax.ScanSampler{}
	}
	if opts.Prepare.MaxDimension == 0 && opts.Prepare.AspectTolerance == 0 {
		opts.Prepare = raster.DefaultPrepareOptions()
	}
	if opts.Config == (parallax.Config{}) {
		opts.Config = parallax.DefaultConfig()
	}
	return &Manager{opts: opts, sessions: make(map[string]*Session)}
}

// Create starts a new Empty session.
func (m *Manager) Create() *Session {
	s := &Session{
		ID:      uuid.NewString(),
		Created: time.Now(),
		opts:    m.opts,
		cfg:     m.opts.Config,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Delete ends a session and releases its buffers.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Reset()
	return nil
}

// List returns snapshots ordered by creation time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}
