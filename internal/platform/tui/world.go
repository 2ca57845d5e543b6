package tui

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/authority"
	"github.com/vovakirdan/netsync/internal/core"
	"github.com/vovakirdan/netsync/internal/interp"
	"github.com/vovakirdan/netsync/internal/session"
	"github.com/vovakirdan/netsync/internal/simulation"
	"github.com/vovakirdan/netsync/internal/statesync"
	"github.com/vovakirdan/netsync/internal/transport"
)

// pumpInterval is how often the in-process network delivers due messages.
const pumpInterval = 2 * time.Millisecond

// WorldConfig describes an in-process world: one authority, a simulated
// network and a number of bots. Humans join it through Join.
type WorldConfig struct {
	Bots             int
	FrameRate        int
	TickRate         int
	PositionInterval time.Duration
	Interpolation    interp.Config
	InputBufferCap   int
	Link             transport.LinkConfig
	Speed            float32
	Width, Height    float32
	AuthorityID      core.PeerID
	Seed             int64

	Persister statesync.Persister
	Logger    *log.Logger
}

// World runs an authority and its bots on the system clock.
type World struct {
	cfg    WorldConfig
	net    *transport.MemoryNetwork
	server *authority.Server
	mover  core.Mover
	logger *log.Logger

	bots []*session.Session
	rng  *rand.Rand

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewWorld builds a world. Call Start to set it in motion.
func NewWorld(cfg WorldConfig) (*World, error) {
	if cfg.AuthorityID == "" {
		cfg.AuthorityID = session.DefaultAuthorityID
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 80, 24
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	w := &World{
		cfg:    cfg,
		net:    transport.NewMemoryNetwork(core.SystemClock, cfg.Link, cfg.Seed),
		mover:  core.Bounded(core.Displace, cfg.Width, cfg.Height),
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}

	aep, err := w.net.Join(cfg.AuthorityID)
	if err != nil {
		return nil, err
	}
	w.server = authority.NewServer(aep, authority.Options{
		TickRate:         cfg.TickRate,
		PositionInterval: cfg.PositionInterval,
		Mover:            w.mover,
		Spawn:            w.spawn,
		Persister:        cfg.Persister,
		Logger:           logger.WithPrefix("authority"),
	})

	for i := range cfg.Bots {
		id := core.PeerID(fmt.Sprintf("bot-%d", i+1))
		ep, err := w.net.Join(id)
		if err != nil {
			w.server.Close()
			return nil, err
		}
		w.bots = append(w.bots, session.New(ep, w.options(id)))
	}
	return w, nil
}

func (w *World) spawn(p core.PeerID) core.Entity {
	return simulation.SpawnPoint(p, w.cfg.Width, w.cfg.Height)
}

func (w *World) options(id core.PeerID) session.Options {
	return session.Options{
		Entity:           w.spawn(id),
		Interpolation:    w.cfg.Interpolation,
		InputBufferCap:   w.cfg.InputBufferCap,
		PositionInterval: w.cfg.PositionInterval,
		Mover:            w.mover,
		Authority:        session.FixedAuthority(w.cfg.AuthorityID),
		Logger:           w.logger.WithPrefix(string(id)),
	}
}

// Start runs the network, the authority and the bots until ctx is done or
// Close is called.
func (w *World) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(3)
	go func() {
		defer w.wg.Done()
		w.net.Run(ctx, pumpInterval)
	}()
	go func() {
		defer w.wg.Done()
		if err := w.server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("authority stopped", "err", err)
		}
	}()
	go func() {
		defer w.wg.Done()
		w.runBots(ctx)
	}()
	w.logger.Info("world started", "bots", len(w.bots), "authority", w.cfg.AuthorityID)
}

func (w *World) runBots(ctx context.Context) {
	ticker := time.NewTicker(time.Second / time.Duration(w.cfg.FrameRate))
	defer ticker.Stop()

	headings := make([][2]float32, len(w.bots))
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for i, b := range w.bots {
				dx, dy := simulation.Steer(w.rng, headings[i][0], headings[i][1], w.cfg.Speed)
				headings[i] = [2]float32{dx, dy}
				if _, err := b.SubmitInput(dx, dy, core.ActionNone); err != nil {
					w.logger.Debug("bot input not sent", "bot", b.LocalID(), "err", err)
				}
				b.Update(now)
			}
		}
	}
}

// Join adds a human peer. If id is taken a numeric suffix is appended.
func (w *World) Join(id core.PeerID) (*session.Session, error) {
	candidate := id
	for n := 2; n < 100; n++ {
		ep, err := w.net.Join(candidate)
		if errors.Is(err, transport.ErrPeerExists) {
			candidate = core.PeerID(fmt.Sprintf("%s-%d", id, n))
			continue
		}
		if err != nil {
			return nil, err
		}
		return session.New(ep, w.options(candidate)), nil
	}
	return nil, fmt.Errorf("world: no free peer id for %s", id)
}

// Server returns the world's authority.
func (w *World) Server() *authority.Server {
	return w.server
}

// Network returns the world's simulated network.
func (w *World) Network() *transport.MemoryNetwork {
	return w.net
}

// Size returns the world dimensions.
func (w *World) Size() (float32, float32) {
	return w.cfg.Width, w.cfg.Height
}

// Close stops every goroutine and closes the bots and the authority.
func (w *World) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()

	for _, b := range w.bots {
		b.Close()
	}
	return w.server.Close()
}
