// Package simulation runs an authority and a set of bot sessions over a
// simulated network on a manual clock, and reports how well prediction,
// reconciliation, interpolation and state sync held up.
package simulation

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/authority"
	"github.com/vovakirdan/netsync/internal/core"
	"github.com/vovakirdan/netsync/internal/interp"
	"github.com/vovakirdan/netsync/internal/session"
	"github.com/vovakirdan/netsync/internal/statesync"
	"github.com/vovakirdan/netsync/internal/transport"
)

// Defaults for Config.
const (
	DefaultFrame  = 16 * time.Millisecond
	DefaultSettle = 2 * time.Second
)

// Config describes one harness run.
type Config struct {
	Bots     int
	Duration time.Duration // Time during which bots move
	Settle   time.Duration // Idle time afterwards, before convergence is checked
	Frame    time.Duration // Host update interval

	TickRate         int
	PositionInterval time.Duration
	Interpolation    interp.Config
	InputBufferCap   int
	Link             transport.LinkConfig

	Speed       float32
	WorldWidth  float32
	WorldHeight float32
	Seed        int64

	// Persister, if set, receives every state entry applied by the authority.
	Persister statesync.Persister
	Logger    *log.Logger
}

// PeerReport summarizes one bot.
type PeerReport struct {
	Peer             core.PeerID
	Inputs           uint64
	Reconciled       uint64
	Replayed         uint64
	Evicted          uint64
	MaxCorrection    float64
	MeanCorrection   float64
	SnapshotsDropped uint64

	// FinalError is the distance between the predicted and the authoritative
	// position after settling.
	FinalError float64

	// Samples counts remote pose samples by mode.
	Samples map[interp.Mode]uint64
}

// Smoothness is the share of remote samples that were interpolated.
func (p PeerReport) Smoothness() float64 {
	var total uint64
	for _, n := range p.Samples {
		total += n
	}
	if total == 0 {
		return 0
	}
	return float64(p.Samples[interp.Interpolated]) / float64(total)
}

// Report is the outcome of a run.
type Report struct {
	Elapsed   time.Duration
	Frames    int
	Ticks     uint64
	Network   transport.NetworkStats
	Authority authority.Stats
	Peers     []PeerReport

	// StateConverged reports whether every peer and the authority hold the
	// same replicated entries after settling.
	StateConverged bool
	// PositionsConverged reports whether every prediction matches the
	// authority within tolerance after settling.
	PositionsConverged bool
}

// Converged reports whether both state and positions converged.
func (r Report) Converged() bool {
	return r.StateConverged && r.PositionsConverged
}

// positionTolerance is the allowed distance between prediction and authority
// after settling.
const positionTolerance = 1e-3

type bot struct {
	id      core.PeerID
	sess    *session.Session
	dx, dy  float32
	score   int
	sumCorr float64
	lastRec uint64
	samples map[interp.Mode]uint64
}

// Run executes the harness. It honours ctx cancellation between frames.
func Run(ctx context.Context, cfg Config) (Report, error) {
	if cfg.Bots < 1 {
		return Report{}, fmt.Errorf("simulation: need at least one bot, got %d", cfg.Bots)
	}
	if cfg.Frame <= 0 {
		cfg.Frame = DefaultFrame
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = authority.DefaultTickRate
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	if cfg.WorldWidth <= 0 || cfg.WorldHeight <= 0 {
		cfg.WorldWidth, cfg.WorldHeight = 80, 24
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	clock := core.NewManualClock(time.UnixMilli(1_700_000_000_000))
	net := transport.NewMemoryNetwork(clock, transport.LinkConfig{}, cfg.Seed)
	rng := rand.New(rand.NewSource(cfg.Seed))
	mover := core.Bounded(core.Displace, cfg.WorldWidth, cfg.WorldHeight)
	spawn := func(p core.PeerID) core.Entity {
		return SpawnPoint(p, cfg.WorldWidth, cfg.WorldHeight)
	}

	aep, err := net.Join(session.DefaultAuthorityID)
	if err != nil {
		return Report{}, err
	}
	server := authority.NewServer(aep, authority.Options{
		TickRate:         cfg.TickRate,
		PositionInterval: cfg.PositionInterval,
		Mover:            mover,
		Spawn:            spawn,
		Persister:        cfg.Persister,
		Clock:            clock,
		Logger:           logger.WithPrefix("authority"),
	})

	bots := make([]*bot, 0, cfg.Bots)
	for i := 0; i < cfg.Bots; i++ {
		id := core.PeerID(fmt.Sprintf("bot-%d", i+1))
		ep, err := net.Join(id)
		if err != nil {
			return Report{}, err
		}
		sess := session.New(ep, session.Options{
			Entity:           spawn(id),
			Interpolation:    cfg.Interpolation,
			InputBufferCap:   cfg.InputBufferCap,
			PositionInterval: cfg.PositionInterval,
			Mover:            mover,
			Clock:            clock,
			Logger:           logger.WithPrefix(string(id)),
		})
		bots = append(bots, &bot{id: id, sess: sess, samples: make(map[interp.Mode]uint64)})
	}

	// Settle membership on a perfect link, then apply the configured one.
	tickEvery := time.Second / time.Duration(cfg.TickRate)
	net.Pump()
	server.Step()
	net.Pump()
	for _, b := range bots {
		b.sess.Update(clock.Now())
	}
	net.SetLink(cfg.Link)

	report := Report{}
	start := clock.Now()
	moveUntil := start.Add(cfg.Duration)
	end := moveUntil.Add(cfg.Settle)
	nextTick := start
	frame := 0

	for clock.Now().Before(end) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		frame++
		moving := clock.Now().Before(moveUntil)

		for _, b := range bots {
			if moving {
				b.dx, b.dy = Steer(rng, b.dx, b.dy, cfg.Speed)
				b.sess.SubmitInput(b.dx, b.dy, core.ActionNone)
				if rng.Intn(60) == 0 {
					b.score++
					b.sess.SetState("score/"+string(b.id), []byte(strconv.Itoa(b.score)))
				}
				if rng.Intn(200) == 0 {
					b.sess.SetState("leader", []byte(b.id))
				}
			} else {
				// Idle inputs keep acknowledging lost ones.
				b.sess.SubmitInput(0, 0, core.ActionNone)
			}
		}

		clock.Advance(cfg.Frame)
		net.Pump()
		for !nextTick.After(clock.Now()) {
			server.Step()
			nextTick = nextTick.Add(tickEvery)
		}
		net.Pump()

		now := clock.Now()
		for _, b := range bots {
			b.sess.Update(now)
			b.observe()
		}
	}

	report.Elapsed = clock.Now().Sub(start)
	report.Frames = frame
	report.Network = net.Stats()
	report.Authority = server.Stats()
	report.Ticks = report.Authority.Ticks

	report.PositionsConverged = true
	for _, b := range bots {
		pr := b.report()
		if truth, ok := server.Entity(core.EntityOf(b.id)); ok {
			local := b.sess.LocalEntity()
			pr.FinalError = core.Distance(float64(local.X), float64(local.Y), float64(truth.X), float64(truth.Y))
		} else {
			pr.FinalError = math.Inf(1)
		}
		if pr.FinalError > positionTolerance {
			report.PositionsConverged = false
		}
		report.Peers = append(report.Peers, pr)
	}
	report.StateConverged = stateConverged(server.State(), bots)

	logger.Info("simulation finished",
		"bots", cfg.Bots, "frames", frame, "ticks", report.Ticks,
		"converged", report.Converged())
	return report, nil
}

// SpawnPoint places a peer deterministically inside the world, so the
// authority and the peer agree on the starting pose without a round trip.
func SpawnPoint(p core.PeerID, w, h float32) core.Entity {
	f := fnv.New32a()
	f.Write([]byte(p))
	sum := f.Sum32()
	return core.Entity{
		ID: core.EntityOf(p),
		X:  float32(sum%1000) / 1000 * w,
		Y:  float32((sum/1000)%1000) / 1000 * h,
	}
}

// Steer changes a bot's direction now and then, like a player holding keys.
func Steer(rng *rand.Rand, dx, dy, speed float32) (float32, float32) {
	if (dx != 0 || dy != 0) && rng.Intn(20) != 0 {
		return dx, dy
	}
	dirs := [][2]float32{{1, 0}, {-1, 0}, {0, 1}, {0, -1}, {0, 0}}
	d := dirs[rng.Intn(len(dirs))]
	return d[0] * speed, d[1] * speed
}

func (b *bot) observe() {
	st := b.sess.Stats().Prediction
	if st.Reconciled != b.lastRec {
		b.sumCorr += st.LastCorrection
		b.lastRec = st.Reconciled
	}
	for _, id := range b.sess.RemoteEntities() {
		if sample, ok := b.sess.RemotePose(id); ok {
			b.samples[sample.Mode]++
		}
	}
}

func (b *bot) report() PeerReport {
	st := b.sess.Stats()
	pr := PeerReport{
		Peer:             b.id,
		Inputs:           st.Prediction.Submitted,
		Reconciled:       st.Prediction.Reconciled,
		Replayed:         st.Prediction.Replayed,
		Evicted:          st.Prediction.Evicted,
		MaxCorrection:    st.Prediction.MaxCorrection,
		SnapshotsDropped: st.SnapshotsDropped,
		Samples:          b.samples,
	}
	if b.lastRec > 0 {
		pr.MeanCorrection = b.sumCorr / float64(b.lastRec)
	}
	return pr
}

func stateConverged(ref *statesync.Store, bots []*bot) bool {
	want := ref.Entries()
	for _, b := range bots {
		got := b.sess.State().Entries()
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i].Key != want[i].Key || got[i].Version != want[i].Version ||
				got[i].Sender != want[i].Sender || string(got[i].Value) != string(want[i].Value) {
				return false
			}
		}
	}
	return true
}
