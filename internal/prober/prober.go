// Package prober performs background health checks on all registered
// upstream proxies, updating their liveness and latency fields through
// the registry's mutate path.
//
// A sweep runs every Interval and probes each proxy in turn with a
// per-probe deadline. The sweep is sequential, which also guarantees
// that at most one probe per id is in flight; on-demand probes take a
// per-id slot before running so they cannot overlap a sweep.
package prober

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/drsoft-oss/hydragate/internal/pool"
	"github.com/drsoft-oss/hydragate/internal/upstream"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
	DefaultTarget   = "1.1.1.1:443"
)

// ErrUnknownProxy is returned by ProbeOne for an id not in the registry.
var ErrUnknownProxy = errors.New("unknown proxy id")

// ErrProbeInFlight is returned when a probe for the same id is already
// running.
var ErrProbeInFlight = errors.New("probe already in flight")

// Config controls probe behaviour.
type Config struct {
	// Interval between full-registry sweeps.
	Interval time.Duration

	// Timeout per individual probe. Expiry counts as failure.
	Timeout time.Duration

	// Target is the destination tunneled to through each proxy.
	Target string

	// OnResult, when set, is invoked with the updated descriptor after
	// every probe. Used for the event feed and metrics.
	OnResult func(pool.Proxy)
}

// Prober orchestrates the health checks.
type Prober struct {
	registry *pool.Registry
	cfg      Config

	// inflight holds the ids with a probe currently running.
	mu       sync.Mutex
	inflight map[string]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Prober. Call Start to begin the background sweeps.
func New(reg *pool.Registry, cfg Config) *Prober {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Target == "" {
		cfg.Target = DefaultTarget
	}
	return &Prober{
		registry: reg,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (p *Prober) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop shuts down the sweep goroutine and waits for it to exit.
func (p *Prober) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Prober) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.RunOnce()
		case <-p.stop:
			return
		}
	}
}

// RunOnce performs a single sequential sweep over the whole registry.
// Safe to call on demand; ids with a probe already in flight are skipped.
func (p *Prober) RunOnce() {
	proxies := p.registry.Snapshot()
	for _, px := range proxies {
		if !p.acquire(px.ID) {
			continue
		}
		p.probe(px)
		p.release(px.ID)
	}
	log.Printf("[prober] sweep done: %d/%d alive", p.registry.AliveLen(), p.registry.Len())
}

// ProbeOne probes a single proxy by id right away.
func (p *Prober) ProbeOne(id string) error {
	px, ok := p.registry.Get(id)
	if !ok {
		return ErrUnknownProxy
	}
	if !p.acquire(id) {
		return ErrProbeInFlight
	}
	defer p.release(id)
	p.probe(px)
	return nil
}

func (p *Prober) acquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[id]; busy {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Prober) release(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// probe opens a tunnel to the configured target through px and records
// the outcome on the registry entry. The descriptor may have been
// removed or replaced meanwhile; Update drops the write in that case.
func (p *Prober) probe(px pool.Proxy) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := upstream.Dial(ctx, px, p.cfg.Target)
	elapsed := uint64(time.Since(start).Milliseconds())
	if conn != nil {
		conn.Close()
	}

	if err != nil {
		if px.Alive {
			log.Printf("[prober] proxy DEAD %s: %v", px.String(), err)
		}
		p.record(px.ID, false, nil)
		return
	}
	if !px.Alive {
		log.Printf("[prober] proxy ALIVE %s (latency=%dms)", px.String(), elapsed)
	}
	p.record(px.ID, true, &elapsed)
}

func (p *Prober) record(id string, alive bool, latency *uint64) {
	ok := p.registry.Update(id, func(px *pool.Proxy) {
		px.Alive = alive
		px.LatencyMS = latency
	})
	if !ok {
		return
	}
	if p.cfg.OnResult != nil {
		if px, found := p.registry.Get(id); found {
			p.cfg.OnResult(px)
		}
	}
}
