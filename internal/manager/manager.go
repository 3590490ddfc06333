package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/RuntimeRacer/KoboldAI-united/internal/config"
	"github.com/RuntimeRacer/KoboldAI-united/internal/engine"
	"github.com/RuntimeRacer/KoboldAI-united/internal/model"
	"github.com/RuntimeRacer/KoboldAI-united/internal/placement"
	"github.com/RuntimeRacer/KoboldAI-united/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultDrainTimeout  = 10 * time.Second
)

// LocalBackend runs generation for eagerly or lazily hydrated models. None
// ships in this repository; callers register one or generation fails with a
// dependency-unavailable error rather than mocking output.
type LocalBackend interface {
	Generate(ctx context.Context, mdl *model.Model, prompt []uint32, maxTokens, batchCount int, settings engine.Settings) ([][]uint32, error)
}

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Cfg      config.Config
	Registry []types.Model
	Resolver CheckpointResolver
	// Engine backs the sharded-engine strategy; nil disables it.
	Engine engine.Engine
	// Backend backs local generation; nil disables it.
	Backend       LocalBackend
	MaxQueueDepth int
	MaxWait       time.Duration
	DrainTimeout  time.Duration
	Log           zerolog.Logger
}

// Manager owns the loaded model and serializes access to it. At most one
// model is live at a time and at most one generation is in flight.
type Manager struct {
	mu      sync.RWMutex
	state   State
	lastErr string

	cfg      config.Config
	registry []types.Model
	resolver CheckpointResolver
	eng      engine.Engine
	backend  LocalBackend
	log      zerolog.Logger

	// Loaded model state; all four change together under mu.
	cur      *types.Model
	mdl      *model.Model
	plan     placement.Plan
	strategy model.Strategy

	notifier   engine.Notifier
	aborted    atomic.Bool
	generating atomic.Bool
	genBudget  atomic.Int64
	loadsTotal atomic.Uint64

	// Admission: queueCh bounds waiting requests, genCh is the single
	// in-flight slot.
	genCh   chan struct{}
	queueCh chan struct{}
	maxWait time.Duration

	drainTimeout time.Duration
	startTime    time.Time
}

// New constructs a Manager from ManagerConfig.
func New(cfg ManagerConfig) *Manager {
	m := &Manager{
		state:        StateIdle,
		cfg:          cfg.Cfg,
		registry:     cfg.Registry,
		resolver:     cfg.Resolver,
		eng:          cfg.Engine,
		backend:      cfg.Backend,
		log:          cfg.Log,
		genCh:        make(chan struct{}, 1),
		maxWait:      cfg.MaxWait,
		drainTimeout: cfg.DrainTimeout,
		startTime:    time.Now(),
	}
	depth := cfg.MaxQueueDepth
	if depth <= 0 {
		depth = defaultMaxQueueDepth
	}
	m.queueCh = make(chan struct{}, depth)
	if m.maxWait <= 0 {
		m.maxWait = defaultMaxWait
	}
	if m.drainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	}
	m.notifier.Log = cfg.Log
	return m
}

// Ready reports whether a model is loaded and accepting generations.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady && m.mdl != nil
}

// ListModels returns the registry contents.
func (m *Manager) ListModels() []types.Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Model, len(m.registry))
	copy(out, m.registry)
	return out
}

// Abort sets the cooperative cancellation flag polled by the stopping hook
// each token step. Cleared when the next generation starts.
func (m *Manager) Abort() {
	m.aborted.Store(true)
}

// callbacks builds the engine hook set wired once at model load. The warper
// hook defaults to a shape-guarded passthrough; scripting layers can extend
// it. The token budget is read per step because it is set per request.
func (m *Manager) callbacks() engine.Callbacks {
	stopping := func(generated [][]uint32, nGenerated int, excluded []engine.TokenSet) ([]engine.TokenSet, bool, bool) {
		s := engine.Stopper{
			MaxTokens:  int(m.genBudget.Load()),
			Aborted:    m.aborted.Load,
			Generating: m.generating.Load,
		}
		return s.Hook()(generated, nGenerated, excluded)
	}
	return engine.Callbacks{
		Warper:           engine.GuardWarper(nil),
		Stopping:         stopping,
		Compiling:        m.notifier.Compiling,
		StoppedCompiling: m.notifier.StoppedCompiling,
	}
}

func (m *Manager) modelByID(id string) (types.Model, bool) {
	for _, mdl := range m.registry {
		if mdl.ID == id {
			return mdl, true
		}
	}
	return types.Model{}, false
}
