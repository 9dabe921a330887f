package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// registryEntry is TwinActorInfo from spec.md 3: the worker handle plus
// whether it has reported creation success. Keyed by twin seed in
// ModelSupervisor.registry -- owned exclusively by the supervisor actor
// loop, so it needs no lock (spec.md 5).
type registryEntry struct {
	worker  Worker
	created bool
}

// Stats is a point-in-time snapshot of the supervisor's registry and
// concurrency counters, published once per tick for the admin server
// and the monitor dashboard (spec.md 4.1's operator-visibility
// requirement).
type Stats struct {
	Model                    string    `json:"model"`
	RegistrySize             int       `json:"registry_size"`
	ConcurrentNewTwins       int       `json:"concurrent_new_twins"`
	ConcurrentShares         int       `json:"concurrent_shares"`
	PreviouslyUnhandledTwins int       `json:"previously_unhandled_twins"`
	ObservedAt               time.Time `json:"observed_at"`
}

// ModelSupervisor is the per-model actor (spec.md 4.1): it owns the
// registry of twin workers, the admission policy, the poll/cleanup
// timers, and heartbeat publication. Generalized from the teacher's
// registry.Hub (one Hub per process, one Cell per user) to one
// supervisor per configured Model, one TwinWorker per source entity.
type ModelSupervisor struct {
	bus   *Bus
	topic string

	model     Model
	connector Connector
	identity  IdentityProvider
	auth      AuthProvider

	twinTransport TwinTransport
	feedTransport FeedTransport

	fetchInterval   time.Duration
	deleteOnCleanup bool
	mailboxSize     int
	newTwinsLimit   int
	sharesLimit     int
	admission       AdmissionSource

	logger  *slog.Logger
	metrics Metrics

	ctx context.Context

	modelDID    string
	twinChannel TwinChannel
	feedChannel FeedChannel

	registry                 map[string]*registryEntry
	concurrentNewTwins       int
	concurrentShares         int
	previouslyUnhandledTwins int

	stats atomic.Pointer[Stats]
}

// Config bundles the tunables a ModelSupervisor needs beyond its
// dependencies. ConcurrentNewTwins/ConcurrentShares fall back to the
// package constants when zero; Admission, when set, is consulted on
// every tick, sweep and admission ahead of the FetchInterval,
// DeleteTwinsOnCleanup and limit fields here, so a hot-reloaded
// value always wins over the value the process started with (spec.md
// 5's "operator may retune these live without a restart").
type Config struct {
	Model                Model
	FetchInterval        time.Duration
	DeleteTwinsOnCleanup bool
	MailboxSize          int
	ConcurrentNewTwins   int
	ConcurrentShares     int
	Admission            AdmissionSource
}

// NewModelSupervisor builds a supervisor, not yet running.
func NewModelSupervisor(
	bus *Bus,
	cfg Config,
	connector Connector,
	identity IdentityProvider,
	auth AuthProvider,
	twinTransport TwinTransport,
	feedTransport FeedTransport,
	logger *slog.Logger,
	metrics Metrics,
) *ModelSupervisor {
	mailboxSize := cfg.MailboxSize
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}

	newTwinsLimit := cfg.ConcurrentNewTwins
	if newTwinsLimit <= 0 {
		newTwinsLimit = ConcurrentNewTwinsLimit
	}
	sharesLimit := cfg.ConcurrentShares
	if sharesLimit <= 0 {
		sharesLimit = ConcurrentSharesLimit
	}

	return &ModelSupervisor{
		bus:             bus,
		topic:           "model:" + cfg.Model.Seed(),
		model:           cfg.Model,
		connector:       connector,
		identity:        identity,
		auth:            auth,
		twinTransport:   twinTransport,
		feedTransport:   feedTransport,
		fetchInterval:   cfg.FetchInterval,
		deleteOnCleanup: cfg.DeleteTwinsOnCleanup,
		mailboxSize:     mailboxSize,
		newTwinsLimit:   newTwinsLimit,
		sharesLimit:     sharesLimit,
		admission:       cfg.Admission,
		logger:          logger.With("model", cfg.Model.Label()),
		metrics:         metrics,
		registry:        make(map[string]*registryEntry),
	}
}

// currentFetchInterval, concurrentNewTwinsLimit, concurrentSharesLimit
// and deleteTwinsOnCleanup read the live admission source when one is
// configured, falling back to the value the supervisor was constructed
// with otherwise.
func (s *ModelSupervisor) currentFetchInterval() time.Duration {
	if s.admission != nil {
		if iv := s.admission.FetchInterval(); iv > 0 {
			return iv
		}
	}
	return s.fetchInterval
}

func (s *ModelSupervisor) concurrentNewTwinsLimit() int {
	if s.admission != nil {
		if v := s.admission.ConcurrentNewTwinsLimit(); v > 0 {
			return v
		}
	}
	return s.newTwinsLimit
}

func (s *ModelSupervisor) concurrentSharesLimit() int {
	if s.admission != nil {
		if v := s.admission.ConcurrentSharesLimit(); v > 0 {
			return v
		}
	}
	return s.sharesLimit
}

func (s *ModelSupervisor) deleteTwinsOnCleanup() bool {
	if s.admission != nil {
		return s.admission.DeleteTwinsOnCleanup()
	}
	return s.deleteOnCleanup
}

// ModelDID returns the model twin's DID, valid once Run has completed
// bring-up.
func (s *ModelSupervisor) ModelDID() string { return s.modelDID }

// Stats returns the most recent tick snapshot.
func (s *ModelSupervisor) Stats() Stats {
	if p := s.stats.Load(); p != nil {
		return *p
	}
	return Stats{Model: s.model.Label()}
}

// Run performs the startup protocol of spec.md 4.1 (acquire transport
// channels, derive the model DID, upsert the model twin) and then starts
// the poll and cleanup loops. Any failure here is fatal: the caller is
// expected to terminate the process with a non-zero exit code.
func (s *ModelSupervisor) Run(ctx context.Context) error {
	s.ctx = ctx

	sub, err := s.bus.Subscribe(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("%w: subscribe model mailbox: %v", ErrTransport, err)
	}
	go runActor(s.logger, sub, s.dispatchTable())

	g, gctx := errgroup.WithContext(ctx)
	var twinCh TwinChannel
	var feedCh FeedChannel
	g.Go(func() error {
		ch, err := s.twinTransport.CreateTwinAPIClient(gctx, s.auth)
		if err != nil {
			return err
		}
		twinCh = ch
		return nil
	})
	g.Go(func() error {
		ch, err := s.feedTransport.CreateFeedAPIClient(gctx, s.auth)
		if err != nil {
			return err
		}
		feedCh = ch
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: acquire transport channels: %v", ErrTransport, err)
	}
	s.twinChannel, s.feedChannel = twinCh, feedCh

	modelDID, err := s.identity.CreateTwinDIDWithControlDelegation(ctx, s.model.Seed(), AgentTwinName)
	if err != nil {
		return fmt.Errorf("%w: derive model did: %v", ErrIdentity, err)
	}
	s.modelDID = modelDID
	s.logger.Debug("model supervisor: model did resolved", "model_did", modelDID)

	if err := s.twinTransport.UpsertTwin(ctx, s.twinChannel, modelDID, s.model.ModelProperties, s.model.Feeds(true), nil, s.model.Visibility); err != nil {
		return fmt.Errorf("%w: upsert model twin: %v", ErrTransport, err)
	}

	s.logger.Info("model supervisor: started")

	go s.pollLoop(ctx)
	go s.cleanupLoop(ctx)

	return nil
}

func (s *ModelSupervisor) dispatchTable() map[string]dispatchFunc {
	return map[string]dispatchFunc{
		kindGetData:        Bind(s.logger, s.handleGetData),
		kindTwinData:       Bind(s.logger, s.handleTwinData),
		kindTwinReduction:  Bind(s.logger, s.handleTwinConcurrencyReduction),
		kindShareReduction: Bind(s.logger, s.handleShareConcurrencyReduction),
		kindHeartbeatData:  Bind(s.logger, s.handleHeartbeatData),
		kindCleanup:        Bind(s.logger, s.handleCleanup),
	}
}

// notify self-sends a message on the supervisor's own mailbox. A send
// failure here can only mean the mailbox is misconfigured or the bus
// has already been closed out from under a still-running supervisor;
// spec.md 4.1 treats that as fatal to the process rather than a
// recoverable condition (mirroring original_source/src/model_actor.rs's
// unwrap_or_else(|_| panic!(...)) on every actor send).
func (s *ModelSupervisor) notify(kind string, payload any) {
	if err := s.bus.Send(s.topic, kind, payload); err != nil {
		panic(fmt.Errorf("model supervisor: mailbox send failed (kind=%s): %w", kind, err))
	}
}

// pollLoop self-sends GetData every fetch interval, compensating elapsed
// processing time so cadence is preserved (spec.md 4.1). The interval is
// re-read from the live admission source every iteration, so a
// hot-reloaded fetch_interval takes effect on the next tick.
func (s *ModelSupervisor) pollLoop(ctx context.Context) {
	for {
		start := time.Now()
		s.notify(kindGetData, GetData{ModelDID: s.modelDID})

		elapsed := time.Since(start)
		sleepFor := s.currentFetchInterval() - elapsed
		if sleepFor < 0 {
			sleepFor = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepFor):
		}
	}
}

// cleanupLoop self-sends Cleanup at 3.5x the fetch interval (spec.md
// 4.1, 9 open question (a)). Both the cadence and delete_twins are
// re-read from the live admission source before every sweep, the same
// hot-reload guarantee pollLoop gives fetch_interval.
func (s *ModelSupervisor) cleanupLoop(ctx context.Context) {
	for {
		interval := time.Duration(float64(s.currentFetchInterval()) * CleanupIntervalFactor)
		timer := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.notify(kindCleanup, Cleanup{DeleteTwins: s.deleteTwinsOnCleanup(), CleanupInterval: interval})
		}
	}
}

func (s *ModelSupervisor) handleGetData(msg *GetData) error {
	prevUnhandled := s.previouslyUnhandledTwins
	s.previouslyUnhandledTwins = 0

	registrySize := len(s.registry)
	s.logger.Info("model supervisor: requesting data",
		"registry_size", registrySize,
		"previously_unhandled_twins", prevUnhandled,
	)
	if s.concurrentNewTwins > 0 || s.concurrentShares > 0 {
		s.logger.Warn("model supervisor: nonzero residual concurrency at tick start",
			"concurrent_new_twins", s.concurrentNewTwins,
			"concurrent_shares", s.concurrentShares,
		)
	}

	observeTick(s.metrics, s.model.Label(), registrySize, s.concurrentNewTwins, s.concurrentShares, prevUnhandled)
	s.stats.Store(&Stats{
		Model:                    s.model.Label(),
		RegistrySize:             registrySize,
		ConcurrentNewTwins:       s.concurrentNewTwins,
		ConcurrentShares:         s.concurrentShares,
		PreviouslyUnhandledTwins: prevUnhandled,
		ObservedAt:               time.Now(),
	})

	modelDID := msg.ModelDID
	expireTime := time.Now().Add(time.Duration(float64(s.currentFetchInterval()) * NewTwinsShareTickCap))
	ctx := s.ctx

	go func() {
		results, err := s.connector.GetData(ctx)
		if err != nil {
			s.logger.Error("model supervisor: get_data failed", "err", err)
			return
		}

		s.logger.Info("model supervisor: got data", "count", len(results))

		for _, data := range results {
			s.notify(kindTwinData, TwinData{ModelDID: modelDID, Data: data, ExpireTime: expireTime})
		}

		s.notify(kindHeartbeatData, HeartbeatData{ModelDID: modelDID, Shares: uint64(len(results))})
	}()

	return nil
}

// handleTwinData is the admission handler (spec.md 4.1): it is
// synchronous and non-blocking -- no transport I/O happens here, only
// registry lookups, counter arithmetic, and message sends.
func (s *ModelSupervisor) handleTwinData(msg *TwinData) error {
	if time.Now().After(msg.ExpireTime) {
		s.previouslyUnhandledTwins++
		return nil
	}

	twinSeed := s.model.TwinSeed(msg.Data.ID)
	entry, exists := s.registry[twinSeed]
	startRequired := !exists || !entry.worker.IsLive()

	if startRequired {
		if s.concurrentNewTwins > s.concurrentNewTwinsLimit() {
			s.bus.SendAfter(RescheduleDelay, s.topic, kindTwinData, *msg)
			return nil
		}

		twinLabel := s.model.TwinLabel(msg.Data.Label)
		worker := NewTwinWorker(
			s.bus, s.topic,
			s.identity, s.twinTransport, s.feedTransport,
			s.twinChannel, s.feedChannel,
			Twin{ModelDID: msg.ModelDID, Seed: twinSeed, Label: twinLabel, Location: msg.Data.Location},
			s.model, s.logger, s.metrics,
		)
		worker.Start(s.ctx)

		entry = &registryEntry{worker: worker, created: false}
		s.registry[twinSeed] = entry
		s.concurrentNewTwins++
	}

	if !entry.created || s.concurrentShares+len(msg.Data.Feeds) > s.concurrentSharesLimit() {
		s.bus.SendAfter(RescheduleDelay, s.topic, kindTwinData, *msg)
		return nil
	}

	s.concurrentShares += len(msg.Data.Feeds)
	entry.worker.Notify(s.bus, kindTwinData, *msg)
	return nil
}

func (s *ModelSupervisor) handleTwinConcurrencyReduction(msg *TwinConcurrencyReduction) error {
	if msg.TwinSeed != "" {
		if entry, ok := s.registry[msg.TwinSeed]; ok {
			entry.created = true
		}
	}

	if s.concurrentNewTwins > 0 {
		s.concurrentNewTwins--
	}
	return nil
}

func (s *ModelSupervisor) handleShareConcurrencyReduction(msg *ShareConcurrencyReduction) error {
	if msg.Amount > s.concurrentShares {
		s.concurrentShares = 0
	} else {
		s.concurrentShares -= msg.Amount
	}
	return nil
}

func (s *ModelSupervisor) handleHeartbeatData(msg *HeartbeatData) error {
	incHeartbeat(s.metrics, s.model.Label())

	payload, err := json.Marshal(heartbeatPayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Shares:    msg.Shares,
	})
	if err != nil {
		return fmt.Errorf("model supervisor: marshal heartbeat: %w", err)
	}

	ctx := s.ctx
	feedCh := s.feedChannel
	modelDID := msg.ModelDID
	logger := s.logger

	go func() {
		if err := s.feedTransport.ShareData(ctx, feedCh, modelDID, HeartbeatFeedID, payload, true); err != nil {
			logger.Error("model supervisor: heartbeat share failed", "err", err)
		} else {
			logger.Debug("model supervisor: heartbeat shared", "shares", msg.Shares)
		}
	}()

	return nil
}

// handleCleanup partitions the registry into dead (reclaimed now) and
// live (forwarded the sweep), per spec.md 4.1.
func (s *ModelSupervisor) handleCleanup(msg *Cleanup) error {
	s.logger.Info("model supervisor: cleanup sweep", "registry_size", len(s.registry))

	var dead []string
	for seed, entry := range s.registry {
		if !entry.worker.IsLive() {
			dead = append(dead, seed)
			continue
		}
		entry.worker.Notify(s.bus, kindCleanup, *msg)
	}

	for _, seed := range dead {
		delete(s.registry, seed)
	}

	return nil
}

type heartbeatPayload struct {
	Timestamp string `json:"timestamp"`
	Shares    uint64 `json:"shares"`
}
