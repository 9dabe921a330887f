package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Message kinds routed through a TwinWorker's mailbox.
const (
	kindTwinCreated         = "twin_created"
	kindTwinCreationFailure = "twin_creation_failure"
	kindTwinData            = "twin_data"
	kindShareReduction      = "share_concurrency_reduction"
	kindCleanup             = "cleanup"
	kindTwinDeleted         = "twin_deleted"
	kindTwinReduction       = "twin_concurrency_reduction"
	kindGetData             = "get_data"
	kindHeartbeatData       = "heartbeat_data"
)

// Worker is the supervisor-facing handle to a TwinWorker, playing the
// role of TwinActorInfo.worker_handle in spec.md 3. IsLive reports
// whether the worker's mailbox loop is still running; the supervisor
// never touches worker-internal state directly.
type Worker interface {
	Topic() string
	IsLive() bool
	Notify(bus *Bus, kind string, payload any)
}

// TwinWorker is the per-source-entity actor (spec.md 4.2). Fields below
// the mailbox-loop boundary are only ever mutated from within the
// worker's own actor loop goroutine -- the same single-writer discipline
// the teacher's registry.Cell applies to its sessions map, substituting
// a dedicated mailbox goroutine for Cell's mutex.
type TwinWorker struct {
	bus             *Bus
	supervisorTopic string
	topic           string
	generation      string

	identity      IdentityProvider
	twinTransport TwinTransport
	feedTransport FeedTransport
	twinChannel   TwinChannel
	feedChannel   FeedChannel

	twin    Twin
	model   Model
	logger  *slog.Logger
	metrics Metrics

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	alive atomic.Bool

	// actor-owned state, mutated only inside the mailbox loop.
	twinDID          string
	lastDataAt       time.Time
	creationInFlight bool
	sharesInFlight   int
}

// NewTwinWorker constructs a worker for twin, not yet started.
func NewTwinWorker(
	bus *Bus,
	supervisorTopic string,
	identity IdentityProvider,
	twinTransport TwinTransport,
	feedTransport FeedTransport,
	twinChannel TwinChannel,
	feedChannel FeedChannel,
	twin Twin,
	model Model,
	logger *slog.Logger,
	metrics Metrics,
) *TwinWorker {
	generation := uuid.NewString()
	return &TwinWorker{
		bus:             bus,
		supervisorTopic: supervisorTopic,
		topic:           "twin:" + twin.Seed + ":" + generation,
		generation:      generation,
		identity:        identity,
		twinTransport:   twinTransport,
		feedTransport:   feedTransport,
		twinChannel:     twinChannel,
		feedChannel:     feedChannel,
		twin:            twin,
		model:           model,
		logger:          logger.With("twin_seed", twin.Seed),
		metrics:         metrics,
		lastDataAt:      time.Now(),
	}
}

func (w *TwinWorker) Topic() string  { return w.topic }
func (w *TwinWorker) IsLive() bool   { return w.alive.Load() }

// Notify self- or cross-addresses a message at this worker's mailbox. A
// send failure here can only mean the mailbox is misconfigured or the
// bus has already been closed out from under a still-running worker;
// spec.md 4.1 treats that as fatal to the process rather than a
// recoverable condition (mirroring original_source/src/twin_actor.rs's
// unwrap_or_else(|_| panic!(...)) on every actor send).
func (w *TwinWorker) Notify(bus *Bus, kind string, payload any) {
	if err := bus.Send(w.topic, kind, payload); err != nil {
		panic(fmt.Errorf("twin worker: mailbox send failed (kind=%s): %w", kind, err))
	}
}

// Start subscribes the worker's mailbox and kicks off twin creation. ctx
// bounds the worker's entire lifetime; cancelling it (via Stop) ends the
// mailbox loop and runs the stopping hook.
func (w *TwinWorker) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.alive.Store(true)

	sub, err := w.bus.Subscribe(w.ctx, w.topic)
	if err != nil {
		w.logger.Error("twin worker: subscribe failed", "err", err)
		w.alive.Store(false)
		return
	}

	table := map[string]dispatchFunc{
		kindTwinCreated:         Bind(w.logger, w.handleTwinCreated),
		kindTwinCreationFailure: Bind(w.logger, w.handleTwinCreationFailure),
		kindTwinData:            Bind(w.logger, w.handleTwinData),
		kindShareReduction:      Bind(w.logger, w.handleShareConcurrencyReduction),
		kindCleanup:             Bind(w.logger, w.handleCleanup),
		kindTwinDeleted:         Bind(w.logger, w.handleTwinDeleted),
	}

	go func() {
		defer w.stoppingHook()
		runActor(w.logger, sub, table)
	}()

	w.creationInFlight = true
	go w.create(w.ctx)
}

// Stop cancels the worker's context, ending its mailbox loop. Idempotent.
func (w *TwinWorker) Stop() {
	w.once.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
}

func (w *TwinWorker) create(ctx context.Context) {
	twinDID, err := w.identity.CreateTwinDIDWithControlDelegation(ctx, w.twin.Seed, AgentTwinName)
	if err != nil {
		w.Notify(w.bus, kindTwinCreationFailure, twinCreationFailure{Label: w.twin.Label, Error: err.Error()})
		return
	}

	properties := w.model.TwinProperties(w.twin.ModelDID, w.twin.Label)
	if err := w.twinTransport.UpsertTwin(ctx, w.twinChannel, twinDID, properties, w.model.Feeds(false), w.twin.Location, w.model.Visibility); err != nil {
		w.Notify(w.bus, kindTwinCreationFailure, twinCreationFailure{Label: w.twin.Label, Error: err.Error()})
		return
	}

	w.Notify(w.bus, kindTwinCreated, twinCreationSuccess{TwinDID: twinDID})
}

func (w *TwinWorker) handleTwinCreated(msg *twinCreationSuccess) error {
	w.twinDID = msg.TwinDID
	w.creationInFlight = false
	w.logger.Debug("twin worker: created", "twin_did", w.twinDID)
	return w.bus.Send(w.supervisorTopic, kindTwinReduction, TwinConcurrencyReduction{TwinSeed: w.twin.Seed})
}

func (w *TwinWorker) handleTwinCreationFailure(msg *twinCreationFailure) error {
	w.logger.Warn("twin worker: creation failed", "err", msg.Error)
	incCreationFailure(w.metrics, w.model.Label())
	w.creationInFlight = false
	err := w.bus.Send(w.supervisorTopic, kindTwinReduction, TwinConcurrencyReduction{TwinSeed: w.twin.Seed})
	w.Stop()
	return err
}

// handleTwinData is the Ready-state handler (spec.md 4.2). It is
// non-blocking: it updates local bookkeeping synchronously and spawns a
// goroutine for the actual publish/update I/O, which self-sends the
// matching ShareConcurrencyReduction once it completes.
func (w *TwinWorker) handleTwinData(msg *TwinData) error {
	if w.twinDID == "" {
		return fmt.Errorf("twin worker: protocol violation: TwinData received before twin_did is set")
	}

	delta := len(msg.Data.Feeds)
	w.sharesInFlight += delta
	w.lastDataAt = time.Now()

	ctx := w.ctx
	twinDID := w.twinDID
	twinCh := w.twinChannel
	feedCh := w.feedChannel
	data := msg.Data
	label := w.twin.Label

	go func() {
		for feedID, value := range data.Feeds {
			payload, err := json.Marshal(value)
			if err != nil {
				w.logger.Error("twin worker: marshal feed value failed", "feed_id", feedID, "err", err)
				continue
			}
			if err := w.feedTransport.ShareData(ctx, feedCh, twinDID, feedID, payload, true); err != nil {
				w.logger.Error("twin worker: share failed", "twin_did", twinDID, "feed_id", feedID, "err", err)
			} else {
				w.logger.Debug("twin worker: shared feed data", "twin", label, "feed_id", feedID)
			}
		}

		if len(data.Properties) > 0 {
			keys := make([]string, len(data.Properties))
			for i, p := range data.Properties {
				keys[i] = p.Key
			}
			update := PropertyUpdate{ClearedAll: false, Added: data.Properties, DeletedByKey: keys}
			if err := w.twinTransport.UpdateTwin(ctx, twinCh, twinDID, update); err != nil {
				w.logger.Error("twin worker: property update failed", "twin_did", twinDID, "err", err)
			}
		}

		w.Notify(w.bus, kindShareReduction, ShareConcurrencyReduction{Amount: delta})
	}()

	return nil
}

func (w *TwinWorker) handleShareConcurrencyReduction(msg *ShareConcurrencyReduction) error {
	if msg.Amount > w.sharesInFlight {
		w.sharesInFlight = 0
	} else {
		w.sharesInFlight -= msg.Amount
	}
	return w.bus.Send(w.supervisorTopic, kindShareReduction, ShareConcurrencyReduction{Amount: msg.Amount})
}

func (w *TwinWorker) handleCleanup(msg *Cleanup) error {
	expireAt := w.lastDataAt.Add(msg.CleanupInterval)
	if time.Now().Before(expireAt) {
		return nil
	}

	if !msg.DeleteTwins {
		w.Stop()
		return nil
	}

	ctx := w.ctx
	twinCh := w.twinChannel
	twinDID := w.twinDID

	go func() {
		if err := w.twinTransport.DeleteTwin(ctx, twinCh, twinDID); err != nil {
			w.logger.Error("twin worker: delete failed", "twin_did", twinDID, "err", err)
			return
		}
		w.Notify(w.bus, kindTwinDeleted, twinDeleted{})
	}()

	return nil
}

func (w *TwinWorker) handleTwinDeleted(*twinDeleted) error {
	w.Stop()
	return nil
}

// stoppingHook runs exactly once, after the mailbox loop exits on every
// termination path (idle cleanup, creation failure, explicit delete).
// It guarantees the concurrency-reduction signals spec.md 4.2 requires
// so a worker's death never leaks a permanently-elevated counter.
func (w *TwinWorker) stoppingHook() {
	w.alive.Store(false)

	if w.creationInFlight {
		w.creationInFlight = false
		if err := w.bus.Send(w.supervisorTopic, kindTwinReduction, TwinConcurrencyReduction{TwinSeed: w.twin.Seed}); err != nil {
			w.logger.Error("twin worker: stopping hook: reduction send failed", "err", err)
		}
	}

	if w.sharesInFlight > 0 {
		amount := w.sharesInFlight
		w.sharesInFlight = 0
		if err := w.bus.Send(w.supervisorTopic, kindShareReduction, ShareConcurrencyReduction{Amount: amount}); err != nil {
			w.logger.Error("twin worker: stopping hook: reduction send failed", "err", err)
		}
	}
}
