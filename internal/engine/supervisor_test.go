package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	mu      sync.Mutex
	results []ConnectorData
}

func (f *fakeConnector) GetData(ctx context.Context) ([]ConnectorData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results, nil
}

func testSupervisorModel() Model {
	return Model{
		SeedPrefix:      "Acme Sensor",
		LabelPrefix:     "Acme",
		Visibility:      VisibilityPublic,
		ModelProperties: []Property{{Key: PredicateLabel, Value: LiteralValue("string", "Acme Model")}},
		FeedDefs:        []FeedDefinition{{ID: "temperature", Label: "Temperature"}},
		TwinPropertyTmpl: []Property{
			{Key: PredicateModelProperty},
			{Key: PredicateLabel},
		},
	}
}

func newTestSupervisor(t *testing.T, connector Connector, identity IdentityProvider, twinTransport TwinTransport, feedTransport FeedTransport) (*ModelSupervisor, *Bus) {
	t.Helper()

	bus := NewBus(testLogger(), 0)
	sup := NewModelSupervisor(
		bus,
		Config{Model: testSupervisorModel(), FetchInterval: time.Hour, DeleteTwinsOnCleanup: false, MailboxSize: 0},
		connector, identity, identity.(AuthProvider), twinTransport, feedTransport,
		testLogger(), nil,
	)
	return sup, bus
}

// fakeAuth satisfies both IdentityProvider and AuthProvider so a single
// fake can stand in for whichever the supervisor asks for.
type fakeAuth struct {
	*fakeIdentity
}

func (f *fakeAuth) Host() string                             { return "localhost:1234" }
func (f *fakeAuth) Token(ctx context.Context) (string, error) { return "bearer test", nil }

func TestModelSupervisorRunUpsertsModelTwinAndStartsLoops(t *testing.T) {
	connector := &fakeConnector{}
	identity := &fakeAuth{fakeIdentity: &fakeIdentity{}}
	twinTransport := &fakeTwinTransport{}
	feedTransport := &fakeFeedTransport{}

	sup, bus := newTestSupervisor(t, connector, identity, twinTransport, feedTransport)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Run(ctx))
	require.NotEmpty(t, sup.ModelDID())

	require.Eventually(t, func() bool {
		twinTransport.mu.Lock()
		defer twinTransport.mu.Unlock()
		return len(twinTransport.upserts) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestModelSupervisorHandleTwinDataStartsWorkerAndMarksCreatedOnReduction(t *testing.T) {
	connector := &fakeConnector{}
	identity := &fakeAuth{fakeIdentity: &fakeIdentity{}}
	twinTransport := &fakeTwinTransport{}
	feedTransport := &fakeFeedTransport{}

	sup, bus := newTestSupervisor(t, connector, identity, twinTransport, feedTransport)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.ctx = ctx
	sup.modelDID = "did:iotics:iotModel"
	sup.twinChannel = fakeTwinChannel{}
	sup.feedChannel = fakeFeedChannel{}

	msg := &TwinData{
		ModelDID:   sup.modelDID,
		Data:       ConnectorData{ID: "entity-1", Label: "Entity One", Feeds: map[string]any{"temperature": 21.0}},
		ExpireTime: time.Now().Add(time.Minute),
	}

	require.NoError(t, sup.handleTwinData(msg))
	require.Len(t, sup.registry, 1)
	require.Equal(t, 1, sup.concurrentNewTwins)

	var entry *registryEntry
	for _, e := range sup.registry {
		entry = e
	}
	require.NotNil(t, entry)

	require.Eventually(t, func() bool {
		twinTransport.mu.Lock()
		defer twinTransport.mu.Unlock()
		return len(twinTransport.upserts) == 1
	}, time.Second, 10*time.Millisecond)

	// the worker self-reports its reduction onto the supervisor's own
	// topic; drain it through the supervisor's handler directly since no
	// dispatch loop is running in this unit test.
	require.Eventually(t, func() bool { return entry.worker.IsLive() }, time.Second, 10*time.Millisecond)
	require.NoError(t, sup.handleTwinConcurrencyReduction(&TwinConcurrencyReduction{TwinSeed: sup.model.TwinSeed("entity-1")}))
	require.True(t, entry.created)
	require.Equal(t, 0, sup.concurrentNewTwins)
}

func TestModelSupervisorHandleTwinDataReschedulesWhenNewTwinLimitExceeded(t *testing.T) {
	connector := &fakeConnector{}
	identity := &fakeAuth{fakeIdentity: &fakeIdentity{}}
	twinTransport := &fakeTwinTransport{}
	feedTransport := &fakeFeedTransport{}

	sup, bus := newTestSupervisor(t, connector, identity, twinTransport, feedTransport)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.ctx = ctx
	sup.modelDID = "did:iotics:iotModel"
	sup.twinChannel = fakeTwinChannel{}
	sup.feedChannel = fakeFeedChannel{}
	sup.concurrentNewTwins = ConcurrentNewTwinsLimit + 1

	sub, err := bus.Subscribe(ctx, sup.topic)
	require.NoError(t, err)

	msg := &TwinData{
		ModelDID:   sup.modelDID,
		Data:       ConnectorData{ID: "entity-2", Label: "Entity Two", Feeds: map[string]any{"temperature": 21.0}},
		ExpireTime: time.Now().Add(time.Minute),
	}

	require.NoError(t, sup.handleTwinData(msg))
	require.Empty(t, sup.registry)

	select {
	case rescheduled := <-sub:
		require.Equal(t, kindTwinData, rescheduled.Metadata.Get(metaKind))
		rescheduled.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rescheduled twin_data message")
	}
}

func TestModelSupervisorHandleTwinDataDropsExpiredMessage(t *testing.T) {
	connector := &fakeConnector{}
	identity := &fakeAuth{fakeIdentity: &fakeIdentity{}}
	twinTransport := &fakeTwinTransport{}
	feedTransport := &fakeFeedTransport{}

	sup, bus := newTestSupervisor(t, connector, identity, twinTransport, feedTransport)
	defer bus.Close()

	msg := &TwinData{
		ModelDID:   "did:iotics:iotModel",
		Data:       ConnectorData{ID: "entity-3"},
		ExpireTime: time.Now().Add(-time.Second),
	}

	require.NoError(t, sup.handleTwinData(msg))
	require.Empty(t, sup.registry)
	require.Equal(t, 1, sup.previouslyUnhandledTwins)
}

func TestModelSupervisorHandleCleanupPartitionsDeadAndLiveWorkers(t *testing.T) {
	connector := &fakeConnector{}
	identity := &fakeAuth{fakeIdentity: &fakeIdentity{}}
	twinTransport := &fakeTwinTransport{}
	feedTransport := &fakeFeedTransport{}

	sup, bus := newTestSupervisor(t, connector, identity, twinTransport, feedTransport)
	defer bus.Close()

	sup.registry["dead-seed"] = &registryEntry{worker: &stubWorker{live: false}, created: true}
	liveWorker := &stubWorker{live: true}
	sup.registry["live-seed"] = &registryEntry{worker: liveWorker, created: true}

	require.NoError(t, sup.handleCleanup(&Cleanup{DeleteTwins: false, CleanupInterval: time.Minute}))

	require.Len(t, sup.registry, 1)
	_, stillThere := sup.registry["live-seed"]
	require.True(t, stillThere)
	require.Equal(t, 1, liveWorker.notified)
}

type stubWorker struct {
	live     bool
	notified int
}

func (s *stubWorker) Topic() string { return "stub" }
func (s *stubWorker) IsLive() bool  { return s.live }
func (s *stubWorker) Notify(bus *Bus, kind string, payload any) {
	s.notified++
}
