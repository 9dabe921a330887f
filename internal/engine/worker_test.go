package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeIdentity struct {
	mu      sync.Mutex
	failDID bool
}

func (f *fakeIdentity) CreateAgentAuthToken(ctx context.Context) (string, error) {
	return "bearer test", nil
}

func (f *fakeIdentity) CreateTwinDIDWithControlDelegation(ctx context.Context, seed, agentTwinName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDID {
		return "", errors.New("resolver unavailable")
	}
	return "did:iotics:iot" + seed, nil
}

type fakeTwinTransport struct {
	mu          sync.Mutex
	upserts     []string
	updates     []PropertyUpdate
	deletes     []string
	failUpserts bool
}

func (f *fakeTwinTransport) CreateTwinAPIClient(ctx context.Context, auth AuthProvider) (TwinChannel, error) {
	return fakeTwinChannel{}, nil
}

func (f *fakeTwinTransport) UpsertTwin(ctx context.Context, ch TwinChannel, twinDID string, properties []Property, feeds []FeedDefinition, location *GeoLocation, visibility Visibility) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpserts {
		return errors.New("control plane unavailable")
	}
	f.upserts = append(f.upserts, twinDID)
	return nil
}

func (f *fakeTwinTransport) UpdateTwin(ctx context.Context, ch TwinChannel, twinDID string, update PropertyUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return nil
}

func (f *fakeTwinTransport) DeleteTwin(ctx context.Context, ch TwinChannel, twinDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, twinDID)
	return nil
}

type fakeTwinChannel struct{}

func (fakeTwinChannel) twinChannel() {}

type fakeFeedChannel struct{}

func (fakeFeedChannel) feedChannel() {}

type fakeFeedTransport struct {
	mu     sync.Mutex
	shared []string
}

func (f *fakeFeedTransport) CreateFeedAPIClient(ctx context.Context, auth AuthProvider) (FeedChannel, error) {
	return fakeFeedChannel{}, nil
}

func (f *fakeFeedTransport) ShareData(ctx context.Context, ch FeedChannel, twinDID, feedID string, payload []byte, retainLast bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shared = append(f.shared, feedID)
	return nil
}

func newTestWorker(t *testing.T, bus *Bus, identity IdentityProvider, twinTransport TwinTransport, feedTransport FeedTransport) (*TwinWorker, <-chan interface{}) {
	t.Helper()

	supervisorSub, err := bus.Subscribe(context.Background(), "model:test")
	require.NoError(t, err)

	reductions := make(chan interface{}, 16)
	go func() {
		for msg := range supervisorSub {
			switch msg.Metadata.Get(metaKind) {
			case kindTwinReduction:
				v, _ := Decode[TwinConcurrencyReduction](msg)
				reductions <- *v
			case kindShareReduction:
				v, _ := Decode[ShareConcurrencyReduction](msg)
				reductions <- *v
			}
			msg.Ack()
		}
	}()

	worker := NewTwinWorker(
		bus, "model:test",
		identity, twinTransport, feedTransport,
		fakeTwinChannel{}, fakeFeedChannel{},
		Twin{ModelDID: "did:iotics:iotModel", Seed: "twin-seed-1", Label: "Twin One"},
		testModel(), testLogger(), nil,
	)

	return worker, reductions
}

func TestTwinWorkerCreatesAndReportsReduction(t *testing.T) {
	bus := NewBus(testLogger(), 0)
	defer bus.Close()

	identity := &fakeIdentity{}
	twinTransport := &fakeTwinTransport{}
	feedTransport := &fakeFeedTransport{}

	worker, reductions := newTestWorker(t, bus, identity, twinTransport, feedTransport)
	worker.Start(context.Background())
	defer worker.Stop()

	select {
	case v := <-reductions:
		_, ok := v.(TwinConcurrencyReduction)
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for creation reduction signal")
	}

	require.Eventually(t, func() bool {
		twinTransport.mu.Lock()
		defer twinTransport.mu.Unlock()
		return len(twinTransport.upserts) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTwinWorkerCreationFailureStopsWorker(t *testing.T) {
	bus := NewBus(testLogger(), 0)
	defer bus.Close()

	identity := &fakeIdentity{failDID: true}
	twinTransport := &fakeTwinTransport{}
	feedTransport := &fakeFeedTransport{}

	worker, reductions := newTestWorker(t, bus, identity, twinTransport, feedTransport)
	worker.Start(context.Background())

	select {
	case <-reductions:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for failure reduction signal")
	}

	require.Eventually(t, func() bool { return !worker.IsLive() }, time.Second, 10*time.Millisecond)
}

func TestTwinWorkerHandleDataSharesAllFeedsAndReducesShares(t *testing.T) {
	bus := NewBus(testLogger(), 0)
	defer bus.Close()

	identity := &fakeIdentity{}
	twinTransport := &fakeTwinTransport{}
	feedTransport := &fakeFeedTransport{}

	worker, reductions := newTestWorker(t, bus, identity, twinTransport, feedTransport)
	worker.Start(context.Background())
	defer worker.Stop()

	// drain the creation reduction first
	select {
	case <-reductions:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for creation reduction")
	}

	require.Eventually(t, func() bool { return worker.twinDID != "" }, time.Second, 10*time.Millisecond)

	worker.Notify(bus, kindTwinData, TwinData{
		ModelDID: "did:iotics:iotModel",
		Data: ConnectorData{
			ID:    "twin-seed-1",
			Feeds: map[string]any{"temperature": 21.5, "humidity": 40},
		},
		ExpireTime: time.Now().Add(time.Minute),
	})

	select {
	case v := <-reductions:
		share, ok := v.(ShareConcurrencyReduction)
		require.True(t, ok)
		require.Equal(t, 2, share.Amount)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for share reduction signal")
	}

	require.Eventually(t, func() bool {
		feedTransport.mu.Lock()
		defer feedTransport.mu.Unlock()
		return len(feedTransport.shared) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestTwinWorkerStoppingHookNeverLeaksCounters(t *testing.T) {
	bus := NewBus(testLogger(), 0)
	defer bus.Close()

	identity := &fakeIdentity{}
	twinTransport := &fakeTwinTransport{failUpserts: true}
	feedTransport := &fakeFeedTransport{}

	worker, reductions := newTestWorker(t, bus, identity, twinTransport, feedTransport)
	worker.Start(context.Background())

	select {
	case v := <-reductions:
		_, ok := v.(TwinConcurrencyReduction)
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reduction after upsert failure")
	}

	require.Eventually(t, func() bool { return !worker.IsLive() }, time.Second, 10*time.Millisecond)
}
