// Package grpcclient is the concrete engine.TwinTransport/engine.FeedTransport
// over gRPC. Dialing, interceptor wiring and retry/backoff follow the
// pattern other_examples/Outblock-flowindex's flow.Client uses for its
// Access API connections (dial-options-from-config, one ClientConn per
// logical channel; no message size bounds are set); every outbound call
// is wrapped in the sony/gobreaker circuit breaker of its channel
// ("twin-api" or "feed-api"), so repeated control-plane failures stop
// hammering a struggling host instead of queuing retries behind it.
package grpcclient

import (
	"context"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/retry"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/iotic-labs/connector-engine/internal/engine"
)

// tokenCredentials fetches a fresh bearer token per RPC via
// engine.AuthProvider.Token, so a token refreshed mid-process (the
// cache in internal/auth re-mints on expiry) is picked up without
// re-dialing.
type tokenCredentials struct {
	auth     engine.AuthProvider
	insecure bool
}

func (t tokenCredentials) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	token, err := t.auth.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch bearer token: %v", engine.ErrIdentity, err)
	}
	return map[string]string{"authorization": token}, nil
}

func (t tokenCredentials) RequireTransportSecurity() bool { return !t.insecure }

// Options configures the dialed connections shared by every channel
// this package opens.
type Options struct {
	// Insecure skips TLS; only ever true for local/dev hosts.
	Insecure bool

	// BreakerMaxRequests is how many requests gobreaker allows through
	// while half-open before closing or re-tripping.
	BreakerMaxRequests uint32
	// BreakerInterval is how often the breaker resets its closed-state
	// failure counters.
	BreakerInterval time.Duration
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BreakerMaxRequests == 0 {
		o.BreakerMaxRequests = 3
	}
	if o.BreakerInterval == 0 {
		o.BreakerInterval = time.Minute
	}
	if o.BreakerTimeout == 0 {
		o.BreakerTimeout = 30 * time.Second
	}
	return o
}

// twinChannel and feedChannel wrap a *grpc.ClientConn plus that
// channel's circuit breaker, satisfying engine's marker interfaces.
type twinChannel struct {
	conn    *grpc.ClientConn
	breaker *gobreaker.CircuitBreaker
}

func (twinChannel) twinChannel() {}

type feedChannel struct {
	conn    *grpc.ClientConn
	breaker *gobreaker.CircuitBreaker
}

func (feedChannel) feedChannel() {}

// Transport dials the IOTICS control plane and implements both
// engine.TwinTransport and engine.FeedTransport.
type Transport struct {
	opts Options
}

// New builds a Transport. Each CreateTwinAPIClient/CreateFeedAPIClient
// call dials its own *grpc.ClientConn against auth.Host(), so the twin
// and feed channels can be load-balanced or recycled independently.
func New(opts Options) *Transport {
	return &Transport{opts: opts.withDefaults()}
}

func (t *Transport) dial(ctx context.Context, host string, auth engine.AuthProvider, breakerName string) (*grpc.ClientConn, *gobreaker.CircuitBreaker, error) {
	var creds credentials.TransportCredentials
	if t.opts.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(nil)
	}

	conn, err := grpc.NewClient(host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(tokenCredentials{auth: auth, insecure: t.opts.Insecure}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
		grpc.WithChainUnaryInterceptor(retry.UnaryClientInterceptor(
			retry.WithMax(2),
			retry.WithBackoff(retry.BackoffExponential(100*time.Millisecond)),
			retry.WithCodes(codes.Unavailable, codes.DeadlineExceeded),
		)),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %v", engine.ErrTransport, host, err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: t.opts.BreakerMaxRequests,
		Interval:    t.opts.BreakerInterval,
		Timeout:     t.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return conn, breaker, nil
}

// CreateTwinAPIClient dials the twin control-plane channel.
func (t *Transport) CreateTwinAPIClient(ctx context.Context, auth engine.AuthProvider) (engine.TwinChannel, error) {
	conn, breaker, err := t.dial(ctx, auth.Host(), auth, "twin-api")
	if err != nil {
		return nil, err
	}
	return twinChannel{conn: conn, breaker: breaker}, nil
}

// CreateFeedAPIClient dials the feed control-plane channel.
func (t *Transport) CreateFeedAPIClient(ctx context.Context, auth engine.AuthProvider) (engine.FeedChannel, error) {
	conn, breaker, err := t.dial(ctx, auth.Host(), auth, "feed-api")
	if err != nil {
		return nil, err
	}
	return feedChannel{conn: conn, breaker: breaker}, nil
}

func invoke(ctx context.Context, breaker *gobreaker.CircuitBreaker, conn *grpc.ClientConn, method string, req, resp any) error {
	_, err := breaker.Execute(func() (any, error) {
		return nil, conn.Invoke(ctx, method, req, resp)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", engine.ErrTransport, method, err)
	}
	return nil
}

// UpsertTwin creates or replaces a twin's properties, feeds and
// location (spec.md 4.2/4.3).
func (t *Transport) UpsertTwin(ctx context.Context, ch engine.TwinChannel, twinDID string, properties []engine.Property, feeds []engine.FeedDefinition, location *engine.GeoLocation, visibility engine.Visibility) error {
	c := ch.(twinChannel)
	req := upsertTwinRequest{
		TwinDID:    twinDID,
		Properties: toPropertyWires(properties),
		Feeds:      toFeedDefWires(feeds),
		Location:   toGeoLocationWire(location),
		Visibility: visibility.String(),
	}
	return invoke(ctx, c.breaker, c.conn, "/iotics.api.TwinAPI/UpsertTwin", &req, &emptyResponse{})
}

// UpdateTwin applies a partial property mutation (spec.md 4.2).
func (t *Transport) UpdateTwin(ctx context.Context, ch engine.TwinChannel, twinDID string, update engine.PropertyUpdate) error {
	c := ch.(twinChannel)
	req := updateTwinRequest{
		TwinDID:      twinDID,
		ClearedAll:   update.ClearedAll,
		Added:        toPropertyWires(update.Added),
		DeletedByKey: update.DeletedByKey,
	}
	return invoke(ctx, c.breaker, c.conn, "/iotics.api.TwinAPI/UpdateTwin", &req, &emptyResponse{})
}

// DeleteTwin removes a twin (spec.md 4.2 cleanup).
func (t *Transport) DeleteTwin(ctx context.Context, ch engine.TwinChannel, twinDID string) error {
	c := ch.(twinChannel)
	req := deleteTwinRequest{TwinDID: twinDID}
	return invoke(ctx, c.breaker, c.conn, "/iotics.api.TwinAPI/DeleteTwin", &req, &emptyResponse{})
}

// ShareData publishes one feed sample (spec.md 4.2/4.3).
func (t *Transport) ShareData(ctx context.Context, ch engine.FeedChannel, twinDID, feedID string, payload []byte, retainLast bool) error {
	c := ch.(feedChannel)
	req := shareDataRequest{TwinDID: twinDID, FeedID: feedID, Payload: payload, RetainLast: retainLast}
	return invoke(ctx, c.breaker, c.conn, "/iotics.api.FeedAPI/ShareData", &req, &emptyResponse{})
}
