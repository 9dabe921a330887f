package engine

import "context"

// TwinChannel and FeedChannel stand in for the cloneable transport
// channel handles of spec.md 6 ("create_{twin,feed}_api_client"). They
// carry no behaviour of their own; TwinTransport/FeedTransport methods
// take one as the first argument the same way the original Rust source
// threads a gRPC Channel through every call.
type TwinChannel interface{ twinChannel() }
type FeedChannel interface{ feedChannel() }

// TwinTransport is the subset of the external control-plane contract
// used to manage twins (spec.md 6). Idempotent by twinDID for Upsert.
type TwinTransport interface {
	CreateTwinAPIClient(ctx context.Context, auth AuthProvider) (TwinChannel, error)
	UpsertTwin(ctx context.Context, ch TwinChannel, twinDID string, properties []Property, feeds []FeedDefinition, location *GeoLocation, visibility Visibility) error
	UpdateTwin(ctx context.Context, ch TwinChannel, twinDID string, update PropertyUpdate) error
	DeleteTwin(ctx context.Context, ch TwinChannel, twinDID string) error
}

// FeedTransport is the subset of the external control-plane contract
// used to publish feed samples (spec.md 6).
type FeedTransport interface {
	CreateFeedAPIClient(ctx context.Context, auth AuthProvider) (FeedChannel, error)
	ShareData(ctx context.Context, ch FeedChannel, twinDID, feedID string, payload []byte, retainLast bool) error
}
