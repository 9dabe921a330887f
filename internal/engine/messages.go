package engine

import "time"

// Message protocol between a ModelSupervisor and its TwinWorkers
// (spec.md 3, 4). Every type here is JSON-encoded onto a
// *message.Message payload by bus.go's envelope helpers -- mirroring
// the teacher's adapter/pubsub/dispatcher.go (json.Marshal(ev)) and
// handler/amqp/bind.go (json.Unmarshal(msg.Payload, payload)) -- and
// dispatched through Bind[T].

// GetData requests one poll of the Connector for modelDID.
type GetData struct {
	ModelDID string `json:"model_did"`
}

// TwinData is one source-entity record admitted for delivery to its
// twin worker, carrying the tick's expiry deadline.
type TwinData struct {
	ModelDID   string        `json:"model_did"`
	Data       ConnectorData `json:"data"`
	ExpireTime time.Time     `json:"expire_time"`
}

// HeartbeatData requests a heartbeat publish to the model twin's
// heartbeat feed, reporting how many records the Connector returned
// this tick.
type HeartbeatData struct {
	ModelDID string `json:"model_did"`
	Shares   uint64 `json:"shares"`
}

// Cleanup sweeps idle twin workers. cleanup_every_secs is carried on the
// message per spec.md 9 open question (a): this spec chose
// message-carried over a fixed horizon.
type Cleanup struct {
	DeleteTwins     bool          `json:"delete_twins"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// TwinConcurrencyReduction decrements concurrent_new_twins by one and,
// when TwinSeed is set and still present in the registry, marks that
// entry created.
type TwinConcurrencyReduction struct {
	TwinSeed string `json:"twin_seed,omitempty"`
}

// ShareConcurrencyReduction decrements concurrent_shares by Amount.
type ShareConcurrencyReduction struct {
	Amount int `json:"amount"`
}

// twinCreationSuccess and twinCreationFailure are worker-internal
// self-sends, not part of the supervisor protocol.
type twinCreationSuccess struct {
	TwinDID string `json:"twin_did"`
}

type twinCreationFailure struct {
	Label string `json:"label"`
	Error string `json:"error"`
}

type twinDeleted struct{}
