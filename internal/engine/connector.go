package engine

import "context"

// Connector is the pull-based data source for one model's source-entity
// population (spec.md 1, 6). It is an external collaborator: the core
// calls GetData at most once per fetch interval and treats any concrete
// implementation as a black box. internal/connector/amqp ships one
// reference implementation; production binaries are free to supply any
// other.
type Connector interface {
	GetData(ctx context.Context) ([]ConnectorData, error)
}
