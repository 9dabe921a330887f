package engine

import "time"

// Admission and tick tunables. spec.md 5 requires these exact defaults;
// implementations MAY expose them via configuration (see config.Config)
// but MUST fall back to these values when unset.
const (
	// ConcurrentNewTwinsLimit bounds how many twin workers may have
	// creation in flight at once. Checked with strict '>', so the
	// registry can briefly hold Limit+1 in-flight creations.
	ConcurrentNewTwinsLimit = 4

	// ConcurrentSharesLimit bounds the number of feed samples in flight
	// across all twin workers of a model at once.
	ConcurrentSharesLimit = 128

	// NewTwinsShareTickCap is the fraction of fetch_interval during which
	// admission of a tick's data is allowed before it is considered stale.
	NewTwinsShareTickCap = 0.75

	// RescheduleDelay is how long an admission-deferred message waits
	// before it is retried.
	RescheduleDelay = 500 * time.Millisecond

	// MaxLabelLength is the maximum character count of a twin label.
	MaxLabelLength = 128

	// CleanupIntervalFactor is the multiplier applied to fetch_interval to
	// derive the cleanup sweep cadence (spec.md 4.1).
	CleanupIntervalFactor = 3.5

	// DefaultMailboxSize is the minimum buffered capacity of every actor
	// mailbox (spec.md 4.1: "Mailbox capacity must be large (>= 32k)").
	DefaultMailboxSize = 32768

	// AgentKeyName and AgentTwinName are fixed identity constants
	// (spec.md 6).
	AgentKeyName  = "00"
	AgentTwinName = "#twin-0"

	// LangTag is the language tag used on every label literal.
	LangTag = "en"
)

// Well-known predicate keys rewritten by Model.TwinProperties.
const (
	PredicateLabel         = "LABEL"
	PredicateModelProperty = "MODEL_PROPERTY"
	PredicateCreatedAt     = "CREATED_AT"
	PredicateUpdatedAt     = "UPDATED_AT"
)

// Vocabulary URIs (spec.md 6).
const (
	VocabCreatedFrom = "https://data.iotics.com/app#createdFrom"
	VocabModel       = "https://data.iotics.com/app#model"
	VocabCreatedAt   = "https://data.iotics.com/app#createdAt"
	VocabUpdatedAt   = "https://data.iotics.com/app#updatedAt"
	VocabCreatedBy   = "https://data.iotics.com/app#createdBy"
	VocabUpdatedBy   = "https://data.iotics.com/app#updatedBy"

	VocabHostAllowList = "http://data.iotics.com/public#hostAllowList"
	VocabAllHosts      = "http://data.iotics.com/public#allHosts"

	RDFType = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"

	ObjModel             = "https://data.iotics.com/app#Model"
	ObjByModel           = "https://data.iotics.com/app#ByModel"
	ObjByPublicConnector = "https://data.iotics.com/app#ByPublicConnector"

	SentinelSetLater = "<SET-LATER>"
)

// HeartbeatFeedID is the feed id appended to every model twin (spec.md 4.3).
const HeartbeatFeedID = "heartbeat"
