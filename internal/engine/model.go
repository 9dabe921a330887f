package engine

import (
	"strings"
	"time"
)

// Model is the immutable template describing a class of twins: seed and
// label prefixes, visibility, model-level properties, the shared feed
// set, and the twin-property template (spec.md 3). Grounded on
// original_source/src/model.rs; generalized from a single connector
// config into a value reusable across any number of concurrently running
// ModelSupervisors.
type Model struct {
	SeedPrefix       string
	LabelPrefix      string
	Visibility       Visibility
	ModelProperties  []Property
	FeedDefs         []FeedDefinition
	TwinPropertyTmpl []Property
}

// Seed returns the model twin's seed: "{seed_prefix} Model".
func (m Model) Seed() string {
	return m.SeedPrefix + " Model"
}

// Label returns the model twin's label: "{label_prefix} Model".
func (m Model) Label() string {
	return m.LabelPrefix + " Model"
}

// TwinSeed derives the seed for a source entity id. Injective in id
// because SeedPrefix is fixed and id is appended verbatim with a
// single separating space.
func (m Model) TwinSeed(id string) string {
	return m.SeedPrefix + " " + id
}

// TwinLabel derives and truncates a twin's label so it never exceeds
// MaxLabelLength characters. The loop strips whole trailing
// whitespace-delimited words; a label with no spaces that is still over
// the limit truncates to the empty string (documented boundary, spec.md 8).
func (m Model) TwinLabel(rawLabel string) string {
	label := strings.TrimSpace(m.LabelPrefix + " " + rawLabel)

	for len([]rune(label)) > MaxLabelLength {
		words := strings.Split(label, " ")
		words = words[:len(words)-1]
		label = strings.Join(words, " ")
	}

	return label
}

// Feeds returns the model's feed definitions, appending the heartbeat
// feed (spec.md 4.3) when addHeartbeat is true. addHeartbeat is only
// ever true for the model twin itself, never for per-source twins.
func (m Model) Feeds(addHeartbeat bool) []FeedDefinition {
	if !addHeartbeat {
		return append([]FeedDefinition(nil), m.FeedDefs...)
	}

	feeds := append([]FeedDefinition(nil), m.FeedDefs...)
	feeds = append(feeds, FeedDefinition{
		ID:        HeartbeatFeedID,
		Label:     "Heartbeat",
		StoreLast: true,
		Values: []FeedValue{
			{
				Label:    "timestamp",
				Comment:  "Time of the last share",
				DataType: "dateTime",
			},
			{
				Label:    "shares",
				Comment:  "Number of twins for which data was shared",
				DataType: "integer",
				Unit:     "http://qudt.org/vocab/unit/NUM",
			},
		},
	})
	return feeds
}

// TwinProperties rewrites the template's well-known predicates for a
// concrete twin: MODEL_PROPERTY becomes a URI reference to modelDID;
// CREATED_AT/UPDATED_AT (when present in the template) are both
// substituted with a single RFC3339 UTC timestamp captured here, per
// spec.md 9 open question (c). LABEL is rewritten to the twin's final,
// truncated label. All other predicates pass through untouched.
func (m Model) TwinProperties(modelDID, twinLabel string) []Property {
	now := time.Now().UTC().Format(time.RFC3339)

	out := make([]Property, 0, len(m.TwinPropertyTmpl))
	for _, p := range m.TwinPropertyTmpl {
		switch p.Key {
		case PredicateModelProperty:
			out = append(out, Property{Key: PredicateModelProperty, Value: URIValue(modelDID)})
		case PredicateLabel:
			out = append(out, Property{Key: PredicateLabel, Value: LiteralValue("string", twinLabel)})
		case PredicateCreatedAt:
			out = append(out, Property{Key: PredicateCreatedAt, Value: LiteralValue("dateTime", now)})
		case PredicateUpdatedAt:
			out = append(out, Property{Key: PredicateUpdatedAt, Value: LiteralValue("dateTime", now)})
		default:
			out = append(out, p)
		}
	}
	return out
}
