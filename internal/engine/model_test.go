package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModel() Model {
	return Model{
		SeedPrefix:  "Acme Sensor",
		LabelPrefix: "Acme",
		Visibility:  VisibilityPublic,
		TwinPropertyTmpl: []Property{
			{Key: PredicateModelProperty},
			{Key: PredicateLabel},
			{Key: PredicateCreatedAt},
			{Key: PredicateUpdatedAt},
			{Key: "customPredicate", Value: LiteralValue("string", "unchanged")},
		},
	}
}

func TestModelSeedAndLabel(t *testing.T) {
	m := testModel()
	assert.Equal(t, "Acme Sensor Model", m.Seed())
	assert.Equal(t, "Acme Model", m.Label())
}

func TestModelTwinSeedInjective(t *testing.T) {
	m := testModel()
	assert.Equal(t, "Acme Sensor entity-1", m.TwinSeed("entity-1"))
	assert.NotEqual(t, m.TwinSeed("entity-1"), m.TwinSeed("entity-2"))
}

func TestModelTwinLabelWithinLimitUnchanged(t *testing.T) {
	m := testModel()
	label := m.TwinLabel("Sensor 42")
	assert.Equal(t, "Acme Sensor 42", label)
	assert.LessOrEqual(t, len([]rune(label)), MaxLabelLength)
}

func TestModelTwinLabelTruncatesOverLimit(t *testing.T) {
	m := testModel()
	raw := strings.Repeat("word ", 40)

	label := m.TwinLabel(raw)

	assert.LessOrEqual(t, len([]rune(label)), MaxLabelLength)
	assert.True(t, strings.HasPrefix(label, "Acme word"))
}

func TestModelTwinLabelIdempotent(t *testing.T) {
	m := testModel()
	raw := strings.Repeat("word ", 40)

	once := m.TwinLabel(raw)
	// TwinLabel always prepends LabelPrefix, so the truncation is
	// re-applied to the label without its prefix.
	twice := m.TwinLabel(strings.TrimPrefix(once, m.LabelPrefix+" "))

	assert.Equal(t, once, twice)
}

func TestModelFeedsAppendsHeartbeatOnlyWhenRequested(t *testing.T) {
	m := testModel()
	m.FeedDefs = []FeedDefinition{{ID: "temperature", Label: "Temperature"}}

	withoutHeartbeat := m.Feeds(false)
	require.Len(t, withoutHeartbeat, 1)

	withHeartbeat := m.Feeds(true)
	require.Len(t, withHeartbeat, 2)
	assert.Equal(t, HeartbeatFeedID, withHeartbeat[1].ID)
	assert.True(t, withHeartbeat[1].StoreLast)
}

func TestModelTwinPropertiesRewritesWellKnownPredicates(t *testing.T) {
	m := testModel()

	props := m.TwinProperties("did:iotics:iotModel123", "Acme Sensor 1")

	byKey := make(map[string]Property, len(props))
	for _, p := range props {
		byKey[p.Key] = p
	}

	require.Contains(t, byKey, PredicateModelProperty)
	assert.Equal(t, "did:iotics:iotModel123", byKey[PredicateModelProperty].Value.URIValue)

	require.Contains(t, byKey, PredicateLabel)
	assert.Equal(t, "Acme Sensor 1", byKey[PredicateLabel].Value.LiteralValue)

	require.Contains(t, byKey, PredicateCreatedAt)
	require.Contains(t, byKey, PredicateUpdatedAt)
	assert.Equal(t, byKey[PredicateCreatedAt].Value.LiteralValue, byKey[PredicateUpdatedAt].Value.LiteralValue)

	require.Contains(t, byKey, "customPredicate")
	assert.Equal(t, "unchanged", byKey["customPredicate"].Value.LiteralValue)
}
