package grpcclient

import "github.com/iotic-labs/connector-engine/internal/engine"

// Wire DTOs for the twin/feed control-plane RPCs. Field shapes mirror
// original_source's twin_properties/feeds payloads (model.rs); they are
// the JSON bodies carried over the codec registered in codec.go.

type propertyValueWire struct {
	LiteralValue    string `json:"literalValue,omitempty"`
	LiteralDataType string `json:"literalDataType,omitempty"`
	URIValue        string `json:"uriValue,omitempty"`
}

type propertyWire struct {
	Key   string            `json:"key"`
	Value propertyValueWire `json:"value"`
}

type geoLocationWire struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type feedValueWire struct {
	Label    string `json:"label"`
	Comment  string `json:"comment,omitempty"`
	DataType string `json:"dataType,omitempty"`
	Unit     string `json:"unit,omitempty"`
}

type feedDefWire struct {
	ID        string          `json:"id"`
	Label     string          `json:"label"`
	StoreLast bool            `json:"storeLast"`
	Values    []feedValueWire `json:"values"`
}

type upsertTwinRequest struct {
	TwinDID    string          `json:"twinDid"`
	Properties []propertyWire  `json:"properties"`
	Feeds      []feedDefWire   `json:"feeds"`
	Location   *geoLocationWire `json:"location,omitempty"`
	Visibility string          `json:"visibility"`
}

type updateTwinRequest struct {
	TwinDID      string         `json:"twinDid"`
	ClearedAll   bool           `json:"clearedAll"`
	Added        []propertyWire `json:"added,omitempty"`
	DeletedByKey []string       `json:"deletedByKey,omitempty"`
}

type deleteTwinRequest struct {
	TwinDID string `json:"twinDid"`
}

type shareDataRequest struct {
	TwinDID    string `json:"twinDid"`
	FeedID     string `json:"feedId"`
	Payload    []byte `json:"payload"`
	RetainLast bool   `json:"retainLast"`
}

type emptyResponse struct{}

func toPropertyWire(p engine.Property) propertyWire {
	return propertyWire{
		Key: p.Key,
		Value: propertyValueWire{
			LiteralValue:    p.Value.LiteralValue,
			LiteralDataType: p.Value.LiteralDataType,
			URIValue:        p.Value.URIValue,
		},
	}
}

func toPropertyWires(props []engine.Property) []propertyWire {
	out := make([]propertyWire, len(props))
	for i, p := range props {
		out[i] = toPropertyWire(p)
	}
	return out
}

func toFeedDefWire(f engine.FeedDefinition) feedDefWire {
	values := make([]feedValueWire, len(f.Values))
	for i, v := range f.Values {
		values[i] = feedValueWire{Label: v.Label, Comment: v.Comment, DataType: v.DataType, Unit: v.Unit}
	}
	return feedDefWire{ID: f.ID, Label: f.Label, StoreLast: f.StoreLast, Values: values}
}

func toFeedDefWires(feeds []engine.FeedDefinition) []feedDefWire {
	out := make([]feedDefWire, len(feeds))
	for i, f := range feeds {
		out[i] = toFeedDefWire(f)
	}
	return out
}

func toGeoLocationWire(loc *engine.GeoLocation) *geoLocationWire {
	if loc == nil {
		return nil
	}
	return &geoLocationWire{Lat: loc.Lat, Lon: loc.Lon}
}
