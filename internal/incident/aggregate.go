package incident

import (
	"context"
	"time"
)

// Aggregation is the context document sent alongside an incident to the
// analysis workflow: the incident's own data volume plus prior incidents
// of the same service.
type Aggregation struct {
	Related []*Incident        `json:"related_incidents"`
	Summary AggregationSummary `json:"aggregation_summary"`
}

// AggregationSummary counts what the workflow is being handed.
type AggregationSummary struct {
	LogEntries           int    `json:"log_entries"`
	MetricPoints         int    `json:"metric_points"`
	SimilarIncidents     int    `json:"similar_incidents"`
	AggregationTimestamp string `json:"aggregation_timestamp"`
}

// Aggregate builds the Aggregation for inc. A store error leaves Related
// empty and is returned so the caller can log it; the summary is always usable.
func Aggregate(ctx context.Context, store Store, inc *Incident, limit int) (*Aggregation, error) {
	agg := &Aggregation{
		Related: []*Incident{},
		Summary: AggregationSummary{
			LogEntries:           len(inc.Logs),
			MetricPoints:         len(inc.Metrics),
			AggregationTimestamp: inc.Timestamp.UTC().Format(time.RFC3339),
		},
	}
	if limit <= 0 || inc.Service == "" {
		return agg, nil
	}

	related, err := store.Related(ctx, inc.TenantID, inc.Service, inc.ID, limit)
	if err != nil {
		return agg, err
	}
	if related != nil {
		agg.Related = related
	}
	agg.Summary.SimilarIncidents = len(agg.Related)
	return agg, nil
}
