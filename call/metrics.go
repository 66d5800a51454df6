package call

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	callsPlaced = stats.Int64("ringline/calls_placed",
		"Number of calls placed by this client", stats.UnitDimensionless)
	callsFinished = stats.Int64("ringline/calls_finished",
		"Number of call sessions that reached a terminal state", stats.UnitDimensionless)
	publishRetries = stats.Int64("ringline/signaling_publish_retries",
		"Number of signaling publishes that were retried", stats.UnitDimensionless)
	timeToConnect = stats.Float64("ringline/time_to_connect",
		"Time from a session starting to its peer connection connecting", stats.UnitMilliseconds)

	keyState = tag.MustNewKey("state")
	keySide  = tag.MustNewKey("side")
)

// Views are the opencensus views over the call metrics.
var Views = []*view.View{
	{
		Name:        "ringline/calls_placed",
		Description: callsPlaced.Description(),
		Measure:     callsPlaced,
		Aggregation: view.Count(),
	},
	{
		Name:        "ringline/calls_finished",
		Description: callsFinished.Description(),
		Measure:     callsFinished,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{keyState, keySide},
	},
	{
		Name:        "ringline/signaling_publish_retries",
		Description: publishRetries.Description(),
		Measure:     publishRetries,
		Aggregation: view.Count(),
	},
	{
		Name:        "ringline/time_to_connect",
		Description: timeToConnect.Description(),
		Measure:     timeToConnect,
		Aggregation: view.Distribution(50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000),
		TagKeys:     []tag.Key{keySide},
	},
}

func recordFinished(s *session) {
	ctx, err := tag.New(context.Background(),
		tag.Upsert(keyState, string(s.state)),
		tag.Upsert(keySide, string(s.side)),
	)
	if err != nil {
		return
	}
	stats.Record(ctx, callsFinished.M(1))
}

func recordConnected(s *session, elapsed time.Duration) {
	ctx, err := tag.New(context.Background(), tag.Upsert(keySide, string(s.side)))
	if err != nil {
		return
	}
	stats.Record(ctx, timeToConnect.M(float64(elapsed)/float64(time.Millisecond)))
}
