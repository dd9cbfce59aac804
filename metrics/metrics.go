package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var defaultMillisecondsDistribution = view.Distribution(
	0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8,
	10, 20, 30, 40, 50, 60, 70, 80, 90, 100,
	150, 200, 250, 300, 350, 400, 450, 500,
	600, 700, 800, 900, 1000,
	2000, 3000, 4000, 5000, 6000, 8000, 10000,
	20000, 30000, 60000, 120000, 300000,
)

// Tags
var (
	Version, _      = tag.NewKey("version")
	PeerID, _       = tag.NewKey("peer_id")
	FailureType, _  = tag.NewKey("failure_type")
	Local, _        = tag.NewKey("local")
	ReceivedFrom, _ = tag.NewKey("received_from")
)

// Measures
var (
	ChainNodeHeight                     = stats.Int64("chain/node_height", "Current height of the node", stats.UnitDimensionless)
	ChainNodeWorkerHeight               = stats.Int64("chain/node_worker_height", "Current height of workers on the node", stats.UnitDimensionless)
	BlockReceived                       = stats.Int64("block/received", "Counter for total received blocks", stats.UnitDimensionless)
	BlockPublished                      = stats.Int64("block/published", "Counter for total locally published blocks", stats.UnitDimensionless)
	BlockValidationFailure              = stats.Int64("block/failure", "Counter for block validation failures", stats.UnitDimensionless)
	BlockValidationSuccess              = stats.Int64("block/success", "Counter for block validation successes", stats.UnitDimensionless)
	BlockValidationDurationMilliseconds = stats.Float64("block/validation_ms", "Duration for block validation in ms", stats.UnitMilliseconds)
	TipSetMarkedBad                     = stats.Int64("chain/tipset_marked_bad", "Counter for tipsets marked bad", stats.UnitDimensionless)
	ExchangeRequestSent                 = stats.Int64("exchange/request_sent", "Counter for sent exchange requests", stats.UnitDimensionless)
	ExchangeRequestFailure              = stats.Int64("exchange/request_failure", "Counter for failed exchange requests", stats.UnitDimensionless)
	ExchangeServedTipSets               = stats.Int64("exchange/served_tipsets", "Counter for tipsets served over exchange", stats.UnitDimensionless)
	PeerHeadsReceived                   = stats.Int64("sync/peer_heads", "Counter for peer heads received", stats.UnitDimensionless)
)

// Views
var (
	ChainNodeHeightView = &view.View{
		Measure:     ChainNodeHeight,
		Aggregation: view.LastValue(),
	}
	ChainNodeWorkerHeightView = &view.View{
		Measure:     ChainNodeWorkerHeight,
		Aggregation: view.LastValue(),
	}
	BlockReceivedView = &view.View{
		Measure:     BlockReceived,
		Aggregation: view.Count(),
	}
	BlockPublishedView = &view.View{
		Measure:     BlockPublished,
		Aggregation: view.Count(),
	}
	BlockValidationFailureView = &view.View{
		Measure:     BlockValidationFailure,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{FailureType},
	}
	BlockValidationSuccessView = &view.View{
		Measure:     BlockValidationSuccess,
		Aggregation: view.Count(),
	}
	BlockValidationDurationView = &view.View{
		Measure:     BlockValidationDurationMilliseconds,
		Aggregation: defaultMillisecondsDistribution,
	}
	TipSetMarkedBadView = &view.View{
		Measure:     TipSetMarkedBad,
		Aggregation: view.Count(),
	}
	ExchangeRequestSentView = &view.View{
		Measure:     ExchangeRequestSent,
		Aggregation: view.Count(),
	}
	ExchangeRequestFailureView = &view.View{
		Measure:     ExchangeRequestFailure,
		Aggregation: view.Count(),
	}
	ExchangeServedTipSetsView = &view.View{
		Measure:     ExchangeServedTipSets,
		Aggregation: view.Sum(),
	}
	PeerHeadsReceivedView = &view.View{
		Measure:     PeerHeadsReceived,
		Aggregation: view.Count(),
	}
)

// DefaultViews is an array of OpenCensus views for metric gathering purposes
var DefaultViews = []*view.View{
	ChainNodeHeightView,
	ChainNodeWorkerHeightView,
	BlockReceivedView,
	BlockPublishedView,
	BlockValidationFailureView,
	BlockValidationSuccessView,
	BlockValidationDurationView,
	TipSetMarkedBadView,
	ExchangeRequestSentView,
	ExchangeRequestFailureView,
	ExchangeServedTipSetsView,
	PeerHeadsReceivedView,
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Nanoseconds()) / 1e6
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() {
	start := time.Now()
	return func() {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
	}
}
