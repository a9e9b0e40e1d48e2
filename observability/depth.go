package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/asqrzk/conveyor/queue"
)

// StatsFunc returns the list depths of one queue.
type StatsFunc func(ctx context.Context, queue string) (queue.Stats, error)

// RegisterDepthGauge registers an observable gauge conveyor.queue.depth
// reporting the length of every list of each queue at collection time.
// Queues whose stats fail are skipped for that collection.
func RegisterDepthGauge(meter metric.Meter, queues []string, stats StatsFunc) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge("conveyor.queue.depth",
		metric.WithDescription("Number of envelopes in each list of a queue"),
		metric.WithUnit("{envelope}"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for _, q := range queues {
			s, err := stats(ctx, q)
			if err != nil {
				continue
			}
			observe := func(list string, n int64) {
				o.ObserveInt64(gauge, n, metric.WithAttributes(
					attribute.String("queue", q),
					attribute.String("list", list),
				))
			}
			observe("main", s.Main)
			observe("processing", s.Processing)
			observe("delayed", s.Delayed)
			observe("failed", s.Failed)
		}
		return nil
	}, gauge)
}
