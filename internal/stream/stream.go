// Package stream wires the matching engine to Kafka: match requests are
// consumed from one topic, run through the dispatcher's worker pool, and
// their outcomes published to a results topic. A separate control topic
// triggers grid and catalog reloads when the projections are rebuilt.
package stream

import (
	"context"
	"log/slog"

	"github.com/activitymesh/matchengine/internal/matcher"
	"github.com/activitymesh/matchengine/pkg/kafka"
)

// Submitter runs a matching request; satisfied by the dispatcher.
type Submitter interface {
	Submit(ctx context.Context, req matcher.Request) (*matcher.Outcome, error)
}

// Publisher publishes result events; satisfied by the Kafka producer.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Reloader rebuilds the read-side state; satisfied by the engine-plus-index
// pair assembled in main.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ResultEnvelope is the payload published per processed request.
type ResultEnvelope struct {
	Requester string           `json:"requester"`
	Outcome   *matcher.Outcome `json:"outcome,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Processor handles asynchronous match requests.
type Processor struct {
	submitter Submitter
	publisher Publisher
	logger    *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(submitter Submitter, publisher Publisher) *Processor {
	return &Processor{
		submitter: submitter,
		publisher: publisher,
		logger:    slog.Default().With("component", "match-stream"),
	}
}

// HandleRequest is the consumer callback for the match-requests topic. A
// failed match still publishes an envelope so the producer of the request
// learns the outcome; only publish failures are surfaced for redelivery.
func (p *Processor) HandleRequest(ctx context.Context, key, value []byte) error {
	req, err := kafka.DecodeJSON[matcher.Request](value)
	if err != nil {
		// Malformed requests are logged and dropped; redelivery cannot fix
		// them.
		p.logger.Error("dropping malformed match request", "key", string(key), "error", err)
		return nil
	}
	if req.RequesterToken == "" {
		p.logger.Error("dropping match request without requester", "key", string(key))
		return nil
	}

	envelope := ResultEnvelope{Requester: req.RequesterToken}
	outcome, err := p.submitter.Submit(ctx, req)
	if err != nil {
		envelope.Error = err.Error()
	} else {
		envelope.Outcome = outcome
	}
	return p.publisher.Publish(ctx, kafka.Event{Key: req.RequesterToken, Value: envelope})
}

// RefreshHandler returns a consumer callback for the grid-refresh control
// topic. Any message triggers a reload; the payload is ignored.
func RefreshHandler(reloaders ...Reloader) kafka.MessageHandler {
	logger := slog.Default().With("component", "refresh-stream")
	return func(ctx context.Context, key, value []byte) error {
		for _, r := range reloaders {
			if err := r.Reload(ctx); err != nil {
				logger.Error("reload failed", "error", err)
				return err
			}
		}
		logger.Info("projection reload complete")
		return nil
	}
}

// ReloadFunc adapts a function to the Reloader interface.
type ReloadFunc func(ctx context.Context) error

// Reload implements Reloader.
func (f ReloadFunc) Reload(ctx context.Context) error {
	return f(ctx)
}
