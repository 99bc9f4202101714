package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/activitymesh/matchengine/internal/matcher"
	"github.com/activitymesh/matchengine/pkg/kafka"
	"github.com/goccy/go-json"
)

type fakeSubmitter struct {
	outcome *matcher.Outcome
	err     error
	got     matcher.Request
}

func (f *fakeSubmitter) Submit(ctx context.Context, req matcher.Request) (*matcher.Outcome, error) {
	f.got = req
	return f.outcome, f.err
}

type capturePublisher struct {
	events []kafka.Event
	err    error
}

func (c *capturePublisher) Publish(ctx context.Context, event kafka.Event) error {
	c.events = append(c.events, event)
	return c.err
}

func TestHandleRequestPublishesOutcome(t *testing.T) {
	sub := &fakeSubmitter{outcome: &matcher.Outcome{
		Requester: "req",
		Mode:      matcher.ModeCounts,
		Counts:    &matcher.Counts{Send: 3, Receive: 2},
	}}
	pub := &capturePublisher{}
	p := NewProcessor(sub, pub)

	raw, _ := json.Marshal(matcher.Request{RequesterToken: "req", Mode: matcher.ModeCounts})
	if err := p.HandleRequest(context.Background(), []byte("req"), raw); err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	if sub.got.RequesterToken != "req" || sub.got.Mode != matcher.ModeCounts {
		t.Errorf("submitted request = %+v", sub.got)
	}
	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.events))
	}
	env, ok := pub.events[0].Value.(ResultEnvelope)
	if !ok {
		t.Fatalf("published value has type %T", pub.events[0].Value)
	}
	if env.Requester != "req" || env.Outcome == nil || env.Outcome.Counts.Send != 3 || env.Error != "" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestHandleRequestPublishesFailureEnvelope(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("stage failed")}
	pub := &capturePublisher{}
	p := NewProcessor(sub, pub)

	raw, _ := json.Marshal(matcher.Request{RequesterToken: "req"})
	if err := p.HandleRequest(context.Background(), nil, raw); err != nil {
		t.Fatalf("HandleRequest: %v", err)
	}
	env := pub.events[0].Value.(ResultEnvelope)
	if env.Error == "" || env.Outcome != nil {
		t.Errorf("failure envelope = %+v", env)
	}
}

func TestHandleRequestDropsMalformed(t *testing.T) {
	sub := &fakeSubmitter{}
	pub := &capturePublisher{}
	p := NewProcessor(sub, pub)

	if err := p.HandleRequest(context.Background(), nil, []byte("{not json")); err != nil {
		t.Errorf("malformed payload must be dropped, got %v", err)
	}
	if err := p.HandleRequest(context.Background(), nil, []byte(`{}`)); err != nil {
		t.Errorf("missing requester must be dropped, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Errorf("published %d events for dropped requests", len(pub.events))
	}
}

func TestRefreshHandlerRunsAllReloaders(t *testing.T) {
	var calls []string
	h := RefreshHandler(
		ReloadFunc(func(ctx context.Context) error {
			calls = append(calls, "grid")
			return nil
		}),
		ReloadFunc(func(ctx context.Context) error {
			calls = append(calls, "catalog")
			return nil
		}),
	)
	if err := h(context.Background(), nil, nil); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 || calls[0] != "grid" || calls[1] != "catalog" {
		t.Errorf("calls = %v", calls)
	}

	boom := errors.New("load failed")
	h = RefreshHandler(ReloadFunc(func(ctx context.Context) error { return boom }))
	if err := h(context.Background(), nil, nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want reload failure for redelivery", err)
	}
}
