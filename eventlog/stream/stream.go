// Package stream backs eventlog.Log's Tail with goa.design/pulse so
// subscribers get push-based, restartable delivery instead of polling: the
// subscription is lazy, potentially infinite, and restartable from a
// sequence number.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	"github.com/choiros/director/eventlog"
)

type (
	// Client is the subset of the Pulse client this package needs: opening a
	// named stream and publishing/subscribing to it.
	Client interface {
		Stream(streamID string) (PulseStream, error)
	}

	// PulseStream is the subset of a Pulse stream's API used here.
	PulseStream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (PulseSink, error)
	}

	// PulseSink is the subset of a Pulse consumer-group sink's API used here.
	PulseSink interface {
		Subscribe() <-chan *PulseEvent
		Ack(ctx context.Context, ev *PulseEvent) error
		Close(ctx context.Context) error
	}

	// PulseEvent is the minimal envelope read back from a Pulse sink.
	PulseEvent struct {
		EventName string
		Payload   []byte
	}

	// Log wraps an eventlog.Log, replacing its Tail with a Pulse-backed
	// subscription while leaving Append/Range untouched.
	Log struct {
		eventlog.Log
		client   Client
		streamID string
		sinkName string
	}
)

// StreamIDForNamespace names the Pulse stream carrying every appended event
// for one namespace (the same namespace constant used in subject
// construction, eventlog.Namespace).
func StreamIDForNamespace(namespace string) string {
	return "director.events." + namespace
}

// New wraps base, publishing every Append to the named Pulse stream and
// backing Tail with a Pulse sink instead of base's own Tail implementation.
func New(base eventlog.Log, client Client, streamID, sinkName string) *Log {
	if sinkName == "" {
		sinkName = "director_tail"
	}
	return &Log{Log: base, client: client, streamID: streamID, sinkName: sinkName}
}

// Append persists through the wrapped log and then publishes the assigned
// sequence to Pulse so Tail subscribers observe it.
func (l *Log) Append(ctx context.Context, e *eventlog.Event) (int64, error) {
	seq, err := l.Log.Append(ctx, e)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(envelope{Seq: seq, Event: e})
	if err != nil {
		return seq, fmt.Errorf("eventlog/stream: marshal envelope: %w", err)
	}
	str, err := l.client.Stream(l.streamID)
	if err != nil {
		return seq, fmt.Errorf("eventlog/stream: open stream: %w", err)
	}
	if _, err := str.Add(ctx, e.Type, payload); err != nil {
		return seq, fmt.Errorf("eventlog/stream: publish: %w", err)
	}
	return seq, nil
}

// Tail replays `from` via the wrapped log's Range and then follows new
// appends delivered through the Pulse sink, restartable by sequence number.
func (l *Log) Tail(ctx context.Context, from int64) (eventlog.Subscription, error) {
	str, err := l.client.Stream(l.streamID)
	if err != nil {
		return nil, fmt.Errorf("eventlog/stream: open stream: %w", err)
	}
	sink, err := str.NewSink(ctx, l.sinkName)
	if err != nil {
		return nil, fmt.Errorf("eventlog/stream: open sink: %w", err)
	}

	replay, err := l.Log.Range(ctx, from+1, 0)
	if err != nil {
		sink.Close(context.Background())
		return nil, err
	}

	sub := &subscription{ch: make(chan *eventlog.Event, 256)}
	go sub.run(ctx, sink, replay, from)
	return sub, nil
}

type envelope struct {
	Seq   int64          `json:"seq"`
	Event *eventlog.Event `json:"event"`
}

type subscription struct {
	ch  chan *eventlog.Event
	err error
}

func (s *subscription) run(ctx context.Context, sink PulseSink, replay []*eventlog.Event, from int64) {
	defer close(s.ch)
	defer sink.Close(context.Background())

	seen := from
	for _, e := range replay {
		select {
		case s.ch <- e:
			seen = e.Seq
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		case pe, ok := <-sink.Subscribe():
			if !ok {
				s.err = errors.New("eventlog/stream: pulse sink closed")
				return
			}
			var env envelope
			if err := json.Unmarshal(pe.Payload, &env); err != nil {
				s.err = fmt.Errorf("eventlog/stream: decode envelope: %w", err)
				return
			}
			if err := sink.Ack(ctx, pe); err != nil {
				s.err = fmt.Errorf("eventlog/stream: ack: %w", err)
				return
			}
			if env.Seq <= seen {
				continue // already delivered via replay
			}
			select {
			case s.ch <- env.Event:
				seen = env.Seq
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
		}
	}
}

func (s *subscription) Events() <-chan *eventlog.Event { return s.ch }
func (s *subscription) Err() error                     { return s.err }
func (s *subscription) Close() error                   { return nil }
