// Package mongo implements a durable eventlog.Log backed by MongoDB,
// partitioned by subject prefix and indexed by (sequence, subject, event_id).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/choiros/director/eventlog"
)

type (
	// Options configures the Mongo-backed event log.
	Options struct {
		// Client is a connected Mongo client.
		Client *mongo.Client
		// Database names the database to use.
		Database string
		// Collection names the events collection. Defaults to "events".
		Collection string
		// Timeout bounds individual operations. Defaults to 10s.
		Timeout time.Duration
	}

	// Store implements eventlog.Log against a single Mongo collection holding
	// every subject partition; subject prefix is indexed for ranged reads.
	Store struct {
		coll    *mongo.Collection
		timeout time.Duration
	}

	eventDoc struct {
		ID          bson.ObjectID  `bson:"_id,omitempty"`
		EventID     string         `bson:"event_id"`
		Seq         int64          `bson:"seq"`
		TimestampMS int64          `bson:"timestamp_ms"`
		UserID      string         `bson:"user_id"`
		Source      string         `bson:"source"`
		Type        string         `bson:"type"`
		RawType     string         `bson:"raw_type,omitempty"`
		Subject     string         `bson:"subject"`
		Payload     map[string]any `bson:"payload"`
	}

	seqCounter struct {
		ID   string `bson:"_id"` // constant "seq"
		Next int64  `bson:"next"`
	}
)

// NewStore constructs a Mongo-backed event log. It ensures the
// (event_id) uniqueness index and the (seq) ordering index exist.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("eventlog/mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("eventlog/mongo: database is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = "events"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "event_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "seq", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "subject", Value: 1}, {Key: "seq", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog/mongo: create indexes: %w", err)
	}
	return &Store{coll: coll, timeout: timeout}, nil
}

// Append implements eventlog.Log. Idempotency on e.ID is enforced by the
// unique index on event_id: a duplicate insert is detected and the existing
// sequence number is returned instead.
func (s *Store) Append(ctx context.Context, e *eventlog.Event) (int64, error) {
	if err := eventlog.Validate(e); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if existing, found, err := s.findByEventID(ctx, e.ID); err != nil {
		return 0, err
	} else if found {
		return existing, nil
	}

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return 0, err
	}

	doc := eventDoc{
		EventID:     e.ID,
		Seq:         seq,
		TimestampMS: e.TimestampMS,
		UserID:      e.UserID,
		Source:      string(e.Source),
		Type:        e.Type,
		RawType:     e.RawType,
		Subject:     eventlog.SubjectOf(e),
		Payload:     e.Payload,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if existing, found, ferr := s.findByEventID(ctx, e.ID); ferr == nil && found {
				return existing, nil
			}
		}
		return 0, fmt.Errorf("eventlog/mongo: insert: %w", err)
	}
	return seq, nil
}

// Range implements eventlog.Log.
func (s *Store) Range(ctx context.Context, from, to int64) ([]*eventlog.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filter := bson.M{}
	seqFilter := bson.M{}
	if from > 0 {
		seqFilter["$gte"] = from
	}
	if to > 0 {
		seqFilter["$lte"] = to
	}
	if len(seqFilter) > 0 {
		filter["seq"] = seqFilter
	}

	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("eventlog/mongo: find: %w", err)
	}
	defer cur.Close(ctx)

	var out []*eventlog.Event
	for cur.Next(ctx) {
		var doc eventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("eventlog/mongo: decode: %w", err)
		}
		out = append(out, fromDoc(doc))
	}
	return out, cur.Err()
}

// Tail implements eventlog.Log using a bounded poll loop over the seq index.
// Production deployments should prefer eventlog/stream, which backs Tail with
// goa.design/pulse for push-based delivery; this poll-based Tail remains
// correct (if higher-latency) for deployments without a Pulse/Redis broker.
func (s *Store) Tail(ctx context.Context, from int64) (eventlog.Subscription, error) {
	ch := make(chan *eventlog.Event, 256)
	sub := &pollSubscription{ch: ch}

	go func() {
		defer close(ch)
		cursor := from
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				sub.setErr(ctx.Err())
				return
			case <-ticker.C:
				events, err := s.Range(ctx, cursor+1, 0)
				if err != nil {
					sub.setErr(err)
					return
				}
				for _, e := range events {
					select {
					case ch <- e:
						cursor = e.Seq
					case <-ctx.Done():
						sub.setErr(ctx.Err())
						return
					}
				}
			}
		}
	}()
	return sub, nil
}

func (s *Store) findByEventID(ctx context.Context, id string) (int64, bool, error) {
	var doc eventDoc
	err := s.coll.FindOne(ctx, bson.M{"event_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("eventlog/mongo: find by event_id: %w", err)
	}
	return doc.Seq, true, nil
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	counters := s.coll.Database().Collection("event_seq_counters")
	var c seqCounter
	err := counters.FindOneAndUpdate(
		ctx,
		bson.M{"_id": "seq"},
		bson.M{"$inc": bson.M{"next": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return 0, fmt.Errorf("eventlog/mongo: allocate sequence: %w", err)
	}
	return c.Next, nil
}

func fromDoc(doc eventDoc) *eventlog.Event {
	return &eventlog.Event{
		ID:          doc.EventID,
		Seq:         doc.Seq,
		TimestampMS: doc.TimestampMS,
		UserID:      doc.UserID,
		Source:      eventlog.Source(doc.Source),
		Type:        doc.Type,
		RawType:     doc.RawType,
		Payload:     doc.Payload,
	}
}

type pollSubscription struct {
	ch  chan *eventlog.Event
	err error
}

func (p *pollSubscription) Events() <-chan *eventlog.Event { return p.ch }
func (p *pollSubscription) Err() error                     { return p.err }
func (p *pollSubscription) Close() error                   { return nil }
func (p *pollSubscription) setErr(err error)               { p.err = err }
