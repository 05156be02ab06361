// Package mongo implements the outbox store on a MongoDB collection.
//
// MongoDB has no row locks to claim under; instead each claim is a single
// atomic FindOneAndUpdate that filters on staleness and pushes updateTime
// forward, so concurrent claimers can never hand the same document out
// twice. Transactions require a replica set or sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/herald-go/herald"
)

type eventDocument struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	EventType    string             `bson:"eventType"`
	Content      []byte             `bson:"content"`
	Success      bool               `bson:"success"`
	RetriedCount int                `bson:"retriedCount"`
	CreateTime   time.Time          `bson:"createTime"`
	UpdateTime   time.Time          `bson:"updateTime"`
}

// Store implements herald.Store on a MongoDB collection.
type Store struct {
	coll       *mongo.Collection
	registry   *herald.Registry
	serializer herald.Serializer
	staleness  time.Duration
	log        *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithStalenessWindow sets the minimum age a document must reach since its
// last update before a claim may pick it up.
// Default is herald.DefaultStalenessWindow.
func WithStalenessWindow(d time.Duration) Option {
	return func(s *Store) {
		s.staleness = d
	}
}

// WithSerializer sets the payload serializer. Default is JSONSerializer.
func WithSerializer(serializer herald.Serializer) Option {
	return func(s *Store) {
		if serializer != nil {
			s.serializer = serializer
		}
	}
}

// NewStore creates a Store on the given collection.
func NewStore(coll *mongo.Collection, registry *herald.Registry, log *zap.Logger, opts ...Option) *Store {
	if coll == nil {
		panic("mongo: nil collection")
	}
	if registry == nil {
		panic("mongo: nil registry")
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Store{
		coll:       coll,
		registry:   registry,
		serializer: herald.JSONSerializer{},
		staleness:  herald.DefaultStalenessWindow,
		log:        log,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Init creates the index backing the claim query. Call once at startup.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "success", Value: 1}, {Key: "updateTime", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("creating outbox index: %w", err)
	}
	return nil
}

// RunInTx implements herald.Store. fn runs inside a MongoDB transaction; the
// handle it receives is the session context and satisfies context.Context.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx herald.Tx) error) error {
	session, err := s.coll.Database().Client().StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc, herald.Tx(sc))
	})
	return err
}

// Persist implements herald.Store. tx must be a session context from a
// RunInTx callback, or any context.Context when transactional coupling with
// business writes is not needed.
func (s *Store) Persist(ctx context.Context, tx herald.Tx, t herald.EventType, content herald.EventContent) (string, error) {
	sc, ok := tx.(context.Context)
	if !ok {
		return "", fmt.Errorf("mongo store: unsupported transaction handle %T", tx)
	}

	payload, err := s.serializer.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("serializing %s content: %w", t.Name, err)
	}

	now := time.Now().UTC()
	res, err := s.coll.InsertOne(sc, eventDocument{
		ID:         primitive.NewObjectID(),
		EventType:  t.Name,
		Content:    payload,
		CreateTime: now,
		UpdateTime: now,
	})
	if err != nil {
		return "", fmt.Errorf("storing %s event: %w", t.Name, err)
	}

	id := res.InsertedID.(primitive.ObjectID).Hex()
	s.log.Debug("event persisted",
		zap.String("persistent_id", id),
		zap.String("event_type", t.Name))
	return id, nil
}

// Confirm implements herald.Store.
func (s *Store) Confirm(ctx context.Context, persistentID string) error {
	id, err := primitive.ObjectIDFromHex(persistentID)
	if err != nil {
		return fmt.Errorf("invalid persistent id %q: %w", persistentID, err)
	}

	_, err = s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"success": true, "updateTime": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("confirming event %s: %w", persistentID, err)
	}

	s.log.Debug("event confirmed", zap.String("persistent_id", persistentID))
	return nil
}

// Claim implements herald.Store.
func (s *Store) Claim(ctx context.Context, limit int) []*herald.Event {
	events := make([]*herald.Event, 0, limit)
	for len(events) < limit {
		doc, ok := s.claimOne(ctx)
		if !ok {
			break
		}

		t, ok := s.registry.Lookup(doc.EventType)
		if !ok {
			s.log.Error("unrecognized event type, document skipped",
				zap.String("persistent_id", doc.ID.Hex()),
				zap.String("event_type", doc.EventType),
				zap.Int("retried_count", doc.RetriedCount))
			continue
		}
		content, err := s.serializer.Unmarshal(doc.Content, t)
		if err != nil {
			s.log.Error("undecodable event content, document skipped",
				zap.String("persistent_id", doc.ID.Hex()),
				zap.String("event_type", doc.EventType),
				zap.Int("retried_count", doc.RetriedCount),
				zap.Error(err))
			continue
		}

		events = append(events, &herald.Event{
			PersistentID: doc.ID.Hex(),
			Type:         t,
			Content:      content,
		})
	}
	return events
}

// claimOne atomically takes the oldest stale unconfirmed document, touching
// it so other claimers skip it for another staleness window.
func (s *Store) claimOne(ctx context.Context) (*eventDocument, bool) {
	now := time.Now().UTC()
	filter := bson.M{
		"success":    false,
		"updateTime": bson.M{"$lt": now.Add(-s.staleness)},
	}
	update := bson.M{
		"$inc": bson.M{"retriedCount": 1},
		"$set": bson.M{"updateTime": now},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "updateTime", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var doc eventDocument
	err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) && ctx.Err() == nil {
			s.log.Error("claiming outbox document", zap.Error(err))
		}
		return nil, false
	}
	return &doc, true
}

var _ herald.Store = (*Store)(nil)
