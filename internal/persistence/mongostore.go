// Copyright 2025 James Ross
package persistence

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/jamesross/inference-gateway/internal/config"
	"github.com/jamesross/inference-gateway/internal/gatewayerrors"
	"github.com/jamesross/inference-gateway/internal/request"
)

// MongoStore is the production Persistent Store, grounded in the original
// gateway's motor/MongoDB-backed queue.py. queue_state is keyed by request
// id with secondary indexes on backend and status; request_history is
// read-only to the pattern analyzer.
type MongoStore struct {
	client     *mongo.Client
	queueState *mongo.Collection
	history    *mongo.Collection
	log        *zap.Logger
}

// NewMongoStore connects to MongoDB and ensures the secondary indexes
// queue_state needs (backend, status) exist.
func NewMongoStore(ctx context.Context, cfg config.MongoConfig, log *zap.Logger) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	queueState := db.Collection(cfg.QueueStateCollection)
	history := db.Collection(cfg.RequestHistoryCollection)

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "backend", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}
	if _, err := queueState.Indexes().CreateMany(connectCtx, indexes); err != nil {
		return nil, fmt.Errorf("create queue_state indexes: %w", err)
	}

	return &MongoStore{client: client, queueState: queueState, history: history, log: log}, nil
}

func (s *MongoStore) UpsertRequest(ctx context.Context, r request.Request) error {
	filter := bson.M{"_id": r.ID}
	update := bson.M{"$set": r}
	opts := options.Update().SetUpsert(true)
	if _, err := s.queueState.UpdateOne(ctx, filter, update, opts); err != nil {
		s.log.Warn("queue_state upsert failed", zap.String("request_id", r.ID), zap.Error(err))
		return gatewayerrors.NewPersistenceError("queue_state", "upsert", err)
	}
	return nil
}

func (s *MongoStore) FindByStatusAndBackend(ctx context.Context, backend string, statuses ...request.Status) ([]request.Request, error) {
	filter := bson.M{"backend": backend, "status": bson.M{"$in": statuses}}
	cur, err := s.queueState.Find(ctx, filter)
	if err != nil {
		return nil, gatewayerrors.NewPersistenceError("queue_state", "find_by_status_and_backend", err)
	}
	defer cur.Close(ctx)

	var out []request.Request
	for cur.Next(ctx) {
		var r request.Request
		if err := cur.Decode(&r); err != nil {
			return nil, gatewayerrors.NewPersistenceError("queue_state", "decode", err)
		}
		out = append(out, r)
	}
	return out, cur.Err()
}

func (s *MongoStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{
		"status":       bson.M{"$in": []request.Status{request.StatusCompleted, request.StatusFailed, request.StatusTimeout, request.StatusCancelled}},
		"completed_at": bson.M{"$lt": cutoff},
	}
	res, err := s.queueState.DeleteMany(ctx, filter)
	if err != nil {
		return 0, gatewayerrors.NewPersistenceError("queue_state", "delete_older_than", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) FindRequestHistory(ctx context.Context, since time.Time) ([]HistoryRecord, error) {
	filter := bson.M{"created_at": bson.M{"$gte": since}}
	cur, err := s.history.Find(ctx, filter)
	if err != nil {
		return nil, gatewayerrors.NewPersistenceError("request_history", "find", err)
	}
	defer cur.Close(ctx)

	var out []HistoryRecord
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, gatewayerrors.NewPersistenceError("request_history", "decode", err)
		}
		rec, ok := decodeHistoryRecord(raw)
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	return out, cur.Err()
}

// decodeHistoryRecord normalizes created_at, which may be stored as an
// ISO-8601 string or a native BSON datetime (spec.md §6).
func decodeHistoryRecord(raw bson.M) (HistoryRecord, bool) {
	backend, _ := raw["backend"].(string)
	if backend == "" {
		return HistoryRecord{}, false
	}
	switch v := raw["created_at"].(type) {
	case primitive.DateTime:
		return HistoryRecord{Backend: backend, CreatedAt: v.Time()}, true
	case time.Time:
		return HistoryRecord{Backend: backend, CreatedAt: v}, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return HistoryRecord{}, false
		}
		return HistoryRecord{Backend: backend, CreatedAt: t}, true
	default:
		return HistoryRecord{}, false
	}
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
