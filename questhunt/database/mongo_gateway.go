package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoGateway implements Gateway on a MongoDB replica set. Transactions
// map to Mongo sessions, batched writes to BulkWrite inside one
// transaction, and live queries to change streams with a requery per
// event.
type MongoGateway struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoGateway(client *mongo.Client, database string) *MongoGateway {
	return &MongoGateway{client: client, db: client.Database(database)}
}

func (g *MongoGateway) NewID() string {
	return primitive.NewObjectID().Hex()
}

func (g *MongoGateway) Get(ctx context.Context, collection, id string, out any) error {
	err := g.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(out)
	if err == mongo.ErrNoDocuments {
		return ErrNoDocument
	}
	return err
}

func (g *MongoGateway) Query(ctx context.Context, collection, field string, value any, limit int64, out any) error {
	filter := bson.M{}
	if field != "" {
		filter[field] = value
	}
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := g.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return err
	}
	return cursor.All(ctx, out)
}

func (g *MongoGateway) QueryIn(ctx context.Context, collection, field string, ids []string, out any) error {
	if err := validateQueryIn(ids); err != nil {
		return err
	}
	cursor, err := g.db.Collection(collection).Find(ctx, bson.M{field: bson.M{"$in": ids}})
	if err != nil {
		return err
	}
	return cursor.All(ctx, out)
}

func (g *MongoGateway) Set(ctx context.Context, collection, id string, doc any, merge bool) error {
	coll := g.db.Collection(collection)
	if merge {
		_, err := coll.UpdateByID(ctx, id, bson.M{"$set": doc}, options.Update().SetUpsert(true))
		return err
	}
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return err
}

func (g *MongoGateway) Update(ctx context.Context, collection, id string, update bson.M) error {
	res, err := g.db.Collection(collection).UpdateByID(ctx, id, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNoDocument
	}
	return nil
}

func (g *MongoGateway) Delete(ctx context.Context, collection, id string) error {
	_, err := g.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (g *MongoGateway) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	session, err := g.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(&mongoTx{ctx: sc, db: g.db})
	})
	return err
}

func (g *MongoGateway) BatchWrite(ctx context.Context, ops []WriteOp) error {
	if err := validateBatch(ops); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	byCollection := make(map[string][]mongo.WriteModel)
	for _, op := range ops {
		var model mongo.WriteModel
		switch op.Kind {
		case WriteSet:
			model = mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": op.ID}).
				SetReplacement(op.Doc).
				SetUpsert(true)
		case WriteDelete:
			model = mongo.NewDeleteOneModel().SetFilter(bson.M{"_id": op.ID})
		default:
			return fmt.Errorf("unknown write kind %d", op.Kind)
		}
		byCollection[op.Collection] = append(byCollection[op.Collection], model)
	}

	// A transaction keeps the whole batch all-or-nothing even when it
	// spans collections.
	return g.RunTransaction(ctx, func(tx Tx) error {
		mtx := tx.(*mongoTx)
		for coll, models := range byCollection {
			if _, err := g.db.Collection(coll).BulkWrite(mtx.ctx, models); err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *MongoGateway) Subscribe(ctx context.Context, collection, field string, value any, push PushFunc) (Subscription, error) {
	coll := g.db.Collection(collection)

	stream, err := coll.Watch(ctx, mongo.Pipeline{},
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream on %s: %w", collection, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer stream.Close(context.Background())

		// Initial result set, then one requery per collection change.
		// Events on non-matching documents cause redundant pushes of an
		// unchanged set; subscribers must tolerate that.
		g.pushResultSet(subCtx, coll, field, value, push)
		for stream.Next(subCtx) {
			g.pushResultSet(subCtx, coll, field, value, push)
		}
		if err := stream.Err(); err != nil && subCtx.Err() == nil {
			slog.Error("Change stream ended unexpectedly",
				slog.String("type", "db"),
				slog.String("collection", collection),
				slog.Any("error", err))
		}
	}()

	return &mongoSubscription{cancel: cancel}, nil
}

func (g *MongoGateway) pushResultSet(ctx context.Context, coll *mongo.Collection, field string, value any, push PushFunc) {
	start := time.Now()
	cursor, err := coll.Find(ctx, bson.M{field: value},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Live query requery failed",
				slog.String("type", "db"),
				slog.String("collection", coll.Name()),
				slog.Duration("took", time.Since(start)),
				slog.Any("error", err))
		}
		return
	}
	var docs []bson.Raw
	if err := cursor.All(ctx, &docs); err != nil {
		if ctx.Err() == nil {
			slog.Error("Live query decode failed",
				slog.String("type", "db"),
				slog.String("collection", coll.Name()),
				slog.Any("error", err))
		}
		return
	}
	push(docs)
}

type mongoSubscription struct {
	cancel context.CancelFunc
}

func (s *mongoSubscription) Remove() {
	s.cancel()
}

type mongoTx struct {
	ctx mongo.SessionContext
	db  *mongo.Database
}

func (t *mongoTx) Get(collection, id string, out any) error {
	err := t.db.Collection(collection).FindOne(t.ctx, bson.M{"_id": id}).Decode(out)
	if err == mongo.ErrNoDocuments {
		return ErrNoDocument
	}
	return err
}

func (t *mongoTx) Set(collection, id string, doc any, merge bool) error {
	coll := t.db.Collection(collection)
	if merge {
		_, err := coll.UpdateByID(t.ctx, id, bson.M{"$set": doc}, options.Update().SetUpsert(true))
		return err
	}
	_, err := coll.ReplaceOne(t.ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	return err
}

func (t *mongoTx) Update(collection, id string, update bson.M) error {
	res, err := t.db.Collection(collection).UpdateByID(t.ctx, id, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNoDocument
	}
	return nil
}

func (t *mongoTx) Delete(collection, id string) error {
	_, err := t.db.Collection(collection).DeleteOne(t.ctx, bson.M{"_id": id})
	return err
}
