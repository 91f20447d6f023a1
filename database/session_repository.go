package database

import (
	"context"
	"errors"
	"time"

	"github.com/y1jeong/perfdesign/apperror"
	"github.com/y1jeong/perfdesign/models"
	"github.com/y1jeong/perfdesign/sessions"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type MongoSessionRepository struct {
	col *mongo.Collection
}

func NewMongoSessionRepository(m *Mongo) *MongoSessionRepository {
	return &MongoSessionRepository{col: m.OpenCollection(SessionsCollection)}
}

func (r *MongoSessionRepository) Insert(ctx context.Context, s *models.Session) error {
	if err := s.Validate(); err != nil {
		return apperror.Internal(err)
	}
	if _, err := r.col.InsertOne(ctx, s); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperror.Conflict("SESSION_EXISTS", "session id already in use")
		}
		return err
	}
	return nil
}

func (r *MongoSessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	if err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&s); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *MongoSessionRepository) update(ctx context.Context, id string, update bson.M) (*models.Session, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var s models.Session
	if err := r.col.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&s); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *MongoSessionRepository) Touch(ctx context.Context, id string, at time.Time, delta sessions.Activity) (*models.Session, error) {
	return r.update(ctx, id, bson.M{
		"$set": bson.M{"lastActivity": at, "isActive": true},
		"$inc": bson.M{
			"stats.pageViews":        delta.PageViews,
			"stats.actions":          delta.Actions,
			"stats.timeSpentSeconds": int64(delta.TimeSpent / time.Second),
		},
	})
}

func (r *MongoSessionRepository) SetExpiry(ctx context.Context, id string, expiresAt time.Time) (*models.Session, error) {
	return r.update(ctx, id, bson.M{"$set": bson.M{"expiresAt": expiresAt}})
}

func (r *MongoSessionRepository) SetOwner(ctx context.Context, id string, owner bson.ObjectID, expiresAt time.Time) (*models.Session, error) {
	return r.update(ctx, id, bson.M{"$set": bson.M{"userId": owner, "expiresAt": expiresAt}})
}

func (r *MongoSessionRepository) UpdateWorkState(ctx context.Context, id string, state models.WorkState) (*models.Session, error) {
	set := bson.M{"workState.processingStatus": state.ProcessingStatus}
	if state.Draft != nil {
		set["workState.draft"] = state.Draft
	}
	if state.UIState != nil {
		set["workState.uiState"] = state.UIState
	}
	return r.update(ctx, id, bson.M{"$set": set})
}

func (r *MongoSessionRepository) AddArtifact(ctx context.Context, id string, artifact models.Artifact) (*models.Session, error) {
	return r.update(ctx, id, bson.M{"$push": bson.M{"workState.artifacts": artifact}})
}

func (r *MongoSessionRepository) Deactivate(ctx context.Context, id string, released []string) (*models.Session, error) {
	names := bson.A{}
	for _, name := range released {
		names = append(names, name)
	}
	return r.update(ctx, id, bson.M{
		"$set":  bson.M{"isActive": false},
		"$pull": bson.M{"workState.artifacts": bson.M{"objectName": bson.M{"$in": names}}},
	})
}

func sweepFilter(now, idleCutoff time.Time) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"expiresAt": bson.M{"$lt": now}},
		bson.M{"lastActivity": bson.M{"$lte": idleCutoff}},
	}}
}

func (r *MongoSessionRepository) FindSweepable(ctx context.Context, now, idleCutoff time.Time) ([]*models.Session, error) {
	cursor, err := r.col.Find(ctx, sweepFilter(now, idleCutoff))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	out := make([]*models.Session, 0)
	for cursor.Next(ctx) {
		var s models.Session
		if err := cursor.Decode(&s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, cursor.Err()
}

// DeleteIfSweepable deletes with the sweep condition in the filter, so a
// session extended or touched since it was listed is left alone.
func (r *MongoSessionRepository) DeleteIfSweepable(ctx context.Context, id string, now, idleCutoff time.Time) (*models.Session, error) {
	filter := sweepFilter(now, idleCutoff)
	filter["_id"] = id

	var s models.Session
	if err := r.col.FindOneAndDelete(ctx, filter).Decode(&s); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}
