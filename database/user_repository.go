package database

import (
	"context"
	"errors"
	"time"

	"github.com/y1jeong/perfdesign/apperror"
	"github.com/y1jeong/perfdesign/lockout"
	"github.com/y1jeong/perfdesign/models"
	"github.com/y1jeong/perfdesign/utils"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

var (
	ErrUserNotFound = apperror.NotFound("USER_NOT_FOUND", "user not found")
	ErrEmailTaken   = apperror.Conflict("EMAIL_TAKEN", "an account with this email already exists")
)

// UserRepository is the identity store consumed by the auth core. Every
// update method touches a single document atomically.
type UserRepository interface {
	lockout.Store

	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByVerificationToken(ctx context.Context, tokenHash string, now time.Time) (*models.User, error)
	FindByResetToken(ctx context.Context, tokenHash string, now time.Time) (*models.User, error)

	RecordLogin(ctx context.Context, id string, at time.Time) error
	SetVerificationToken(ctx context.Context, id, tokenHash string, expires time.Time) error
	MarkVerified(ctx context.Context, id string) error
	SetResetToken(ctx context.Context, id, tokenHash string, expires time.Time) error
	// ResetPassword stores the new hash, consumes the reset token and clears
	// the lockout state.
	ResetPassword(ctx context.Context, id, passwordHash string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) error
}

type MongoUserRepository struct {
	col *mongo.Collection
	now func() time.Time
}

func NewMongoUserRepository(m *Mongo) *MongoUserRepository {
	return &MongoUserRepository{col: m.OpenCollection(UsersCollection), now: time.Now}
}

func bsonKeys(keys ...string) bson.D {
	d := make(bson.D, 0, len(keys))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: 1})
	}
	return d
}

func parseUserID(id string) (bson.ObjectID, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return bson.ObjectID{}, ErrUserNotFound
	}
	return oid, nil
}

func (r *MongoUserRepository) Create(ctx context.Context, user *models.User) error {
	user.Email = utils.NormalizeEmail(user.Email)
	if user.ID.IsZero() {
		user.ID = bson.NewObjectID()
	}
	now := r.now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if err := user.Validate(); err != nil {
		return apperror.Validation("INVALID_USER", err.Error())
	}
	if _, err := r.col.InsertOne(ctx, user); err != nil {
		if utils.IsDuplicateKey(err) {
			return ErrEmailTaken
		}
		return err
	}
	return nil
}

func (r *MongoUserRepository) findOne(ctx context.Context, filter bson.M) (*models.User, error) {
	var user models.User
	if err := r.col.FindOne(ctx, filter).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *MongoUserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	oid, err := parseUserID(id)
	if err != nil {
		return nil, err
	}
	return r.findOne(ctx, bson.M{"_id": oid})
}

func (r *MongoUserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, bson.M{"email": utils.NormalizeEmail(email)})
}

func (r *MongoUserRepository) FindByVerificationToken(ctx context.Context, tokenHash string, now time.Time) (*models.User, error) {
	return r.findOne(ctx, bson.M{
		"verificationTokenHash":    tokenHash,
		"verificationTokenExpires": bson.M{"$gt": now},
	})
}

func (r *MongoUserRepository) FindByResetToken(ctx context.Context, tokenHash string, now time.Time) (*models.User, error) {
	return r.findOne(ctx, bson.M{
		"resetTokenHash":    tokenHash,
		"resetTokenExpires": bson.M{"$gt": now},
	})
}

func (r *MongoUserRepository) LoginState(ctx context.Context, id string) (lockout.State, error) {
	user, err := r.FindByID(ctx, id)
	if err != nil {
		return lockout.State{}, err
	}
	return lockout.State{FailedAttempts: user.LoginAttempts, LockUntil: user.LockUntil}, nil
}

// SwapLoginState is a compare-and-set on (loginAttempts, lockUntil).
func (r *MongoUserRepository) SwapLoginState(ctx context.Context, id string, prev, next lockout.State) (bool, error) {
	if next.FailedAttempts < 0 {
		return false, apperror.Internal(errors.New("login attempts must not be negative"))
	}
	oid, err := parseUserID(id)
	if err != nil {
		return false, err
	}

	filter := bson.M{"_id": oid, "loginAttempts": prev.FailedAttempts}
	if prev.LockUntil == nil {
		filter["lockUntil"] = nil
	} else {
		filter["lockUntil"] = prev.LockUntil.UTC().Truncate(time.Millisecond)
	}

	set := bson.M{"loginAttempts": next.FailedAttempts, "updatedAt": r.now().UTC()}
	update := bson.M{"$set": set}
	if next.LockUntil == nil {
		update["$unset"] = bson.M{"lockUntil": ""}
	} else {
		set["lockUntil"] = next.LockUntil.UTC()
	}

	res, err := r.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

func (r *MongoUserRepository) updateByID(ctx context.Context, id string, update bson.M) error {
	oid, err := parseUserID(id)
	if err != nil {
		return err
	}
	set, _ := update["$set"].(bson.M)
	if set == nil {
		set = bson.M{}
		update["$set"] = set
	}
	set["updatedAt"] = r.now().UTC()

	res, err := r.col.UpdateByID(ctx, oid, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *MongoUserRepository) RecordLogin(ctx context.Context, id string, at time.Time) error {
	return r.updateByID(ctx, id, bson.M{"$set": bson.M{"lastLoginAt": at.UTC()}})
}

func (r *MongoUserRepository) SetVerificationToken(ctx context.Context, id, tokenHash string, expires time.Time) error {
	return r.updateByID(ctx, id, bson.M{"$set": bson.M{
		"verificationTokenHash":    tokenHash,
		"verificationTokenExpires": expires.UTC(),
	}})
}

func (r *MongoUserRepository) MarkVerified(ctx context.Context, id string) error {
	return r.updateByID(ctx, id, bson.M{
		"$set":   bson.M{"isVerified": true},
		"$unset": bson.M{"verificationTokenHash": "", "verificationTokenExpires": ""},
	})
}

func (r *MongoUserRepository) SetResetToken(ctx context.Context, id, tokenHash string, expires time.Time) error {
	return r.updateByID(ctx, id, bson.M{"$set": bson.M{
		"resetTokenHash":    tokenHash,
		"resetTokenExpires": expires.UTC(),
	}})
}

func (r *MongoUserRepository) ResetPassword(ctx context.Context, id, passwordHash string) error {
	return r.updateByID(ctx, id, bson.M{
		"$set":   bson.M{"passwordHash": passwordHash, "loginAttempts": 0},
		"$unset": bson.M{"resetTokenHash": "", "resetTokenExpires": "", "lockUntil": ""},
	})
}

func (r *MongoUserRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	return r.updateByID(ctx, id, bson.M{"$set": bson.M{"passwordHash": passwordHash}})
}

// SeedAdmin inserts the admin account if no user owns the email yet.
func (r *MongoUserRepository) SeedAdmin(ctx context.Context, email, passwordHash string) (bool, error) {
	email = utils.NormalizeEmail(email)
	now := r.now().UTC()
	res, err := r.col.UpdateOne(ctx, bson.M{"email": email}, bson.M{
		"$setOnInsert": bson.M{
			"_id":           bson.NewObjectID(),
			"email":         email,
			"passwordHash":  passwordHash,
			"role":          models.RoleAdmin,
			"isActive":      true,
			"isVerified":    true,
			"loginAttempts": 0,
			"createdAt":     now,
			"updatedAt":     now,
		},
	}, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return false, err
	}
	return res.UpsertedCount == 1, nil
}
