package models

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

type StorageBackend string

const (
	StorageLocal StorageBackend = "local"
	StorageGCS   StorageBackend = "gcs"
	StorageR2    StorageBackend = "r2"
)

// Artifact is a temporary object (uploaded reference image, intermediate
// export) owned by exactly one session.
type Artifact struct {
	Storage     StorageBackend `bson:"storage" json:"storage"`
	Bucket      string         `bson:"bucket,omitempty" json:"bucket,omitempty"`
	ObjectName  string         `bson:"objectName" json:"objectName"`
	FileName    string         `bson:"fileName,omitempty" json:"fileName,omitempty"`
	ContentType string         `bson:"contentType" json:"contentType"`
	SizeBytes   int64          `bson:"sizeBytes" json:"sizeBytes"`
	CreatedAt   time.Time      `bson:"createdAt" json:"createdAt"`
}

// WorkState is the in-progress payload of a session. Draft and UIState are
// opaque to the backend.
type WorkState struct {
	Draft            bson.M     `bson:"draft,omitempty" json:"draft,omitempty"`
	UIState          bson.M     `bson:"uiState,omitempty" json:"uiState,omitempty"`
	ProcessingStatus string     `bson:"processingStatus,omitempty" json:"processingStatus,omitempty"`
	Artifacts        []Artifact `bson:"artifacts" json:"artifacts"`
}

type SessionStats struct {
	PageViews        int64 `bson:"pageViews" json:"pageViews"`
	Actions          int64 `bson:"actions" json:"actions"`
	TimeSpentSeconds int64 `bson:"timeSpentSeconds" json:"timeSpentSeconds"`
}

type Session struct {
	ID           string         `bson:"_id" json:"sessionId"`
	UserID       *bson.ObjectID `bson:"userId,omitempty" json:"userId,omitempty"`
	IPAddress    string         `bson:"ipAddress" json:"-"`
	UserAgent    string         `bson:"userAgent" json:"-"`
	WorkState    WorkState      `bson:"workState" json:"workState"`
	IsActive     bool           `bson:"isActive" json:"isActive"`
	LastActivity time.Time      `bson:"lastActivity" json:"lastActivity"`
	ExpiresAt    time.Time      `bson:"expiresAt" json:"expiresAt"`
	Stats        SessionStats   `bson:"stats" json:"stats"`
	CreatedAt    time.Time      `bson:"createdAt" json:"createdAt"`
}

func (s *Session) IsAnonymous() bool { return s.UserID == nil }

// IsExpired is true once now has passed the expiration timestamp,
// independent of the active flag.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IsStale reports whether the session has been idle for at least idle.
func (s *Session) IsStale(now time.Time, idle time.Duration) bool {
	return !s.LastActivity.After(now.Add(-idle))
}

var (
	errSessionID      = errors.New("session: id is required")
	errSessionExpiry  = errors.New("session: expiration must be after creation")
	errSessionStats   = errors.New("session: usage counters must not be negative")
	errSessionPayload = errors.New("session: artifact object name is required")
)

func (s *Session) Validate() error {
	if s.ID == "" {
		return errSessionID
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return errSessionExpiry
	}
	if s.Stats.PageViews < 0 || s.Stats.Actions < 0 || s.Stats.TimeSpentSeconds < 0 {
		return errSessionStats
	}
	for _, a := range s.WorkState.Artifacts {
		if a.ObjectName == "" {
			return errSessionPayload
		}
	}
	return nil
}
