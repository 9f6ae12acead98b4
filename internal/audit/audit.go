// Package audit records authorization decisions.
//
// Decisions are pushed onto a Redis list so the request path never waits on
// the log table; a drainer moves them into authorization_log in the
// background. When Redis is unavailable the entry is written to the database
// directly.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/realmgate/realmgate/pkg/database"
	"github.com/realmgate/realmgate/pkg/logger"
)

// QueueKey is the Redis list the drainer consumes
const QueueKey = "audit_queue"

const drainTimeout = 10 * time.Second

// Entry is a single authorization decision
type Entry struct {
	RealmID             int       `json:"realm_id"`
	PrincipalID         int       `json:"principal_id"`
	ActionName          string    `json:"action_name"`
	ResourceTypeName    string    `json:"resource_type_name"`
	Decision            bool      `json:"decision"`
	ResourceIDs         []any     `json:"resource_ids,omitempty"`
	ExternalResourceIDs []string  `json:"external_resource_ids,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Service queues and drains audit entries
type Service struct {
	db     *database.PostgreSQL
	redis  *database.Redis
	logger *logger.Logger
	direct bool
}

// NewService creates a new audit service. When direct is set entries bypass
// the queue and go straight to the database, which tests rely on.
func NewService(db *database.PostgreSQL, redis *database.Redis, logger *logger.Logger, direct bool) *Service {
	return &Service{db: db, redis: redis, logger: logger, direct: direct}
}

// Record logs an authorization decision. Queue failures fall back to a
// direct database write so a Redis outage does not lose the trail.
func (s *Service) Record(ctx context.Context, entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if s.direct {
		if err := s.writeToDB(ctx, entry); err != nil && s.logger != nil {
			s.logger.Errorf("Audit log failed: %v", err)
		}
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		if s.logger != nil {
			s.logger.Errorf("Failed to serialize audit entry: %v", err)
		}
		return
	}

	if err := s.redis.Client().LPush(ctx, QueueKey, data).Err(); err != nil {
		if s.logger != nil {
			s.logger.Warnf("Redis audit failed, falling back to DB: %v", err)
		}
		if dbErr := s.writeToDB(ctx, entry); dbErr != nil && s.logger != nil {
			s.logger.Errorf("Audit log failed completely: %v", dbErr)
		}
	}
}

// Drain consumes the audit queue until the context is cancelled
func (s *Service) Drain(ctx context.Context) {
	for {
		if err := s.DrainOne(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if s.logger != nil {
				s.logger.Errorf("Audit queue processing error: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// DrainOne blocks for one queue entry and writes it to the database. A
// timeout with nothing queued is not an error.
func (s *Service) DrainOne(ctx context.Context) error {
	result, err := s.redis.Client().BRPop(ctx, drainTimeout, QueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if len(result) < 2 {
		return nil
	}

	var entry Entry
	if err := json.Unmarshal([]byte(result[1]), &entry); err != nil {
		if s.logger != nil {
			s.logger.Warnf("Dropping malformed audit entry: %v", err)
		}
		return nil
	}
	if err := s.writeToDB(ctx, entry); err != nil {
		// Put it back so a database blip does not lose the entry
		if pushErr := s.redis.Client().LPush(ctx, QueueKey, result[1]).Err(); pushErr != nil && s.logger != nil {
			s.logger.Errorf("Failed to requeue audit entry: %v", pushErr)
		}
		return err
	}
	return nil
}

// QueueDepth returns the number of entries waiting in the queue
func (s *Service) QueueDepth(ctx context.Context) (int64, error) {
	return s.redis.Client().LLen(ctx, QueueKey).Result()
}

func (s *Service) writeToDB(ctx context.Context, entry Entry) error {
	if s.db == nil {
		return errors.New("no database available for audit write")
	}
	var resourceIDs, externalIDs []byte
	var err error
	if entry.ResourceIDs != nil {
		if resourceIDs, err = json.Marshal(entry.ResourceIDs); err != nil {
			return err
		}
	}
	if entry.ExternalResourceIDs != nil {
		if externalIDs, err = json.Marshal(entry.ExternalResourceIDs); err != nil {
			return err
		}
	}

	_, err = s.db.Pool().Exec(ctx, `
		INSERT INTO authorization_log (timestamp, realm_id, principal_id, action_name, resource_type_name, decision, resource_ids, external_resource_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Timestamp, entry.RealmID, entry.PrincipalID, entry.ActionName,
		entry.ResourceTypeName, entry.Decision, resourceIDs, externalIDs)
	return err
}
