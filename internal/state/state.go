// Package state provides local SQLite state storage for the daemon.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ContainerState is the lifecycle state of a container.
type ContainerState string

const (
	StateStopped ContainerState = "STOPPED"
	StateBooting ContainerState = "BOOTING"
	StateRunning ContainerState = "RUNNING"
	StateFailed  ContainerState = "FAILED"
)

// Boot attempt outcomes.
const (
	OutcomeBooted = "BOOTED"
	OutcomeFailed = "FAILED"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Container is the runtime state of an installed container.
type Container struct {
	Name          string         `gorm:"primaryKey"`
	State         ContainerState `gorm:"index"`
	Port          int
	PID           int
	SessionID     string
	LogPath       string
	LastError     string
	KeyAuthorized bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BootRecord is one boot attempt.
type BootRecord struct {
	ID          string `gorm:"primaryKey"`
	Container   string `gorm:"index"`
	Port        int
	Outcome     string
	FailureKind string
	LogPath     string
	StartedAt   time.Time `gorm:"index"`
	EndedAt     time.Time
}

// Store provides local state persistence via SQLite.
type Store struct {
	db *gorm.DB
}

// NewStore opens the database at dbPath and migrates it. ":memory:" gives a
// private in-memory store.
func NewStore(dbPath string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&Container{}, &BootRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetContainer retrieves a container record by name.
func (s *Store) GetContainer(ctx context.Context, name string) (*Container, error) {
	var c Container
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("container %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContainers returns every container record ordered by name.
func (s *Store) ListContainers(ctx context.Context) ([]*Container, error) {
	var cs []*Container
	if err := s.db.WithContext(ctx).Order("name").Find(&cs).Error; err != nil {
		return nil, err
	}
	return cs, nil
}

// ListContainersInState returns the records in any of the given states.
func (s *Store) ListContainersInState(ctx context.Context, states ...ContainerState) ([]*Container, error) {
	var cs []*Container
	if err := s.db.WithContext(ctx).Where("state IN ?", states).Order("name").Find(&cs).Error; err != nil {
		return nil, err
	}
	return cs, nil
}

// SaveContainer creates or replaces a container record.
func (s *Store) SaveContainer(ctx context.Context, c *Container) error {
	return s.db.WithContext(ctx).Save(c).Error
}

// DeleteContainer removes a container record.
func (s *Store) DeleteContainer(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Where("name = ?", name).Delete(&Container{}).Error
}

// RecoverState marks records left BOOTING or RUNNING by a previous daemon
// as STOPPED. Their VMs died with it.
func (s *Store) RecoverState(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Container{}).
		Where("state IN ?", []ContainerState{StateBooting, StateRunning}).
		Updates(map[string]any{
			"state": StateStopped,
			"port":  0,
			"pid":   0,
		})
	return res.RowsAffected, res.Error
}

// CreateBootRecord records the start of a boot attempt.
func (s *Store) CreateBootRecord(ctx context.Context, r *BootRecord) error {
	return s.db.WithContext(ctx).Create(r).Error
}

// FinishBootRecord stores the outcome of a boot attempt.
func (s *Store) FinishBootRecord(ctx context.Context, id string, port int, outcome, failureKind string) error {
	return s.db.WithContext(ctx).Model(&BootRecord{}).Where("id = ?", id).
		Updates(map[string]any{
			"port":         port,
			"outcome":      outcome,
			"failure_kind": failureKind,
			"ended_at":     time.Now().UTC(),
		}).Error
}

// ListBootRecords returns the most recent boot attempts of a container,
// newest first. limit <= 0 means no limit.
func (s *Store) ListBootRecords(ctx context.Context, container string, limit int) ([]*BootRecord, error) {
	var rs []*BootRecord
	q := s.db.WithContext(ctx).Where("container = ?", container).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rs).Error; err != nil {
		return nil, err
	}
	return rs, nil
}

// PruneBootRecords deletes boot records started before cutoff.
func (s *Store) PruneBootRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("started_at < ?", cutoff).Delete(&BootRecord{})
	return res.RowsAffected, res.Error
}
