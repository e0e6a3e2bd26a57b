package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/johnwikman/id2202-autograder/pkg/config"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistence for submissions and runner liveness rows.
// All queue transitions go through the database so that any number of
// stateless processes can share it safely.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Submission queue.
	EnqueueSubmission(ctx context.Context, sub *Submission) error
	ClaimNextSubmission(ctx context.Context, runner string, maxClaims int) (*Submission, error)
	FinishSubmission(ctx context.Context, id uint, status Status, result string) error
	ReleaseSubmission(ctx context.Context, id uint) error
	GetSubmission(ctx context.Context, id uint) (*Submission, error)
	AssignedSubmission(ctx context.Context, runner string) (*Submission, error)
	// ListSubmissions returns submissions newest first. A non-zero sinceID
	// restricts the result to submissions created after it.
	ListSubmissions(ctx context.Context, sinceID uint, limit int) ([]Submission, error)
	CountPending(ctx context.Context) (int64, error)

	// Runner liveness.
	RegisterRunner(ctx context.Context, name, hostname string, pid int32) error
	Heartbeat(ctx context.Context, name string, t time.Time) error
	ListRunners(ctx context.Context) ([]Runner, error)
	StaleRunners(ctx context.Context, olderThan time.Time) ([]Runner, error)
	DeleteRunner(ctx context.Context, name string) error

	// Watchdog recovery.
	ReleaseRunnerClaims(ctx context.Context, runner string) (int64, error)
	QuarantineExhausted(ctx context.Context, maxClaims int, result string) (int64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// Multiple processes share one file; serialize writers instead
		// of surfacing SQLITE_BUSY to callers.
		if err := s.db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
			return fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Submission{},
		&Runner{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Submission queue ---

func (s *store) EnqueueSubmission(
	ctx context.Context, sub *Submission,
) error {
	sub.Status = StatusNotStarted
	sub.AssignedRunner = nil
	sub.ExecFinished = false

	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("enqueueing submission: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"id":   sub.ID,
		"repo": sub.GitHubRepo,
	}).Info("Submission enqueued")

	return nil
}

// ClaimNextSubmission atomically assigns the oldest eligible queued
// submission to the named runner. Eligible means unassigned, unfinished,
// not claim-exhausted, and not from a repository that another runner is
// actively grading; the per-repository exclusion keeps results arriving
// in push order. Returns (nil, nil) when no work is available.
//
// The claim is a single UPDATE whose WHERE clause re-checks that the row
// is still unassigned, so exactly one of any set of racing runners sees
// RowsAffected == 1.
func (s *store) ClaimNextSubmission(
	ctx context.Context, runner string, maxClaims int,
) (*Submission, error) {
	now := time.Now().UTC()

	res := s.db.WithContext(ctx).Exec(`
		UPDATE submissions
		SET assigned_runner = ?,
		    status = ?,
		    claim_count = claim_count + 1,
		    exec_started_at = ?,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM submissions
			WHERE assigned_runner IS NULL
			  AND exec_finished = ?
			  AND claim_count < ?
			  AND github_repo NOT IN (
				SELECT github_repo FROM submissions
				WHERE assigned_runner IS NOT NULL
				  AND exec_finished = ?
			  )
			ORDER BY id ASC
			LIMIT 1
		) AND assigned_runner IS NULL`,
		runner, StatusRunning, now, now,
		false, maxClaims, false,
	)
	if res.Error != nil {
		return nil, fmt.Errorf("claiming submission: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return nil, nil
	}

	// A runner holds at most one unfinished submission, so this lookup
	// cannot be ambiguous.
	var sub Submission
	if err := s.db.WithContext(ctx).
		Where("assigned_runner = ? AND exec_finished = ?", runner, false).
		First(&sub).Error; err != nil {
		return nil, fmt.Errorf("fetching claimed submission: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"id":     sub.ID,
		"repo":   sub.GitHubRepo,
		"runner": runner,
		"claims": sub.ClaimCount,
	}).Info("Submission claimed")

	return &sub, nil
}

// FinishSubmission records a terminal status and the grading report. The
// assignment is kept for auditing; exec_finished makes the row invisible
// to future claims.
func (s *store) FinishSubmission(
	ctx context.Context, id uint, status Status, result string,
) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	now := time.Now().UTC()

	res := s.db.WithContext(ctx).
		Model(&Submission{}).
		Where("id = ? AND exec_finished = ?", id, false).
		Updates(map[string]interface{}{
			"status":           status,
			"result":           result,
			"exec_finished":    true,
			"exec_finished_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("finishing submission: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("finishing submission %d: %w", id, ErrNotFound)
	}

	s.log.WithFields(logrus.Fields{
		"id":     id,
		"status": status.String(),
	}).Info("Submission finished")

	return nil
}

// ReleaseSubmission puts an unfinished submission back on the queue,
// keeping its claim count.
func (s *store) ReleaseSubmission(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).
		Model(&Submission{}).
		Where("id = ? AND exec_finished = ?", id, false).
		Updates(map[string]interface{}{
			"assigned_runner": nil,
			"status":          StatusNotStarted,
		})
	if res.Error != nil {
		return fmt.Errorf("releasing submission: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("releasing submission %d: %w", id, ErrNotFound)
	}

	return nil
}

func (s *store) GetSubmission(
	ctx context.Context, id uint,
) (*Submission, error) {
	var sub Submission
	if err := s.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting submission: %w", err)
	}

	return &sub, nil
}

// AssignedSubmission returns the unfinished submission held by the named
// runner, or (nil, nil) when it holds none. Used at runner startup to
// detect work orphaned by a previous process with the same identity.
func (s *store) AssignedSubmission(
	ctx context.Context, runner string,
) (*Submission, error) {
	var sub Submission

	err := s.db.WithContext(ctx).
		Where("assigned_runner = ? AND exec_finished = ?", runner, false).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("getting assigned submission: %w", err)
	}

	return &sub, nil
}

func (s *store) ListSubmissions(
	ctx context.Context, sinceID uint, limit int,
) ([]Submission, error) {
	var subs []Submission

	q := s.db.WithContext(ctx).Order("id DESC")
	if sinceID > 0 {
		q = q.Where("id > ?", sinceID)
	}

	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}

	return subs, nil
}

func (s *store) CountPending(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Submission{}).
		Where("exec_finished = ?", false).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting pending submissions: %w", err)
	}

	return count, nil
}

// --- Runner liveness ---

// RegisterRunner creates or refreshes the liveness row for a runner,
// stamping it with the current time.
func (s *store) RegisterRunner(
	ctx context.Context, name, hostname string, pid int32,
) error {
	runner := Runner{
		Name:       name,
		Hostname:   hostname,
		PID:        pid,
		LastPinged: time.Now().UTC(),
	}

	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		Assign(Runner{
			Hostname:   hostname,
			PID:        pid,
			LastPinged: runner.LastPinged,
		}).
		FirstOrCreate(&runner).Error; err != nil {
		return fmt.Errorf("registering runner: %w", err)
	}

	return nil
}

func (s *store) Heartbeat(
	ctx context.Context, name string, t time.Time,
) error {
	res := s.db.WithContext(ctx).
		Model(&Runner{}).
		Where("name = ?", name).
		Update("last_pinged", t.UTC())
	if res.Error != nil {
		return fmt.Errorf("recording heartbeat: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("recording heartbeat for %q: %w", name, ErrNotFound)
	}

	return nil
}

func (s *store) ListRunners(ctx context.Context) ([]Runner, error) {
	var runners []Runner
	if err := s.db.WithContext(ctx).
		Order("name ASC").
		Find(&runners).Error; err != nil {
		return nil, fmt.Errorf("listing runners: %w", err)
	}

	return runners, nil
}

// StaleRunners returns runners whose last heartbeat is older than the
// given cutoff.
func (s *store) StaleRunners(
	ctx context.Context, olderThan time.Time,
) ([]Runner, error) {
	var runners []Runner
	if err := s.db.WithContext(ctx).
		Where("last_pinged < ?", olderThan.UTC()).
		Order("name ASC").
		Find(&runners).Error; err != nil {
		return nil, fmt.Errorf("listing stale runners: %w", err)
	}

	return runners, nil
}

func (s *store) DeleteRunner(ctx context.Context, name string) error {
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		Delete(&Runner{}).Error; err != nil {
		return fmt.Errorf("deleting runner: %w", err)
	}

	return nil
}

// --- Watchdog recovery ---

// ReleaseRunnerClaims returns every unfinished submission held by the
// named runner to the queue. Used when a runner is presumed dead.
func (s *store) ReleaseRunnerClaims(
	ctx context.Context, runner string,
) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&Submission{}).
		Where("assigned_runner = ? AND exec_finished = ?", runner, false).
		Updates(map[string]interface{}{
			"assigned_runner": nil,
			"status":          StatusNotStarted,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("releasing claims of %q: %w", runner, res.Error)
	}

	if res.RowsAffected > 0 {
		s.log.WithFields(logrus.Fields{
			"runner": runner,
			"count":  res.RowsAffected,
		}).Warn("Released orphaned submissions")
	}

	return res.RowsAffected, nil
}

// QuarantineExhausted finalizes queued submissions whose claim count has
// reached the limit. Such a submission has taken several runners down
// with it and must not be claimed again.
func (s *store) QuarantineExhausted(
	ctx context.Context, maxClaims int, result string,
) (int64, error) {
	now := time.Now().UTC()

	res := s.db.WithContext(ctx).
		Model(&Submission{}).
		Where(
			"assigned_runner IS NULL AND exec_finished = ? AND claim_count >= ?",
			false, maxClaims,
		).
		Updates(map[string]interface{}{
			"status":           StatusAutograderFault,
			"result":           result,
			"exec_finished":    true,
			"exec_finished_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("quarantining submissions: %w", res.Error)
	}

	if res.RowsAffected > 0 {
		s.log.WithField("count", res.RowsAffected).
			Warn("Quarantined claim-exhausted submissions")
	}

	return res.RowsAffected, nil
}
