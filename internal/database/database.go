package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"moul.io/zapgorm2"

	"github.com/bigredeye/relgate/internal/models"
)

const defaultListLimit = 50

type DataBase struct {
	*gorm.DB
}

type DuplicateKey struct {
	nested error
}

func (e *DuplicateKey) Error() string {
	return e.nested.Error()
}

func (e *DuplicateKey) Unwrap() error {
	return e.nested
}

func IsDuplicateKey(err error) bool {
	duplicateKey := &DuplicateKey{}
	return errors.As(err, &duplicateKey)
}

// https://github.com/go-gorm/gorm/issues/4037
func isUniqueViolation(err error) bool {
	perr := &pgconn.PgError{}
	if errors.As(err, &perr) {
		return perr.Code == "23505"
	}
	return false
}

func wrapError(err error) error {
	if err != nil && isUniqueViolation(err) {
		return &DuplicateKey{err}
	}
	return err
}

func OpenDataBase(logger *zap.Logger, dsn string) (*DataBase, error) {
	zapLogger := zapgorm2.New(logger.Named("gorm"))
	zapLogger.SetAsDefault()
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: zapLogger,
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(&models.Run{}, &models.StageResult{})
	if err != nil {
		return nil, err
	}

	return &DataBase{db}, nil
}

// SaveRun upserts the run and its stage records. Records are keyed by
// (run, seq), so saving a growing run repeatedly is safe.
func (db *DataBase) SaveRun(ctx context.Context, run *models.Run) error {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "verdict", "denied_by", "artifact", "tags", "error", "finished_at"}),
		}).Omit("Stages").Create(run).Error
		if err != nil {
			return err
		}

		if len(run.Stages) == 0 {
			return nil
		}
		for i := range run.Stages {
			run.Stages[i].RunID = run.ID
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "seq"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "message", "exit_code", "attempts", "findings", "log_path", "late", "finished_at"}),
		}).Create(&run.Stages).Error
	})
	return wrapError(err)
}

// FindRun returns nil without an error for unknown runs.
func (db *DataBase) FindRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	err := db.WithContext(ctx).
		Preload("Stages", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("seq")
		}).
		First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the latest runs, newest first. An empty pipeline matches
// every pipeline.
func (db *DataBase) ListRuns(ctx context.Context, pipeline string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if pipeline != "" {
		query = query.Where("pipeline = ?", pipeline)
	}

	runs := make([]*models.Run, 0)
	if err := query.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// AbortStaleRuns marks runs that were left unfinished by a previous process
// as aborted.
func (db *DataBase) AbortStaleRuns(ctx context.Context, reason string) (int64, error) {
	res := db.WithContext(ctx).Model(&models.Run{}).
		Where("state IN ?", []string{models.RunStatePending, models.RunStateRunning, models.RunStateGated}).
		Updates(map[string]interface{}{
			"state":       models.RunStateAborted,
			"error":       reason,
			"finished_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}
