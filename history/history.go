// Package history keeps each user's log of finished calls.
package history

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqliteDriver "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"go.ringline.dev/callkit/signaling"
)

// An Entry is one user's view of a finished call.
type Entry struct {
	ID     string
	UserID string
	CallID string
	PeerID string
	Side   signaling.Side
	Type   signaling.CallType

	// Status is the terminal status the user's session reached.
	Status         signaling.Status
	Reason         string
	LocalInitiated bool

	StartedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     time.Time
}

// Duration returns how long the call was connected.
func (e Entry) Duration() time.Duration {
	if e.ConnectedAt == nil {
		return 0
	}
	return e.EndedAt.Sub(*e.ConnectedAt)
}

type entryRow struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"uniqueIndex:idx_call_history_user_call;index:idx_call_history_user_ended,priority:1;not null"`
	CallID         string `gorm:"uniqueIndex:idx_call_history_user_call;not null"`
	PeerID         string `gorm:"not null"`
	Side           string `gorm:"not null"`
	Type           string `gorm:"not null"`
	Status         string `gorm:"not null"`
	Reason         string
	LocalInitiated bool
	StartedAt      time.Time `gorm:"not null"`
	ConnectedAt    *time.Time
	EndedAt        time.Time `gorm:"index:idx_call_history_user_ended,priority:2,sort:desc;not null"`
}

func (entryRow) TableName() string {
	return "call_history"
}

func rowFromEntry(entry Entry) entryRow {
	row := entryRow{
		ID:             entry.ID,
		UserID:         entry.UserID,
		CallID:         entry.CallID,
		PeerID:         entry.PeerID,
		Side:           string(entry.Side),
		Type:           string(entry.Type),
		Status:         string(entry.Status),
		Reason:         entry.Reason,
		LocalInitiated: entry.LocalInitiated,
		StartedAt:      entry.StartedAt.UTC(),
		EndedAt:        entry.EndedAt.UTC(),
	}
	if entry.ConnectedAt != nil {
		connectedAt := entry.ConnectedAt.UTC()
		row.ConnectedAt = &connectedAt
	}
	return row
}

func (row entryRow) toEntry() Entry {
	entry := Entry{
		ID:             row.ID,
		UserID:         row.UserID,
		CallID:         row.CallID,
		PeerID:         row.PeerID,
		Side:           signaling.Side(row.Side),
		Type:           signaling.CallType(row.Type),
		Status:         signaling.Status(row.Status),
		Reason:         row.Reason,
		LocalInitiated: row.LocalInitiated,
		StartedAt:      row.StartedAt.UTC(),
		EndedAt:        row.EndedAt.UTC(),
	}
	if row.ConnectedAt != nil {
		connectedAt := row.ConnectedAt.UTC()
		entry.ConnectedAt = &connectedAt
	}
	return entry
}

// An Archive stores call history in SQL through gorm.
type Archive struct {
	db *gorm.DB
}

// Open opens an archive on sqlite or postgres and migrates its table. An empty driver
// means sqlite, and sqlite's parent directory is created as needed.
func Open(driver, dsn string) (*Archive, error) {
	db, err := openGorm(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open call history")
	}
	archive := &Archive{db: db}
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate call history")
	}
	return archive, nil
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver != "sqlite" {
			return nil, errors.Errorf("dsn is required for driver %q", driver)
		}
		dsn = "ringline.db"
	}

	config := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch driver {
	case "sqlite":
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		return gorm.Open(sqliteDriver.Open(dsn), config)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), config)
	default:
		return nil, errors.Errorf("unsupported driver %q", driver)
	}
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return errors.Wrap(os.MkdirAll(dir, 0o750), "create sqlite directory")
}

func sqliteFilePath(dsn string) (string, bool) {
	lower := strings.ToLower(dsn)
	if lower == ":memory:" || strings.HasPrefix(lower, "file::memory:") {
		return "", false
	}
	if strings.HasPrefix(lower, "file:") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return stripQuery(strings.TrimPrefix(dsn, "file:")), true
		}
		if strings.EqualFold(parsed.Query().Get("mode"), "memory") {
			return "", false
		}
		if parsed.Path != "" {
			return parsed.Path, true
		}
		if parsed.Opaque != "" {
			return stripQuery(parsed.Opaque), true
		}
		return "", false
	}
	return stripQuery(dsn), true
}

func stripQuery(v string) string {
	if i := strings.Index(v, "?"); i >= 0 {
		return v[:i]
	}
	return v
}

// Record stores an entry. Recording the same call twice for a user keeps the first entry.
func (a *Archive) Record(ctx context.Context, entry Entry) error {
	if entry.UserID == "" || entry.CallID == "" {
		return errors.New("user and call are required")
	}
	if !entry.Status.Terminal() {
		return errors.Errorf("cannot archive a call that is still %s", entry.Status)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	row := rowFromEntry(entry)
	return errors.Wrap(
		a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error,
		"record call history",
	)
}

// ListForUser returns the user's most recently ended calls first. A limit of zero or
// less returns every entry.
func (a *Archive) ListForUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	query := a.db.WithContext(ctx).Where("user_id = ?", userID).Order("ended_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []entryRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list call history")
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toEntry())
	}
	return entries, nil
}

// Close closes the underlying database connections.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
