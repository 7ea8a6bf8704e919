package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bit2swaz/sosmesh/internal/protocol"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const settingsRowID = 1

// Archive persists handled alerts and app settings. It is written from
// outside the relay core and is safe for concurrent use.
type Archive struct {
	db *gorm.DB
}

// Open connects to the archive. A dsn starting with mysql:// selects MySQL;
// anything else is a SQLite file path.
func Open(dsn string) (*Archive, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	var (
		db  *gorm.DB
		err error
	)
	if rest, ok := strings.CutPrefix(dsn, "mysql://"); ok {
		db, err = gorm.Open(mysql.Open(rest), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open mysql archive: %w", err)
		}
	} else {
		db, err = gorm.Open(sqlite.Open(dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite archive: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		if err := Vacuum(db); err != nil {
			return nil, err
		}
	}

	if err := db.AutoMigrate(&AlertRecord{}, &SettingsRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive: %w", err)
	}
	return &Archive{db: db}, nil
}

func Vacuum(db *gorm.DB) error {
	return db.Exec("VACUUM").Error
}

func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveAlert archives env. Repeats of an id already archived are ignored.
func (a *Archive) SaveAlert(ctx context.Context, env protocol.Envelope, receivedAt time.Time) error {
	rec := AlertRecord{
		ID:         env.ID,
		Origin:     string(env.Origin),
		Lat:        env.Location.Lat,
		Long:       env.Location.Lon,
		CreatedAt:  env.CreatedAt,
		Type:       string(env.Type),
		Message:    env.Message,
		HopCount:   env.HopCount,
		TTLHops:    env.TTLHops,
		ReceivedAt: receivedAt,
	}
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
}

// RecentAlerts returns up to limit archived alerts, newest first.
func (a *Archive) RecentAlerts(ctx context.Context, limit int) ([]protocol.Envelope, error) {
	var recs []AlertRecord
	if err := a.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]protocol.Envelope, 0, len(recs))
	for _, r := range recs {
		out = append(out, protocol.Envelope{
			ID:        r.ID,
			Origin:    protocol.PeerID(r.Origin),
			Location:  protocol.Location{Lat: r.Lat, Lon: r.Long},
			CreatedAt: r.CreatedAt,
			Type:      protocol.AlertType(r.Type),
			Message:   r.Message,
			HopCount:  r.HopCount,
			TTLHops:   r.TTLHops,
		})
	}
	return out, nil
}

// LoadSettings returns the stored settings, or the defaults if none were
// saved yet.
func (a *Archive) LoadSettings(ctx context.Context) (Settings, error) {
	var rec SettingsRecord
	err := a.db.WithContext(ctx).First(&rec, "id = ?", settingsRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		BackgroundModeEnabled: rec.BackgroundModeEnabled,
		MotionBasedSOSEnabled: rec.MotionBasedSOSEnabled,
		AlertRadiusMeters:     rec.AlertRadiusMeters,
		DemoMode:              rec.DemoMode,
	}, nil
}

func (a *Archive) SaveSettings(ctx context.Context, s Settings) error {
	rec := SettingsRecord{
		ID:                    settingsRowID,
		BackgroundModeEnabled: s.BackgroundModeEnabled,
		MotionBasedSOSEnabled: s.MotionBasedSOSEnabled,
		AlertRadiusMeters:     s.AlertRadiusMeters,
		DemoMode:              s.DemoMode,
		UpdatedAt:             time.Now(),
	}
	return a.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
}
