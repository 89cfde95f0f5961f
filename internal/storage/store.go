package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gbmm/internal/gbapi"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store owns the SQLite database handle.
type Store struct {
	log *slog.Logger
	db  *gorm.DB
}

// Open opens (or creates) the database at path, applies pragmas and runs
// migrations.
func Open(log *slog.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := db.AutoMigrate(
		&Image{},
		&File{},
		&VideoShow{},
		&VideoCategory{},
		&Video{},
		&Download{},
		&Setting{},
		&SystemState{},
		&BackgroundJobRecord{},
		&BackgroundJobArchive{},
	); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s := &Store{log: log.With("component", "storage"), db: db}
	s.log.Debug("database opened", "path", path)
	return s, nil
}

// DB exposes the raw handle for query composition.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Tx runs fn inside a transaction.
func (s *Store) Tx(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// System returns the singleton system row, creating it on first call.
func (s *Store) System() (*SystemState, error) {
	var state SystemState
	err := s.db.First(&state, "id = ?", systemStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = SystemState{ID: systemStateID, DBVersion: "1"}
		if err := s.db.Create(&state).Error; err != nil {
			return nil, err
		}
		return &state, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveSystem persists changes to the system row.
func (s *Store) SaveSystem(state *SystemState) error {
	return s.db.Save(state).Error
}

// SetSetting upserts one persisted setting row.
func (s *Store) SetSetting(key, value, typ string) error {
	var row Setting
	err := s.db.First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&Setting{Key: key, Value: value, Type: typ}).Error
	}
	if err != nil {
		return err
	}
	row.Value = value
	row.Type = typ
	return s.db.Save(&row).Error
}

// Settings returns all persisted setting rows.
func (s *Store) Settings() ([]Setting, error) {
	var rows []Setting
	if err := s.db.Order("key asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// SyncSettings mirrors a flat settings map into the setting table.
func (s *Store) SyncSettings(values map[string]string) error {
	for k, v := range values {
		if err := s.SetSetting(k, v, "string"); err != nil {
			return err
		}
	}
	return nil
}

// GetVideo loads a video with its image and file associations.
func (s *Store) GetVideo(id int64) (*Video, error) {
	var v Video
	err := s.db.Preload("Image").Preload("Image.File").Preload("File").
		First(&v, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("video %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVideoShow loads a show with its images.
func (s *Store) GetVideoShow(id int64) (*VideoShow, error) {
	var v VideoShow
	err := s.db.Preload("Image").Preload("Logo").First(&v, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("video_show %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVideoCategory loads a category with its image.
func (s *Store) GetVideoCategory(id int64) (*VideoCategory, error) {
	var v VideoCategory
	err := s.db.Preload("Image").First(&v, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("video_category %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetImage loads an image with its file.
func (s *Store) GetImage(id int64) (*Image, error) {
	var img Image
	err := s.db.Preload("File").First(&img, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("image %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

// VideoShows returns all shows ordered by position.
func (s *Store) VideoShows() ([]VideoShow, error) {
	var rows []VideoShow
	if err := s.db.Preload("Image").Preload("Logo").Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// VideoCategories returns all categories.
func (s *Store) VideoCategories() ([]VideoCategory, error) {
	var rows []VideoCategory
	if err := s.db.Preload("Image").Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// VideoFilter narrows a local video listing.
type VideoFilter struct {
	ShowID     *int64
	CategoryID *int64
	Query      string
	Limit      int
	Offset     int
}

// Videos lists local videos newest first, with optional filters.
func (s *Store) Videos(f VideoFilter) ([]Video, int64, error) {
	q := s.db.Model(&Video{})
	if f.ShowID != nil {
		q = q.Where("video_show_id = ?", *f.ShowID)
	}
	if f.CategoryID != nil {
		q = q.Where("video_category_id = ?", *f.CategoryID)
	}
	if f.Query != "" {
		like := "%" + f.Query + "%"
		q = q.Where("name LIKE ? OR deck LIKE ?", like, like)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	q = q.Preload("Image").Preload("File").Order("publish_date desc")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []Video
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// DownloadFilter narrows a download listing.
type DownloadFilter struct {
	Statuses []DownloadStatus
	ItemName string
	ObjID    *int64
	Limit    int
	Offset   int
}

// Downloads lists download rows newest first, with optional filters.
func (s *Store) Downloads(f DownloadFilter) ([]Download, int64, error) {
	q := s.db.Model(&Download{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.ItemName != "" {
		q = q.Where("obj_item_name = ?", f.ItemName)
	}
	if f.ObjID != nil {
		q = q.Where("obj_id = ?", *f.ObjID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	q = q.Preload("File").Order("created_time desc")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []Download
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// GetDownload loads one download row.
func (s *Store) GetDownload(id int64) (*Download, error) {
	var d Download
	err := s.db.Preload("File").First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("download %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// NextDownload picks the download the worker should run: a stranded
// in-progress row first, otherwise the oldest queued row.
func (s *Store) NextDownload() (*Download, error) {
	var d Download
	err := s.db.Where("status = ?", DownloadInProgress).
		Order("created_time asc").First(&d).Error
	if err == nil {
		return &d, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	err = s.db.Where("status = ?", DownloadQueued).
		Order("created_time asc").First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDownload inserts a new queued download.
func (s *Store) CreateDownload(d *Download) error {
	if d.CreatedTime.IsZero() {
		d.CreatedTime = time.Now().UTC()
	}
	if d.Status == 0 {
		d.Status = DownloadQueued
	}
	return s.db.Create(d).Error
}

// SaveDownload persists changes to a download row.
func (s *Store) SaveDownload(d *Download) error {
	return s.db.Save(d).Error
}

// FileFor returns the File row for an entity's URL field, if one exists.
func (s *Store) FileFor(itemName string, objID int64, urlField string) (*File, error) {
	var f File
	err := s.db.First(&f,
		"obj_item_name = ? AND obj_id = ? AND obj_url_field = ?",
		itemName, objID, urlField).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// AttachFile links a completed file back to its owning entity row.
func (s *Store) AttachFile(f *File) error {
	switch f.ObjItemName {
	case gbapi.KindVideo.ItemName:
		return s.db.Model(&Video{}).Where("id = ?", f.ObjID).
			Update("file_id", f.ID).Error
	case gbapi.KindImage.ItemName:
		return s.db.Model(&Image{}).Where("id = ?", f.ObjID).
			Update("file_id", f.ID).Error
	}
	return nil
}

// Job records.

// SaveJobRecord upserts a live job row.
func (s *Store) SaveJobRecord(rec *BackgroundJobRecord) error {
	return s.db.Save(rec).Error
}

// GetJobRecord loads one live job row by uuid.
func (s *Store) GetJobRecord(uuid string) (*BackgroundJobRecord, error) {
	var rec BackgroundJobRecord
	err := s.db.First(&rec, "uuid = ?", uuid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// JobRecords returns all live job rows, optionally filtered by name.
func (s *Store) JobRecords(name string) ([]BackgroundJobRecord, error) {
	q := s.db.Model(&BackgroundJobRecord{})
	if name != "" {
		q = q.Where("name = ?", name)
	}
	var rows []BackgroundJobRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ArchiveJobRecord moves a finished job row into the archive table.
func (s *Store) ArchiveJobRecord(rec *BackgroundJobRecord) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		arch := BackgroundJobArchive{
			UUID:                rec.UUID,
			Name:                rec.Name,
			State:               rec.State,
			ProgressCurrent:     rec.ProgressCurrent,
			ProgressDenominator: rec.ProgressDenominator,
		}
		if err := tx.Create(&arch).Error; err != nil {
			return err
		}
		return tx.Delete(&BackgroundJobRecord{}, "uuid = ?", rec.UUID).Error
	})
}

// DeleteJobRecord removes a live job row without archiving it.
func (s *Store) DeleteJobRecord(uuid string) error {
	return s.db.Delete(&BackgroundJobRecord{}, "uuid = ?", uuid).Error
}
