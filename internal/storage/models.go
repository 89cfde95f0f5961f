package storage

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"gbmm/internal/gbapi"
	"gbmm/internal/messenger"
)

// DownloadStatus is the lifecycle state of a Download row. Values are
// persisted; do not renumber.
type DownloadStatus int

const (
	DownloadQueued     DownloadStatus = 10
	DownloadInProgress DownloadStatus = 20
	DownloadPaused     DownloadStatus = 30
	DownloadComplete   DownloadStatus = 40
	DownloadCancelled  DownloadStatus = 50
	DownloadFailed     DownloadStatus = 90
)

// DownloadStatuses maps status names to persisted values, as exposed by the
// definitions API.
func DownloadStatuses() map[string]int {
	return map[string]int{
		"QUEUED":      int(DownloadQueued),
		"IN_PROGRESS": int(DownloadInProgress),
		"PAUSED":      int(DownloadPaused),
		"COMPLETE":    int(DownloadComplete),
		"CANCELLED":   int(DownloadCancelled),
		"FAILED":      int(DownloadFailed),
	}
}

// Video is the local mirror of an upstream video.
type Video struct {
	ID              int64  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	GUID            string `gorm:"uniqueIndex" json:"guid"`
	Name            string `json:"name"`
	Deck            string `json:"deck"`
	APIDetailURL    string `json:"api_detail_url"`
	SiteDetailURL   string `json:"site_detail_url"`
	HDURL           string `json:"hd_url"`
	HighURL         string `json:"high_url"`
	LowURL          string `json:"low_url"`
	EmbedPlayer     string `json:"embed_player"`
	LengthSeconds   int64  `json:"length_seconds"`
	PublishDate     string `gorm:"index" json:"publish_date"`
	URL             string `json:"url"`
	User            string `json:"user"`
	YoutubeID       string `json:"youtube_id"`
	Premium         string `json:"premium"`
	Hosts           string `json:"hosts"`
	Crew            string `json:"crew"`
	SavedTime       string `json:"saved_time"`
	LastPlayed      string `json:"last_played"`
	ImageID         *int64 `json:"image_id"`
	Image           *Image `json:"image,omitempty"`
	VideoShowID     *int64 `gorm:"index" json:"video_show_id"`
	VideoShow       *VideoShow
	VideoCategoryID *int64 `gorm:"index" json:"video_category_id"`
	VideoCategory   *VideoCategory
	FileID          *int64    `json:"file_id"`
	File            *File     `json:"file,omitempty"`
	LastFullRefresh time.Time `json:"last_full_refresh"`
}

func (Video) TableName() string { return "video" }

// ItemName identifies the entity kind for downloads and messages.
func (Video) ItemName() string { return gbapi.KindVideo.ItemName }

// URLField returns the named downloadable URL field of the video.
func (v *Video) URLField(field string) string {
	switch field {
	case "hd_url":
		return v.HDURL
	case "high_url":
		return v.HighURL
	case "low_url":
		return v.LowURL
	}
	return ""
}

// VideoShow is the local mirror of an upstream video show.
type VideoShow struct {
	ID              int64  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	GUID            string `gorm:"uniqueIndex" json:"guid"`
	Title           string `json:"title"`
	Deck            string `json:"deck"`
	Position        string `json:"position"`
	Active          string `json:"active"`
	DisplayNav      string `json:"display_nav"`
	Premium         string `json:"premium"`
	APIDetailURL    string `json:"api_detail_url"`
	APIVideosURL    string `json:"api_videos_url"`
	SiteDetailURL   string `json:"site_detail_url"`
	ImageID         *int64 `json:"image_id"`
	Image           *Image `gorm:"foreignKey:ImageID" json:"image,omitempty"`
	LogoID          *int64 `json:"logo_id"`
	Logo            *Image `gorm:"foreignKey:LogoID" json:"logo,omitempty"`
	LastFullRefresh time.Time `json:"last_full_refresh"`
}

func (VideoShow) TableName() string { return "video_show" }
func (VideoShow) ItemName() string  { return gbapi.KindVideoShow.ItemName }

// VideoCategory is the local mirror of an upstream video category.
type VideoCategory struct {
	ID              int64  `gorm:"primaryKey;autoIncrement:false" json:"id"`
	GUID            string `gorm:"uniqueIndex" json:"guid"`
	Name            string `json:"name"`
	Deck            string `json:"deck"`
	APIDetailURL    string `json:"api_detail_url"`
	SiteDetailURL   string `json:"site_detail_url"`
	ImageID         *int64 `json:"image_id"`
	Image           *Image `json:"image,omitempty"`
	LastFullRefresh time.Time `json:"last_full_refresh"`
}

func (VideoCategory) TableName() string { return "video_category" }
func (VideoCategory) ItemName() string  { return gbapi.KindVideoCategory.ItemName }

// Image is a downloadable picture. It has no upstream id; identity is the
// tuple of URL fields, deduplicated at merge time.
type Image struct {
	ID              int64  `gorm:"primaryKey" json:"id"`
	IconURL         string `json:"icon_url"`
	MediumURL       string `json:"medium_url"`
	OriginalURL     string `json:"original_url"`
	ScreenURL       string `json:"screen_url"`
	ScreenLargeURL  string `json:"screen_large_url"`
	SmallURL        string `json:"small_url"`
	SuperURL        string `json:"super_url"`
	ThumbURL        string `json:"thumb_url"`
	TinyURL         string `json:"tiny_url"`
	ImageTags       string `json:"image_tags"`
	FileID          *int64 `json:"file_id"`
	File            *File  `json:"file,omitempty"`
	LastFullRefresh time.Time `json:"last_full_refresh"`
}

func (Image) TableName() string { return "image" }
func (Image) ItemName() string  { return gbapi.KindImage.ItemName }

// URLField returns the named downloadable URL field of the image.
func (i *Image) URLField(field string) string {
	switch field {
	case "icon_url":
		return i.IconURL
	case "medium_url":
		return i.MediumURL
	case "original_url":
		return i.OriginalURL
	case "screen_url":
		return i.ScreenURL
	case "screen_large_url":
		return i.ScreenLargeURL
	case "small_url":
		return i.SmallURL
	case "super_url":
		return i.SuperURL
	case "thumb_url":
		return i.ThumbURL
	case "tiny_url":
		return i.TinyURL
	}
	return ""
}

// File is a physical artifact on disk. Exactly one File exists per
// (obj_item_name, obj_id, obj_url_field).
type File struct {
	ID          int64  `gorm:"primaryKey" json:"id"`
	Name        string `json:"name"`
	ObjItemName string `gorm:"uniqueIndex:idx_file_obj" json:"obj_item_name"`
	ObjID       int64  `gorm:"uniqueIndex:idx_file_obj" json:"obj_id"`
	ObjURLField string `gorm:"uniqueIndex:idx_file_obj" json:"obj_url_field"`
	Path        string `json:"path"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
	Checksum    string `json:"checksum"`
}

func (File) TableName() string { return "file" }

// DestinationPath builds the deterministic on-disk location for a download:
// <root>/<kind>/<id[0:2]>/<id[0:4]>/<id>/<id>_<field>_<url-filename>.
func DestinationPath(fileRoot string, d *Download) (string, error) {
	if d.URL == "" {
		return "", fmt.Errorf("download %d has no URL", d.ID)
	}
	urlFilePart := d.URL[strings.LastIndex(d.URL, "/")+1:]
	dirID := fmt.Sprintf("%05d", d.ObjID)
	filename := fmt.Sprintf("%s_%s_%s", dirID, d.ObjURLField, urlFilePart)
	return filepath.Join(fileRoot, d.ObjItemName, dirID[:2], dirID[:4], dirID, filename), nil
}

// FileFromDownload constructs the File row a download will materialize.
func FileFromDownload(fileRoot string, d *Download) (*File, error) {
	path, err := DestinationPath(fileRoot, d)
	if err != nil {
		return nil, err
	}
	return &File{
		Name:        d.Name,
		ObjItemName: d.ObjItemName,
		ObjID:       d.ObjID,
		ObjURLField: d.ObjURLField,
		Path:        path,
		SizeBytes:   d.SizeBytes,
		ContentType: d.ContentType,
	}, nil
}

// Download is a request to materialize a File. Rows persist after
// completion as history.
type Download struct {
	ID              int64          `gorm:"primaryKey" json:"id"`
	Name            string         `json:"name"`
	ObjItemName     string         `gorm:"index" json:"obj_item_name"`
	ObjID           int64          `gorm:"index" json:"obj_id"`
	ObjURLField     string         `json:"obj_url_field"`
	FileID          *int64         `json:"file_id"`
	File            *File          `json:"file,omitempty"`
	Status          DownloadStatus `gorm:"index" json:"status"`
	FailedReason    string         `json:"failed_reason"`
	CreatedTime     time.Time      `gorm:"index" json:"created_time"`
	StartTime       *time.Time     `json:"start_time"`
	FinishTime      *time.Time     `json:"finish_time"`
	URL             string         `json:"url"`
	SizeBytes       int64          `json:"size_bytes"`
	DownloadedBytes int64          `json:"downloaded_bytes"`
	ContentType     string         `json:"content_type"`
	ResponseHeaders string         `json:"response_headers"`
}

func (Download) TableName() string { return "download" }

// SetResponseHeaders records the response headers and derives size and
// content type from them.
func (d *Download) SetResponseHeaders(h http.Header) {
	flat := make(map[string]string, len(h))
	for k := range h {
		flat[k] = h.Get(k)
	}
	if data, err := json.Marshal(flat); err == nil {
		d.ResponseHeaders = string(data)
	}
	d.ContentType = h.Get("Content-Type")
	if cl := h.Get("Content-Length"); cl != "" {
		fmt.Sscanf(cl, "%d", &d.SizeBytes)
	}
}

// Download mutation hooks. The publisher is installed by the wiring code so
// that every insert/update/delete fans out through the Messenger.

var downloadPublisher func(event messenger.EventType, d *Download)

// SetDownloadPublisher installs the function invoked after each Download
// mutation. Pass nil to disable publishing.
func SetDownloadPublisher(fn func(event messenger.EventType, d *Download)) {
	downloadPublisher = fn
}

func (d *Download) AfterCreate(tx *gorm.DB) error {
	if downloadPublisher != nil {
		downloadPublisher(messenger.Created, d)
	}
	return nil
}

func (d *Download) AfterUpdate(tx *gorm.DB) error {
	if downloadPublisher != nil {
		downloadPublisher(messenger.Modified, d)
	}
	return nil
}

func (d *Download) AfterDelete(tx *gorm.DB) error {
	if downloadPublisher != nil {
		downloadPublisher(messenger.Deleted, d)
	}
	return nil
}

// Setting is a persisted mirror of one config address.
type Setting struct {
	ID    int64  `gorm:"primaryKey" json:"id"`
	Key   string `gorm:"uniqueIndex" json:"key"`
	Value string `json:"value"`
	Type  string `json:"type"`
}

func (Setting) TableName() string { return "setting" }

// SystemState is the singleton system row.
type SystemState struct {
	ID                      string `gorm:"primaryKey" json:"id"`
	DBVersion               string `json:"db_version"`
	FirstTimeSetupInitiated bool   `json:"first_time_setup_initiated"`
	FirstTimeSetupComplete  bool   `json:"first_time_setup_complete"`
	IndexerFullLastUpdate   *time.Time `json:"indexer_full_last_update"`
	IndexerQuickLastUpdate  *time.Time `json:"indexer_quick_last_update"`
}

func (SystemState) TableName() string { return "system" }

const systemStateID = "SystemState"

// BackgroundJobRecord is the persistent handle of a live background job.
type BackgroundJobRecord struct {
	UUID                string `gorm:"primaryKey" json:"uuid"`
	Name                string `gorm:"index" json:"name"`
	Pauseable           bool   `json:"pauseable"`
	Recoverable         bool   `json:"recoverable"`
	State               int    `json:"state"`
	ProgressCurrent     int64  `json:"progress_current"`
	ProgressDenominator int64  `json:"progress_denominator"`
	Data                string `json:"-"`
}

func (BackgroundJobRecord) TableName() string { return "background_jobs" }

// BackgroundJobArchive is the terminal snapshot of a finished job.
type BackgroundJobArchive struct {
	UUID                string `gorm:"primaryKey" json:"uuid"`
	Name                string `gorm:"index" json:"name"`
	State               int    `json:"state"`
	ProgressCurrent     int64  `json:"progress_current"`
	ProgressDenominator int64  `json:"progress_denominator"`
}

func (BackgroundJobArchive) TableName() string { return "background_job_archives" }
