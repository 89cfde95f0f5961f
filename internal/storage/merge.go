package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"gbmm/internal/gbapi"
)

// Merge functions reconcile upstream records with local rows. Merge by id:
// when a row with the record's id already exists it is returned unchanged,
// so locally materialized file links survive re-indexing. Images have no id
// and deduplicate on their URL tuple instead.

// MergeRecord dispatches on the record's kind. Returns the id of the local
// row the record merged into.
func MergeRecord(tx *gorm.DB, rec gbapi.Record) (int64, error) {
	switch r := rec.(type) {
	case *gbapi.VideoRecord:
		v, err := MergeVideo(tx, r)
		if err != nil {
			return 0, err
		}
		return v.ID, nil
	case *gbapi.VideoShowRecord:
		v, err := MergeVideoShow(tx, r)
		if err != nil {
			return 0, err
		}
		return v.ID, nil
	case *gbapi.VideoCategoryRecord:
		v, err := MergeVideoCategory(tx, r)
		if err != nil {
			return 0, err
		}
		return v.ID, nil
	case *gbapi.ImageRecord:
		img, err := MergeImage(tx, r)
		if err != nil {
			return 0, err
		}
		if img == nil {
			return 0, nil
		}
		return img.ID, nil
	}
	return 0, fmt.Errorf("unmergeable record kind %s", rec.RecordKind().ItemName)
}

// MergeRecords merges a batch, committing each record in its own
// transaction so one bad record does not roll back the rest.
func (s *Store) MergeRecords(recs []gbapi.Record) (int, error) {
	merged := 0
	for _, rec := range recs {
		err := s.db.Transaction(func(tx *gorm.DB) error {
			_, err := MergeRecord(tx, rec)
			return err
		})
		if err != nil {
			return merged, err
		}
		merged++
	}
	return merged, nil
}

// MergeImage deduplicates on the full URL tuple. Empty records merge to nil.
func MergeImage(tx *gorm.DB, rec *gbapi.ImageRecord) (*Image, error) {
	if rec == nil || rec.Empty() {
		return nil, nil
	}
	// Empty fields are part of the identity, so the condition is a map; a
	// struct condition would drop them and match any superset tuple.
	var existing Image
	err := tx.Where(map[string]any{
		"icon_url":         rec.IconURL,
		"medium_url":       rec.MediumURL,
		"original_url":     rec.OriginalURL,
		"screen_url":       rec.ScreenURL,
		"screen_large_url": rec.ScreenLargeURL,
		"small_url":        rec.SmallURL,
		"super_url":        rec.SuperURL,
		"thumb_url":        rec.ThumbURL,
		"tiny_url":         rec.TinyURL,
	}).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	img := &Image{
		IconURL:         rec.IconURL,
		MediumURL:       rec.MediumURL,
		OriginalURL:     rec.OriginalURL,
		ScreenURL:       rec.ScreenURL,
		ScreenLargeURL:  rec.ScreenLargeURL,
		SmallURL:        rec.SmallURL,
		SuperURL:        rec.SuperURL,
		ThumbURL:        rec.ThumbURL,
		TinyURL:         rec.TinyURL,
		ImageTags:       rec.ImageTags,
		LastFullRefresh: time.Now().UTC(),
	}
	if err := tx.Create(img).Error; err != nil {
		return nil, err
	}
	return img, nil
}

// MergeVideoShow merges by id, recursing into nested images.
func MergeVideoShow(tx *gorm.DB, rec *gbapi.VideoShowRecord) (*VideoShow, error) {
	if rec == nil || rec.ID == 0 {
		return nil, nil
	}
	var existing VideoShow
	err := tx.First(&existing, "id = ?", rec.ID).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	row := &VideoShow{
		ID:              rec.ID,
		GUID:            guidOr(rec.GUID, gbapi.KindVideoShow, rec.ID),
		Title:           rec.Title,
		Deck:            rec.Deck,
		Position:        rec.Position,
		Active:          rec.Active,
		DisplayNav:      rec.DisplayNav,
		Premium:         rec.Premium,
		APIDetailURL:    rec.APIDetailURL,
		APIVideosURL:    rec.APIVideosURL,
		SiteDetailURL:   rec.SiteDetailURL,
		LastFullRefresh: time.Now().UTC(),
	}
	if img, err := MergeImage(tx, rec.Image); err != nil {
		return nil, err
	} else if img != nil {
		row.ImageID = &img.ID
	}
	if logo, err := MergeImage(tx, rec.Logo); err != nil {
		return nil, err
	} else if logo != nil {
		row.LogoID = &logo.ID
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// MergeVideoCategory merges by id, recursing into the nested image.
func MergeVideoCategory(tx *gorm.DB, rec *gbapi.VideoCategoryRecord) (*VideoCategory, error) {
	if rec == nil || rec.ID == 0 {
		return nil, nil
	}
	var existing VideoCategory
	err := tx.First(&existing, "id = ?", rec.ID).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	row := &VideoCategory{
		ID:              rec.ID,
		GUID:            guidOr(rec.GUID, gbapi.KindVideoCategory, rec.ID),
		Name:            rec.Name,
		Deck:            rec.Deck,
		APIDetailURL:    rec.APIDetailURL,
		SiteDetailURL:   rec.SiteDetailURL,
		LastFullRefresh: time.Now().UTC(),
	}
	if img, err := MergeImage(tx, rec.Image); err != nil {
		return nil, err
	} else if img != nil {
		row.ImageID = &img.ID
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// MergeVideo merges by id, recursing into the nested image, show and the
// first category.
func MergeVideo(tx *gorm.DB, rec *gbapi.VideoRecord) (*Video, error) {
	if rec == nil || rec.ID == 0 {
		return nil, fmt.Errorf("video record has no id")
	}
	var existing Video
	err := tx.First(&existing, "id = ?", rec.ID).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	row := &Video{
		ID:              rec.ID,
		GUID:            guidOr(rec.GUID, gbapi.KindVideo, rec.ID),
		Name:            rec.Name,
		Deck:            rec.Deck,
		APIDetailURL:    rec.APIDetailURL,
		SiteDetailURL:   rec.SiteDetailURL,
		HDURL:           rec.HDURL,
		HighURL:         rec.HighURL,
		LowURL:          rec.LowURL,
		EmbedPlayer:     rec.EmbedPlayer,
		LengthSeconds:   rec.LengthSeconds,
		PublishDate:     rec.PublishDate,
		URL:             rec.URL,
		User:            rec.User,
		YoutubeID:       rec.YoutubeID,
		Premium:         rec.Premium,
		Hosts:           rec.Hosts,
		Crew:            rec.Crew,
		SavedTime:       rec.SavedTime,
		LastFullRefresh: time.Now().UTC(),
	}
	if img, err := MergeImage(tx, rec.Image); err != nil {
		return nil, err
	} else if img != nil {
		row.ImageID = &img.ID
	}
	if show, err := MergeVideoShow(tx, rec.VideoShow); err != nil {
		return nil, err
	} else if show != nil {
		row.VideoShowID = &show.ID
	}
	if len(rec.Categories) > 0 {
		if cat, err := MergeVideoCategory(tx, &rec.Categories[0]); err != nil {
			return nil, err
		} else if cat != nil {
			row.VideoCategoryID = &cat.ID
		}
	}
	if err := tx.Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func guidOr(guid string, kind *gbapi.Kind, id int64) string {
	if guid != "" {
		return guid
	}
	return kind.GUID(id)
}
