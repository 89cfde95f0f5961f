// Package analytics aggregates download statistics and disk usage for the
// file root.
package analytics

import (
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"gbmm/internal/storage"
)

// DiskUsage holds space information for the volume backing the file root.
type DiskUsage struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// Summary is the aggregate view served by the stats endpoint.
type Summary struct {
	TotalBytes      int64            `json:"total_bytes"`
	TotalFiles      int64            `json:"total_files"`
	QueuedCount     int64            `json:"queued_count"`
	InProgressCount int64            `json:"in_progress_count"`
	FailedCount     int64            `json:"failed_count"`
	DailyHistory    map[string]int64 `json:"daily_history"`
	Disk            DiskUsage        `json:"disk_usage"`
}

// Stats computes download statistics from the store.
type Stats struct {
	store    *storage.Store
	fileRoot func() string
}

func New(store *storage.Store, fileRoot func() string) *Stats {
	return &Stats{store: store, fileRoot: fileRoot}
}

// Summarize aggregates lifetime totals, queue depths, a 7-day byte history
// and disk usage.
func (s *Stats) Summarize() (*Summary, error) {
	sum := &Summary{DailyHistory: map[string]int64{}}
	db := s.store.DB()

	var totalBytes *int64
	err := db.Model(&storage.Download{}).
		Where("status = ?", storage.DownloadComplete).
		Select("SUM(downloaded_bytes)").Scan(&totalBytes).Error
	if err != nil {
		return nil, err
	}
	if totalBytes != nil {
		sum.TotalBytes = *totalBytes
	}

	if err := db.Model(&storage.File{}).Count(&sum.TotalFiles).Error; err != nil {
		return nil, err
	}
	counts := []struct {
		status storage.DownloadStatus
		dst    *int64
	}{
		{storage.DownloadQueued, &sum.QueuedCount},
		{storage.DownloadInProgress, &sum.InProgressCount},
		{storage.DownloadFailed, &sum.FailedCount},
	}
	for _, c := range counts {
		if err := db.Model(&storage.Download{}).Where("status = ?", c.status).Count(c.dst).Error; err != nil {
			return nil, err
		}
	}

	daily, err := s.DailyHistory(7)
	if err != nil {
		return nil, err
	}
	sum.DailyHistory = daily
	sum.Disk = s.diskUsage()
	return sum, nil
}

// DailyHistory returns bytes completed per calendar day over the last N days.
func (s *Stats) DailyHistory(days int) (map[string]int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var rows []struct {
		Day   string
		Bytes int64
	}
	err := s.store.DB().Model(&storage.Download{}).
		Select("date(finish_time) AS day, SUM(downloaded_bytes) AS bytes").
		Where("status = ? AND finish_time >= ?", storage.DownloadComplete, cutoff).
		Group("day").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Day] = r.Bytes
	}
	return out, nil
}

func (s *Stats) diskUsage() DiskUsage {
	root := s.fileRoot()
	if root == "" {
		return DiskUsage{}
	}
	usage, err := disk.Usage(root)
	if err != nil {
		return DiskUsage{}
	}
	const bytesPerGB = 1024 * 1024 * 1024
	return DiskUsage{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
		Percent: usage.UsedPercent,
	}
}
