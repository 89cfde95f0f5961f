package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"gbmm/internal/config"
	"gbmm/internal/gbapi"
	"gbmm/internal/storage"
)

// ChunkSize is the streaming write granularity. Progress is committed after
// every chunk so a restart loses at most one chunk of accounting.
const ChunkSize = 10 * 1024 * 1024

const idlePoll = 5 * time.Second

// videoQualityOrder is the preference order for picking a video's source
// URL when the caller does not name one.
var videoQualityOrder = []string{"hd_url", "high_url", "low_url"}

// imageFieldOrder is the fixed preference order for enqueueing an image's
// size tiers.
var imageFieldOrder = []string{
	"original_url", "screen_large_url", "super_url", "screen_url",
	"medium_url", "small_url", "thumb_url", "icon_url", "tiny_url",
}

// Downloader runs the single download worker. Candidates are processed
// in-progress first (restart re-entry), then queued rows oldest first.
type Downloader struct {
	log    *slog.Logger
	store  *storage.Store
	client *gbapi.Client
	cfg    *config.Config
	http   *http.Client

	started atomic.Bool
	wake    chan struct{}
	closed  chan struct{}
	done    chan struct{}
}

// New constructs the downloader. The HTTP client may be nil; media transfers
// get no overall timeout because large files legitimately take long.
func New(log *slog.Logger, store *storage.Store, client *gbapi.Client, cfg *config.Config, httpClient *http.Client) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Downloader{
		log:    log.With("component", "downloader"),
		store:  store,
		client: client,
		cfg:    cfg,
		http:   httpClient,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine. Calling it twice is a no-op.
func (dl *Downloader) Start() {
	if dl.started.CompareAndSwap(false, true) {
		go dl.worker()
	}
}

// Close stops the worker. An in-flight transfer is abandoned between chunks
// and its row stays In_Progress for re-entry on the next start.
func (dl *Downloader) Close() {
	select {
	case <-dl.closed:
		return
	default:
	}
	close(dl.closed)
	if dl.started.Load() {
		<-dl.done
	}
}

// Kick wakes the worker to re-check the queue.
func (dl *Downloader) Kick() {
	select {
	case dl.wake <- struct{}{}:
	default:
	}
}

func (dl *Downloader) worker() {
	defer close(dl.done)
	dl.log.Debug("download worker started")
	for {
		select {
		case <-dl.closed:
			return
		default:
		}

		d, err := dl.store.NextDownload()
		if errors.Is(err, storage.ErrNotFound) {
			select {
			case <-dl.closed:
				return
			case <-dl.wake:
			case <-time.After(idlePoll):
			}
			continue
		}
		if err != nil {
			dl.log.Error("peek download queue failed", "error", err)
			time.Sleep(idlePoll)
			continue
		}
		dl.process(d)
	}
}

func (dl *Downloader) process(d *storage.Download) {
	log := dl.log.With("download", d.ID, "url", d.URL)

	// A row found In_Progress survived a dead process. Partial files are
	// overwritten; transfers restart from byte zero.
	if d.Status == storage.DownloadInProgress && d.DownloadedBytes > 0 {
		log.Info("restarting interrupted download", "previous_bytes", d.DownloadedBytes)
	}
	d.DownloadedBytes = 0
	d.Status = storage.DownloadInProgress
	now := time.Now().UTC()
	d.StartTime = &now
	if err := dl.store.SaveDownload(d); err != nil {
		log.Error("mark download in progress failed", "error", err)
		return
	}

	if err := dl.ensureEntity(d); err != nil {
		dl.fail(d, fmt.Errorf("resolve entity: %w", err))
		return
	}

	checksum, err := dl.transfer(d, log)
	if err != nil {
		if errors.Is(err, errWorkerClosed) {
			log.Info("transfer interrupted by shutdown")
			return
		}
		dl.fail(d, err)
		return
	}
	if d.FileID != nil {
		err := dl.store.DB().Model(&storage.File{}).Where("id = ?", *d.FileID).
			Updates(map[string]any{"checksum": checksum, "size_bytes": d.DownloadedBytes}).Error
		if err != nil {
			log.Error("record file checksum failed", "error", err)
		}
	}

	finish := time.Now().UTC()
	d.FinishTime = &finish
	d.Status = storage.DownloadComplete
	if err := dl.store.SaveDownload(d); err != nil {
		log.Error("mark download complete failed", "error", err)
		return
	}
	log.Info("download complete", "bytes", d.DownloadedBytes)
}

var errWorkerClosed = errors.New("worker closed")

func (dl *Downloader) transfer(d *storage.Download, log *slog.Logger) (string, error) {
	src, err := appendAPIKey(d.URL, dl.cfg.APIKey())
	if err != nil {
		return "", fmt.Errorf("bad source URL: %w", err)
	}
	req, err := http.NewRequest(http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", config.UserAgent())

	resp, err := dl.http.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("http status: source responded %d", resp.StatusCode)
	}

	d.SetResponseHeaders(resp.Header)
	if err := dl.store.SaveDownload(d); err != nil {
		return "", fmt.Errorf("store: %w", err)
	}

	path, err := storage.DestinationPath(dl.cfg.FileRoot(), d)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", classifyFS(err)
	}
	out, err := os.Create(path)
	if err != nil {
		return "", classifyFS(err)
	}
	defer out.Close()

	if err := dl.attachFile(d, path); err != nil {
		return "", fmt.Errorf("store: %w", err)
	}

	hasher := sha256.New()
	buf := make([]byte, ChunkSize)
	for {
		select {
		case <-dl.closed:
			return "", errWorkerClosed
		default:
		}
		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return "", classifyFS(err)
			}
			hasher.Write(buf[:n])
			d.DownloadedBytes += int64(n)
			if err := dl.store.SaveDownload(d); err != nil {
				return "", fmt.Errorf("store: %w", err)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			return hex.EncodeToString(hasher.Sum(nil)), nil
		}
		if readErr != nil {
			return "", classifyTransport(readErr)
		}
	}
}

// attachFile finds or creates the File row for the download's target triple
// and links it to both the download and the owning entity.
func (dl *Downloader) attachFile(d *storage.Download, path string) error {
	f, err := dl.store.FileFor(d.ObjItemName, d.ObjID, d.ObjURLField)
	if errors.Is(err, storage.ErrNotFound) {
		f, err = storage.FileFromDownload(dl.cfg.FileRoot(), d)
		if err != nil {
			return err
		}
		if err := dl.store.DB().Create(f).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else {
		f.Path = path
		f.SizeBytes = d.SizeBytes
		f.ContentType = d.ContentType
		if err := dl.store.DB().Save(f).Error; err != nil {
			return err
		}
	}
	d.FileID = &f.ID
	if err := dl.store.SaveDownload(d); err != nil {
		return err
	}
	return dl.store.AttachFile(f)
}

// ensureEntity makes sure the download's target exists locally, fetching and
// merging it from upstream when it does not. Only videos have an upstream
// item endpoint.
func (dl *Downloader) ensureEntity(d *storage.Download) error {
	if d.ObjItemName != gbapi.KindVideo.ItemName {
		return nil
	}
	_, err := dl.store.GetVideo(d.ObjID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	rec, err := dl.client.GetOne(gbapi.KindVideo, d.ObjID)
	if err != nil {
		return err
	}
	_, err = dl.store.MergeRecords([]gbapi.Record{rec})
	return err
}

func (dl *Downloader) fail(d *storage.Download, cause error) {
	d.Status = storage.DownloadFailed
	d.FailedReason = cause.Error()
	finish := time.Now().UTC()
	d.FinishTime = &finish
	if err := dl.store.SaveDownload(d); err != nil {
		dl.log.Error("mark download failed failed", "download", d.ID, "error", err)
	}
	dl.log.Warn("download failed", "download", d.ID, "reason", d.FailedReason)
}

// Enqueue creates a queued download for one entity URL field. An empty
// urlField on a video picks the best available quality.
func (dl *Downloader) Enqueue(itemName string, objID int64, urlField string) (*storage.Download, error) {
	switch itemName {
	case gbapi.KindVideo.ItemName:
		return dl.enqueueVideo(objID, urlField)
	case gbapi.KindImage.ItemName:
		return dl.enqueueImage(objID, urlField)
	}
	return nil, fmt.Errorf("kind %q is not downloadable", itemName)
}

func (dl *Downloader) enqueueVideo(id int64, urlField string) (*storage.Download, error) {
	v, err := dl.store.GetVideo(id)
	if errors.Is(err, storage.ErrNotFound) {
		rec, err := dl.client.GetOne(gbapi.KindVideo, id)
		if err != nil {
			return nil, err
		}
		if _, err := dl.store.MergeRecords([]gbapi.Record{rec}); err != nil {
			return nil, err
		}
		v, err = dl.store.GetVideo(id)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if urlField == "" {
		for _, f := range videoQualityOrder {
			if v.URLField(f) != "" {
				urlField = f
				break
			}
		}
	}
	src := v.URLField(urlField)
	if src == "" {
		return nil, fmt.Errorf("video %d has no URL for field %q", id, urlField)
	}
	return dl.create(&storage.Download{
		Name:        v.Name,
		ObjItemName: gbapi.KindVideo.ItemName,
		ObjID:       v.ID,
		ObjURLField: urlField,
		URL:         src,
	})
}

func (dl *Downloader) enqueueImage(id int64, urlField string) (*storage.Download, error) {
	img, err := dl.store.GetImage(id)
	if err != nil {
		return nil, err
	}
	src := img.URLField(urlField)
	if src == "" {
		return nil, fmt.Errorf("image %d has no URL for field %q", id, urlField)
	}
	return dl.create(&storage.Download{
		Name:        fmt.Sprintf("image %d %s", id, urlField),
		ObjItemName: gbapi.KindImage.ItemName,
		ObjID:       img.ID,
		ObjURLField: urlField,
		URL:         src,
	})
}

func (dl *Downloader) create(d *storage.Download) (*storage.Download, error) {
	if err := dl.store.CreateDownload(d); err != nil {
		return nil, err
	}
	dl.Kick()
	return d, nil
}

// EnqueueVideoWithImages queues the best available quality of the video plus
// every present size tier of its image, and returns the primary video
// download.
func (dl *Downloader) EnqueueVideoWithImages(videoID int64) (*storage.Download, error) {
	primary, err := dl.enqueueVideo(videoID, "")
	if err != nil {
		return nil, err
	}
	v, err := dl.store.GetVideo(videoID)
	if err != nil {
		return nil, err
	}
	if v.ImageID != nil {
		img, err := dl.store.GetImage(*v.ImageID)
		if err != nil {
			return nil, err
		}
		for _, field := range imageFieldOrder {
			if img.URLField(field) == "" {
				continue
			}
			if _, err := dl.enqueueImage(img.ID, field); err != nil {
				dl.log.Warn("enqueue image tier failed", "image", img.ID, "field", field, "error", err)
			}
		}
	}
	return primary, nil
}

// appendAPIKey adds the api_key query parameter to a source URL.
func appendAPIKey(src, key string) (string, error) {
	u, err := url.Parse(src)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(config.APIKeyField, key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func classifyTransport(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return fmt.Errorf("timeout: %w", err)
		}
		return fmt.Errorf("connection: %w", err)
	}
	return fmt.Errorf("transfer: %w", err)
}

func classifyFS(err error) error {
	switch {
	case os.IsPermission(err):
		return fmt.Errorf("filesystem permission: %w", err)
	case os.IsExist(err):
		return fmt.Errorf("filesystem exists: %w", err)
	default:
		return fmt.Errorf("filesystem: %w", err)
	}
}
