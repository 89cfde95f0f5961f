package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gbmm/internal/analytics"
	"gbmm/internal/config"
	"gbmm/internal/downloader"
	"gbmm/internal/gbapi"
	"gbmm/internal/indexer"
	"gbmm/internal/integrity"
	"gbmm/internal/jobs"
	"gbmm/internal/messenger"
	"gbmm/internal/storage"
)

type testEnv struct {
	srv      *httptest.Server
	svc      *Services
	upstream *httptest.Server
}

// upstreamStub answers every catalog query with the same single-video page.
// Item lookups get the single-item envelope, fields directly under results.
func upstreamStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/video/2300-301") {
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, `<response><error>OK</error><limit>1</limit><offset>0</offset>`+
				`<number_of_page_results>1</number_of_page_results>`+
				`<number_of_total_results>1</number_of_total_results>`+
				`<status_code>1</status_code><version>1.0</version>`+
				`<results><id>301</id><name>remote video</name><hd_url>http://media/v301_4000.mp4</hd_url></results></response>`)
			return
		}
		offset := 0
		fmt.Sscanf(r.URL.Query().Get("offset"), "%d", &offset)
		pageResults := 1
		if offset > 0 {
			pageResults = 0
		}
		results := ""
		if pageResults == 1 {
			results = "<video><id>301</id><name>remote video</name><hd_url>http://media/v301_4000.mp4</hd_url></video>"
		}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<response><error>OK</error><limit>25</limit><offset>%d</offset>`+
			`<number_of_page_results>%d</number_of_page_results>`+
			`<number_of_total_results>1</number_of_total_results>`+
			`<status_code>1</status_code><version>1.0</version>`+
			`<results>%s</results></response>`, offset, pageResults, results)
	})
}

func newTestEnv(t *testing.T, withKey bool) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	upstream := httptest.NewServer(upstreamStub())
	t.Cleanup(upstream.Close)

	cfg := config.Default(t.TempDir())
	cfg.API.BaseURL = upstream.URL + "/api/"
	if withKey {
		cfg.API.Key = strings.Repeat("c", 40)
	}

	store, err := storage.Open(log, cfg.DatabasePath())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	msgr := messenger.New()
	storage.SetDownloadPublisher(func(event messenger.EventType, d *storage.Download) {
		msgr.Publish(messenger.Message{
			EventType:   event,
			SubjectType: "download",
			SubjectID:   d.ID,
			Data:        d,
		})
	})
	t.Cleanup(func() { storage.SetDownloadPublisher(nil) })

	requester := gbapi.NewRequester(log, upstream.Client())
	t.Cleanup(requester.Close)
	client := gbapi.NewClient(requester, cfg)
	manager := jobs.NewManager(log, store)
	ix := indexer.New(log, client, store, manager)
	dl := downloader.New(log, store, client, cfg, nil)
	t.Cleanup(dl.Close)

	s := New(&Services{
		Log: log, Cfg: cfg, Store: store, Messenger: msgr,
		Client: client, Jobs: manager, Indexer: ix, Downloader: dl,
		Stats:    analytics.New(store, cfg.FileRoot),
		Verifier: integrity.NewVerifier(log, store),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, svc: s.svc, upstream: upstream}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && json.Valid(data) {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return out
}

func TestAPIKeyRequired(t *testing.T) {
	e := newTestEnv(t, false)
	resp, body := e.post(t, "/api/downloads/get", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "API key")

	// Read-only system state stays reachable without a key.
	resp, body = e.get(t, "/api/system/first-time-setup-state")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["api_key_configured"])
}

func TestDefinitions(t *testing.T) {
	e := newTestEnv(t, true)
	resp, body := e.get(t, "/api/definitions/get")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	statuses := body["download_statuses"].(map[string]any)
	assert.Equal(t, float64(10), statuses["QUEUED"])
	assert.Equal(t, float64(90), statuses["FAILED"])
	states := body["job_states"].(map[string]any)
	assert.Equal(t, float64(4), states["COMPLETE"])
}

func TestEnqueueAndList(t *testing.T) {
	e := newTestEnv(t, true)
	require.NoError(t, e.svc.Store.DB().Create(&storage.Video{
		ID: 5, GUID: "2300-5", Name: "local", HDURL: "http://media/v5_4000.mp4",
	}).Error)

	resp, body := e.post(t, "/api/downloads/enqueue", map[string]any{
		"obj_item_name": "video", "obj_id": 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hd_url", body["obj_url_field"])

	resp, body = e.post(t, "/api/downloads/get", map[string]any{"statuses": []int{10}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])
}

func TestEnqueueValidation(t *testing.T) {
	e := newTestEnv(t, true)
	resp, body := e.post(t, "/api/downloads/enqueue", map[string]any{"obj_item_name": "video"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "required")

	resp, _ = e.post(t, "/api/downloads/enqueue", map[string]any{"obj_item_name": "file", "obj_id": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscriptionFlow(t *testing.T) {
	e := newTestEnv(t, true)

	resp, body := e.post(t, "/api/subscriptions/subscribe", map[string]any{
		"interests": []map[string]any{{"subject_type": "download"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := body["uuid"].(string)
	require.NotEmpty(t, id)

	// A download insert fans out through the store hook.
	require.NoError(t, e.svc.Store.CreateDownload(&storage.Download{Name: "n", URL: "u"}))

	resp, body = e.post(t, "/api/subscriptions/"+id+"/get", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["subscription_valid"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)

	// Drained on poll.
	_, body = e.post(t, "/api/subscriptions/"+id+"/get", nil)
	assert.Len(t, body["messages"].([]any), 0)

	_, body = e.post(t, "/api/subscriptions/"+id+"/unsubscribe", nil)
	assert.Equal(t, true, body["removed"])

	resp, body = e.post(t, "/api/subscriptions/"+id+"/get", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["subscription_valid"])
}

func TestSettingsModify(t *testing.T) {
	e := newTestEnv(t, true)

	resp, body := e.post(t, "/api/settings/modify", map[string]any{
		"address": "server.port", "value": "9001",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	settings := body["settings"].(map[string]any)
	assert.Equal(t, "9001", settings["server.port"])

	// Mirrored into the setting table.
	rows, err := e.svc.Store.Settings()
	require.NoError(t, err)
	found := false
	for _, row := range rows {
		if row.Key == "server.port" {
			found = true
			assert.Equal(t, "9001", row.Value)
		}
	}
	assert.True(t, found)

	resp, _ = e.post(t, "/api/settings/modify", map[string]any{
		"address": "no.such.setting", "value": "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVideosBrowseSessionRoundTrip(t *testing.T) {
	e := newTestEnv(t, true)

	resp, body := e.post(t, "/api/videos/browse", map[string]any{"limit": 25})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	videos := body["videos"].([]any)
	require.Len(t, videos, 1)
	session := body["session_data"].(string)
	require.NotEmpty(t, session)
	assert.Equal(t, float64(1), body["current_page"])

	// The returned cursor resumes past the only page.
	resp, body = e.post(t, "/api/videos/browse", map[string]any{"session_data": session})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["videos"])
}

func TestVideosGetOneMergesLocally(t *testing.T) {
	e := newTestEnv(t, true)

	resp, body := e.post(t, "/api/videos/get-one", map[string]any{"guid": "2300-301"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(301), body["id"])

	v, err := e.svc.Store.GetVideo(301)
	require.NoError(t, err)
	assert.Equal(t, "remote video", v.Name)
}

func TestMediaVideoFile(t *testing.T) {
	e := newTestEnv(t, true)

	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))
	f := &storage.File{
		Name: "clip", ObjItemName: "video", ObjID: 8, ObjURLField: "hd_url",
		Path: path, SizeBytes: 10, ContentType: "video/mp4",
	}
	require.NoError(t, e.svc.Store.DB().Create(f).Error)
	require.NoError(t, e.svc.Store.DB().Create(&storage.Video{
		ID: 8, GUID: "2300-8", Name: "clip", FileID: &f.ID,
	}).Error)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/media/video/8/file", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-5")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(data))

	resp, _ = e.get(t, "/media/video/999/file")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMediaImageFile(t *testing.T) {
	e := newTestEnv(t, true)

	path := filepath.Join(t.TempDir(), "thumb.png")
	require.NoError(t, os.WriteFile(path, []byte("pngbytes"), 0o644))
	f := &storage.File{
		Name: "thumb", ObjItemName: "image", ObjID: 4, ObjURLField: "thumb_url",
		Path: path, SizeBytes: 8, ContentType: "image/png",
	}
	require.NoError(t, e.svc.Store.DB().Create(f).Error)
	require.NoError(t, e.svc.Store.DB().Create(&storage.Image{
		ID: 4, ThumbURL: "http://media/i4_thumb.png", FileID: &f.ID,
	}).Error)

	resp, err := http.Get(e.srv.URL + "/media/image/4")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pngbytes", string(data))

	resp, _ = e.get(t, "/media/image/999")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMediaCatalog(t *testing.T) {
	e := newTestEnv(t, true)
	require.NoError(t, e.svc.Store.DB().Create(&storage.VideoShow{
		ID: 3, GUID: "2340-3", Title: "a show",
	}).Error)
	showID := int64(3)
	require.NoError(t, e.svc.Store.DB().Create(&storage.Video{
		ID: 30, GUID: "2300-30", Name: "ep", VideoShowID: &showID, PublishDate: "2026-01-01 00:00:00",
	}).Error)

	resp, body := e.get(t, "/media/show/list")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["shows"].([]any), 1)

	resp, body = e.get(t, "/media/show/3/videos")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, body = e.get(t, "/media/recent")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])
}
