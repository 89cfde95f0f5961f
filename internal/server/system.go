package server

import (
	"errors"
	"net/http"

	"gbmm/internal/indexer"
	"gbmm/internal/storage"
)

func (s *Server) handleSetupState(w http.ResponseWriter, r *http.Request) {
	system, err := s.svc.Store.System()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"api_key_configured":         s.svc.Cfg.HasAPIKey(),
		"first_time_setup_initiated": system.FirstTimeSetupInitiated,
		"first_time_setup_complete":  system.FirstTimeSetupComplete,
	})
}

// handleFirstTimeSetup refreshes the show and category catalogs, then kicks
// off the initial full index in the background.
func (s *Server) handleFirstTimeSetup(w http.ResponseWriter, r *http.Request) {
	system, err := s.svc.Store.System()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if system.FirstTimeSetupInitiated && system.FirstTimeSetupComplete {
		s.respondError(w, http.StatusBadRequest, "first-time setup already completed")
		return
	}
	system.FirstTimeSetupInitiated = true
	if err := s.svc.Store.SaveSystem(system); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	shows, err := s.svc.Indexer.RefreshShows()
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	categories, err := s.svc.Indexer.RefreshCategories()
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	job, err := s.svc.Indexer.StartFull()
	if err != nil && !errors.Is(err, indexer.ErrIndexerActive) {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	system.FirstTimeSetupComplete = true
	if err := s.svc.Store.SaveSystem(system); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{
		"shows_refreshed":      shows,
		"categories_refreshed": categories,
	}
	if job != nil {
		resp["indexer_uuid"] = job.UUID()
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateIndex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UpdateType string `json:"updateType"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	var job interface {
		UUID() string
		Name() string
	}
	var err error
	switch req.UpdateType {
	case "quick":
		job, err = s.svc.Indexer.StartQuick()
	case "full":
		job, err = s.svc.Indexer.StartFull()
	default:
		s.respondError(w, http.StatusBadRequest, "updateType must be quick or full")
		return
	}
	if errors.Is(err, indexer.ErrIndexerActive) {
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]string{
		"uuid": job.UUID(),
		"name": job.Name(),
	})
}

func (s *Server) handleIndexerState(w http.ResponseWriter, r *http.Request) {
	system, err := s.svc.Store.System()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active := s.svc.Indexer.Active()
	snapshots := make([]storage.BackgroundJobRecord, 0, len(active))
	for _, j := range active {
		snapshots = append(snapshots, j.Snapshot())
	}
	s.respond(w, http.StatusOK, map[string]any{
		"active":            snapshots,
		"full_last_update":  system.IndexerFullLastUpdate,
		"quick_last_update": system.IndexerQuickLastUpdate,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.Stats.Summarize()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, summary)
}

func (s *Server) handleVerifyFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Deep bool `json:"deep"`
	}
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}
	report, err := s.svc.Verifier.VerifyAll(req.Deep)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, report)
}

func (s *Server) handleSettingsGetAll(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{"settings": s.svc.Cfg.Values()})
}

// handleSettingsModify writes one setting to the YAML config and mirrors the
// full set into the setting table.
func (s *Server) handleSettingsModify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
		Value   string `json:"value"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.Cfg.Set(req.Address, req.Value); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.Cfg.Save(); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.svc.Store.SyncSettings(s.svc.Cfg.Values()); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"settings": s.svc.Cfg.Values()})
}
