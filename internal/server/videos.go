package server

import (
	"errors"
	"net/http"

	"gbmm/internal/gbapi"
	"gbmm/internal/storage"
)

type browseRequest struct {
	SessionData string            `json:"session_data"`
	Page        int               `json:"page"`
	Limit       int               `json:"limit"`
	Sort        string            `json:"sort"`
	SortDesc    bool              `json:"sort_desc"`
	Filters     map[string]string `json:"filters"`
}

type browseResponse struct {
	Videos      []gbapi.Record `json:"videos"`
	SessionData string         `json:"session_data"`
	CurrentPage int            `json:"current_page"`
	TotalPages  int            `json:"total_pages"`
	TotalResult int            `json:"total_results"`
}

// handleVideosBrowse pages through the upstream video collection. The cursor
// travels with the client as opaque session data, so consecutive calls
// resume where the last one stopped.
func (s *Server) handleVideosBrowse(w http.ResponseWriter, r *http.Request) {
	var req browseRequest
	if !s.decode(w, r, &req) {
		return
	}

	var sel *gbapi.ResourceSelect
	var err error
	if req.SessionData != "" {
		sel, err = s.svc.Client.SelectFromSessionData(req.SessionData)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		sel = s.svc.Client.Select(gbapi.KindVideo).Priority(gbapi.PriorityHigh)
		if req.Limit > 0 {
			sel.Limit(req.Limit)
		} else {
			sel.Limit(25)
		}
		sort := req.Sort
		if sort == "" {
			sort = "publish_date"
			req.SortDesc = true
		}
		dir := gbapi.SortAsc
		if req.SortDesc {
			dir = gbapi.SortDesc
		}
		sel.Sort(sort, dir)
		for k, v := range req.Filters {
			sel.Filter(k, v)
		}
	}

	var recs []gbapi.Record
	if req.Page > 0 {
		recs, err = sel.Page(req.Page)
	} else {
		recs, err = sel.Next()
	}
	if errors.Is(err, gbapi.ErrEndOfResults) {
		recs = nil
	} else if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	data, err := sel.SessionData()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, browseResponse{
		Videos:      recs,
		SessionData: data,
		CurrentPage: sel.CurrentPage(),
		TotalPages:  sel.TotalPages(),
		TotalResult: sel.TotalResults(),
	})
}

type videosGetRequest struct {
	Limit   int               `json:"limit"`
	Sort    string            `json:"sort"`
	Filters map[string]string `json:"filters"`
}

// handleVideosGet runs a one-shot upstream query without a session cursor.
func (s *Server) handleVideosGet(w http.ResponseWriter, r *http.Request) {
	var req videosGetRequest
	if !s.decode(w, r, &req) {
		return
	}
	sel := s.svc.Client.Select(gbapi.KindVideo).Priority(gbapi.PriorityHigh)
	if req.Limit > 0 {
		sel.Limit(req.Limit)
	}
	if req.Sort != "" {
		sel.Sort(req.Sort, gbapi.SortDesc)
	}
	for k, v := range req.Filters {
		sel.Filter(k, v)
	}
	recs, err := sel.Next()
	if errors.Is(err, gbapi.ErrEndOfResults) {
		recs = nil
	} else if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"videos":        recs,
		"total_results": sel.TotalResults(),
	})
}

// handleVideosGetOne fetches a single video from upstream by id or guid and
// merges it locally.
func (s *Server) handleVideosGetOne(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   int64  `json:"id"`
		GUID string `json:"guid"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	var rec gbapi.Record
	var err error
	switch {
	case req.GUID != "":
		rec, err = s.svc.Client.GetByGUID(req.GUID)
	case req.ID != 0:
		rec, err = s.svc.Client.GetOne(gbapi.KindVideo, req.ID)
	default:
		s.respondError(w, http.StatusBadRequest, "id or guid is required")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if _, err := s.svc.Store.MergeRecords([]gbapi.Record{rec}); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	v, err := s.svc.Store.GetVideo(rec.RecordID())
	if errors.Is(err, storage.ErrNotFound) {
		s.respond(w, http.StatusOK, rec)
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, v)
}
