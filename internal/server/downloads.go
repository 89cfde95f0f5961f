package server

import (
	"errors"
	"net/http"

	"gbmm/internal/gbapi"
	"gbmm/internal/storage"
)

type downloadsGetRequest struct {
	ID       *int64 `json:"id"`
	Statuses []int  `json:"statuses"`
	ItemName string `json:"obj_item_name"`
	ObjID    *int64 `json:"obj_id"`
	Limit    int    `json:"limit"`
	Page     int    `json:"page"`
}

type downloadsListResponse struct {
	Downloads []storage.Download `json:"downloads"`
	Total     int64              `json:"total"`
	Limit     int                `json:"limit"`
	Page      int                `json:"page"`
}

func (s *Server) handleDownloadsGet(w http.ResponseWriter, r *http.Request) {
	var req downloadsGetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ID != nil {
		d, err := s.svc.Store.GetDownload(*req.ID)
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respond(w, http.StatusOK, downloadsListResponse{
			Downloads: []storage.Download{*d}, Total: 1, Limit: req.Limit, Page: 1,
		})
		return
	}

	filter := storage.DownloadFilter{
		ItemName: req.ItemName,
		ObjID:    req.ObjID,
		Limit:    req.Limit,
	}
	for _, st := range req.Statuses {
		filter.Statuses = append(filter.Statuses, storage.DownloadStatus(st))
	}
	if req.Page > 1 && req.Limit > 0 {
		filter.Offset = (req.Page - 1) * req.Limit
	}
	rows, total, err := s.svc.Store.Downloads(filter)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	s.respond(w, http.StatusOK, downloadsListResponse{
		Downloads: rows, Total: total, Limit: req.Limit, Page: page,
	})
}

func (s *Server) handleDownloadsGetOne(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.svc.Store.GetDownload(req.ID)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, d)
}

type enqueueRequest struct {
	ItemName string `json:"obj_item_name"`
	ObjID    int64  `json:"obj_id"`
	URLField string `json:"obj_url_field"`
}

func (s *Server) handleDownloadsEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ItemName == "" || req.ObjID == 0 {
		s.respondError(w, http.StatusBadRequest, "obj_item_name and obj_id are required")
		return
	}

	var d *storage.Download
	var err error
	// Enqueueing a video without a named field pulls its images along.
	if req.ItemName == gbapi.KindVideo.ItemName && req.URLField == "" {
		d, err = s.svc.Downloader.EnqueueVideoWithImages(req.ObjID)
	} else {
		d, err = s.svc.Downloader.Enqueue(req.ItemName, req.ObjID, req.URLField)
	}
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respond(w, http.StatusOK, d)
}
