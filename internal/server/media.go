package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"gbmm/internal/storage"
)

func (s *Server) idFromURL(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed id")
		return 0, false
	}
	return id, true
}

// handleVideoFile streams a downloaded video from disk. ServeFile handles
// range requests, which media players rely on for seeking.
func (s *Server) handleVideoFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idFromURL(w, r)
	if !ok {
		return
	}
	v, err := s.svc.Store.GetVideo(id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if v.File == nil {
		s.respondError(w, http.StatusNotFound, "video has no downloaded file")
		return
	}
	http.ServeFile(w, r, v.File.Path)
}

// handleImageFile serves a downloaded image from disk.
func (s *Server) handleImageFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idFromURL(w, r)
	if !ok {
		return
	}
	img, err := s.svc.Store.GetImage(id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if img.File == nil {
		s.respondError(w, http.StatusNotFound, "image has no downloaded file")
		return
	}
	http.ServeFile(w, r, img.File.Path)
}

func (s *Server) handleVideoInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idFromURL(w, r)
	if !ok {
		return
	}
	v, err := s.svc.Store.GetVideo(id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, v)
}

func (s *Server) handleMediaRecent(w http.ResponseWriter, r *http.Request) {
	limit := 25
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	rows, total, err := s.svc.Store.Videos(storage.VideoFilter{Limit: limit})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"videos": rows, "total": total})
}

func (s *Server) handleShowList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.Store.VideoShows()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"shows": rows})
}

func (s *Server) handleShowInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idFromURL(w, r)
	if !ok {
		return
	}
	show, err := s.svc.Store.GetVideoShow(id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, show)
}

func (s *Server) handleShowVideos(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idFromURL(w, r)
	if !ok {
		return
	}
	rows, total, err := s.svc.Store.Videos(storage.VideoFilter{ShowID: &id})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"videos": rows, "total": total})
}

func (s *Server) handleCategoryList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.Store.VideoCategories()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"categories": rows})
}

func (s *Server) handleCategoryInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idFromURL(w, r)
	if !ok {
		return
	}
	cat, err := s.svc.Store.GetVideoCategory(id)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, cat)
}

func (s *Server) handleCategoryVideos(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idFromURL(w, r)
	if !ok {
		return
	}
	rows, total, err := s.svc.Store.Videos(storage.VideoFilter{CategoryID: &id})
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"videos": rows, "total": total})
}
