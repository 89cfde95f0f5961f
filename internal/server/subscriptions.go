package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"gbmm/internal/messenger"
)

type interestRequest struct {
	SubjectType string `json:"subject_type"`
	EventTypes  []int  `json:"event_types"`
}

func toInterest(req interestRequest) messenger.Interest {
	events := make(map[messenger.EventType]bool, len(req.EventTypes))
	for _, e := range req.EventTypes {
		events[messenger.EventType(e)] = true
	}
	if len(events) == 0 {
		events = messenger.AllEventTypes()
	}
	return messenger.Interest{SubjectType: req.SubjectType, EventTypes: events}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interests []interestRequest `json:"interests"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sub := s.svc.Messenger.NewSubscriber()
	for _, i := range req.Interests {
		sub.AddInterest(i.SubjectType, toInterest(i).EventTypes)
	}
	s.respond(w, http.StatusOK, map[string]string{"uuid": sub.UUID.String()})
}

func (s *Server) subscriberFromURL(w http.ResponseWriter, r *http.Request) (*messenger.Subscriber, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed subscriber uuid")
		return nil, false
	}
	sub, err := s.svc.Messenger.GetSubscriber(id)
	if errors.Is(err, messenger.ErrSubscriberNotFound) {
		// Expired or overflowed subscribers disappear silently; the poll
		// response tells the client to re-subscribe.
		s.respond(w, http.StatusOK, map[string]any{
			"subscription_valid": false,
			"messages":           []messenger.Message{},
		})
		return nil, false
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return sub, true
}

func (s *Server) handleSubscriptionGet(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscriberFromURL(w, r)
	if !ok {
		return
	}
	msgs := sub.PopAll()
	if msgs == nil {
		msgs = []messenger.Message{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"subscription_valid": true,
		"messages":           msgs,
	})
}

func (s *Server) handleSetInterests(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interests []interestRequest `json:"interests"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sub, ok := s.subscriberFromURL(w, r)
	if !ok {
		return
	}
	interests := make([]messenger.Interest, 0, len(req.Interests))
	for _, i := range req.Interests {
		interests = append(interests, toInterest(i))
	}
	sub.SetInterests(interests)
	s.respond(w, http.StatusOK, map[string]any{"subscription_valid": true})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed subscriber uuid")
		return
	}
	s.svc.Messenger.RemoveSubscriber(id)
	s.respond(w, http.StatusOK, map[string]bool{"removed": true})
}
