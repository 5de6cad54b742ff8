package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/flowpbx/callroute/internal/directory"
	"github.com/flowpbx/callroute/internal/routing"
)

// maxWebhookBody caps the routing request body.
const maxWebhookBody = 64 << 10

// maxLoggedBody caps how much of the raw body is copied into logs.
const maxLoggedBody = 2 << 10

// observeTimeout bounds the call observers run after each answer.
const observeTimeout = 5 * time.Second

type routeRequest struct {
	CallerNumber string `json:"callerNumber"`
	CallUUID     string `json:"callUUID"`
}

// handleRoute answers a telephony routing webhook. It always replies 200:
// a routing target when the caller's CRM owner maps to a telephony user, an
// empty object otherwise so the platform applies its default handling.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	call := routing.CallRecord{ReceivedAt: time.Now()}
	call.Decision = s.routeCall(r, &call)
	call.Duration = time.Since(call.ReceivedAt)

	writeRaw(w, http.StatusOK, s.opts.Shape.Body(call.Decision))
	s.observeCall(r.Context(), call)
}

// observeCall notifies the call observers off the request goroutine so the
// routing answer never waits on them. Drain waits for outstanding runs.
func (s *Server) observeCall(ctx context.Context, call routing.CallRecord) {
	if len(s.opts.CallObservers) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.observers.Add(1)
	go func() {
		defer s.observers.Done()
		ctx, cancel := context.WithTimeout(ctx, observeTimeout)
		defer cancel()
		for _, o := range s.opts.CallObservers {
			o.ObserveCall(ctx, call)
		}
	}()
}

// Drain blocks until every call observer started so far has returned.
func (s *Server) Drain() {
	s.observers.Wait()
}

// handleNoRoute replies with the empty routing answer.
func (s *Server) handleNoRoute(w http.ResponseWriter, r *http.Request) {
	writeRaw(w, http.StatusOK, map[string]any{})
}

func (s *Server) routeCall(r *http.Request, call *routing.CallRecord) (decision routing.Decision) {
	log := s.logger
	defer func() {
		if p := recover(); p != nil {
			call.Err = fmt.Sprint(p)
			log.Error("call_routing_exception",
				"error", call.Err,
				"stack", string(debug.Stack()),
			)
			decision = routing.NoRoute(routing.ReasonError)
		}
	}()

	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		call.Err = err.Error()
		log.Error("call_routing_exception", "error", err)
		return routing.NoRoute(routing.ReasonError)
	}

	var req routeRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			log.Warn("webhook_payload_invalid", "error", err, "raw_body", truncate(string(body)))
		}
	}
	call.CallerNumber = strings.TrimSpace(req.CallerNumber)
	call.CallUUID = req.CallUUID

	log = log.With("caller_number", call.CallerNumber, "call_uuid", call.CallUUID)
	log.Info("incoming_call", "raw_body", truncate(string(body)))

	if call.CallerNumber == "" {
		log.Warn("caller_number_missing_in_payload")
		return routing.NoRoute(routing.ReasonNoCallerNumber)
	}

	log.Info("hubspot_search_start")
	contact, found, err := s.contacts.SearchContactByPhone(ctx, call.CallerNumber)
	if err != nil {
		call.Err = err.Error()
		attrs := []any{"error", err}
		var se *directory.StatusError
		if errors.As(err, &se) {
			attrs = append(attrs, "crm_status", se.StatusCode, "crm_response", se.Body)
		}
		if errors.Is(err, context.Canceled) {
			attrs = append(attrs, "client_gone", true)
		}
		log.Error("call_routing_exception", attrs...)
		return routing.NoRoute(routing.ReasonError)
	}

	resultCount := 0
	if found {
		resultCount = 1
	}
	log.Info("hubspot_search_complete", "result_count", resultCount)

	if !found {
		log.Info("hubspot_contact_not_found_for_number")
		return routing.NoRoute(routing.ReasonContactNotFound)
	}

	call.ContactID = contact.ID
	call.OwnerID = contact.OwnerID
	log = log.With("crm_contact_id", contact.ID)

	if contact.OwnerID == "" {
		log.Info("hubspot_contact_has_no_owner")
		return routing.NoRoute(routing.ReasonNoOwner)
	}

	decision = s.resolver.Resolve(ctx, contact.OwnerID, true,
		"caller_number", call.CallerNumber,
		"call_uuid", call.CallUUID,
		"crm_contact_id", contact.ID,
	)
	if decision.Routed() {
		log.Info("call_routing_success",
			"crm_owner_id", contact.OwnerID,
			"telephony_user_id", decision.UserID,
		)
	}
	return decision
}

func truncate(s string) string {
	if len(s) <= maxLoggedBody {
		return s
	}
	return s[:maxLoggedBody] + "...(truncated)"
}
