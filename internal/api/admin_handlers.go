package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/flowpbx/callroute/internal/api/middleware"
	"github.com/flowpbx/callroute/internal/mapping"
)

// mappingStatus is the admin view of the current snapshot.
type mappingStatus struct {
	Policy          string         `json:"policy"`
	TTLSeconds      float64        `json:"ttl_seconds"`
	RunID           string         `json:"run_id,omitempty"`
	RefreshedAt     *time.Time     `json:"refreshed_at"`
	AgeSeconds      *float64       `json:"age_seconds"`
	Stale           bool           `json:"stale"`
	RefreshInFlight bool           `json:"refresh_in_flight"`
	Owners          int            `json:"owners"`
	Users           int            `json:"users"`
	Matched         int            `json:"matched"`
	Entries         []mappingEntry `json:"entries,omitempty"`
}

type mappingEntry struct {
	OwnerID         string `json:"owner_id"`
	TelephonyUserID string `json:"telephony_user_id"`
}

func (s *Server) status(snap *mapping.Snapshot, withEntries bool) mappingStatus {
	st := mappingStatus{
		Policy:          string(s.cache.Policy()),
		TTLSeconds:      s.cache.TTL().Seconds(),
		RunID:           snap.RunID,
		Stale:           s.cache.Stale(),
		RefreshInFlight: s.cache.RefreshInFlight(),
		Owners:          snap.Owners,
		Users:           snap.Users,
		Matched:         snap.Matched,
	}
	if !snap.RefreshedAt.IsZero() {
		at := snap.RefreshedAt.UTC()
		age := time.Since(snap.RefreshedAt).Seconds()
		st.RefreshedAt = &at
		st.AgeSeconds = &age
	}
	if withEntries {
		st.Entries = make([]mappingEntry, 0, snap.Len())
		for owner, user := range snap.Mapping {
			st.Entries = append(st.Entries, mappingEntry{OwnerID: owner, TelephonyUserID: user})
		}
		sort.Slice(st.Entries, func(i, j int) bool {
			return st.Entries[i].OwnerID < st.Entries[j].OwnerID
		})
	}
	return st
}

// handleMappingStatus reports the current snapshot. ?entries=true includes
// the full owner to user mapping.
func (s *Server) handleMappingStatus(w http.ResponseWriter, r *http.Request) {
	withEntries := r.URL.Query().Get("entries") == "true"
	writeJSON(w, http.StatusOK, s.status(s.cache.Snapshot(), withEntries))
}

// handleMappingRefresh runs a refresh through the single-flight guard and
// waits for it. A failed refresh leaves the mapping untouched.
func (s *Server) handleMappingRefresh(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("manual_refresh_requested", "subject", middleware.AdminSubjectFromContext(r.Context()))

	// Other triggers may share this run, so a client disconnect must not
	// cancel it.
	snap, err := s.cache.Refresh(context.WithoutCancel(r.Context()), mapping.TriggerManual)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.status(snap, false))
}

func (s *Server) handleRecentDecisions(w http.ResponseWriter, r *http.Request) {
	limit, errMsg := parseLimit(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	decisions, err := s.opts.Journal.RecentDecisions(r.Context(), limit)
	if err != nil {
		s.logger.Error("journal_decisions_list_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list routing decisions")
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func (s *Server) handleRecentRefreshes(w http.ResponseWriter, r *http.Request) {
	limit, errMsg := parseLimit(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	runs, err := s.opts.Journal.RecentRefreshes(r.Context(), limit)
	if err != nil {
		s.logger.Error("journal_refreshes_list_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list refresh runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
