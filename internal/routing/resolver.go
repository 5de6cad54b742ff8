// Package routing turns a resolved CRM owner into a call routing decision.
// Every failure degrades to NoRoute so the telephony platform's own default
// handling takes over.
package routing

import (
	"context"
	"log/slog"

	"github.com/flowpbx/callroute/internal/mapping"
)

// Reason explains how a decision was reached.
type Reason string

const (
	ReasonRouted          Reason = "routed"
	ReasonNoOwner         Reason = "no_owner"
	ReasonUnmapped        Reason = "unmapped_owner"
	ReasonNoCallerNumber  Reason = "no_caller_number"
	ReasonContactNotFound Reason = "contact_not_found"
	ReasonError           Reason = "error"
)

// Decision is the outcome of routing one call. The zero value is NoRoute.
type Decision struct {
	UserID string
	Reason Reason
}

// NoRoute returns an empty decision for the given reason.
func NoRoute(reason Reason) Decision {
	return Decision{Reason: reason}
}

// RouteToUser returns a decision targeting a telephony user.
func RouteToUser(userID string) Decision {
	return Decision{UserID: userID, Reason: ReasonRouted}
}

// Routed reports whether the decision names a target user.
func (d Decision) Routed() bool {
	return d.UserID != ""
}

// Decide is the pure routing rule: no owner or an unmapped owner yields
// NoRoute, a mapped owner routes to its telephony user.
func Decide(snap *mapping.Snapshot, ownerID string, found bool) Decision {
	if !found || ownerID == "" {
		return NoRoute(ReasonNoOwner)
	}
	if snap == nil {
		return NoRoute(ReasonUnmapped)
	}
	userID, ok := snap.Lookup(ownerID)
	if !ok || userID == "" {
		return NoRoute(ReasonUnmapped)
	}
	return RouteToUser(userID)
}

// MappingSource provides the snapshot to route against.
type MappingSource interface {
	Mapping(ctx context.Context) *mapping.Snapshot
}

// Resolver applies Decide to the current mapping and logs misses.
type Resolver struct {
	source MappingSource
	logger *slog.Logger
}

// NewResolver creates a Resolver reading from source.
func NewResolver(source MappingSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		source: source,
		logger: logger.With("component", "routing"),
	}
}

// Resolve returns the routing decision for an owner. found is false when no
// owner was resolved for the call. attrs are added to any log line emitted.
func (r *Resolver) Resolve(ctx context.Context, ownerID string, found bool, attrs ...any) Decision {
	if !found || ownerID == "" {
		return NoRoute(ReasonNoOwner)
	}

	snap := r.source.Mapping(ctx)
	d := Decide(snap, ownerID, found)
	if d.Reason == ReasonUnmapped {
		args := append([]any{"owner_id", ownerID, "mapping_size", snapLen(snap)}, attrs...)
		r.logger.Warn("hubspot_owner_not_mapped_to_aircall_user", args...)
	}
	return d
}

func snapLen(s *mapping.Snapshot) int {
	if s == nil {
		return 0
	}
	return s.Len()
}
