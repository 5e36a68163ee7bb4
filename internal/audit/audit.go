package audit

import (
	"context"
	"encoding/json"
	"log"

	"restopos/backend/internal/clock"
	"restopos/backend/internal/domain"
	"restopos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Sink accepts audit entries. store.Repository satisfies it.
type Sink interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}

type Recorder struct {
	sink     Sink
	clock    clock.Clock
	branchID string
}

func NewRecorder(sink Sink, clk clock.Clock, defaultBranchID string) *Recorder {
	if clk == nil {
		clk = clock.System{}
	}
	return &Recorder{sink: sink, clock: clk, branchID: defaultBranchID}
}

// Entry is one audited mutation. OldValues/NewValues are marshaled to JSON.
type Entry struct {
	BranchID     string
	ActorID      string
	ActionType   string
	ResourceType string
	ResourceID   string
	OldValues    any
	NewValues    any
}

// Record writes the entry. Failures are logged, never returned.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.sink == nil {
		return
	}
	if e.BranchID == "" {
		e.BranchID = r.branchID
	}

	role := ""
	if actor, ok := ActorFromContext(ctx); ok {
		if e.ActorID == "" {
			e.ActorID = actor.Username
		}
		role = actor.Role
	}
	if e.ActorID == "" {
		e.ActorID = "system"
		role = "system"
	}

	if err := r.sink.CreateAuditLog(ctx, domain.AuditLog{
		ID:           xid.New("audit"),
		BranchID:     e.BranchID,
		ActorID:      e.ActorID,
		ActorRole:    role,
		ActionType:   e.ActionType,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		OldValues:    marshalValues(e.OldValues),
		NewValues:    marshalValues(e.NewValues),
		CreatedAt:    r.clock.Now(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s resource=%s/%s: %v", e.ActionType, e.ResourceType, e.ResourceID, err)
	}
}

func marshalValues(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return payload
}
