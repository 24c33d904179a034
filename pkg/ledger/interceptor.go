package ledger

import (
	"context"
	"reflect"
)

// MutationInterceptor is invoked by the persistence layer around every model
// mutation with the before and after images. The ledger is the sole
// implementor; nothing else may construct audit entries.
type MutationInterceptor interface {
	OnMutation(ctx context.Context, m Mutation) (*Entry, error)
}

// Mutation describes a persisted change to a model.
type Mutation struct {
	Model    string
	EntityID string
	Before   map[string]interface{} // nil for creation
	After    map[string]interface{} // nil for deletion
	Actor    string
	Context  EntryContext
}

// OnMutation records the mutation as a ledger entry. Creations store a
// snapshot, updates a field-level delta {field: {old, new}}, deletions a
// tombstone.
func (l *Ledger) OnMutation(ctx context.Context, m Mutation) (*Entry, error) {
	in := AppendInput{
		EntityID:    m.EntityID,
		EntityModel: m.Model,
		Actor:       m.Actor,
		Context:     m.Context,
	}

	switch {
	case m.Before == nil:
		in.EventType = EventCreated
		in.Payload = m.After
	case m.After == nil:
		in.EventType = EventDeleted
		in.Payload = map[string]interface{}{"_deleted": true}
	default:
		in.EventType = EventUpdated
		in.Payload = diff(m.Before, m.After)
	}

	return l.Append(ctx, in)
}

// diff computes the field-level delta between two images.
func diff(before, after map[string]interface{}) map[string]interface{} {
	delta := make(map[string]interface{})
	for field, next := range after {
		prev, existed := before[field]
		if !existed || !reflect.DeepEqual(prev, next) {
			delta[field] = map[string]interface{}{"old": prev, "new": next}
		}
	}
	for field, prev := range before {
		if _, still := after[field]; !still {
			delta[field] = map[string]interface{}{"old": prev, "new": nil}
		}
	}
	return delta
}
