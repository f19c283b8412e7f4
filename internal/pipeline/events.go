package pipeline

import "github.com/johnkcr/collection-service/internal/models"

type EventKind string

const (
	EventMint       EventKind = "mint"
	EventMetadata   EventKind = "metadata"
	EventImage      EventKind = "image"
	EventToken      EventKind = "token"
	EventTokenError EventKind = "tokenError"
	EventProgress   EventKind = "progress"
)

// Event is a partial token write or a progress report. Token holds only
// the fields the event populates.
type Event struct {
	Kind     EventKind
	Token    models.Token
	Error    *models.ErrorRecord
	Step     models.CreationFlow
	Progress float64
}

// Emitter receives pipeline events as they are produced. Emit is called
// from multiple goroutines.
type Emitter interface {
	Emit(Event)
}

type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// FailurePatch is the merge document persisting an EventTokenError. It
// replaces the token's refresh state when the event carries one and
// otherwise only records the error.
func (e Event) FailurePatch() map[string]interface{} {
	md := map[string]interface{}{"error": e.Error}
	if e.Token.State != nil && e.Token.State.Metadata.Step != "" {
		md["step"] = e.Token.State.Metadata.Step
	}
	return map[string]interface{}{"state": map[string]interface{}{"metadata": md}}
}
