package notification

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/jacktea/blobrouter/pkg/blob"
)

// Notifier receives fire-and-forget blob lifecycle events.
type Notifier interface {
	OnBlobCreated(id string, props blob.Properties, metadata []byte, kind blob.Type)
	OnBlobDeleted(id, serviceID string)
}

// EventKind distinguishes recorded events.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventDeleted EventKind = "deleted"
)

// Event is one recorded notification.
type Event struct {
	Kind       EventKind
	ID         string
	Properties blob.Properties
	Metadata   []byte
	BlobType   blob.Type
	ServiceID  string
}

// Recorder keeps every notification in arrival order.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) OnBlobCreated(id string, props blob.Properties, metadata []byte, kind blob.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		Kind:       EventCreated,
		ID:         id,
		Properties: props,
		Metadata:   append([]byte(nil), metadata...),
		BlobType:   kind,
	})
}

func (r *Recorder) OnBlobDeleted(id, serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: EventDeleted, ID: id, ServiceID: serviceID})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded for id. An empty id
// counts every event of that kind.
func (r *Recorder) Count(kind EventKind, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, e := range r.events {
		if e.Kind == kind && (id == "" || e.ID == id) {
			n++
		}
	}
	return n
}

// Log writes notifications to a logr.Logger at V(1).
type Log struct {
	logr.Logger
}

// NewLog returns a Log notifier tagged with the notification component.
func NewLog(logger logr.Logger) *Log {
	return &Log{Logger: logger.WithValues("component", "notification")}
}

func (l *Log) OnBlobCreated(id string, props blob.Properties, metadata []byte, kind blob.Type) {
	l.V(1).Info("blob created", "id", id, "size", props.Size, "service", props.ServiceID,
		"type", kind.String(), "metadata_bytes", len(metadata))
}

func (l *Log) OnBlobDeleted(id, serviceID string) {
	l.V(1).Info("blob deleted", "id", id, "service", serviceID)
}

// Multi fans each notification out to every non-nil notifier in order.
type Multi []Notifier

func (m Multi) OnBlobCreated(id string, props blob.Properties, metadata []byte, kind blob.Type) {
	for _, n := range m {
		if n != nil {
			n.OnBlobCreated(id, props, metadata, kind)
		}
	}
}

func (m Multi) OnBlobDeleted(id, serviceID string) {
	for _, n := range m {
		if n != nil {
			n.OnBlobDeleted(id, serviceID)
		}
	}
}
