package notification

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"

	"github.com/jacktea/blobrouter/pkg/blob"
)

func TestRecorderCounts(t *testing.T) {
	rec := &Recorder{}
	rec.OnBlobCreated("a", blob.Properties{Size: 3}, []byte("m"), blob.TypeSimple)
	rec.OnBlobDeleted("a", "svc")
	rec.OnBlobDeleted("b", "svc")

	assert.Equal(t, 1, rec.Count(EventCreated, "a"))
	assert.Equal(t, 1, rec.Count(EventDeleted, "a"))
	assert.Equal(t, 2, rec.Count(EventDeleted, ""))
	events := rec.Events()
	assert.Len(t, events, 3)
	assert.Equal(t, "svc", events[1].ServiceID)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := Multi{a, nil, b}
	m.OnBlobCreated("x", blob.Properties{}, nil, blob.TypeSimple)
	m.OnBlobDeleted("x", "svc")
	assert.Len(t, a.Events(), 2)
	assert.Len(t, b.Events(), 2)
}

func TestLogWritesEvents(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.Level(-8)})
	l := NewLog(logr.FromSlogHandler(h))
	l.OnBlobCreated("x", blob.Properties{Size: 5}, nil, blob.TypeSimple)
	l.OnBlobDeleted("x", "svc")

	out := buf.String()
	assert.True(t, strings.Contains(out, "blob created"), out)
	assert.True(t, strings.Contains(out, "blob deleted"), out)
	assert.True(t, strings.Contains(out, "component=notification"), out)
}
