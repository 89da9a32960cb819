package handler

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/asknon-api/internal/service"
)

const defaultHeartbeat = 15 * time.Second

type streamEvent struct {
	name string
	data interface{}
}

// eventStream buffers the latest payload per event name for one client. Producers never
// block; a slow client only ever sees the newest snapshot.
type eventStream struct {
	mu       sync.Mutex
	latest   map[string]interface{}
	order    []string
	finished bool
	signal   chan struct{}
}

func newEventStream() *eventStream {
	return &eventStream{latest: make(map[string]interface{}), signal: make(chan struct{}, 1)}
}

func (s *eventStream) push(name string, data interface{}) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if _, ok := s.latest[name]; !ok {
		s.order = append(s.order, name)
	}
	s.latest[name] = data
	s.mu.Unlock()
	s.notify()
}

// finish ends the stream once everything pushed so far was written.
func (s *eventStream) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.notify()
}

func (s *eventStream) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *eventStream) drain() ([]streamEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]streamEvent, 0, len(s.order))
	for _, name := range s.order {
		events = append(events, streamEvent{name: name, data: s.latest[name]})
	}
	s.order = s.order[:0]
	s.latest = make(map[string]interface{})
	return events, s.finished
}

// serveStream writes server-sent events until the client leaves or the stream finishes.
func serveStream(c *gin.Context, stream *eventStream, heartbeat time.Duration, metrics *service.MetricsService) {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	metrics.StreamOpened()
	defer metrics.StreamClosed()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stream.signal:
			events, done := stream.drain()
			for _, ev := range events {
				c.SSEvent(ev.name, ev.data)
			}
			c.Writer.Flush()
			if done {
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
