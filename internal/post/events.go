package post

import (
	"github.com/mikequentel/xclient/internal/logger"
	"github.com/mikequentel/xclient/internal/model"
)

type EventName string

const (
	EventCreateStart    EventName = "post.create.start"
	EventCreateSuccess  EventName = "post.create.success"
	EventCreateError    EventName = "post.create.error"
	EventThreadStart    EventName = "post.thread.start"
	EventSegmentSuccess EventName = "post.thread.segment_success"
	EventRollback       EventName = "post.thread.rollback"
	EventThreadSuccess  EventName = "post.thread.success"
	EventThreadError    EventName = "post.thread.error"
)

// Event describes one step of a post or thread operation. ThreadID is empty
// and Index is -1 outside a thread.
type Event struct {
	Name     EventName
	ThreadID string
	Index    int
	Segments int
	Text     string
	Post     *model.Post
	Err      error
}

// Listener observes post and thread operations. It is called synchronously;
// a panicking listener is logged and otherwise ignored.
type Listener interface {
	OnEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

func (s *Service) emit(e Event) {
	if s.Listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("event listener panicked", "event", string(e.Name), "panic", r)
		}
	}()
	s.Listener.OnEvent(e)
}
