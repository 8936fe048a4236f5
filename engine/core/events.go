package core

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// System internal event codes.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// Resized/resolution changed from the OS.
	EVENT_CODE_RESIZED SystemEventCode = 0x08

	// The swapchain was rebuilt and every attachment owner must follow.
	EVENT_CODE_SWAPCHAIN_RECREATED SystemEventCode = 0x09
)

// ResizeEvent carries the new framebuffer size in pixels.
type ResizeEvent struct {
	Width  uint32
	Height uint32
}

// FnOnEvent is invoked with the event payload. A non-nil error is collected and
// returned by Fire once every listener has run.
type FnOnEvent[T any] func(data T) error

type registeredEvent[T any] struct {
	id       uuid.UUID
	callback FnOnEvent[T]
}

// EventRegistry is a broadcast-style callback registry: every registered listener
// receives every fired event, in registration order.
type EventRegistry[T any] struct {
	code   SystemEventCode
	events []registeredEvent[T]
}

func NewEventRegistry[T any](code SystemEventCode) *EventRegistry[T] {
	return &EventRegistry[T]{code: code}
}

// Register subscribes onEvent and returns the handle needed to unregister it.
func (r *EventRegistry[T]) Register(onEvent FnOnEvent[T]) uuid.UUID {
	id := uuid.New()
	r.events = append(r.events, registeredEvent[T]{id: id, callback: onEvent})
	return id
}

// Unregister removes the listener registered under id. It returns false when
// nothing was registered with that handle.
func (r *EventRegistry[T]) Unregister(id uuid.UUID) bool {
	for i := range r.events {
		if r.events[i].id == id {
			r.events = append(r.events[:i], r.events[i+1:]...)
			return true
		}
	}
	LogWarn("event %d: no listener registered with id %s", r.code, id)
	return false
}

// Fire delivers data to every listener.
func (r *EventRegistry[T]) Fire(data T) error {
	var result error
	// listeners may unregister themselves while handling the event
	listeners := append([]registeredEvent[T](nil), r.events...)
	for _, e := range listeners {
		if err := e.callback(data); err != nil {
			result = errors.CombineErrors(result, errors.Wrapf(err, "event %d listener %s", r.code, e.id))
		}
	}
	return result
}

func (r *EventRegistry[T]) Len() int {
	return len(r.events)
}

// Clear drops every listener.
func (r *EventRegistry[T]) Clear() {
	r.events = nil
}
