// Package router dispatches inbound broker messages to handlers keyed by
// their declared message type.
package router

import (
	"encoding/json"
	"fmt"
	"sync"

	"fieldlink/logging"
)

// Envelope is the common head of every inbound message.
type Envelope struct {
	MessageType   string `json:"messageType"`
	EquipmentCode string `json:"equipmentCode"`
}

// ValidationError indicates a malformed inbound message. The message is
// logged and dropped; no response is sent.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

// HandlerFunc processes one inbound message. The full payload is passed
// through so handlers can decode their type-specific fields.
type HandlerFunc func(env Envelope, payload []byte)

// Router is the handler registry. It runs on the broker's single
// message-delivery goroutine.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	logFn func(format string, args ...interface{})
}

// New creates an empty router.
func New() *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
	}
}

// SetLogFunc sets the logging callback.
func (r *Router) SetLogFunc(fn func(format string, args ...interface{})) {
	r.mu.Lock()
	r.logFn = fn
	r.mu.Unlock()
}

func (r *Router) log(format string, args ...interface{}) {
	r.mu.RLock()
	fn := r.logFn
	r.mu.RUnlock()
	if fn != nil {
		fn(format, args...)
	}
}

// Handle registers a handler for a message type, replacing any previous one.
func (r *Router) Handle(msgType string, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[msgType] = h
	r.mu.Unlock()
}

// Dispatch decodes an inbound payload and invokes the matching handler.
// Malformed or unknown messages are logged and dropped. Usable directly as
// a broker.MessageHandler.
func (r *Router) Dispatch(topic string, payload []byte) {
	env, err := validate(payload)
	if err != nil {
		r.log("dropping message on %s: %v", topic, err)
		return
	}

	r.mu.RLock()
	h := r.handlers[env.MessageType]
	r.mu.RUnlock()

	if h == nil {
		r.log("dropping message on %s: no handler for type %q", topic, env.MessageType)
		return
	}

	logging.Debug("router", "dispatch %s for %s", env.MessageType, env.EquipmentCode)
	h(env, payload)
}

func validate(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, &ValidationError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	if env.MessageType == "" {
		return env, &ValidationError{Reason: "missing messageType"}
	}
	return env, nil
}
