// Package transport implements the engine's command channel: line-delimited
// JSON requests and responses over a duplex byte stream, plus the command
// registry shared with the HTTP bridge. Both hosts speak the exact same
// message contracts.
package transport

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Request is one framed command: {id, command, payload}.
type Request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// Response is one framed reply: {id, status, data | error}.
type Response struct {
	ID     string        `json:"id"`
	Status string        `json:"status"` // success | error
	Data   interface{}   `json:"data,omitempty"`
	Error  *CommandError `json:"error,omitempty"`
}

// CommandError is the structured error body of a failed command.
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *CommandError) Error() string {
	return e.Code + ": " + e.Message
}

// Errorf builds a CommandError.
func Errorf(code, format string, args ...interface{}) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Handler executes one command. Payload may be empty ("{}" semantics).
type Handler func(payload json.RawMessage) (interface{}, *CommandError)

// Dispatcher validates commands against a fixed registry and executes them.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Register adds a command handler. Registration happens once at engine
// startup; duplicate names are a programming error.
func (d *Dispatcher) Register(command string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[command]; exists {
		panic(fmt.Sprintf("command %q registered twice", command))
	}
	d.handlers[command] = handler
}

// Commands returns the registered command names, sorted.
func (d *Dispatcher) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch executes one request and always produces a response. Unknown
// commands return UNKNOWN_COMMAND; handler panics become INTERNAL errors
// rather than taking the engine down.
func (d *Dispatcher) Dispatch(req Request) Response {
	d.mu.RLock()
	handler, ok := d.handlers[req.Command]
	d.mu.RUnlock()

	if !ok {
		return Response{
			ID:     req.ID,
			Status: "error",
			Error:  Errorf("UNKNOWN_COMMAND", "unknown command %q", req.Command),
		}
	}

	var (
		data   interface{}
		cmdErr *CommandError
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Str("command", req.Command).Interface("panic", r).Msg("Command handler panicked")
				cmdErr = Errorf("INTERNAL", "command %s panicked: %v", req.Command, r)
			}
		}()
		data, cmdErr = handler(req.Payload)
	}()

	if cmdErr != nil {
		return Response{ID: req.ID, Status: "error", Error: cmdErr}
	}
	return Response{ID: req.ID, Status: "success", Data: data}
}
