package transport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// maxLineBytes bounds one framed request. Holdings uploads travel as files,
// not over the command channel, so 4MB is generous.
const maxLineBytes = 4 * 1024 * 1024

// StdioServer drives the dispatcher over a line-delimited duplex stream.
// One JSON object per line; embedded newlines inside payload strings are
// already escaped by JSON. Each request is dispatched on its own goroutine
// so ping and cancel_pipeline stay responsive while a long run_pipeline is
// in flight — the same per-request concurrency the HTTP bridge gets from
// net/http. The writer is serialized so responses from concurrent work
// never interleave. Closing the input stream is the shutdown signal.
type StdioServer struct {
	dispatcher *Dispatcher
	in         io.Reader
	out        io.Writer
	writeMu    sync.Mutex
	log        zerolog.Logger
}

// NewStdioServer creates a server on the given streams. In production these
// are the process's stdin and stdout; stderr stays free for logs.
func NewStdioServer(dispatcher *Dispatcher, in io.Reader, out io.Writer, log zerolog.Logger) *StdioServer {
	return &StdioServer{
		dispatcher: dispatcher,
		in:         in,
		out:        out,
		log:        log.With().Str("component", "stdio").Logger(),
	}
}

// Run reads framed requests until the input stream closes — the dead man's
// switch that shuts the engine down when the host process goes away.
// In-flight requests are allowed to finish before Run returns.
func (s *StdioServer) Run() error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var inFlight sync.WaitGroup

	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}

		// Copy the line: Request.Payload is a json.RawMessage and would
		// otherwise alias the scanner's buffer, which the next Scan
		// overwrites while the handler goroutine is still reading it.
		line := append([]byte(nil), scanner.Bytes()...)

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.log.Warn().Err(err).Msg("Dropping unparseable request line")
			s.write(Response{
				Status: "error",
				Error:  Errorf("BAD_REQUEST", "unparseable request: %v", err),
			})
			continue
		}

		inFlight.Add(1)
		go func(req Request) {
			defer inFlight.Done()
			s.write(s.dispatcher.Dispatch(req))
		}(req)
	}

	inFlight.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("command stream read failed: %w", err)
	}

	s.log.Info().Msg("Command stream closed, shutting down")
	return nil
}

// Write sends an unsolicited framed message (progress events for hosts that
// multiplex them onto the response stream).
func (s *StdioServer) Write(v interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal outbound message")
		return
	}
	data = append(data, '\n')
	if _, err := s.out.Write(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to write outbound message")
	}
}

func (s *StdioServer) write(resp Response) {
	s.Write(resp)
}
