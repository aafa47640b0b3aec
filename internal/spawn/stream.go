package spawn

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"
)

const (
	// defaultStderrLimit bounds the retained stderr tail per worker.
	defaultStderrLimit = 16 * 1024

	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 1024 * 1024
)

// tailBuffer keeps the last limit bytes written to it. Older content is
// discarded so a chatty worker cannot grow memory without bound.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) WriteString(s string) {
	if t.limit <= 0 {
		t.limit = defaultStderrLimit
	}
	t.buf = append(t.buf, s...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
}

func (t *tailBuffer) String() string { return string(t.buf) }

// pumpStdout reads the worker's stdout line by line. Each line that parses
// as a JSON object is recorded on the worker and published to the fan-in
// event channel; anything else is discarded with a debug log.
func (s *Spawner) pumpStdout(w *Worker, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			s.logger.Debug("discarding non-JSON worker output",
				"worker_id", w.id, "spec", w.specName, "bytes", len(line))
			continue
		}
		w.appendEvent(record)
		s.publish(Event{WorkerID: w.id, SpecName: w.specName, Record: record, At: time.Now()})
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("worker stdout closed with error",
			"worker_id", w.id, "error", err)
	}
}

// pumpStderr accumulates the worker's stderr into the bounded tail.
func (s *Spawner) pumpStderr(w *Worker, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)
	for scanner.Scan() {
		w.appendStderr(scanner.Text() + "\n")
	}
}

// publish sends an event to the fan-in channel without blocking. When the
// consumer falls behind, events are dropped rather than stalling workers.
func (s *Spawner) publish(ev Event) {
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event channel full, dropping worker event",
			"worker_id", ev.WorkerID)
	}
}
