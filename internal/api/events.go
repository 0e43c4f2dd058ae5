package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/haul/internal/model"
)

// streamError is the payload of the final "error" event of a stream.
type streamError struct {
	Error  string `json:"error"`
	RefID  int64  `json:"refId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// streamEvents writes each update as a JSON data event until updates is
// closed, then ends with a "done" event or an "error" event carrying errFn's
// result. It returns early when the client disconnects. kind labels the
// stream metrics.
func streamEvents[T any](s *Server, w http.ResponseWriter, r *http.Request, kind string, updates <-chan T, errFn func() error) {
	start := time.Now()
	end := endDisconnect
	statusStreamsOpen.WithLabelValues(kind).Inc()
	defer func() {
		statusStreamsOpen.WithLabelValues(kind).Dec()
		statusStreamDuration.WithLabelValues(kind, end).Observe(time.Since(start).Seconds())
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				err := errFn()
				end = endDone
				if err != nil {
					end = endError
				}
				_ = writeFinalEvent(w, err)
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				s.logger.Error("encode stream update", "error", err)
				return
			}
			if err := writeSSEData(w, string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeFinalEvent(w http.ResponseWriter, err error) error {
	if err == nil {
		return writeSSEEvent(w, "done", "stream complete")
	}
	payload := streamError{Error: err.Error()}
	var tf *model.TransferFailure
	if errors.As(err, &tf) {
		payload.RefID = tf.RefID
		payload.Reason = tf.Reason
	}
	data, merr := json.Marshal(payload)
	if merr != nil {
		return merr
	}
	return writeSSEEvent(w, "error", string(data))
}

// writeSSEData writes a data event. Multi-line strings are split so that
// each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
