package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fableworks/loreline/internal/progress"
)

// StreamGenerationEvents serves the session progress stream over SSE. The
// first frame is the latest known snapshot so a reconnecting client catches
// up without replaying intermediate events. The stream closes after a
// terminal snapshot is delivered.
func (s *Server) StreamGenerationEvents(c *gin.Context) {
	if s.hub == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	sessionID, err := parseSessionID(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("session_id", sessionID.String())

	subscription, latest, err := s.hub.Subscribe(sessionID.String())
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	if latest == nil {
		// Not yet published to the hub; seed the stream from storage.
		snapshot, err := s.sessionSvc.Get(c.Request.Context(), sessionID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		seeded := progress.Snapshot{
			SessionID:       snapshot.ID.String(),
			SessionStatus:   string(snapshot.Status),
			PercentComplete: snapshot.PercentComplete,
			ErrorKind:       snapshot.ErrorKind,
		}
		if snapshot.TargetEntityID != nil {
			seeded.TargetEntityID = snapshot.TargetEntityID.String()
		}
		latest = &seeded
	}

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}

	if err := writeProgressEvent(writer, *latest); err != nil {
		return
	}
	flusher.Flush()

	if latest.Terminal() {
		return
	}

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-subscription.Events():
			if !open {
				return
			}
			if err := writeProgressEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
			if event.Terminal() {
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeProgressEvent(w io.Writer, event progress.Snapshot) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
