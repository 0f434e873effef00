package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/munshi-ai/munshi"
	"github.com/munshi-ai/munshi/pkg/attachments"
	"github.com/munshi-ai/munshi/pkg/events"
	"github.com/munshi-ai/munshi/pkg/orchestrator"
	"github.com/munshi-ai/munshi/pkg/usage"
)

// runPayload is the POST /run request body.
type runPayload struct {
	Message string             `json:"message"`
	ConvID  int64              `json:"conv_id,omitempty"`
	Image   *attachments.Image `json:"image,omitempty"`
	File    *attachments.File  `json:"file,omitempty"`
}

// interruptPayload is the POST /interrupt request body.
type interruptPayload struct {
	ConvID int64 `json:"conv_id"`
}

// handleRun starts a supervisor run and streams its frames as
// server-sent events. Validation failures and runs rejected before the
// conversation is claimed return JSON errors; once streaming starts,
// failures arrive as error frames on the stream itself.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var p runPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(p.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	att, err := attachments.Decode(p.Image, p.File)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	userID := s.userID(r)

	// The run outlives the HTTP request: a dropped client stops the
	// stream, not the work. Interruption goes through POST /interrupt.
	runCtx := events.WithUser(context.WithoutCancel(r.Context()), userID)

	subscribed := make(chan *events.Subscription, 1)
	outcome := make(chan error, 1)

	req := orchestrator.RunRequest{
		ConversationID:    p.ConvID,
		UserID:            userID,
		Text:              p.Message,
		AdditionalContext: att.Context,
		Attachments:       att.Parts,
		Started: func(conversationID int64, created bool) {
			subscribed <- s.bus.SubscribeConversation(conversationID)
		},
	}

	go func() {
		_, err := s.sup.Run(runCtx, req)
		outcome <- err
	}()

	// Started fires before the first frame is emitted, so the
	// subscription taken inside it sees the whole stream.
	select {
	case sub := <-subscribed:
		s.stream(r.Context(), w, flusher, sub)
	case err := <-outcome:
		// A run that started and failed immediately already carries
		// its error frame on the stream.
		select {
		case sub := <-subscribed:
			s.stream(r.Context(), w, flusher, sub)
		default:
			status := http.StatusInternalServerError
			if errors.Is(err, orchestrator.ErrBusy) {
				status = http.StatusConflict
			}
			var exceeded *usage.ExceededError
			if errors.As(err, &exceeded) {
				status = http.StatusTooManyRequests
				w.Header().Set("Retry-After",
					strconv.FormatInt(int64(exceeded.RetryAfter/time.Second)+1, 10))
			}
			msg := "run failed"
			if err != nil {
				msg = err.Error()
			}
			writeError(w, status, msg)
		}
	}
}

// handleInterrupt requests cancellation of the active run on a
// conversation.
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var p interruptPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.ConvID == 0 {
		writeError(w, http.StatusBadRequest, "conv_id is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": s.sup.Interrupt(p.ConvID)})
}

// handleUsage reports the caller's budget consumption. Without a
// meter every runtime reports no budgets, which reads the same as
// unlimited.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	user := s.userID(r)
	budgets := []usage.Snapshot{}
	if s.meter != nil {
		budgets = s.meter.Snapshot(user)
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user, "budgets": budgets})
}

// handleLogs streams the caller's log events. With auth enabled the
// identity comes from a token query parameter because EventSource
// clients cannot set headers.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	var userID string
	if s.verifier != nil {
		claims, err := s.verifier.Verify(r.Context(), r.URL.Query().Get("token"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if claims.Subject == "" {
			writeError(w, http.StatusUnauthorized, "token has no subject")
			return
		}
		userID = claims.Subject
	} else {
		userID = r.URL.Query().Get("user")
		if userID == "" {
			userID = defaultUser
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s.stream(r.Context(), w, flusher, s.bus.SubscribeUser(userID))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"version":   munshi.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// stream relays frames from a subscription until it is closed or the
// client goes away.
func (s *Server) stream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub *events.Subscription) {
	defer sub.Cancel()

	s.metrics.AddSSESubscribers(ctx, 1)
	defer s.metrics.AddSSESubscribers(ctx, -1)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case frame, ok := <-sub.Frames:
			if !ok {
				return
			}
			if _, err := w.Write(frame.Encode()); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
