package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/halcyonlabs/murmur/internal/capture"
	"github.com/halcyonlabs/murmur/internal/enrich"
	"github.com/halcyonlabs/murmur/internal/health"
	"github.com/halcyonlabs/murmur/internal/syncer"
	"github.com/halcyonlabs/murmur/pkg/audio"
	"github.com/halcyonlabs/murmur/pkg/audio/ingest"
)

// frameMs is the chunk size pushed audio is sliced into before entering the
// frame buffer.
const frameMs = 20

// Handler builds the HTTP control surface: capture session control, audio
// ingest, thought listing, manual enrichment re-runs, and health probes.
// Metrics and request middleware are attached by the caller.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /capture/start", a.handleCaptureStart)
	mux.HandleFunc("POST /capture/stop", a.handleCaptureStop)
	mux.HandleFunc("POST /capture/cancel", a.handleCaptureCancel)
	mux.HandleFunc("POST /capture/audio", a.handleCaptureAudio)
	mux.HandleFunc("POST /capture/audio/end", a.handleCaptureAudioEnd)
	mux.HandleFunc("GET /capture/state", a.handleCaptureState)

	mux.HandleFunc("GET /thoughts", a.handleThoughts)
	mux.HandleFunc("GET /thoughts/{id}", a.handleThought)
	mux.HandleFunc("POST /thoughts/{id}/enrich/{kind}", a.handleRequeue)

	checkers := []health.Checker{
		{Name: "store", Check: a.checkStore},
		{Name: "enrichment", Check: a.checkEnrichment},
	}
	health.New(checkers...).Register(mux)

	return mux
}

func (a *App) checkStore(ctx context.Context) error {
	if a.storePing == nil {
		return nil
	}
	return a.storePing(ctx)
}

// enrichBacklogLimit is the queue depth past which readiness reports the
// enrichment pipeline as wedged (LLM provider down, retries piling up).
const enrichBacklogLimit = 256

func (a *App) checkEnrichment(context.Context) error {
	if a.queue == nil {
		return nil
	}
	if depth := a.queue.Depth(); depth > enrichBacklogLimit {
		return fmt.Errorf("enrichment backlog at %d tasks", depth)
	}
	return nil
}

func (a *App) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	if err := a.StartCapture(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": a.CaptureState().String()})
}

func (a *App) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	res, err := a.StopCapture(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text":       res.Text,
		"source":     string(res.Source),
		"confidence": res.Confidence,
		"duration":   res.Duration.String(),
		"dropped":    res.Dropped,
	})
}

func (a *App) handleCaptureCancel(w http.ResponseWriter, _ *http.Request) {
	if err := a.CancelCapture(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": a.CaptureState().String()})
}

// handleCaptureAudio streams the request body into the live session in
// frame-sized chunks. The producer side never blocks on a slow pipeline;
// overflow costs dropped frames.
func (a *App) handleCaptureAudio(w http.ResponseWriter, r *http.Request) {
	if a.ingest == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "audio push requires the ingest device"})
		return
	}

	format := a.ingest.Format()
	chunk := format.SampleRate * format.Channels * 2 * frameMs / 1000
	buf := make([]byte, chunk)
	for {
		n, err := io.ReadFull(r.Body, buf)
		if n > 0 {
			if perr := a.PushAudio(buf[:n]); perr != nil {
				writeError(w, perr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": a.CaptureState().String()})
}

// handleCaptureAudioEnd signals end of pushed audio without stopping the
// session, letting trailing-silence auto-stop or an explicit stop finish it.
func (a *App) handleCaptureAudioEnd(w http.ResponseWriter, _ *http.Request) {
	a.EndAudio()
	writeJSON(w, http.StatusOK, map[string]string{"state": a.CaptureState().String()})
}

func (a *App) handleCaptureState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state": a.CaptureState().String(),
		"level": a.Level(),
	})
}

func (a *App) handleThoughts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"thoughts":        a.Thoughts(),
		"pending_actions": a.PendingActions(),
	})
}

func (a *App) handleThought(w http.ResponseWriter, r *http.Request) {
	t, ok := a.Thought(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "thought not found"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *App) handleRequeue(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindFromString(r.PathValue("kind"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown enrichment kind"})
		return
	}
	if err := a.RequeueEnrichment(r.PathValue("id"), kind); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func kindFromString(s string) (enrich.Kind, bool) {
	for _, k := range enrich.Kinds() {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// writeError maps pipeline error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, capture.ErrAlreadyRecording):
		status = http.StatusConflict
	case errors.Is(err, capture.ErrNotRecording), errors.Is(err, ingest.ErrNotOpen):
		status = http.StatusConflict
	case errors.Is(err, audio.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, audio.ErrDeviceUnavailable), errors.Is(err, audio.ErrNotSupported):
		status = http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrNoSpeech):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, syncer.ErrNotFound):
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}
