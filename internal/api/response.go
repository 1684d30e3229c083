package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// envelope is the generic {status, data, reason} body.
type envelope struct {
	Status bool   `json:"status"`
	Data   any    `json:"data,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// writeJSON encodes payload. 200 responses are streamed: proxy buffering is
// disabled and the body is flushed as soon as it is encoded.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusOK {
		w.Header().Set("X-Accel-Buffering", "no")
		w.Header().Set("Cache-Control", "no-cache")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
		return
	}
	if status == http.StatusOK {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, envelope{Status: false, Reason: reason})
}
