package router

import (
	"encoding/json"
	"net/http"

	"github.com/compiler-explorer/ce-router/core/infra/logging"
	"github.com/compiler-explorer/ce-router/core/shaping"
)

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	data, err := json.Marshal(body)
	if err != nil {
		logging.Error("router", "marshal response failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeCORS(w)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeShapedResult(w http.ResponseWriter, r *http.Request, result map[string]any) {
	filterAnsi := r.URL.Query().Get("filterAnsi") == "true"
	contentType, body, err := shaping.Shape(result, r.Header.Get("Accept"), filterAnsi)
	if err != nil {
		logging.Error("router", "shape result failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to render compilation result")
		return
	}
	w.Header().Set("Content-Type", contentType)
	writeCORS(w)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
