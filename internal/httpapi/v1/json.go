package v1

import (
	"encoding/json"
	"net/http"
)

type errorResponse struct {
	Error string `json:"error"`
}

func toJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	toJSON(w, status, errorResponse{Error: msg})
}

func notFound(w http.ResponseWriter, msg string) { writeErr(w, http.StatusNotFound, msg) }

func unprocessable(w http.ResponseWriter, msg string) {
	writeErr(w, http.StatusUnprocessableEntity, msg)
}

func internalError(w http.ResponseWriter) {
	writeErr(w, http.StatusInternalServerError, "Internal server error")
}
