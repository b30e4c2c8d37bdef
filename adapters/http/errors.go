package authhttp

import (
	"encoding/json"
	"html"
	"net/http"
)

type errResp struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendErr(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errResp{Error: code})
}

func badRequest(w http.ResponseWriter, code string) { sendErr(w, http.StatusBadRequest, code) }
func forbidden(w http.ResponseWriter, code string)  { sendErr(w, http.StatusForbidden, code) }
func tooMany(w http.ResponseWriter)                 { sendErr(w, http.StatusTooManyRequests, "rate_limited") }
func notFound(w http.ResponseWriter, code string)   { sendErr(w, http.StatusNotFound, code) }
func badGateway(w http.ResponseWriter, msg string)  { sendErr(w, http.StatusBadGateway, msg) }

// operatorError aborts a browser flow with a plain page. It is used for configuration
// failures, which must never fall back to the login page.
func operatorError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte("<!doctype html><title>Login unavailable</title><h1>Login unavailable</h1><p>" +
		html.EscapeString(msg) + "</p>"))
}
