package proxy

import "net/http"

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders = "Content-Type, X-API-Key, X-User-Id, Authorization"
	corsMaxAge       = "86400"
)

// SetCORSHeaders lets browser SDKs on any origin read gateway responses.
func SetCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
}

// WritePreflight answers an OPTIONS request without touching auth.
func WritePreflight(w http.ResponseWriter) {
	SetCORSHeaders(w.Header())
	w.Header().Set("Access-Control-Max-Age", corsMaxAge)
	w.WriteHeader(http.StatusNoContent)
}
