package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/tally.json.
const wellKnownManifest = `{
  "name": "Tally",
  "description": "Usage ledger and policy governance engine",
  "version": "0.1.0",
  "auth": {
    "type": "bearer",
    "header": "Authorization"
  },
  "endpoints": {
    "meter": "/meter",
    "meter_breakdown": "/meter/breakdown",
    "meter_events": "/meter/events",
    "policy": "/policy/{scope}/{scopeId}"
  },
  "actions": ["check", "record", "preauthorize", "commit", "cancel"],
  "scopes": ["platform", "workspace", "project", "environment"],
  "health": "/health",
  "metrics": "/metrics"
}`

// WellKnownHandler serves the static service manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
