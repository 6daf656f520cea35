/*
Copyright © 2026 madny2024
*/

package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

func logf(cfg *Config, format string, args ...any) {
	if !cfg.verbose {
		return
	}

	log.Printf("%s | "+format, append([]any{time.Now().Format(logDate)}, args...)...)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError emits either a plain-text or a JSON error body, matching the
// deployment's proxy response mode.
func writeError(cfg *Config, w http.ResponseWriter, status int, message string) {
	if cfg.proxyJSON {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(errorBody{Error: message})
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message + "\n"))
}
