package handler

import (
	"net/http"
	"time"
)

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	OK   bool      `json:"ok"`
	Time time.Time `json:"time"`
}

// Health はプロセスの生存を返す。ストアの状態には依存しない。
// GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Time: time.Now().UTC()})
}
