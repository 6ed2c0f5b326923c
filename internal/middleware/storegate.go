package middleware

import (
	"net/http"

	"github.com/hitoshi/chatrelay/internal/model"
)

// AvailabilityGate はPersistenceStoreが利用可能かどうかを返す。
// database.Monitorが実装する。
type AvailabilityGate interface {
	Available() bool
}

// storeGateExemptPaths はストア停止中でも応答するパス。
var storeGateExemptPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// NewStoreGateMiddleware はストア停止中のリクエストに503 Service Unavailableを返すミドルウェアを返す。
// /healthと/metricsは常に通過させる。
func NewStoreGateMiddleware(gate AvailabilityGate) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !storeGateExemptPaths[r.URL.Path] && !gate.Available() {
				WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewStoreUnavailableError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
