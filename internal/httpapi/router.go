package httpapi

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// NewRouter 注册全部路由；hub 为 nil 时不开放 /ws
// 外层依次包裹 CORS、panic 恢复和访问日志
func NewRouter(h *Handler, hub *Hub, allowedOrigins []string, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/dogs", h.ListDogs).Methods("GET")
	api.HandleFunc("/dogs/{dogID}/status", h.GetStatus).Methods("GET")
	api.HandleFunc("/dogs/{dogID}/events", h.GetEvents).Methods("GET")
	api.HandleFunc("/dogs/{dogID}/events/history", h.GetEventHistory).Methods("GET")
	api.HandleFunc("/dogs/{dogID}/events/export", h.ExportEvents).Methods("GET")
	api.HandleFunc("/dogs/{dogID}/readings", h.PostReading).Methods("POST")

	if hub != nil {
		r.Handle("/ws", hub)
	}

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(allowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(logger)),
		handlers.PrintRecoveryStack(false),
	)

	return handlers.LoggingHandler(zap.NewStdLog(logger).Writer(), recovery(cors(r)))
}
