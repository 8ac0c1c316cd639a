package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/hire-requests/internal/dispatch"
	"github.com/example/hire-requests/internal/engine"
	"github.com/example/hire-requests/internal/ledger"
	"github.com/example/hire-requests/internal/models"
)

const (
	userHeader        = "X-User-ID"
	idempotencyHeader = "Idempotency-Key"
	maxBodyBytes      = 64 << 10
)

type Server struct {
	Engine   *engine.Engine
	Hub      *dispatch.Hub
	// Ready reports whether backing services answer. Nil means always ready.
	Ready    func(ctx context.Context) error
	logger   *slog.Logger
	mux      *mux.Router
	pongWait time.Duration
}

func NewServer(e *engine.Engine, hub *dispatch.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = dispatch.NewHub(logger)
	}
	s := &Server{Engine: e, Hub: hub, logger: logger, mux: mux.NewRouter(), pongWait: defaultPongWait}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.withUser(s.handleCreateRequest)).Methods(http.MethodPost)
	api.HandleFunc("/requests", s.withUser(s.handleListRequests)).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.withUser(s.handleUpdateRequest)).Methods(http.MethodPatch)
	api.HandleFunc("/requests/{id}", s.withUser(s.handleDeleteRequest)).Methods(http.MethodDelete)
	api.HandleFunc("/requests/{id}/views", s.handleIncrementViews).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/offers", s.withUser(s.handleSubmitOffer)).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/offers/mine", s.withUser(s.handleEditOffer)).Methods(http.MethodPut)
	api.HandleFunc("/requests/{id}/offers/mine", s.withUser(s.handleWithdrawOffer)).Methods(http.MethodDelete)
	api.HandleFunc("/requests/{id}/offers/{driverId}/accept", s.withUser(s.handleAcceptOffer)).Methods(http.MethodPost)
	api.HandleFunc("/drivers/me/area", s.withUser(s.handleSetArea)).Methods(http.MethodPut)
	api.HandleFunc("/notifications", s.withUser(s.handleNotifications)).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/requests", s.withUser(s.handleRequestStream))
	s.mux.HandleFunc("/ws/notifications", s.withUser(s.handleNotificationStream))
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// withUser requires the caller identity set by the upstream authenticator.
func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userHeader))
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + userHeader})
			return
		}
		h(w, r, userID)
	}
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request, userID string) {
	var req models.BookingRequest
	if !decode(w, r, &req) {
		return
	}
	req.UserID = userID
	id, err := s.Engine.CreateRequest(r.Context(), &req, r.Header.Get(idempotencyHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func listOptions(r *http.Request, userID string) engine.ListOptions {
	q := r.URL.Query()
	opts := engine.ListOptions{Kind: engine.ListKind(q.Get("filter")), DriverID: userID}
	if st, city := q.Get("state"), q.Get("city"); st != "" || city != "" {
		opts.Area = &models.DriverLocation{State: st, City: city}
	}
	return opts
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request, userID string) {
	l, err := s.Engine.ListActiveOnce(r.Context(), listOptions(r, userID))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleUpdateRequest(w http.ResponseWriter, r *http.Request, userID string) {
	var patch models.RequestPatch
	if !decode(w, r, &patch) {
		return
	}
	if err := s.Engine.UpdateRequest(r.Context(), mux.Vars(r)["id"], userID, patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRequest(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.Engine.DeleteRequest(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIncrementViews(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.IncrementViews(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request, userID string) {
	var offer models.Offer
	if !decode(w, r, &offer) {
		return
	}
	if err := s.Engine.SubmitOffer(r.Context(), mux.Vars(r)["id"], userID, offer); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleEditOffer(w http.ResponseWriter, r *http.Request, userID string) {
	var offer models.Offer
	if !decode(w, r, &offer) {
		return
	}
	if err := s.Engine.EditOffer(r.Context(), mux.Vars(r)["id"], userID, offer); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWithdrawOffer(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.Engine.WithdrawOffer(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type acceptResponse struct {
	RequestID   string `json:"requestId"`
	DriverID    string `json:"driverId"`
	HoldID      string `json:"holdId,omitempty"`
	PaymentHold string `json:"paymentHold"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request, userID string) {
	vars := mux.Vars(r)
	resp := acceptResponse{RequestID: vars["id"], DriverID: vars["driverId"], PaymentHold: "held"}
	holdID, err := s.Engine.AcceptOffer(r.Context(), resp.RequestID, userID, resp.DriverID)
	status := http.StatusOK
	switch {
	case errors.Is(err, ledger.ErrHoldFailed):
		resp.PaymentHold = "failed"
		status = http.StatusAccepted
	case err != nil:
		s.writeError(w, r, err)
		return
	case holdID == "":
		resp.PaymentHold = "none"
	}
	resp.HoldID = holdID

	if perr := s.Hub.Push(resp.DriverID, map[string]string{"type": "offer_accepted", "requestId": resp.RequestID}); perr != nil && !errors.Is(perr, dispatch.ErrNoSession) {
		s.logger.Warn("accept notice not delivered", "driver_id", resp.DriverID, "error", perr)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSetArea(w http.ResponseWriter, r *http.Request, userID string) {
	var area models.DriverLocation
	if !decode(w, r, &area) {
		return
	}
	if area.State == "" && area.City == "" {
		s.writeError(w, r, &models.ValidationError{Fields: []models.FieldError{{Field: "state", Rule: "required_without=city"}}})
		return
	}
	if err := s.Engine.SetDriverArea(r.Context(), userID, area); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, userID string) {
	c, err := s.Engine.GetNotificationCounts(r.Context(), userID, models.Role(r.URL.Query().Get("role")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

type errorBody struct {
	Error  string              `json:"error"`
	Fields []models.FieldError `json:"fields,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrIndexOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDuplicateOffer), errors.Is(err, models.ErrSelfOffer), errors.Is(err, models.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, models.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		body.Fields = ve.Fields
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
