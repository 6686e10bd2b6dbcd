package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitlab.ozon.dev/qwestard/shiptrack/internal/access"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/apperrors"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/broker"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/middleware"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/models"
	"gitlab.ozon.dev/qwestard/shiptrack/internal/service"
)

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Check(ctx context.Context) error
}

type Deps struct {
	Shipments *service.ShipmentService
	Tracking  *service.TrackingService
	Users     *service.UserService
	Rates     *service.RateService
	Broker    *broker.Broker
	Audit     middleware.AuditLogger
	Health    HealthChecker
}

type Server struct {
	shipments *service.ShipmentService
	tracking  *service.TrackingService
	users     *service.UserService
	rates     *service.RateService
	broker    *broker.Broker
	audit     middleware.AuditLogger
	health    HealthChecker
	addr      string
	logger    *zap.Logger

	sockets socketSet
}

func NewServer(deps Deps, addr string, logger *zap.Logger) *Server {
	return &Server{
		shipments: deps.Shipments,
		tracking:  deps.Tracking,
		users:     deps.Users,
		rates:     deps.Rates,
		broker:    deps.Broker,
		audit:     deps.Audit,
		health:    deps.Health,
		addr:      addr,
		logger:    logger,
	}
}

var mutating = []string{http.MethodPost, http.MethodPut, http.MethodDelete}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.handleWith(mux, "/api/shipments", s.handleShipments, mutating...)
	s.handleWith(mux, "/api/shipments/", s.handleShipmentOne, mutating...)
	s.handlePublic(mux, "/api/shipments/track/", s.handleTrack("/api/shipments/track/"))
	s.handlePublic(mux, "/api/track/", s.handleTrack("/api/track/"))

	s.handleWith(mux, "/api/rates", s.handleRates, mutating...)
	s.handleWith(mux, "/api/rates/", s.handleRateOne, mutating...)

	s.handleWith(mux, "/api/auth/register", s.handleRegister, http.MethodPost)
	s.handleWith(mux, "/api/auth/me", s.handleMe)
	s.handleWith(mux, "/api/users", s.handleUsers)
	s.handleWith(mux, "/api/users/", s.handleUserOne, mutating...)

	mux.Handle("/socket", middleware.Recover(s.logger)(http.HandlerFunc(s.handleSocket)))
	mux.HandleFunc("/healthz", s.handleHealth)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.CloseSockets()
	if err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWith(mux *http.ServeMux, path string, handlerFunc http.HandlerFunc, auditMethods ...string) {
	finalHandler := middleware.Recover(s.logger)(
		middleware.LogMiddleware(s.logger, s.audit, auditMethods...)(
			middleware.BasicAuthMiddleware(s.users)(
				handlerFunc,
			),
		),
	)
	mux.Handle(path, finalHandler)
}

// handlePublic serves a route without authentication. Credentials sent along
// are ignored, so a stale login cannot lock a caller out.
func (s *Server) handlePublic(mux *http.ServeMux, path string, handlerFunc http.HandlerFunc) {
	mux.Handle(path, middleware.Recover(s.logger)(
		middleware.LogMiddleware(s.logger, s.audit)(handlerFunc),
	))
}

func caller(r *http.Request) access.Caller {
	return access.FromContext(r.Context())
}

func (s *Server) handleShipments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var d models.ShipmentDraft
		if !s.decode(w, r, &d) {
			return
		}
		sh, err := s.shipments.Create(r.Context(), caller(r), d)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sh)
	case http.MethodGet:
		list, err := s.shipments.List(r.Context(), caller(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleShipmentOne(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/shipments/")
	if rest == "" {
		s.writeError(w, r, apperrors.NotFound("Shipment not found"))
		return
	}
	switch rest {
	case "my-shipments":
		s.onlyGet(w, r, func() (any, error) { return s.shipments.ListMine(r.Context(), caller(r)) })
		return
	case "stats":
		s.onlyGet(w, r, func() (any, error) { return s.shipments.Stats(r.Context(), caller(r)) })
		return
	case "recent-activity":
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		s.onlyGet(w, r, func() (any, error) { return s.shipments.RecentActivity(r.Context(), caller(r), limit) })
		return
	}

	id := rest
	switch r.Method {
	case http.MethodGet:
		sh, err := s.shipments.Get(r.Context(), caller(r), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sh)
	case http.MethodPut:
		var p models.ShipmentPatch
		if !s.decode(w, r, &p) {
			return
		}
		sh, err := s.shipments.Update(r.Context(), caller(r), id, p)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sh)
	case http.MethodDelete:
		if err := s.shipments.Delete(r.Context(), caller(r), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeMsg(w, http.StatusOK, "Shipment removed")
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleTrack(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trackingNumber := strings.TrimPrefix(r.URL.Path, prefix)
		s.onlyGet(w, r, func() (any, error) { return s.tracking.Track(r.Context(), trackingNumber) })
	}
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rates, err := s.rates.List(r.Context(), caller(r))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rates)
	case http.MethodPost:
		var rate models.Rate
		if !s.decode(w, r, &rate) {
			return
		}
		created, err := s.rates.Create(r.Context(), caller(r), rate)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRateOne(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/rates/"), 10, 64)
	if err != nil {
		s.writeError(w, r, apperrors.NotFound("Rate not found."))
		return
	}
	switch r.Method {
	case http.MethodPut:
		var rate models.Rate
		if !s.decode(w, r, &rate) {
			return
		}
		updated, err := s.rates.Update(r.Context(), caller(r), id, rate)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.rates.Delete(r.Context(), caller(r), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeMsg(w, http.StatusOK, "Service rate removed.")
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req service.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	u, err := s.users.Register(r.Context(), caller(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"msg": "User registered successfully!", "user": u})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.onlyGet(w, r, func() (any, error) { return s.users.Me(r.Context(), caller(r)) })
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	s.onlyGet(w, r, func() (any, error) { return s.users.List(r.Context(), caller(r)) })
}

func (s *Server) handleUserOne(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/users/")
	if rest == "clients" {
		s.onlyGet(w, r, func() (any, error) { return s.users.ListClients(r.Context(), caller(r)) })
		return
	}
	if id, ok := strings.CutSuffix(rest, "/role"); ok {
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		var body struct {
			Role models.Role `json:"role"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		u, err := s.users.UpdateRole(r.Context(), caller(r), id, body.Role)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
		return
	}
	if r.Method != http.MethodDelete || rest == "" {
		methodNotAllowed(w)
		return
	}
	if err := s.users.Delete(r.Context(), caller(r), rest); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeMsg(w, http.StatusOK, "User removed successfully")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) onlyGet(w http.ResponseWriter, r *http.Request, fn func() (any, error)) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	res, err := fn()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, r, apperrors.Validation("bad JSON: %v", err))
		return false
	}
	return true
}

// writeError maps a domain error to its status. Storage failures are logged
// in full and answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindStorage {
		s.logger.Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	if kind == apperrors.KindUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="shiptrack"`)
	}
	writeJSON(w, apperrors.HTTPStatus(kind), map[string]string{"kind": string(kind), "msg": apperrors.Message(err)})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"kind": "validation", "msg": "method not allowed"})
}

func writeMsg(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"msg": msg})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
