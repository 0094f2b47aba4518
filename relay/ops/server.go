// Package ops exposes the operator HTTP surface: dead-letter inspection,
// manual requeue, breaker state and an on-demand sweep.
package ops

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/yuto-f04/crm-psa-integrate-tool/relay"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/breaker"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/outbox"
)

const (
	// TenantHeader carries the tenant id on operator requests.
	TenantHeader = "X-Tenant-ID"

	defaultDLQLimit = 50
	maxDLQLimit     = 500

	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

var (
	ErrServiceRequired = errors.New("outbox service is required")
	ErrSweeperRequired = errors.New("outbox sweeper is required")
)

// ErrorResponse is the error schema for operator endpoints.
type ErrorResponse struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// DeadLetterRecord is the wire form of a dead-lettered outbox record.
type DeadLetterRecord struct {
	ID             string    `json:"id"`
	Topic          string    `json:"topic"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"lastError,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Server is the operator HTTP server.
type Server struct {
	app      *fiber.App
	service  *outbox.Service
	sweeper  *outbox.Sweeper
	breakers *breaker.Manager
	logger   log.Logger
	addr     string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithListenAddr sets the listen address.
func WithListenAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithBreakers exposes breaker state endpoints for the given manager.
func WithBreakers(manager *breaker.Manager) Option {
	return func(s *Server) {
		s.breakers = manager
	}
}

// NewServer builds the operator server over the outbox service and sweeper.
func NewServer(service *outbox.Service, sweeper *outbox.Sweeper, opts ...Option) (*Server, error) {
	if service == nil {
		return nil, ErrServiceRequired
	}

	if sweeper == nil {
		return nil, ErrSweeperRequired
	}

	s := &Server{
		service: service,
		sweeper: sweeper,
		logger:  log.NewNop(),
		addr:    ":8086",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.app = fiber.New(fiber.Config{
		ReadTimeout:           defaultReadTimeout,
		WriteTimeout:          defaultWriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	s.routes()

	return s, nil
}

func (s *Server) routes() {
	s.app.Get("/health", s.health)
	s.app.Get("/outbox/dlq", s.listDeadLetters)
	s.app.Post("/outbox/:id/retry", s.retryRecord)
	s.app.Post("/outbox/sweep", s.sweep)

	if s.breakers != nil {
		s.app.Get("/breakers/:dependency", s.breakerState)
		s.app.Post("/breakers/:dependency/reset", s.breakerReset)
	}
}

// App returns the underlying fiber application, used by tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts the server inside the launcher's lifecycle.
func (s *Server) Run(_ *relay.Launcher) error {
	s.logger.Log(context.Background(), log.LevelInfo, "operator api listening",
		log.String("addr", s.addr))

	if err := s.app.Listen(s.addr); err != nil {
		return fmt.Errorf("operator api: %w", err)
	}

	return nil
}

// Shutdown drains in-flight requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("operator api shutdown: %w", err)
	}

	return nil
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) listDeadLetters(c *fiber.Ctx) error {
	tenantID := c.Get(TenantHeader)
	if tenantID == "" {
		return writeError(c, fiber.StatusBadRequest, "tenant_required", "missing "+TenantHeader+" header")
	}

	limit := defaultDLQLimit

	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return writeError(c, fiber.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		}

		limit = min(parsed, maxDLQLimit)
	}

	records, err := s.service.ListDeadLetters(c.UserContext(), tenantID, limit)
	if err != nil {
		return err
	}

	items := make([]DeadLetterRecord, 0, len(records))
	for _, record := range records {
		items = append(items, toDeadLetterRecord(record))
	}

	return c.JSON(fiber.Map{"items": items})
}

func (s *Server) retryRecord(c *fiber.Ctx) error {
	tenantID := c.Get(TenantHeader)
	if tenantID == "" {
		return writeError(c, fiber.StatusBadRequest, "tenant_required", "missing "+TenantHeader+" header")
	}

	recordID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_record_id", "record id must be a UUID")
	}

	if err := s.service.Requeue(c.UserContext(), tenantID, recordID); err != nil {
		switch {
		case errors.Is(err, outbox.ErrRecordNotFound):
			return writeError(c, fiber.StatusNotFound, "record_not_found", "no such record for tenant")
		case errors.Is(err, outbox.ErrNotDeadLettered):
			return writeError(c, fiber.StatusConflict, "not_dead_lettered", "record is not dead-lettered")
		default:
			return err
		}
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "queued"})
}

func (s *Server) sweep(c *fiber.Ctx) error {
	count, err := s.sweeper.SweepOnce(c.UserContext())
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"swept": count})
}

func (s *Server) breakerState(c *fiber.Ctx) error {
	dependency := c.Params("dependency")

	return c.JSON(fiber.Map{
		"dependency": dependency,
		"state":      string(s.breakers.GetState(dependency)),
	})
}

func (s *Server) breakerReset(c *fiber.Ctx) error {
	dependency := c.Params("dependency")
	s.breakers.Reset(dependency)

	s.logger.Log(c.UserContext(), log.LevelInfo, "breaker reset by operator",
		log.String("dependency", dependency))

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "reset"})
}

// errorHandler keeps unexpected errors generic on the wire and sanitized in
// the log.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return writeError(c, fiberErr.Code, "request_failed", fiberErr.Message)
	}

	s.logger.Log(c.UserContext(), log.LevelError, "operator handler error",
		log.String("method", c.Method()),
		log.String("path", c.Path()),
		log.String("error", outbox.SanitizeErrorMessage(err.Error())),
	)

	return writeError(c, fiber.StatusInternalServerError, "internal_error", "internal server error")
}

func writeError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Code:    strconv.Itoa(status),
		Title:   title,
		Message: message,
	})
}

func toDeadLetterRecord(record *outbox.Record) DeadLetterRecord {
	return DeadLetterRecord{
		ID:             record.ID.String(),
		Topic:          record.Topic.String(),
		Status:         record.Status.String(),
		Attempts:       record.Attempts,
		LastError:      record.LastError,
		IdempotencyKey: record.IdempotencyKey,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}
