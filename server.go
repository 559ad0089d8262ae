package sentinel

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/oarkflow/log"
)

// Server exposes the engine over HTTP.
type Server struct {
	engine *Engine
	logger *log.Logger
}

func NewServer(engine *Engine, logger *log.Logger) *Server {
	return &Server{engine: engine, logger: logger}
}

// App builds the Fiber application with all routes registered.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(cors.New())

	app.Post("/traffic/analyze", s.handleAnalyze)
	app.Get("/traffic/baseline", s.handleBaseline)
	app.Post("/attacks/detect", s.handleDetect)
	app.Get("/attacks", s.handleListAttacks)
	app.Get("/attacks/active", s.handleActiveAttacks)
	app.Get("/attacks/:id", s.handleGetAttack)
	app.Post("/attacks/:id/mitigate", s.handleMitigate)
	app.Post("/attacks/:id/resolve", s.handleResolve)
	app.Get("/summary", s.handleSummary)
	app.Get("/healthz", s.handleHealth)

	return app
}

func (s *Server) handleAnalyze(c *fiber.Ctx) error {
	var in TrafficInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	result, err := s.engine.AnalyzeTraffic(c.Context(), &in)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSample):
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, ErrDuplicateSample):
			return c.Status(409).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, ErrRateLimited):
			return c.Status(429).JSON(fiber.Map{"error": err.Error()})
		}
		return err
	}
	return c.JSON(fiber.Map{
		"recordId": result.Sample.ID,
		"sample":   result.Sample,
		"analysis": fiber.Map{
			"isAnomalous":  result.Score.IsAnomalous,
			"anomalyScore": result.Score.AnomalyScore,
			"signals":      result.Score.Signals,
		},
		"baseline": result.Baseline,
	})
}

func (s *Server) handleBaseline(c *fiber.Ctx) error {
	targetID := c.Query("targetId", GlobalTarget)
	interval := SampleInterval(c.Query("interval", string(Interval5m)))
	if !interval.Valid() {
		return c.Status(400).JSON(fiber.Map{"error": "unknown interval"})
	}
	windowHours, _ := strconv.Atoi(c.Query("hours", "0"))
	baseline, err := s.engine.Baseline(c.Context(), targetID, interval, windowHours)
	if err != nil {
		return err
	}
	return c.JSON(baseline)
}

func (s *Server) handleDetect(c *fiber.Ctx) error {
	var in TrafficInput
	if err := c.BodyParser(&in); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	outcome, err := s.engine.DetectAttack(c.Context(), &in)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidSample):
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, ErrRateLimited):
			return c.Status(429).JSON(fiber.Map{"error": err.Error()})
		}
		return err
	}
	resp := fiber.Map{
		"isAttack":     outcome.IsAttack,
		"anomalyScore": outcome.Score.AnomalyScore,
		"signals":      outcome.Score.Signals,
	}
	if outcome.Attack != nil {
		resp["attack"] = outcome.Attack
		resp["type"] = outcome.Attack.Type
		resp["confidence"] = outcome.Attack.Detection.Confidence
		resp["severity"] = severityBand(outcome.Attack.Detection.Confidence)
	}
	return c.JSON(resp)
}

func (s *Server) handleListAttacks(c *fiber.Ctx) error {
	statuses, err := parseStatuses(c.Query("status"))
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	attacks, err := s.engine.ListAttacks(c.Context(), statuses, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"attacks": attacks, "count": len(attacks)})
}

func (s *Server) handleActiveAttacks(c *fiber.Ctx) error {
	attacks, err := s.engine.ListAttacks(c.Context(), OpenStatuses, 0, 0)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"attacks": attacks, "count": len(attacks)})
}

func (s *Server) handleGetAttack(c *fiber.Ctx) error {
	attack, err := s.engine.GetAttack(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, ErrAttackNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": err.Error()})
		}
		return err
	}
	return c.JSON(attack)
}

func (s *Server) handleMitigate(c *fiber.Ctx) error {
	var body struct {
		Actions []ActionRequest `json:"actions"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if len(body.Actions) == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "at least one action is required"})
	}
	for _, req := range body.Actions {
		if !req.ActionType.Valid() {
			return c.Status(400).JSON(fiber.Map{"error": "unknown action type: " + string(req.ActionType)})
		}
	}
	attack, actions, err := s.engine.Mitigate(c.Context(), c.Params("id"), body.Actions, ActorOperator)
	if err != nil {
		if errors.Is(err, ErrAttackNotFound) {
			return c.Status(404).JSON(fiber.Map{"error": err.Error()})
		}
		return err
	}
	return c.JSON(fiber.Map{"attack": attack, "actions": actions})
}

func (s *Server) handleResolve(c *fiber.Ctx) error {
	attack, err := s.engine.Resolve(c.Context(), c.Params("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrAttackNotFound):
			return c.Status(404).JSON(fiber.Map{"error": err.Error()})
		case errors.Is(err, ErrInvalidTransition):
			return c.Status(409).JSON(fiber.Map{"error": err.Error()})
		}
		return err
	}
	return c.JSON(attack)
}

func (s *Server) handleSummary(c *fiber.Ctx) error {
	return c.JSON(s.engine.Summary())
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	health := fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if err := s.engine.HealthCheck(); err != nil {
		health["status"] = "degraded"
		health["error"] = err.Error()
		return c.Status(503).JSON(health)
	}
	return c.JSON(health)
}

func parseStatuses(raw string) ([]AttackStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var statuses []AttackStatus
	for _, part := range strings.Split(raw, ",") {
		status := AttackStatus(strings.TrimSpace(part))
		switch status {
		case StatusDetected, StatusActive, StatusMitigating, StatusMitigated, StatusResolved:
			statuses = append(statuses, status)
		default:
			return nil, errors.New("unknown status: " + string(status))
		}
	}
	return statuses, nil
}

// severityBand maps detection confidence to the operator-facing label.
func severityBand(confidence float64) string {
	switch {
	case confidence < 50:
		return "low"
	case confidence < 70:
		return "medium"
	case confidence < 90:
		return "high"
	}
	return "critical"
}
