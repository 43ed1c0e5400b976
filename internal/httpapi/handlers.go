package httpapi

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/buildtall-systems/dropship/internal/domain"
	"github.com/buildtall-systems/dropship/internal/orchestrator"
	"github.com/buildtall-systems/dropship/internal/workflow"
)

func (s *server) runCycle(c *fiber.Ctx) error {
	var req orchestrator.Criteria
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	req.Keyword = strings.TrimSpace(req.Keyword)
	if req.Keyword == "" {
		return fiber.NewError(fiber.StatusBadRequest, "keyword is required")
	}
	if err := s.deps.Orchestrator.Validate(req); err != nil {
		return err
	}
	res := s.deps.Orchestrator.RunCycle(c.UserContext(), req)
	return c.JSON(res)
}

type batchRequest struct {
	Criteria []orchestrator.Criteria `json:"criteria"`
	Parallel int                     `json:"parallel"`
}

func (s *server) runBatch(c *fiber.Ctx) error {
	var req batchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if len(req.Criteria) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "criteria is required")
	}
	if len(req.Criteria) > s.cfg.MaxBatch {
		return fiber.NewError(fiber.StatusBadRequest, "too many cycles in one batch")
	}
	for i := range req.Criteria {
		req.Criteria[i].Keyword = strings.TrimSpace(req.Criteria[i].Keyword)
		if req.Criteria[i].Keyword == "" {
			return fiber.NewError(fiber.StatusBadRequest, "every cycle needs a keyword")
		}
		if err := s.deps.Orchestrator.Validate(req.Criteria[i]); err != nil {
			return err
		}
	}
	parallel := req.Parallel
	if parallel < 1 || parallel > s.cfg.Parallel {
		parallel = s.cfg.Parallel
	}
	return c.JSON(fiber.Map{"results": s.deps.Orchestrator.RunBatch(c.UserContext(), req.Criteria, parallel)})
}

func (s *server) listBreakers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"breakers": s.deps.Breakers.Snapshots()})
}

func (s *server) resetBreaker(c *fiber.Ctx) error {
	name := c.Params("name")
	if !s.deps.Breakers.Reset(name) {
		return fiber.NewError(fiber.StatusNotFound, "unknown breaker "+name)
	}
	return c.JSON(s.deps.Breakers.Get(name).Snapshot())
}

func (s *server) getProduct(c *fiber.Ctx) error {
	ctx := c.UserContext()
	p, err := s.deps.Workflow.Get(ctx, c.Params("id"))
	if err != nil {
		return err
	}
	timeline, err := s.deps.Workflow.Timeline(ctx, p.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"product": p, "timeline": timeline})
}

type stageRequest struct {
	Success     bool   `json:"success"`
	Reason      string `json:"reason"`
	ExternalRef string `json:"externalRef"`
}

// stageAction applies a manual stage operation: begin, complete, fail,
// skip, bypass or retry.
func (s *server) stageAction(c *fiber.Ctx) error {
	var req stageRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid body")
		}
	}
	ctx := c.UserContext()
	id, stage, actor := c.Params("id"), domain.Stage(c.Params("stage")), s.cfg.Actor
	wf := s.deps.Workflow

	var (
		p   *domain.Product
		err error
	)
	switch c.Params("action") {
	case "begin":
		p, err = wf.Begin(ctx, id, stage, actor)
	case "complete":
		p, err = wf.Advance(ctx, id, stage, workflow.Outcome{Success: true, ExternalRef: req.ExternalRef, Reason: req.Reason, Actor: actor})
	case "fail":
		p, err = wf.Advance(ctx, id, stage, workflow.Outcome{Reason: req.Reason, Actor: actor})
	case "skip":
		p, err = wf.Skip(ctx, id, stage, req.Reason, actor)
	case "bypass":
		if strings.TrimSpace(req.Reason) == "" {
			return fiber.NewError(fiber.StatusBadRequest, "bypass needs a reason")
		}
		p, err = wf.Bypass(ctx, id, stage, req.Reason, actor)
	case "retry":
		p, err = wf.Retry(ctx, id, stage, actor)
	default:
		return fiber.NewError(fiber.StatusNotFound, "unknown action")
	}
	if err != nil {
		return err
	}
	return c.JSON(p)
}

func (s *server) getOrder(c *fiber.Ctx) error {
	o, err := s.deps.Fulfillment.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(o)
}

func (s *server) purchase(c *fiber.Ctx) error {
	res, err := s.deps.Fulfillment.Purchase(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"order": res.Order, "supplierOrderId": res.SupplierOrderID, "cached": res.Cached})
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (s *server) failOrder(c *fiber.Ctx) error {
	var req failRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return fiber.NewError(fiber.StatusBadRequest, "reason is required")
	}
	o, err := s.deps.Fulfillment.Fail(c.UserContext(), c.Params("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(o)
}
