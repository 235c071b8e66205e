package server

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/attachment"
	"github.com/sicko7947/stepflow/engine"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// stepSummary describes one step to clients rendering a workflow
type stepSummary struct {
	ID          stepflow.StepID            `json:"id"`
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Fields      []fieldSummary             `json:"fields,omitempty"`
	Required    []stepflow.FieldID         `json:"required,omitempty"`
	HasAction   bool                       `json:"hasAction"`
	Attachments *stepflow.AttachmentLimits `json:"attachments,omitempty"`
	Conditional bool                       `json:"conditional,omitempty"`
}

type fieldSummary struct {
	ID      stepflow.FieldID   `json:"id"`
	Type    stepflow.FieldType `json:"type"`
	Options []string           `json:"options,omitempty"`
	Default any                `json:"default,omitempty"`
}

func summarize(def *stepflow.Definition) fiber.Map {
	steps := make([]stepSummary, 0, def.Len())
	for _, st := range def.Steps() {
		sum := stepSummary{
			ID:          st.ID,
			Name:        st.Name,
			Description: st.Description,
			Required:    st.Required,
			HasAction:   st.Action != nil,
			Attachments: st.Attachments,
			Conditional: st.SkipWhen != nil,
		}
		for _, f := range st.Fields {
			sum.Fields = append(sum.Fields, fieldSummary{ID: f.ID, Type: f.Type, Options: f.Options, Default: f.Default})
		}
		steps = append(steps, sum)
	}
	return fiber.Map{
		"type":        def.Type(),
		"name":        def.Name(),
		"description": def.Description(),
		"version":     def.Version(),
		"steps":       steps,
	}
}

func (s *Server) handleListWorkflows(c fiber.Ctx) error {
	registry := s.engine.Registry()
	out := make([]fiber.Map, 0)
	for _, typ := range registry.Types() {
		def, err := registry.Get(typ)
		if err != nil {
			return s.fail(c, err)
		}
		out = append(out, summarize(def))
	}
	return c.JSON(out)
}

func (s *Server) handleGetWorkflow(c fiber.Ctx) error {
	def, err := s.engine.Registry().Get(stepflow.WorkflowType(c.Params("type")))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(summarize(def))
}

func (s *Server) handleOpen(c fiber.Ctx) error {
	typ := stepflow.WorkflowType(c.Params("type"))
	if gate, ok := s.gates[typ]; ok {
		if err := gate(c, typ); err != nil {
			return s.fail(c, err)
		}
	}

	inst, err := s.engine.Open(typ)
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(inst.Snapshot())
}

func (s *Server) handleSnapshot(c fiber.Ctx) error {
	inst, err := s.engine.Instance(c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(inst.Snapshot())
}

func (s *Server) handleAbandon(c fiber.Ctx) error {
	s.engine.Abandon(c.Params("id"))
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleReset(c fiber.Ctx) error {
	snap, err := s.engine.Reset(c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(snap)
}

func (s *Server) handleSetFields(c fiber.Ctx) error {
	var values map[string]any
	if err := c.Bind().JSON(&values); err != nil {
		return badRequest(c, "Invalid request body")
	}
	snap, err := s.engine.SetFields(c.Params("id"), stepflow.FieldIDs(values))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(snap)
}

func (s *Server) handleMove(dir stepflow.Direction) fiber.Handler {
	return func(c fiber.Ctx) error {
		t := stepflow.Transition{Direction: dir}
		if dir == stepflow.DirectionJump {
			t.Target = stepflow.StepID(c.Params("step"))
		}
		snap, err := s.engine.Move(c.Params("id"), t)
		if err != nil {
			return s.fail(c, err)
		}
		return c.JSON(snap)
	}
}

// handleStartRun starts a step action. With ?wait=true the request holds
// until the run finishes and failures map to an error status.
func (s *Server) handleStartRun(c fiber.Ctx) error {
	run, err := s.engine.Start(c.Context(), c.Params("id"), stepflow.StepID(c.Params("step")))
	if err != nil {
		return s.fail(c, err)
	}
	if c.Query("wait") != "true" {
		return c.Status(fiber.StatusAccepted).JSON(run.Info())
	}

	ctx, cancel := context.WithTimeout(c.Context(), s.runWait)
	defer cancel()
	if _, err := run.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return c.Status(fiber.StatusAccepted).JSON(run.Info())
		}
		return s.fail(c, err)
	}
	return c.JSON(run.Info())
}

func (s *Server) handleGetRun(c fiber.Ctx) error {
	run, err := s.engine.Run(c.Params("id"), c.Params("runId"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(run.Info())
}

func (s *Server) handleAttach(c fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return badRequest(c, "Expected a multipart form")
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return badRequest(c, "No files in field \"files\"")
	}

	files := make([]attachment.File, len(headers))
	for i, fh := range headers {
		files[i] = attachment.FromMultipart(fh)
	}

	result, err := s.engine.Attach(c.Context(), c.Params("id"), files)
	if err != nil {
		return s.fail(c, err)
	}
	if len(result.Staged) == 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(result)
	}
	return c.JSON(result)
}

func (s *Server) handleDetach(c fiber.Ctx) error {
	if err := s.engine.Detach(c.Context(), c.Params("id"), c.Params("attachmentId")); err != nil {
		return s.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type submitRequest struct {
	SupplementOf       string `json:"supplementOf"`
	SkipDuplicateCheck bool   `json:"skipDuplicateCheck"`
}

func (s *Server) handleSubmit(c fiber.Ctx) error {
	var req submitRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid request body")
		}
	}

	outcome, err := s.engine.Submit(c.Context(), c.Params("id"), engine.SubmitOptions{
		SupplementOf:       normalizeReference(req.SupplementOf),
		SkipDuplicateCheck: req.SkipDuplicateCheck,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(outcome)
}

func (s *Server) handleListOutcomes(c fiber.Ctx) error {
	filter := stepflow.OutcomeFilter{
		WorkflowType: stepflow.WorkflowType(c.Query("type")),
		Status:       stepflow.OutcomeStatus(c.Query("status")),
		Limit:        defaultListLimit,
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return badRequest(c, "Unknown status")
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return badRequest(c, "Invalid limit")
		}
		filter.Limit = min(n, maxListLimit)
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badRequest(c, "Invalid since, want RFC 3339")
		}
		filter.Since = since
	}

	out := make([]*stepflow.Outcome, 0)
	for o, err := range s.outcomes.List(c.Context(), filter) {
		if err != nil {
			return s.fail(c, err)
		}
		out = append(out, o)
	}
	return c.JSON(out)
}

func (s *Server) handleGetOutcome(c fiber.Ctx) error {
	o, err := s.outcomes.Get(c.Context(), normalizeReference(c.Params("ref")))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(o)
}

type statusRequest struct {
	Status stepflow.OutcomeStatus `json:"status"`
}

func (s *Server) handleUpdateOutcomeStatus(c fiber.Ctx) error {
	var req statusRequest
	if err := c.Bind().JSON(&req); err != nil || !req.Status.IsValid() {
		return badRequest(c, "Expected a known status")
	}
	ref := normalizeReference(c.Params("ref"))
	if err := s.outcomes.UpdateStatus(c.Context(), ref, req.Status); err != nil {
		return s.fail(c, err)
	}
	o, err := s.outcomes.Get(c.Context(), ref)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(o)
}

// normalizeReference accepts references with or without the leading '#',
// which clients have to escape in paths
func normalizeReference(ref string) string {
	if ref == "" {
		return ""
	}
	if unescaped, err := url.PathUnescape(ref); err == nil {
		ref = unescaped
	}
	if !strings.HasPrefix(ref, "#") {
		ref = "#" + ref
	}
	return ref
}
