// Package api serves depthwise convolution evaluation over HTTP.
package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/microconv/internal/depthwise"
	"github.com/samcharles93/microconv/internal/graph"
	"github.com/samcharles93/microconv/internal/logger"
	"github.com/samcharles93/microconv/internal/tensor"
	"github.com/samcharles93/microconv/internal/version"
)

type Config struct {
	// Graph is served by the /v1/graph endpoints when set.
	Graph *graph.Interpreter
	// Arena backs the fast path of single-op requests. A one-slot arena is
	// created when nil.
	Arena       *depthwise.Arena
	PackedLoads bool
	Logger      logger.Logger
}

type Server struct {
	arena       *depthwise.Arena
	packedLoads bool
	log         logger.Logger

	// mu serializes graph invocations; an interpreter is single-threaded.
	mu    sync.Mutex
	graph *graph.Interpreter
}

func NewServer(cfg Config) *Server {
	s := &Server{
		arena:       cfg.Arena,
		packedLoads: cfg.PackedLoads,
		log:         cfg.Logger,
		graph:       cfg.Graph,
	}
	if s.arena == nil {
		s.arena = depthwise.NewArena(1, depthwise.DefaultCacheCapacity)
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/depthwise", s.handleDepthwise)
	e.GET("/v1/graph", s.handleGetGraph)
	e.POST("/v1/graph/invoke", s.handleInvokeGraph)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Resolve(),
		Slots:   s.arena.Slots(),
		Free:    s.arena.Available(),
	})
}

func (s *Server) handleDepthwise(c *echo.Context) error {
	req, err := decodeJSON[DepthwiseRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	reqID := uuid.New()

	params, err := req.Params.Depthwise()
	if err != nil {
		return writeBadRequest(c, fmt.Sprintf("params: %v", err))
	}
	node, err := buildNode(params, req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	op, err := depthwise.New(params, depthwise.Options{
		Arena:          s.arena,
		PackedLoads:    s.packedLoads,
		ForceReference: req.ForceReference,
		Logger:         s.log.With("request", reqID.String()),
	})
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	defer op.Free()

	if err := op.Prepare(node); err != nil {
		return writeOpError(c, err)
	}
	if err := op.Eval(c.Request().Context(), node); err != nil {
		return writeOpError(c, err)
	}
	return c.JSON(http.StatusOK, DepthwiseResponse{
		ID:     "dw_" + reqID.String(),
		Object: "depthwise.result",
		OpID:   op.ID.String(),
		Path:   op.LastPath().String(),
		Output: graph.SpecOf(node.Outputs[0]),
	})
}

func buildNode(params depthwise.Params, req DepthwiseRequest) (depthwise.Node, error) {
	input, err := inlineTensor("input", req.Input)
	if err != nil {
		return depthwise.Node{}, err
	}
	filter, err := inlineTensor("filter", req.Filter)
	if err != nil {
		return depthwise.Node{}, err
	}
	node := depthwise.Node{Inputs: []*tensor.Tensor{input, filter}}
	if req.Bias != nil {
		bias, err := inlineTensor("bias", *req.Bias)
		if err != nil {
			return depthwise.Node{}, err
		}
		node.Inputs = append(node.Inputs, bias)
	}

	out := req.Output
	if out.Name == "" {
		out.Name = "output"
	}
	if out.DType == "" {
		out.DType = input.DType.String()
	}
	if len(out.Data) > 0 || len(out.Real) > 0 {
		return depthwise.Node{}, newInvalidRequest("output must not carry values")
	}
	shape, err := params.OutputShape(input.Shape, filter.Shape)
	if err != nil {
		return depthwise.Node{}, newInvalidRequest("output: %v", err)
	}
	out.Shape = shape
	output, err := graph.NewTensor(out)
	if err != nil {
		return depthwise.Node{}, newInvalidRequest("output: %v", err)
	}
	node.Outputs = []*tensor.Tensor{output}
	return node, nil
}

func inlineTensor(role string, ts graph.TensorSpec) (*tensor.Tensor, error) {
	if ts.Name == "" {
		ts.Name = role
	}
	t, err := graph.NewTensor(ts)
	if err != nil {
		return nil, newInvalidRequest("%s: %v", role, err)
	}
	return t, nil
}

func (s *Server) handleGetGraph(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph == nil {
		return writeNotFound(c, ErrNoGraph.Error())
	}
	return c.JSON(http.StatusOK, GraphResponse{
		Object:  "graph",
		Name:    s.graph.Name(),
		Inputs:  s.graph.Inputs(),
		Outputs: s.graph.Outputs(),
		Nodes:   nodeInfos(s.graph.Nodes()),
	})
}

func (s *Server) handleInvokeGraph(c *echo.Context) error {
	var req InvokeRequest
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if req, err = decodeJSON[InvokeRequest](bytes.NewReader(body)); err != nil {
			return writeBadRequest(c, err.Error())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graph == nil {
		return writeNotFound(c, ErrNoGraph.Error())
	}
	for _, ts := range req.Inputs {
		t, err := inlineTensor(ts.Name, ts)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		if err := s.graph.SetInput(ts.Name, t); err != nil {
			return writeBadRequest(c, err.Error())
		}
	}
	if err := s.graph.Invoke(c.Request().Context()); err != nil {
		return writeOpError(c, err)
	}

	resp := InvokeResponse{
		ID:     "inv_" + uuid.NewString(),
		Object: "graph.invocation",
		Nodes:  nodeInfos(s.graph.Nodes()),
	}
	for _, name := range s.graph.Outputs() {
		t, _ := s.graph.Tensor(name)
		resp.Outputs = append(resp.Outputs, graph.SpecOf(t))
	}
	return c.JSON(http.StatusOK, resp)
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

// writeOpError maps depthwise error kinds to status codes. Shape, type and
// quantization problems are the caller's fault.
func writeOpError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, depthwise.ErrShape):
		return writeError(c, http.StatusUnprocessableEntity, "invalid_request_error", err.Error(), "shape")
	case errors.Is(err, depthwise.ErrQuantization):
		return writeError(c, http.StatusUnprocessableEntity, "invalid_request_error", err.Error(), "quantization")
	case errors.Is(err, depthwise.ErrUnsupportedType):
		return writeError(c, http.StatusUnprocessableEntity, "invalid_request_error", err.Error(), "unsupported_type")
	case errors.Is(err, depthwise.ErrCapacity):
		return writeError(c, http.StatusUnprocessableEntity, "invalid_request_error", err.Error(), "capacity")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
