package api

import (
	"github.com/samcharles93/microconv/internal/graph"
	"github.com/samcharles93/microconv/internal/version"
)

// DepthwiseRequest evaluates one convolution on inline tensors. Output
// carries the output's dtype and quantization; its shape is derived.
type DepthwiseRequest struct {
	Params         graph.NodeParams  `json:"params"`
	Input          graph.TensorSpec  `json:"input"`
	Filter         graph.TensorSpec  `json:"filter"`
	Bias           *graph.TensorSpec `json:"bias,omitempty"`
	Output         graph.TensorSpec  `json:"output"`
	ForceReference bool              `json:"force_reference,omitempty"`
}

type DepthwiseResponse struct {
	ID     string           `json:"id"`
	Object string           `json:"object"`
	OpID   string           `json:"op_id"`
	Path   string           `json:"path"`
	Output graph.TensorSpec `json:"output"`
}

// InvokeRequest overrides graph inputs before running the loaded graph.
type InvokeRequest struct {
	Inputs []graph.TensorSpec `json:"inputs,omitempty"`
}

type InvokeResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Outputs []graph.TensorSpec `json:"outputs"`
	Nodes   []NodeInfo         `json:"nodes"`
}

type GraphResponse struct {
	Object  string     `json:"object"`
	Name    string     `json:"name"`
	Inputs  []string   `json:"inputs"`
	Outputs []string   `json:"outputs"`
	Nodes   []NodeInfo `json:"nodes"`
}

type NodeInfo struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	ID           string `json:"id"`
	DType        string `json:"dtype"`
	InputShape   []int  `json:"input_shape"`
	FilterShape  []int  `json:"filter_shape"`
	OutputShape  []int  `json:"output_shape"`
	LastPath     string `json:"last_path"`
	FastEligible bool   `json:"fast_eligible"`
	Reason       string `json:"reason,omitempty"`
}

type HealthResponse struct {
	Status  string       `json:"status"`
	Version version.Info `json:"version"`
	Slots   int          `json:"cache_slots"`
	Free    int          `json:"cache_slots_free"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

func nodeInfos(in []graph.NodeInfo) []NodeInfo {
	out := make([]NodeInfo, 0, len(in))
	for _, n := range in {
		out = append(out, NodeInfo{
			Index:        n.Index,
			Name:         n.Name,
			ID:           n.ID.String(),
			DType:        n.DType.String(),
			InputShape:   n.InputShape,
			FilterShape:  n.FilterShape,
			OutputShape:  n.OutputShape,
			LastPath:     n.LastPath.String(),
			FastEligible: n.FastEligible,
			Reason:       n.Reason,
		})
	}
	return out
}
