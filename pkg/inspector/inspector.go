// Package inspector prints human-readable summaries of ONNX and ZMF
// model files.
package inspector

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/proto"

	"github.com/zerfoo/zinfer/internal/onnx"
)

// InspectONNX decodes an ONNX model and writes its summary to w.
func InspectONNX(w io.Writer, inputFile string) error {
	data, err := os.ReadFile(inputFile)
	if err != nil {
		return fmt.Errorf("failed to read model: %w", err)
	}
	model, err := onnx.Decode(data)
	if err != nil {
		return fmt.Errorf("failed to decode model: %w", err)
	}

	fmt.Fprintf(w, "Producer: %s %s\n", model.ProducerName, model.ProducerVersion)
	fmt.Fprintf(w, "IR version: %d\n", model.IRVersion)
	for _, opset := range model.OpsetImports {
		domain := opset.Domain
		if domain == "" {
			domain = "ai.onnx"
		}
		fmt.Fprintf(w, "Opset: %s %d\n", domain, opset.Version)
	}
	if model.Graph == nil {
		fmt.Fprintln(w, "Model has no graph.")
		return nil
	}
	graph := model.Graph
	fmt.Fprintf(w, "Graph %q has %d nodes, %d inputs, %d outputs, %d initializers.\n",
		graph.Name, len(graph.Nodes), len(graph.Inputs), len(graph.Outputs), len(graph.Initializers))

	counts := make(map[string]int)
	var ops []string
	for _, node := range graph.Nodes {
		if counts[node.OpType] == 0 {
			ops = append(ops, node.OpType)
		}
		counts[node.OpType]++
	}
	fmt.Fprintln(w, "\nOperators:")
	for _, op := range ops {
		fmt.Fprintf(w, "- %s: %d\n", op, counts[op])
	}

	fmt.Fprintln(w, "\nInputs:")
	for _, input := range graph.Inputs {
		fmt.Fprintf(w, "- %s: %s %s\n", input.Name, input.ElemType, formatShape(input.Shape))
	}
	fmt.Fprintln(w, "\nOutputs:")
	for _, output := range graph.Outputs {
		fmt.Fprintf(w, "- %s: %s %s\n", output.Name, output.ElemType, formatShape(output.Shape))
	}
	return nil
}

func formatShape(dims []onnx.Dimension) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		if d.IsDynamic() {
			parts[i] = d.Param
			if parts[i] == "" {
				parts[i] = "?"
			}
		} else {
			parts[i] = fmt.Sprintf("%d", d.Value)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// LoadZMF reads and deserializes a ZMF model from a file.
func LoadZMF(inputFile string) (*zmf.Model, error) {
	data, err := os.ReadFile(inputFile)
	if err != nil {
		return nil, err
	}
	model := &zmf.Model{}
	if err := proto.Unmarshal(data, model); err != nil {
		return nil, err
	}
	return model, nil
}

// InspectZMF loads a ZMF model and writes its summary to w.
func InspectZMF(w io.Writer, inputFile string) error {
	model, err := LoadZMF(inputFile)
	if err != nil {
		return fmt.Errorf("failed to load ZMF model: %w", err)
	}

	fmt.Fprintf(w, "Producer: %s %s\n", model.GetMetadata().GetProducerName(), model.GetMetadata().GetProducerVersion())
	fmt.Fprintf(w, "Opset version: %d\n", model.GetMetadata().GetOpsetVersion())
	fmt.Fprintf(w, "Graph has %d nodes.\n", len(model.GetGraph().GetNodes()))
	fmt.Fprintf(w, "Graph has %d parameters.\n", len(model.GetGraph().GetParameters()))

	fmt.Fprintln(w, "\nNodes:")
	for _, node := range model.GetGraph().GetNodes() {
		fmt.Fprintf(w, "- Node: %s, OpType: %s\n", node.GetName(), node.GetOpType())
		fmt.Fprintf(w, "  Inputs: %v\n", node.GetInputs())
		fmt.Fprintf(w, "  Outputs: %v\n", node.GetOutputs())
	}
	return nil
}
