package importer

import (
	"math"

	"k8s.io/klog/v2"

	"github.com/zerfoo/zinfer/pkg/engine"
)

// reconcileMetadata applies the per-tensor and per-layer records
// accumulated during a re-import onto the finished network. Every
// recorded name must resolve against what was actually built.
func reconcileMetadata(ctx *Context) error {
	network := ctx.Network()

	tensors := make(map[string]*engine.Tensor)
	layers := make(map[string]*engine.Layer)
	for i := 0; i < network.NumInputs(); i++ {
		t := network.Input(i)
		tensors[t.Name()] = t
	}
	for i := 0; i < network.NumOutputs(); i++ {
		t := network.Output(i)
		tensors[t.Name()] = t
	}
	for i := 0; i < network.NumLayers(); i++ {
		l := network.Layer(i)
		layers[l.Name()] = l
		for j := 0; j < l.NumInputs(); j++ {
			t := l.Input(j)
			tensors[t.Name()] = t
		}
		for j := 0; j < l.NumOutputs(); j++ {
			t := l.Output(j)
			tensors[t.Name()] = t
		}
	}

	for name, location := range ctx.tensorLocations {
		t, ok := tensors[name]
		if !ok {
			return newStatus(ErrorInvalidGraph, "reconcileMetadata",
				"recorded location for unknown tensor %q", name)
		}
		t.SetLocation(location)
	}

	for name, min := range ctx.tensorRangeMins {
		t, ok := tensors[name]
		if !ok {
			return newStatus(ErrorInvalidGraph, "reconcileMetadata",
				"recorded dynamic range for unknown tensor %q", name)
		}
		if math.IsNaN(float64(min)) {
			// Unset sentinel; the exporter writes one per output.
			continue
		}
		max, ok := ctx.tensorRangeMaxes[name]
		if !ok {
			return newStatus(ErrorInvalidGraph, "reconcileMetadata",
				"tensor %q has a range minimum but no maximum", name)
		}
		t.SetDynamicRange(min, max)
	}

	for name, precision := range ctx.layerPrecisions {
		l, ok := layers[name]
		if !ok {
			return newStatus(ErrorInvalidGraph, "reconcileMetadata",
				"recorded precision for unknown layer %q", name)
		}
		l.SetPrecision(precision)
	}
	return nil
}

// normalizeShapeTensors walks every layer whose first output is a shape
// tensor and forces the integral (or boolean) typing shape tensors
// require, overriding whatever precision the layer picked up during
// translation. Layers structurally unable to produce a shape tensor are
// recorded on the context for support analysis.
func normalizeShapeTensors(ctx *Context) {
	network := ctx.Network()
	for i := 0; i < network.NumLayers(); i++ {
		l := network.Layer(i)
		if l.NumOutputs() == 0 {
			continue
		}
		t := l.Output(0)
		if !t.IsShapeTensor() {
			continue
		}

		l.ResetPrecision()
		l.ResetOutputType(0)
		shapeType := engine.Int32
		if t.Type() == engine.Bool {
			shapeType = engine.Bool
		}
		l.SetPrecision(shapeType)
		l.SetOutputType(0, shapeType)
		if t.Type() != shapeType {
			t.SetType(shapeType)
		}

		if !engine.SupportsShapeTensor(l.Type(), l.Operation(), l.ReduceOp()) {
			ctx.MarkIllegalShapeTensor(t.Name())
			klog.Errorf("Found %q as a shape tensor output from a layer that does not support it.", t.Name())
		}
	}
}
