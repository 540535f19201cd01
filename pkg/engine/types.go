// Package engine defines the network-definition IR that imported graphs
// are built into: a flat list of typed layers connected by named
// tensors, with the per-tensor and per-layer metadata (location,
// dynamic range, precision, shape-tensor status) a backend needs to
// compile the network.
package engine

// DataType is the element type of a tensor or the compute precision of
// a layer.
type DataType int

const (
	Float DataType = iota
	Half
	Int8
	Int32
	Bool
)

func (dt DataType) String() string {
	switch dt {
	case Float:
		return "FLOAT"
	case Half:
		return "HALF"
	case Int8:
		return "INT8"
	case Int32:
		return "INT32"
	case Bool:
		return "BOOL"
	}
	return "UNKNOWN"
}

// IsInteger reports whether the type is an integral kind.
func (dt DataType) IsInteger() bool {
	return dt == Int8 || dt == Int32
}

// TensorLocation says where a tensor's memory lives at runtime.
type TensorLocation int

const (
	LocationDevice TensorLocation = iota
	LocationHost
)

func (loc TensorLocation) String() string {
	if loc == LocationHost {
		return "HOST"
	}
	return "DEVICE"
}

// LayerType identifies the kind of a layer.
type LayerType int

const (
	LayerConstant LayerType = iota
	LayerIdentity
	LayerCast
	LayerActivation
	LayerUnary
	LayerElementWise
	LayerReduce
	LayerShape
	LayerShuffle
	LayerConcatenation
	LayerGather
	LayerSlice
	LayerMatrixMultiply
	LayerLoop
)

func (lt LayerType) String() string {
	switch lt {
	case LayerConstant:
		return "Constant"
	case LayerIdentity:
		return "Identity"
	case LayerCast:
		return "Cast"
	case LayerActivation:
		return "Activation"
	case LayerUnary:
		return "Unary"
	case LayerElementWise:
		return "ElementWise"
	case LayerReduce:
		return "Reduce"
	case LayerShape:
		return "Shape"
	case LayerShuffle:
		return "Shuffle"
	case LayerConcatenation:
		return "Concatenation"
	case LayerGather:
		return "Gather"
	case LayerSlice:
		return "Slice"
	case LayerMatrixMultiply:
		return "MatrixMultiply"
	case LayerLoop:
		return "Loop"
	}
	return "Unknown"
}

// ActivationType is the sub-operation of an activation layer.
type ActivationType int

const (
	ActivationRelu ActivationType = iota
	ActivationSigmoid
	ActivationTanh
)

func (at ActivationType) String() string {
	switch at {
	case ActivationRelu:
		return "RELU"
	case ActivationSigmoid:
		return "SIGMOID"
	case ActivationTanh:
		return "TANH"
	}
	return "UNKNOWN"
}

// UnaryOperation is the sub-operation of a unary layer.
type UnaryOperation int

const (
	UnaryAbs UnaryOperation = iota
	UnaryCeil
	UnaryFloor
	UnarySqrt
	UnaryExp
	UnaryLog
	UnaryNeg
	UnaryNot
)

func (op UnaryOperation) String() string {
	switch op {
	case UnaryAbs:
		return "ABS"
	case UnaryCeil:
		return "CEIL"
	case UnaryFloor:
		return "FLOOR"
	case UnarySqrt:
		return "SQRT"
	case UnaryExp:
		return "EXP"
	case UnaryLog:
		return "LOG"
	case UnaryNeg:
		return "NEG"
	case UnaryNot:
		return "NOT"
	}
	return "UNKNOWN"
}

// ElementWiseOperation is the sub-operation of an elementwise layer.
type ElementWiseOperation int

const (
	ElementWiseSum ElementWiseOperation = iota
	ElementWiseSub
	ElementWiseProd
	ElementWiseDiv
	ElementWiseMin
	ElementWiseMax
	ElementWisePow
)

func (op ElementWiseOperation) String() string {
	switch op {
	case ElementWiseSum:
		return "SUM"
	case ElementWiseSub:
		return "SUB"
	case ElementWiseProd:
		return "PROD"
	case ElementWiseDiv:
		return "DIV"
	case ElementWiseMin:
		return "MIN"
	case ElementWiseMax:
		return "MAX"
	case ElementWisePow:
		return "POW"
	}
	return "UNKNOWN"
}

// ReduceOperation is the sub-operation of a reduce layer.
type ReduceOperation int

const (
	ReduceSum ReduceOperation = iota
	ReduceProd
	ReduceMax
	ReduceMin
	ReduceAvg
)

func (op ReduceOperation) String() string {
	switch op {
	case ReduceSum:
		return "SUM"
	case ReduceProd:
		return "PROD"
	case ReduceMax:
		return "MAX"
	case ReduceMin:
		return "MIN"
	case ReduceAvg:
		return "AVG"
	}
	return "UNKNOWN"
}

// SupportsShapeTensor reports whether a layer of the given kind can
// legally produce a shape-valued tensor. Elementwise and reduce layers
// depend on their sub-operation; pass the zero value for kinds that
// have none.
func SupportsShapeTensor(kind LayerType, elemOp ElementWiseOperation, reduceOp ReduceOperation) bool {
	switch kind {
	case LayerConstant, LayerIdentity, LayerShape, LayerShuffle,
		LayerConcatenation, LayerGather, LayerSlice, LayerLoop:
		return true
	case LayerElementWise:
		return elemOp != ElementWisePow
	case LayerReduce:
		return reduceOp != ReduceAvg
	}
	return false
}

// propagatesShapeTensor lists the kinds whose output is shape-valued
// whenever an input is.
func propagatesShapeTensor(kind LayerType) bool {
	switch kind {
	case LayerIdentity, LayerCast, LayerElementWise, LayerReduce,
		LayerShuffle, LayerConcatenation, LayerGather, LayerSlice:
		return true
	}
	return false
}
