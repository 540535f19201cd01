// Package onnx holds the decoded in-memory form of an ONNX model and a
// pure-Go binary decoder for it. The rest of the module only ever sees
// these structs; the wire format stays contained here.
package onnx

// DataType mirrors TensorProto.DataType from the ONNX wire schema.
type DataType int32

const (
	Undefined  DataType = 0
	Float      DataType = 1
	Uint8      DataType = 2
	Int8       DataType = 3
	Uint16     DataType = 4
	Int16      DataType = 5
	Int32      DataType = 6
	Int64      DataType = 7
	String     DataType = 8
	Bool       DataType = 9
	Float16    DataType = 10
	Double     DataType = 11
	Uint32     DataType = 12
	Uint64     DataType = 13
	Complex64  DataType = 14
	Complex128 DataType = 15
	BFloat16   DataType = 16
)

var dataTypeNames = map[DataType]string{
	Undefined: "UNDEFINED",
	Float:     "FLOAT",
	Uint8:     "UINT8",
	Int8:      "INT8",
	Uint16:    "UINT16",
	Int16:     "INT16",
	Int32:     "INT32",
	Int64:     "INT64",
	String:    "STRING",
	Bool:      "BOOL",
	Float16:   "FLOAT16",
	Double:    "DOUBLE",
	Uint32:    "UINT32",
	Uint64:    "UINT64",
	BFloat16:  "BFLOAT16",
}

func (dt DataType) String() string {
	if name, ok := dataTypeNames[dt]; ok {
		return name
	}
	return "UNKNOWN"
}

// AttributeType mirrors AttributeProto.AttributeType.
type AttributeType int32

const (
	AttrUndefined AttributeType = 0
	AttrFloat     AttributeType = 1
	AttrInt       AttributeType = 2
	AttrString    AttributeType = 3
	AttrTensor    AttributeType = 4
	AttrGraph     AttributeType = 5
	AttrFloats    AttributeType = 6
	AttrInts      AttributeType = 7
	AttrStrings   AttributeType = 8
	AttrTensors   AttributeType = 9
	AttrGraphs    AttributeType = 10
)

// Model is the decoded ModelProto.
type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *Graph
	OpsetImports    []OperatorSetID
}

// OperatorSetID names one operator set the model was generated against.
type OperatorSetID struct {
	Domain  string
	Version int64
}

// Graph is the decoded GraphProto.
type Graph struct {
	Name         string
	Nodes        []*Node
	Initializers []*Tensor
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
	ValueInfos   []*ValueInfo
}

// Node is the decoded NodeProto. Empty strings in Inputs mark optional
// inputs that were not supplied.
type Node struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes []*Attribute
}

// Attribute is the decoded AttributeProto. Exactly one value field is
// meaningful, selected by Type.
type Attribute struct {
	Name    string
	Type    AttributeType
	F       float32
	I       int64
	S       []byte
	T       *Tensor
	G       *Graph
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

// Tensor is the decoded TensorProto, used for initializers and for
// tensor-valued attributes.
type Tensor struct {
	Name         string
	DataType     DataType
	Dims         []int64
	RawData      []byte
	FloatData    []float32
	Int32Data    []int32
	Int64Data    []int64
	DoubleData   []float64
	ExternalData []StringEntry
	DataLocation int32
}

// StringEntry is one key/value pair from TensorProto.external_data.
type StringEntry struct {
	Key   string
	Value string
}

// ValueInfo is the decoded ValueInfoProto, flattened to the tensor-typed
/// case: element type plus a shape whose dimensions may be symbolic.
type ValueInfo struct {
	Name     string
	ElemType DataType
	Shape    []Dimension
}

// Dimension is one entry of a declared shape. A non-empty Param means
// the dimension is symbolic; Value is meaningful only when Param is
// empty, and a negative Value also counts as unknown.
type Dimension struct {
	Value int64
	Param string
}

// IsDynamic reports whether the dimension has no fixed extent.
func (d Dimension) IsDynamic() bool {
	return d.Param != "" || d.Value < 0
}
