package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-facetrain/layers"
	"github.com/tsawler/go-facetrain/optimizer"
)

// Field numbers from onnx.proto for the messages written here.
const (
	modelIRVersion       = 1
	modelProducerName    = 2
	modelProducerVersion = 3
	modelModelVersion    = 5
	modelDocString       = 6
	modelGraph           = 7
	modelOpsetImport     = 8
	modelMetadataProps   = 14

	opsetDomain  = 1
	opsetVersion = 2

	graphNode        = 1
	graphName        = 2
	graphInitializer = 5
	graphInput       = 11
	graphOutput      = 12

	nodeInput     = 1
	nodeOutput    = 2
	nodeName      = 3
	nodeOpType    = 4
	nodeAttribute = 5

	attrName = 1
	attrI    = 3
	attrInts = 8
	attrType = 20

	tensorDims      = 1
	tensorDataType  = 2
	tensorFloatData = 4
	tensorName      = 8
	tensorRawData   = 9

	valueInfoName      = 1
	valueInfoType      = 2
	typeTensorType     = 1
	tensorTypeElemType = 1
	tensorTypeShape    = 2
	shapeDim           = 1
	dimValue           = 1
	dimParam           = 2

	entryKey   = 1
	entryValue = 2
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13
	onnxFloat     = 1 // TensorProto.FLOAT

	attrTypeInt  = 2
	attrTypeInts = 7
)

// Training data that has no ONNX representation travels as JSON in metadata_props.
const (
	metaModelSpec      = "facetrain.model_spec"
	metaTrainingState  = "facetrain.training_state"
	metaOptimizerState = "facetrain.optimizer_state"
	metaCheckpoint     = "facetrain.metadata"
)

type metadataProp struct {
	key   string
	value interface{}
}

// encodeONNX serializes a checkpoint as an ONNX ModelProto. Weights become
// graph initializers and the layer stack becomes Conv/Gemm/... nodes, so the
// file opens in standard ONNX tooling.
func encodeONNX(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("checkpoint has no model spec")
	}

	graph, err := buildGraph(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %v", err)
	}

	var b []byte
	b = appendVarintField(b, modelIRVersion, onnxIRVersion)
	b = appendStringField(b, modelProducerName, checkpoint.Metadata.Framework)
	b = appendStringField(b, modelProducerVersion, checkpoint.Metadata.Version)
	b = appendVarintField(b, modelModelVersion, 1)
	if checkpoint.Metadata.Description != "" {
		b = appendStringField(b, modelDocString, checkpoint.Metadata.Description)
	}

	opset := appendStringField(nil, opsetDomain, "")
	opset = appendVarintField(opset, opsetVersion, onnxOpset)
	b = appendBytesField(b, modelOpsetImport, opset)
	b = appendBytesField(b, modelGraph, graph)

	props := []metadataProp{
		{metaModelSpec, checkpoint.ModelSpec},
		{metaTrainingState, checkpoint.TrainingState},
		{metaCheckpoint, checkpoint.Metadata},
	}
	if checkpoint.OptimizerState != nil {
		props = append(props, metadataProp{metaOptimizerState, checkpoint.OptimizerState})
	}

	for _, prop := range props {
		value, err := json.Marshal(prop.value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %v", prop.key, err)
		}
		entry := appendStringField(nil, entryKey, prop.key)
		entry = appendBytesField(entry, entryValue, value)
		b = appendBytesField(b, modelMetadataProps, entry)
	}

	return b, nil
}

// buildGraph creates the ONNX computation graph from the model spec
func buildGraph(checkpoint *Checkpoint) ([]byte, error) {
	spec := checkpoint.ModelSpec

	var g []byte
	g = appendStringField(g, graphName, "facetrain-model")

	current := "input"
	for i, layer := range spec.Layers {
		nodes, output, err := layerNodes(layer, current)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %v", i, layer.Name, err)
		}
		for _, node := range nodes {
			g = appendBytesField(g, graphNode, node)
		}
		current = output
	}

	for _, w := range checkpoint.Weights {
		g = appendBytesField(g, graphInitializer, encodeTensor(w))
	}

	g = appendBytesField(g, graphInput, encodeValueInfo("input", spec.InputShape))
	g = appendBytesField(g, graphOutput, encodeValueInfo(current, spec.OutputShape))
	return g, nil
}

// layerNodes returns the ONNX nodes for one layer and the name of its output
func layerNodes(layer layers.LayerSpec, input string) ([][]byte, string, error) {
	output := layer.Name + "_out"
	withBias := func(inputs ...string) []string {
		if len(layer.ParameterShapes) > 1 {
			return append(inputs, layer.Name+".bias")
		}
		return inputs
	}

	switch layer.Type {
	case layers.Conv2D:
		k := layer.IntParam("kernel_size", 1)
		s := layer.IntParam("stride", 1)
		p := layer.IntParam("padding", 0)
		node := encodeNode(layer.Name, "Conv",
			withBias(input, layer.Name+".weight"), []string{output},
			intsAttr("kernel_shape", k, k),
			intsAttr("strides", s, s),
			intsAttr("pads", p, p, p, p),
		)
		return [][]byte{node}, output, nil

	case layers.ReLU:
		return [][]byte{encodeNode(layer.Name, "Relu", []string{input}, []string{output})}, output, nil

	case layers.MaxPool2D:
		k := layer.IntParam("kernel_size", 1)
		s := layer.IntParam("stride", k)
		node := encodeNode(layer.Name, "MaxPool", []string{input}, []string{output},
			intsAttr("kernel_shape", k, k),
			intsAttr("strides", s, s),
		)
		return [][]byte{node}, output, nil

	case layers.GlobalAvgPool:
		pooled := layer.Name + "_pooled"
		return [][]byte{
			encodeNode(layer.Name, "GlobalAveragePool", []string{input}, []string{pooled}),
			encodeNode(layer.Name+"_flatten", "Flatten", []string{pooled}, []string{output}, intAttr("axis", 1)),
		}, output, nil

	case layers.Dense:
		var nodes [][]byte
		if len(layer.InputShape) > 2 {
			flat := layer.Name + "_flat"
			nodes = append(nodes, encodeNode(layer.Name+"_flatten", "Flatten", []string{input}, []string{flat}, intAttr("axis", 1)))
			input = flat
		}
		// Weights are stored [in, out], which is Gemm's B without transposition
		nodes = append(nodes, encodeNode(layer.Name, "Gemm",
			withBias(input, layer.Name+".weight"), []string{output}))
		return nodes, output, nil

	case layers.Dropout:
		// Inference graphs carry dropout as a pass-through
		return [][]byte{encodeNode(layer.Name, "Identity", []string{input}, []string{output})}, output, nil

	default:
		return nil, "", fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

func encodeNode(name, opType string, inputs, outputs []string, attrs ...[]byte) []byte {
	var b []byte
	for _, in := range inputs {
		b = appendStringField(b, nodeInput, in)
	}
	for _, out := range outputs {
		b = appendStringField(b, nodeOutput, out)
	}
	b = appendStringField(b, nodeName, name)
	b = appendStringField(b, nodeOpType, opType)
	for _, attr := range attrs {
		b = appendBytesField(b, nodeAttribute, attr)
	}
	return b
}

func intAttr(name string, v int) []byte {
	b := appendStringField(nil, attrName, name)
	b = appendVarintField(b, attrI, uint64(int64(v)))
	return appendVarintField(b, attrType, attrTypeInt)
}

func intsAttr(name string, vals ...int) []byte {
	b := appendStringField(nil, attrName, name)
	for _, v := range vals {
		b = appendVarintField(b, attrInts, uint64(int64(v)))
	}
	return appendVarintField(b, attrType, attrTypeInts)
}

// encodeTensor writes a FLOAT TensorProto with packed float_data
func encodeTensor(w WeightTensor) []byte {
	var b []byte
	for _, d := range w.Shape {
		b = appendVarintField(b, tensorDims, uint64(int64(d)))
	}
	b = appendVarintField(b, tensorDataType, onnxFloat)

	payload := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		payload = protowire.AppendFixed32(payload, math.Float32bits(v))
	}
	b = appendBytesField(b, tensorFloatData, payload)
	return appendStringField(b, tensorName, w.Name)
}

// encodeValueInfo describes a float tensor whose leading dimension is the symbolic batch size
func encodeValueInfo(name string, shape []int) []byte {
	var dims []byte
	for i, d := range shape {
		var dim []byte
		if i == 0 {
			dim = appendStringField(nil, dimParam, "N")
		} else {
			dim = appendVarintField(nil, dimValue, uint64(int64(d)))
		}
		dims = appendBytesField(dims, shapeDim, dim)
	}

	tensorType := appendVarintField(nil, tensorTypeElemType, onnxFloat)
	tensorType = appendBytesField(tensorType, tensorTypeShape, dims)
	typ := appendBytesField(nil, typeTensorType, tensorType)

	b := appendStringField(nil, valueInfoName, name)
	return appendBytesField(b, valueInfoType, typ)
}

// decodeONNX reads a ModelProto written by encodeONNX. The model spec and
// training state come from metadata_props; weights come from the graph
// initializers.
func decodeONNX(data []byte) (*Checkpoint, error) {
	var (
		graph     []byte
		props     = make(map[string][]byte)
		producer  string
		version   string
		docString string
	)

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case modelGraph:
			graph = raw
		case modelProducerName:
			producer = string(raw)
		case modelProducerVersion:
			version = string(raw)
		case modelDocString:
			docString = string(raw)
		case modelMetadataProps:
			key, value, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			props[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ONNX model: %v", err)
	}
	if graph == nil {
		return nil, fmt.Errorf("ONNX model has no graph")
	}

	checkpoint := &Checkpoint{
		Metadata: CheckpointMetadata{
			Framework:   producer,
			Version:     version,
			Description: docString,
		},
	}

	specJSON, ok := props[metaModelSpec]
	if !ok {
		return nil, fmt.Errorf("ONNX model has no %s metadata", metaModelSpec)
	}
	if err := json.Unmarshal(specJSON, &checkpoint.ModelSpec); err != nil {
		return nil, fmt.Errorf("failed to decode model spec: %v", err)
	}
	if raw, ok := props[metaTrainingState]; ok {
		if err := json.Unmarshal(raw, &checkpoint.TrainingState); err != nil {
			return nil, fmt.Errorf("failed to decode training state: %v", err)
		}
	}
	if raw, ok := props[metaOptimizerState]; ok {
		checkpoint.OptimizerState = &optimizer.OptimizerState{}
		if err := json.Unmarshal(raw, checkpoint.OptimizerState); err != nil {
			return nil, fmt.Errorf("failed to decode optimizer state: %v", err)
		}
	}
	if raw, ok := props[metaCheckpoint]; ok {
		if err := json.Unmarshal(raw, &checkpoint.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %v", err)
		}
	}

	err = walkFields(graph, func(num protowire.Number, typ protowire.Type, raw []byte, _ uint64) error {
		if num != graphInitializer || typ != protowire.BytesType {
			return nil
		}
		w, err := decodeTensor(raw)
		if err != nil {
			return err
		}
		checkpoint.Weights = append(checkpoint.Weights, w)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read initializers: %v", err)
	}

	return checkpoint, nil
}

func decodeEntry(raw []byte) (string, []byte, error) {
	var key string
	var value []byte
	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte, _ uint64) error {
		switch num {
		case entryKey:
			key = string(b)
		case entryValue:
			value = b
		}
		return nil
	})
	return key, value, err
}

// decodeTensor reads a FLOAT TensorProto. Both packed and unpacked repeated
// fields are accepted, as is raw_data.
func decodeTensor(raw []byte) (WeightTensor, error) {
	var w WeightTensor
	dataType := uint64(onnxFloat)

	err := walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte, v uint64) error {
		switch num {
		case tensorDims:
			if typ == protowire.VarintType {
				w.Shape = append(w.Shape, int(int64(v)))
				return nil
			}
			for len(b) > 0 {
				d, n := protowire.ConsumeVarint(b)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Shape = append(w.Shape, int(int64(d)))
				b = b[n:]
			}
		case tensorDataType:
			dataType = v
		case tensorFloatData:
			if typ == protowire.Fixed32Type {
				w.Data = append(w.Data, math.Float32frombits(uint32(v)))
				return nil
			}
			for len(b) > 0 {
				bits, n := protowire.ConsumeFixed32(b)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Data = append(w.Data, math.Float32frombits(bits))
				b = b[n:]
			}
		case tensorRawData:
			if len(b)%4 != 0 {
				return fmt.Errorf("raw_data length %d is not a multiple of 4", len(b))
			}
			for i := 0; i < len(b); i += 4 {
				w.Data = append(w.Data, math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
			}
		case tensorName:
			w.Name = string(b)
		}
		return nil
	})
	if err != nil {
		return w, err
	}

	if dataType != onnxFloat {
		return w, fmt.Errorf("tensor %s has unsupported data type %d", w.Name, dataType)
	}
	size := 1
	for _, d := range w.Shape {
		size *= d
	}
	if len(w.Shape) == 0 || size != len(w.Data) {
		return w, fmt.Errorf("tensor %s: %d values for shape %v", w.Name, len(w.Data), w.Shape)
	}

	w.Layer, w.Type = w.Name, ""
	if i := strings.LastIndex(w.Name, "."); i >= 0 {
		w.Layer, w.Type = w.Name[:i], w.Name[i+1:]
	}
	return w, nil
}

// walkFields calls fn for every top-level field of a protobuf message.
// raw is set for length-delimited fields, v for varint and fixed fields.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			raw []byte
			v   uint64
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, n = protowire.ConsumeFixed32(b)
			v = uint64(v32)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, raw, v); err != nil {
			return err
		}
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
