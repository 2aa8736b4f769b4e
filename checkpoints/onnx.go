package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX protobuf field numbers used for weight exchange (onnx.proto3).
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	opsetVersion protowire.Number = 2

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims         protowire.Number = 1
	tensorDataType     protowire.Number = 2
	tensorFloatData    protowire.Number = 4
	tensorName         protowire.Number = 8
	tensorRawData      protowire.Number = 9
	tensorDataLocation protowire.Number = 14

	onnxFloat = 1
)

// ONNXExporter writes checkpoint weights as ONNX graph initializers
type ONNXExporter struct {
	ProducerName string
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{ProducerName: "go-fer"}
}

// ExportToONNX writes a weights-only ONNX model: a graph with no nodes whose
// initializers are the checkpoint weights, keyed by weight name.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	data := oe.Marshal(checkpoint.Weights)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %v", err)
	}
	return nil
}

// Marshal encodes weights as an ONNX ModelProto
func (oe *ONNXExporter) Marshal(weights []WeightTensor) []byte {
	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, oe.ProducerName+"-weights")
	for _, w := range weights {
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, marshalTensor(w))
	}

	var opset []byte
	opset = protowire.AppendTag(opset, opsetVersion, protowire.VarintType)
	opset = protowire.AppendVarint(opset, 13)

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, 7)
	model = protowire.AppendTag(model, modelProducerName, protowire.BytesType)
	model = protowire.AppendString(model, oe.ProducerName)
	model = protowire.AppendTag(model, modelProducerVersion, protowire.BytesType)
	model = protowire.AppendString(model, "1.0.0")
	model = protowire.AppendTag(model, modelGraph, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)
	model = protowire.AppendTag(model, modelOpsetImport, protowire.BytesType)
	model = protowire.AppendBytes(model, opset)
	return model
}

func marshalTensor(w WeightTensor) []byte {
	var t []byte
	for _, d := range w.Shape {
		t = protowire.AppendTag(t, tensorDims, protowire.VarintType)
		t = protowire.AppendVarint(t, uint64(d))
	}
	t = protowire.AppendTag(t, tensorDataType, protowire.VarintType)
	t = protowire.AppendVarint(t, onnxFloat)
	t = protowire.AppendTag(t, tensorName, protowire.BytesType)
	t = protowire.AppendString(t, w.Name)

	raw := make([]byte, 4*len(w.Data))
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	t = protowire.AppendTag(t, tensorRawData, protowire.BytesType)
	t = protowire.AppendBytes(t, raw)
	return t
}

// ONNXImporter reads float initializers out of an ONNX model
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX returns a checkpoint holding only the float initializers of
// the model at path. Non-float initializers are skipped. The model spec is
// left nil; callers match weights to an existing architecture by name.
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %v", err)
	}
	weights, err := oi.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX file %s: %v", path, err)
	}
	return &Checkpoint{
		Weights: weights,
		Metadata: CheckpointMetadata{
			Framework:   "onnx",
			CreatedAt:   time.Now(),
			Description: "initializers imported from " + path,
		},
	}, nil
}

// Unmarshal decodes the initializers of an ONNX ModelProto
func (oi *ONNXImporter) Unmarshal(data []byte) ([]WeightTensor, error) {
	var weights []WeightTensor
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num != modelGraph || typ != protowire.BytesType {
			return nil
		}
		return walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte) error {
			if num != graphInitializer || typ != protowire.BytesType {
				return nil
			}
			w, ok, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			if ok {
				weights = append(weights, w)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return weights, nil
}

func unmarshalTensor(b []byte) (WeightTensor, bool, error) {
	var (
		w        WeightTensor
		dataType uint64
		raw      []byte
		floats   []float32
		external bool
	)

	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case tensorDims:
			dims, err := decodeVarints(typ, v)
			if err != nil {
				return err
			}
			for _, d := range dims {
				w.Shape = append(w.Shape, int(d))
			}
		case tensorDataType:
			vals, err := decodeVarints(typ, v)
			if err != nil {
				return err
			}
			if len(vals) > 0 {
				dataType = vals[len(vals)-1]
			}
		case tensorFloatData:
			fs, err := decodeFloats(typ, v)
			if err != nil {
				return err
			}
			floats = append(floats, fs...)
		case tensorName:
			w.Name = string(v)
		case tensorRawData:
			raw = v
		case tensorDataLocation:
			vals, err := decodeVarints(typ, v)
			if err != nil {
				return err
			}
			external = len(vals) > 0 && vals[0] == 1
		}
		return nil
	})
	if err != nil {
		return w, false, err
	}
	if dataType != onnxFloat {
		return w, false, nil
	}
	if external {
		return w, false, fmt.Errorf("initializer %s uses external data, which is not supported", w.Name)
	}

	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	switch {
	case raw != nil:
		if len(raw) != 4*n {
			return w, false, fmt.Errorf("initializer %s: raw data has %d bytes, want %d", w.Name, len(raw), 4*n)
		}
		w.Data = make([]float32, n)
		for i := range w.Data {
			w.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	default:
		if len(floats) != n {
			return w, false, fmt.Errorf("initializer %s: %d floats, want %d", w.Name, len(floats), n)
		}
		w.Data = floats
	}
	w.Type = "initializer"
	return w, true, nil
}

// walkFields calls fn for every field of a protobuf message. v holds the
// payload of length-delimited fields and the raw encoding of scalar fields.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		if typ == protowire.BytesType {
			val, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			v, n = val, m
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			v = b[:n]
		}
		if err := fn(num, typ, v); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// decodeVarints handles both packed and unpacked repeated varint fields
func decodeVarints(typ protowire.Type, v []byte) ([]uint64, error) {
	var out []uint64
	switch typ {
	case protowire.VarintType:
		x, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, x)
	case protowire.BytesType:
		for len(v) > 0 {
			x, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out = append(out, x)
			v = v[n:]
		}
	default:
		return nil, fmt.Errorf("unexpected wire type %d for varint field", typ)
	}
	return out, nil
}

// decodeFloats handles both packed and unpacked repeated float fields
func decodeFloats(typ protowire.Type, v []byte) ([]float32, error) {
	var out []float32
	switch typ {
	case protowire.Fixed32Type:
		x, n := protowire.ConsumeFixed32(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, math.Float32frombits(x))
	case protowire.BytesType:
		for len(v) > 0 {
			x, n := protowire.ConsumeFixed32(v)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			out = append(out, math.Float32frombits(x))
			v = v[n:]
		}
	default:
		return nil, fmt.Errorf("unexpected wire type %d for float field", typ)
	}
	return out, nil
}
