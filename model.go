/*
File: model.go
Version: 1.0.0
Description: Inference for TensorFlow.js layers-format models (model.json + binary weight shards).
             Covers the sequential layer set used by the URL guard: Embedding, Flatten, Dense,
             Dropout, Activation and the 1D global pooling layers. Matrix math runs on gonum.
*/

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"gonum.org/v1/gonum/mat"
)

var ErrModelUnavailable = errors.New("model unavailable")

// Model is the inference boundary: one padded sequence in, class scores out.
type Model interface {
	Predict(ctx context.Context, input []float32) ([]float32, error)
}

// ModelFunc adapts a plain function to Model.
type ModelFunc func(ctx context.Context, input []float32) ([]float32, error)

func (f ModelFunc) Predict(ctx context.Context, input []float32) ([]float32, error) {
	return f(ctx, input)
}

type layer interface {
	name() string
	forward(x *mat.Dense) (*mat.Dense, error)
}

// LayersModel is a loaded sequential tfjs model.
type LayersModel struct {
	inputLength int
	layers      []layer
}

// topology paths differ between tfjs converter versions
var topologyLayerPaths = []string{
	"modelTopology.config.layers",
	"modelTopology.model_config.config.layers",
	"modelTopology.config",
}

func LoadLayersModel(path string) (*LayersModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("read model: %s is not valid JSON", path)
	}

	weights, err := loadWeights(filepath.Dir(path), gjson.GetBytes(raw, "weightsManifest"))
	if err != nil {
		return nil, err
	}

	var layerDefs gjson.Result
	for _, p := range topologyLayerPaths {
		if r := gjson.GetBytes(raw, p); r.IsArray() {
			layerDefs = r
			break
		}
	}
	if !layerDefs.Exists() {
		return nil, fmt.Errorf("model topology: no sequential layer list found")
	}

	m := &LayersModel{inputLength: SequenceLength}
	var buildErr error
	layerDefs.ForEach(func(_, def gjson.Result) bool {
		var l layer
		l, buildErr = buildLayer(def, weights, m)
		if buildErr != nil {
			return false
		}
		if l != nil {
			m.layers = append(m.layers, l)
		}
		return true
	})
	if buildErr != nil {
		return nil, buildErr
	}
	if len(m.layers) == 0 {
		return nil, fmt.Errorf("model topology: no layers")
	}

	LogInfo("[MODEL] Loaded %s (%d layers, input length %d)", path, len(m.layers), m.inputLength)
	return m, nil
}

func (m *LayersModel) InputLength() int { return m.inputLength }

func (m *LayersModel) Predict(ctx context.Context, input []float32) ([]float32, error) {
	if len(input) != m.inputLength {
		return nil, fmt.Errorf("predict: input length %d, model expects %d", len(input), m.inputLength)
	}
	data := make([]float64, len(input))
	for i, v := range input {
		data[i] = float64(v)
	}
	x := mat.NewDense(1, len(data), data)

	var err error
	for _, l := range m.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x, err = l.forward(x)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.name(), err)
		}
	}

	r, c := x.Dims()
	if r != 1 {
		return nil, fmt.Errorf("predict: output has %d rows", r)
	}
	out := make([]float32, c)
	for j := 0; j < c; j++ {
		out[j] = float32(x.At(0, j))
	}
	return out, nil
}

// --- Weights ---

type weightTensor struct {
	shape []int
	data  []float64
}

func loadWeights(dir string, manifest gjson.Result) (map[string]weightTensor, error) {
	out := make(map[string]weightTensor)
	if !manifest.IsArray() {
		return nil, fmt.Errorf("model weights: missing weightsManifest")
	}

	for _, group := range manifest.Array() {
		var blob []byte
		for _, p := range group.Get("paths").Array() {
			chunk, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p.String())))
			if err != nil {
				return nil, fmt.Errorf("model weights: %w", err)
			}
			blob = append(blob, chunk...)
		}

		offset := 0
		for _, w := range group.Get("weights").Array() {
			name := w.Get("name").String()
			if dt := w.Get("dtype").String(); dt != "" && dt != "float32" {
				return nil, fmt.Errorf("model weights: %s has unsupported dtype %s", name, dt)
			}
			if w.Get("quantization").Exists() {
				return nil, fmt.Errorf("model weights: %s is quantized", name)
			}

			var shape []int
			size := 1
			for _, d := range w.Get("shape").Array() {
				shape = append(shape, int(d.Int()))
				size *= int(d.Int())
			}
			end := offset + size*4
			if end > len(blob) {
				return nil, fmt.Errorf("model weights: %s exceeds shard data (%d > %d bytes)", name, end, len(blob))
			}
			data := make([]float64, size)
			for i := 0; i < size; i++ {
				bits := binary.LittleEndian.Uint32(blob[offset+i*4:])
				data[i] = float64(math.Float32frombits(bits))
			}
			out[name] = weightTensor{shape: shape, data: data}
			offset = end
		}
	}
	return out, nil
}

// findWeight matches "<layer>/<suffix>" with or without a scope prefix.
func findWeight(weights map[string]weightTensor, layerName, suffix string) (weightTensor, bool) {
	want := layerName + "/" + suffix
	if w, ok := weights[want]; ok {
		return w, true
	}
	for name, w := range weights {
		if strings.HasSuffix(name, "/"+want) {
			return w, true
		}
	}
	return weightTensor{}, false
}

// --- Layers ---

func buildLayer(def gjson.Result, weights map[string]weightTensor, m *LayersModel) (layer, error) {
	class := def.Get("class_name").String()
	cfg := def.Get("config")
	lname := cfg.Get("name").String()

	if shape := cfg.Get("batch_input_shape").Array(); len(shape) == 2 && shape[1].Int() > 0 {
		m.inputLength = int(shape[1].Int())
	}

	switch class {
	case "InputLayer":
		return nil, nil

	case "Embedding":
		if n := cfg.Get("input_length").Int(); n > 0 {
			m.inputLength = int(n)
		}
		w, ok := findWeight(weights, lname, "embeddings")
		if !ok || len(w.shape) != 2 {
			return nil, fmt.Errorf("embedding %s: missing embeddings weight", lname)
		}
		if !positiveShape(w.shape) {
			return nil, fmt.Errorf("embedding %s: invalid shape %v", lname, w.shape)
		}
		return &embeddingLayer{
			lname: lname,
			table: mat.NewDense(w.shape[0], w.shape[1], w.data),
		}, nil

	case "Flatten":
		return &flattenLayer{lname: lname}, nil

	case "Dropout", "SpatialDropout1D":
		return nil, nil

	case "Dense":
		k, ok := findWeight(weights, lname, "kernel")
		if !ok || len(k.shape) != 2 {
			return nil, fmt.Errorf("dense %s: missing kernel", lname)
		}
		if !positiveShape(k.shape) {
			return nil, fmt.Errorf("dense %s: invalid kernel shape %v", lname, k.shape)
		}
		act, err := activationByName(cfg.Get("activation").String())
		if err != nil {
			return nil, fmt.Errorf("dense %s: %w", lname, err)
		}
		l := &denseLayer{
			lname:      lname,
			kernel:     mat.NewDense(k.shape[0], k.shape[1], k.data),
			activation: act,
		}
		useBias := cfg.Get("use_bias")
		if !useBias.Exists() || useBias.Bool() {
			b, ok := findWeight(weights, lname, "bias")
			if !ok {
				return nil, fmt.Errorf("dense %s: missing bias", lname)
			}
			if len(b.data) != k.shape[1] {
				return nil, fmt.Errorf("dense %s: bias has %d values, kernel has %d units", lname, len(b.data), k.shape[1])
			}
			l.bias = b.data
		}
		return l, nil

	case "Activation":
		act, err := activationByName(cfg.Get("activation").String())
		if err != nil {
			return nil, fmt.Errorf("activation %s: %w", lname, err)
		}
		return &activationLayer{lname: lname, activation: act}, nil

	case "GlobalAveragePooling1D":
		return &poolingLayer{lname: lname, max: false}, nil

	case "GlobalMaxPooling1D":
		return &poolingLayer{lname: lname, max: true}, nil
	}
	return nil, fmt.Errorf("unsupported layer %s (%s)", lname, class)
}

func positiveShape(shape []int) bool {
	for _, d := range shape {
		if d <= 0 {
			return false
		}
	}
	return true
}

type embeddingLayer struct {
	lname string
	table *mat.Dense
}

func (l *embeddingLayer) name() string { return l.lname }

// Ids outside the table map to a zero vector.
func (l *embeddingLayer) forward(x *mat.Dense) (*mat.Dense, error) {
	_, n := x.Dims()
	vocab, dim := l.table.Dims()
	out := mat.NewDense(n, dim, nil)
	for i := 0; i < n; i++ {
		id := int(x.At(0, i))
		if id < 0 || id >= vocab {
			continue
		}
		out.SetRow(i, l.table.RawRowView(id))
	}
	return out, nil
}

type flattenLayer struct{ lname string }

func (l *flattenLayer) name() string { return l.lname }

func (l *flattenLayer) forward(x *mat.Dense) (*mat.Dense, error) {
	r, c := x.Dims()
	flat := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		flat = append(flat, x.RawRowView(i)...)
	}
	return mat.NewDense(1, r*c, flat), nil
}

type denseLayer struct {
	lname      string
	kernel     *mat.Dense
	bias       []float64
	activation activationFunc
}

func (l *denseLayer) name() string { return l.lname }

func (l *denseLayer) forward(x *mat.Dense) (*mat.Dense, error) {
	_, in := x.Dims()
	kin, units := l.kernel.Dims()
	if in != kin {
		return nil, fmt.Errorf("input width %d, kernel expects %d", in, kin)
	}
	var out mat.Dense
	out.Mul(x, l.kernel)
	if l.bias != nil {
		rows, _ := out.Dims()
		for i := 0; i < rows; i++ {
			row := out.RawRowView(i)
			for j := 0; j < units; j++ {
				row[j] += l.bias[j]
			}
		}
	}
	l.activation(&out)
	return &out, nil
}

type activationLayer struct {
	lname      string
	activation activationFunc
}

func (l *activationLayer) name() string { return l.lname }

func (l *activationLayer) forward(x *mat.Dense) (*mat.Dense, error) {
	out := mat.DenseCopyOf(x)
	l.activation(out)
	return out, nil
}

type poolingLayer struct {
	lname string
	max   bool
}

func (l *poolingLayer) name() string { return l.lname }

func (l *poolingLayer) forward(x *mat.Dense) (*mat.Dense, error) {
	r, c := x.Dims()
	out := make([]float64, c)
	for j := 0; j < c; j++ {
		col := mat.Col(nil, j, x)
		if l.max {
			m := math.Inf(-1)
			for _, v := range col {
				m = math.Max(m, v)
			}
			out[j] = m
		} else {
			var sum float64
			for _, v := range col {
				sum += v
			}
			out[j] = sum / float64(r)
		}
	}
	return mat.NewDense(1, c, out), nil
}

// --- Activations ---

type activationFunc func(m *mat.Dense)

func elementwise(f func(float64) float64) activationFunc {
	return func(m *mat.Dense) {
		m.Apply(func(_, _ int, v float64) float64 { return f(v) }, m)
	}
}

func activationByName(name string) (activationFunc, error) {
	switch strings.ToLower(name) {
	case "", "linear":
		return func(*mat.Dense) {}, nil
	case "relu":
		return elementwise(func(v float64) float64 { return math.Max(0, v) }), nil
	case "sigmoid":
		return elementwise(func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }), nil
	case "tanh":
		return elementwise(math.Tanh), nil
	case "softmax":
		return softmaxRows, nil
	}
	return nil, fmt.Errorf("unsupported activation %q", name)
}

func softmaxRows(m *mat.Dense) {
	rows, _ := m.Dims()
	for i := 0; i < rows; i++ {
		softmaxInPlace(m.RawRowView(i))
	}
}

func softmaxInPlace(v []float64) {
	if len(v) == 0 {
		return
	}
	maxV := v[0]
	for _, x := range v[1:] {
		maxV = math.Max(maxV, x)
	}
	var sum float64
	for i, x := range v {
		v[i] = math.Exp(x - maxV)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}
