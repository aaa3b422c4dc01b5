package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	T "gorgonia.org/tensor"
)

// Layer interface type represents one layer of the neural net.
// Shapes include the batch size as the first dimension.
type Layer interface {
	Init(g *G.ExprGraph, inShape []int, index int, rng *rand.Rand) error
	OutShape(inShape []int) []int
	Fprop(x *G.Node, training bool) (*G.Node, error)
	ToString() string
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	Params() G.Nodes
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() (Layer, error) {
	var layer Layer
	var err error
	switch l.Type {
	case "conv":
		c := new(Conv)
		if err = unmarshal(l.Data, c); err == nil {
			err = c.validate()
		}
		layer = &conv{Conv: *c}
	case "maxPool":
		c := new(MaxPool)
		if err = unmarshal(l.Data, c); err == nil {
			err = c.validate()
		}
		layer = &maxPool{MaxPool: *c}
	case "linear":
		c := new(Linear)
		if err = unmarshal(l.Data, c); err == nil && c.Nout <= 0 {
			err = errors.Errorf("linear: Nout must be positive, got %d", c.Nout)
		}
		layer = &linear{Linear: *c}
	case "activation":
		c := new(Activation)
		if err = unmarshal(l.Data, c); err == nil && c.Atype != "relu" && c.Atype != "sigmoid" && c.Atype != "tanh" {
			err = errors.Errorf("activation type %s invalid", c.Atype)
		}
		layer = &activation{Activation: *c}
	case "dropout":
		c := new(Dropout)
		if err = unmarshal(l.Data, c); err == nil && (c.Ratio < 0 || c.Ratio >= 1) {
			err = errors.Errorf("dropout ratio %g out of range", c.Ratio)
		}
		layer = &dropout{Dropout: *c}
	case "flatten":
		layer = &flatten{}
	case "logSoftmax":
		layer = &logSoftmax{}
	default:
		err = errors.Errorf("invalid layer type: %q", l.Type)
	}
	return layer, err
}

func (l LayerConfig) String() string {
	layer, err := l.Unmarshal()
	if err != nil {
		return err.Error()
	}
	return layer.ToString()
}

// Convolutional layer with square kernel, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) validate() error {
	if c.Nfeats <= 0 || c.Size <= 0 {
		return errors.Errorf("conv: Nfeats and Size must be positive, got %+v", c)
	}
	if c.Stride < 0 || c.Pad < 0 {
		return errors.Errorf("conv: Stride and Pad must not be negative, got %+v", c)
	}
	return nil
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

// Max pooling layer, stride defaults to the pool size.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) validate() error {
	if c.Size <= 0 || c.Stride < 0 {
		return errors.Errorf("maxPool: Size must be positive and Stride not negative, got %+v", c)
	}
	return nil
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

// Sigmoid, tanh or relu activation layer.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

// Dropout layer, only active in training networks.
type Dropout struct {
	Ratio float64
}

func (c Dropout) Marshal() LayerConfig {
	return LayerConfig{Type: "dropout", Data: marshal(c)}
}

func (c Dropout) ToString() string {
	return fmt.Sprintf("dropout %+v", c)
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// LogSoftmax output layer, the network loss is the negative log likelihood.
type LogSoftmax struct{}

func (c LogSoftmax) Marshal() LayerConfig {
	return LayerConfig{Type: "logSoftmax"}
}

// convolution layer implementation
type conv struct {
	Conv
	w, b *G.Node
}

func (l *conv) Init(g *G.ExprGraph, inShape []int, index int, rng *rand.Rand) error {
	if len(inShape) != 4 {
		return errors.Errorf("conv: input shape %v should be 4d", inShape)
	}
	if l.Stride == 0 {
		l.Stride = 1
	}
	if inShape[2]+2*l.Pad < l.Size || inShape[3]+2*l.Pad < l.Size {
		return errors.Errorf("conv: kernel size %d larger than input %v", l.Size, inShape)
	}
	nin := inShape[1]
	scale := 1 / math.Sqrt(float64(nin*l.Size*l.Size))
	l.w = newParam(g, fmt.Sprintf("w%d", index), scale, rng, l.Nfeats, nin, l.Size, l.Size)
	l.b = newParam(g, fmt.Sprintf("b%d", index), scale, rng, 1, l.Nfeats, 1, 1)
	return nil
}

func (l *conv) OutShape(in []int) []int {
	h := (in[2]+2*l.Pad-l.Size)/l.Stride + 1
	w := (in[3]+2*l.Pad-l.Size)/l.Stride + 1
	return []int{in[0], l.Nfeats, h, w}
}

func (l *conv) Fprop(x *G.Node, training bool) (*G.Node, error) {
	c, err := G.Conv2d(x, l.w, T.Shape{l.Size, l.Size}, []int{l.Pad, l.Pad}, []int{l.Stride, l.Stride}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "conv")
	}
	return G.BroadcastAdd(c, l.b, nil, []byte{0, 2, 3})
}

func (l *conv) Params() G.Nodes { return G.Nodes{l.w, l.b} }

// max pool layer implementation
type maxPool struct {
	MaxPool
}

func (l *maxPool) Init(g *G.ExprGraph, inShape []int, index int, rng *rand.Rand) error {
	if len(inShape) != 4 {
		return errors.Errorf("maxPool: input shape %v should be 4d", inShape)
	}
	if l.Stride == 0 {
		l.Stride = l.Size
	}
	if inShape[2] < l.Size || inShape[3] < l.Size {
		return errors.Errorf("maxPool: pool size %d larger than input %v", l.Size, inShape)
	}
	return nil
}

func (l *maxPool) OutShape(in []int) []int {
	return []int{in[0], in[1], (in[2]-l.Size)/l.Stride + 1, (in[3]-l.Size)/l.Stride + 1}
}

func (l *maxPool) Fprop(x *G.Node, training bool) (*G.Node, error) {
	return G.MaxPool2D(x, T.Shape{l.Size, l.Size}, []int{0, 0}, []int{l.Stride, l.Stride})
}

// linear layer implementation
type linear struct {
	Linear
	w, b *G.Node
}

func (l *linear) Init(g *G.ExprGraph, inShape []int, index int, rng *rand.Rand) error {
	if len(inShape) != 2 {
		return errors.Errorf("linear: input shape %v should be 2d, add a flatten layer", inShape)
	}
	nin := inShape[1]
	scale := 1 / math.Sqrt(float64(nin))
	l.w = newParam(g, fmt.Sprintf("w%d", index), scale, rng, nin, l.Nout)
	l.b = newParam(g, fmt.Sprintf("b%d", index), scale, rng, 1, l.Nout)
	return nil
}

func (l *linear) OutShape(in []int) []int {
	return []int{in[0], l.Nout}
}

func (l *linear) Fprop(x *G.Node, training bool) (*G.Node, error) {
	xw, err := G.Mul(x, l.w)
	if err != nil {
		return nil, errors.Wrap(err, "linear")
	}
	return G.BroadcastAdd(xw, l.b, nil, []byte{0})
}

func (l *linear) Params() G.Nodes { return G.Nodes{l.w, l.b} }

// activation layer implementation
type activation struct {
	Activation
}

func (l *activation) Init(g *G.ExprGraph, inShape []int, index int, rng *rand.Rand) error {
	return nil
}

func (l *activation) OutShape(in []int) []int { return in }

func (l *activation) Fprop(x *G.Node, training bool) (*G.Node, error) {
	switch l.Atype {
	case "sigmoid":
		return G.Sigmoid(x)
	case "tanh":
		return G.Tanh(x)
	default:
		return G.Rectify(x)
	}
}

// dropout layer implementation
type dropout struct {
	Dropout
}

func (l *dropout) Init(g *G.ExprGraph, inShape []int, index int, rng *rand.Rand) error {
	return nil
}

func (l *dropout) OutShape(in []int) []int { return in }

func (l *dropout) Fprop(x *G.Node, training bool) (*G.Node, error) {
	if !training || l.Ratio == 0 {
		return x, nil
	}
	return G.Dropout(x, l.Ratio)
}

// flatten layer implementation
type flatten struct{}

func (l *flatten) Init(g *G.ExprGraph, inShape []int, index int, rng *rand.Rand) error {
	return nil
}

func (l *flatten) OutShape(in []int) []int {
	return []int{in[0], prod(in[1:])}
}

func (l *flatten) Fprop(x *G.Node, training bool) (*G.Node, error) {
	shape := x.Shape()
	return G.Reshape(x, T.Shape{shape[0], prod(shape[1:])})
}

func (l *flatten) ToString() string { return "flatten" }

// log softmax layer implementation
type logSoftmax struct{}

func (l *logSoftmax) Init(g *G.ExprGraph, inShape []int, index int, rng *rand.Rand) error {
	if len(inShape) != 2 {
		return errors.Errorf("logSoftmax: input shape %v should be 2d", inShape)
	}
	return nil
}

func (l *logSoftmax) OutShape(in []int) []int { return in }

func (l *logSoftmax) Fprop(x *G.Node, training bool) (*G.Node, error) {
	sm, err := G.SoftMax(x)
	if err != nil {
		return nil, errors.Wrap(err, "logSoftmax")
	}
	return G.Log(sm)
}

func (l *logSoftmax) ToString() string { return "logSoftmax" }

// new parameter node initialised from a uniform distribution in range -scale:scale
func newParam(g *G.ExprGraph, name string, scale float64, rng *rand.Rand, shape ...int) *G.Node {
	data := make([]float32, prod(shape))
	for i := range data {
		data[i] = float32(scale * (2*rng.Float64() - 1))
	}
	val := T.New(T.WithShape(shape...), T.WithBacking(data))
	return G.NewTensor(g, T.Float32, len(shape), G.WithShape(shape...), G.WithName(name), G.WithValue(val))
}

func prod(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
