// Package nnet contains routines for constructing, training and testing neural networks.
// The expression graph, gradients and solvers are provided by gorgonia.
package nnet

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	T "gorgonia.org/tensor"
)

// Network type represents a multilayer neural network model built for a fixed batch size.
type Network struct {
	Config
	Layers   []Layer
	Graph    *G.ExprGraph
	X, Y     *G.Node
	Output   *G.Node
	Loss     *G.Node
	params   G.Nodes
	vm       G.VM
	solver   G.Solver
	training bool
	inShape  []int
	classes  int
	output   []float32
}

// New function creates a new network with the given layers. Training networks include dropout
// and have a solver attached to update the weights after each batch.
func New(conf Config, batchSize int, inShape []int, classes int, training bool, rng *rand.Rand) (*Network, error) {
	n := &Network{Config: conf, training: training, classes: classes}
	n.inShape = append([]int{batchSize}, inShape...)
	g := G.NewGraph()
	n.Graph = g
	n.X = G.NewTensor(g, T.Float32, len(n.inShape), G.WithShape(n.inShape...), G.WithName("x"))
	n.Y = G.NewMatrix(g, T.Float32, G.WithShape(batchSize, classes), G.WithName("y"))
	shape := n.inShape
	x := n.X
	for i, lc := range conf.Layers {
		layer, err := lc.Unmarshal()
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		if err = layer.Init(g, shape, i, rng); err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		if x, err = layer.Fprop(x, training); err != nil {
			return nil, errors.Wrapf(err, "layer %d %s", i, layer.ToString())
		}
		if l, ok := layer.(ParamLayer); ok {
			n.params = append(n.params, l.Params()...)
		}
		shape = layer.OutShape(shape)
		n.Layers = append(n.Layers, layer)
	}
	if len(shape) != 2 || shape[1] != classes {
		return nil, errors.Errorf("network output shape %v does not match %d classes", shape, classes)
	}
	n.Output = x
	if err := n.addLoss(); err != nil {
		return nil, err
	}
	if training {
		if _, err := G.Grad(n.Loss, n.params...); err != nil {
			return nil, errors.Wrap(err, "gradient")
		}
		n.vm = G.NewTapeMachine(g, G.BindDualValues(n.params...))
		if conf.Solver == "momentum" {
			n.solver = G.NewMomentum(G.WithLearnRate(conf.Eta), G.WithMomentum(conf.Momentum))
		} else {
			n.solver = G.NewVanillaSolver(G.WithLearnRate(conf.Eta))
		}
	} else {
		n.vm = G.NewTapeMachine(g)
	}
	return n, nil
}

// negative log likelihood averaged over the batch, output is log probabilities and Y is one hot
func (n *Network) addLoss() error {
	p, err := G.HadamardProd(n.Y, n.Output)
	if err != nil {
		return errors.Wrap(err, "loss")
	}
	s, err := G.Sum(p, 1)
	if err != nil {
		return errors.Wrap(err, "loss")
	}
	m, err := G.Mean(s)
	if err != nil {
		return errors.Wrap(err, "loss")
	}
	n.Loss, err = G.Neg(m)
	return errors.Wrap(err, "loss")
}

// Run the network forward on one batch, for a training network the gradients are back propagated
// and the weights updated. Returns the mean loss and number of correct predictions.
func (n *Network) Run(b *Batch) (loss float64, correct int, err error) {
	if err = G.Let(n.X, b.X); err != nil {
		return 0, 0, errors.Wrap(err, "set input")
	}
	if err = G.Let(n.Y, b.Y); err != nil {
		return 0, 0, errors.Wrap(err, "set labels")
	}
	defer n.vm.Reset()
	if err = n.vm.RunAll(); err != nil {
		return 0, 0, errors.Wrap(err, "run")
	}
	loss = float64(n.Loss.Value().Data().(float32))
	n.output = append(n.output[:0], n.Output.Value().Data().([]float32)...)
	correct = Correct(n.output, b.Labels, n.classes)
	if n.DebugLevel >= 2 {
		fmt.Printf("loss=%.6f correct=%d/%d\n", loss, correct, len(b.Labels))
	}
	if n.training {
		if err = n.solver.Step(G.NodesToValueGrads(n.params)); err != nil {
			return loss, correct, errors.Wrap(err, "solver step")
		}
	}
	return loss, correct, nil
}

// Correct returns the number of rows where the index of the largest output matches the label
func Correct(output []float32, labels []int32, classes int) int {
	correct := 0
	for i, label := range labels {
		row := output[i*classes : (i+1)*classes]
		best := 0
		for j, val := range row {
			if val > row[best] {
				best = j
			}
		}
		if int32(best) == label {
			correct++
		}
	}
	return correct
}

// Copy weights and bias arrays to destination net
func (n *Network) CopyTo(net *Network) error {
	if len(n.params) != len(net.params) {
		return errors.Errorf("copy weights: have %d params, destination has %d", len(n.params), len(net.params))
	}
	for i, p := range n.params {
		src, dst := paramData(p), paramData(net.params[i])
		if len(src) != len(dst) {
			return errors.Errorf("copy weights: %s size mismatch %d != %d", p.Name(), len(src), len(dst))
		}
		copy(dst, src)
	}
	return nil
}

// LastOutput returns the network output from the most recent run
func (n *Network) LastOutput() []float32 { return n.output }

// Params returns the weight and bias nodes in layer order
func (n *Network) Params() G.Nodes { return n.params }

// Training returns true if the network has a solver attached
func (n *Network) Training() bool { return n.training }

// BatchSize returns the number of samples processed in each run
func (n *Network) BatchSize() int { return n.inShape[0] }

// Release the tape machine
func (n *Network) Release() {
	if n.vm != nil {
		n.vm.Close()
	}
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	shape := n.inShape
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-40s %v", i, layer.ToString(), shape)
		shape = layer.OutShape(shape)
	}
	return fmt.Sprintf("%s\n== Layers ==\n%s", n.Config.configString(), strings.Join(s, "\n"))
}

// Describe returns a one line summary of the layers
func (n *Network) Describe() string {
	s := make([]string, len(n.Layers))
	for i, layer := range n.Layers {
		s[i] = strings.SplitN(layer.ToString(), " ", 2)[0]
	}
	return strings.Join(s, " -> ")
}

func paramData(p *G.Node) []float32 {
	return p.Value().Data().([]float32)
}

// Set random number seed, or random seed if seed <= 0
func SetSeed(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// Exit in case of error
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
