package nnet

import (
	"encoding/gob"
	"log"
	"os"

	"github.com/pkg/errors"
)

// Saved weights for one parameter node
type LayerData struct {
	Name    string
	Shape   []int
	Weights []float32
}

// Export copies the current parameter values
func (n *Network) Export() []LayerData {
	data := make([]LayerData, len(n.params))
	for i, p := range n.params {
		data[i] = LayerData{
			Name:    p.Name(),
			Shape:   append([]int{}, p.Shape()...),
			Weights: append([]float32{}, paramData(p)...),
		}
	}
	return data
}

// Import sets the parameter values, the number and size of the parameters must match.
func (n *Network) Import(data []LayerData) error {
	if len(data) != len(n.params) {
		return errors.Errorf("import weights: have %d params, network has %d", len(data), len(n.params))
	}
	for i, p := range n.params {
		dst := paramData(p)
		if len(data[i].Weights) != len(dst) {
			return errors.Errorf("import weights: %s size mismatch - have %d - expect %d", p.Name(), len(data[i].Weights), len(dst))
		}
		copy(dst, data[i].Weights)
	}
	return nil
}

// Encode weights in gob format and save to file
func (n *Network) SaveWeights(name string) error {
	f, err := os.Create(name)
	if err != nil {
		return errors.Wrap(err, "save weights")
	}
	defer f.Close()
	log.Println("saving weights to", name)
	return errors.Wrap(gob.NewEncoder(f).Encode(n.Export()), "save weights")
}

// Read back gob encoded weights
func (n *Network) LoadWeights(name string) error {
	f, err := os.Open(name)
	if err != nil {
		return errors.Wrap(err, "load weights")
	}
	defer f.Close()
	log.Println("loading weights from", name)
	var data []LayerData
	if err = gob.NewDecoder(f).Decode(&data); err != nil {
		return errors.Wrap(err, "load weights")
	}
	return n.Import(data)
}
