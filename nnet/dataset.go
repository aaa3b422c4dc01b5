package nnet

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	T "gorgonia.org/tensor"
)

// Data interface type represents the raw data for a training or test set
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Input(index []int, buf []float32)
}

// Batch of input data with one hot encoded and integer labels
type Batch struct {
	X      *T.Dense
	Y      *T.Dense
	Labels []int32
	xBuf   []float32
	yBuf   []float32
}

// Dataset type encapsulates a set of training or test data. Batches are prepared in the background
// while the previous one is in use. A partial final batch is dropped.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	Shuffle   bool
	batches   [2]*Batch
	indexes   []int
	buf       int
	epoch     int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate batch buffers and set the batch size and maxSamples
func NewDataset(data Data, batchSize, maxSamples int, shuffle bool, rng *rand.Rand) (*Dataset, error) {
	d := &Dataset{Data: data, Samples: data.Len(), Shuffle: shuffle, rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset: invalid batch size %d", batchSize)
	}
	d.BatchSize = batchSize
	d.Batches = d.Samples / d.BatchSize
	if d.Batches == 0 {
		return nil, errors.Errorf("dataset: %d samples is less than one batch of %d", d.Samples, batchSize)
	}
	nfeat := prod(data.Shape())
	nclass := len(data.Classes())
	shape := append([]int{batchSize}, data.Shape()...)
	for i := range d.batches {
		b := &Batch{
			Labels: make([]int32, batchSize),
			xBuf:   make([]float32, nfeat*batchSize),
			yBuf:   make([]float32, nclass*batchSize),
		}
		b.X = T.New(T.WithShape(shape...), T.WithBacking(b.xBuf))
		b.Y = T.New(T.WithShape(batchSize, nclass), T.WithBacking(b.yBuf))
		d.batches[i] = b
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	return d, nil
}

// kick of load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	b := d.batches[d.buf]
	index := d.indexes[d.batch*d.BatchSize : (d.batch+1)*d.BatchSize]
	go func() {
		d.Input(index, b.xBuf)
		d.Label(index, b.Labels)
		nclass := len(b.yBuf) / len(b.Labels)
		for i := range b.yBuf {
			b.yBuf[i] = 0
		}
		for i, label := range b.Labels {
			b.yBuf[i*nclass+int(label)] = 1
		}
		d.Done()
	}()
}

// Get next batch of data, the returned batch is valid until the following call.
func (d *Dataset) NextBatch() *Batch {
	d.Wait()
	b := d.batches[d.buf]
	d.batch++
	d.buf = (d.buf + 1) % 2
	if d.batch < d.Batches {
		d.loadBatch()
	}
	return b
}

// Called at start of each epoch, shuffles the first Samples entries if enabled.
func (d *Dataset) NextEpoch() {
	d.Wait()
	d.epoch++
	d.batch = 0
	if d.Shuffle {
		d.indexes = d.rng.Perm(d.Samples)
	}
	d.loadBatch()
}

// Epoch returns the number of epochs started
func (d *Dataset) Epoch() int { return d.epoch }

// Release waits for any pending load to complete
func (d *Dataset) Release() {
	d.Wait()
}
