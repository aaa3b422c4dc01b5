package nnet

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// Names of the metrics reported to the experiment
const (
	LossMetric     = "Loss"
	AccuracyMetric = "Accuracy"
)

// Experiment is the tracking interface which wraps the training loops and records metrics.
// Metrics updated inside Test are reported as validation results.
type Experiment interface {
	EpochLoop(ctx context.Context, epochs int, fn func(epoch int) error) error
	BatchLoop(ctx context.Context, batches int, fn func(batch int) error) error
	Test(fn func() error) error
	UpdateMetric(name string, value float64) error
}

// Test statistics
type Stats struct {
	Epoch    int
	Batch    int
	Loss     float64
	Correct  int
	Seen     int
	Accuracy float64
	Elapsed  time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("Test set: Average loss: %.4f, Accuracy: %d/%d (%.0f%%)", s.Loss, s.Correct, s.Seen, s.Accuracy)
}

// Tester evaluates the network on the test data using a separate copy of the network without dropout.
type Tester struct {
	Net   *Network
	Data  *Dataset
	Stats []Stats
	start time.Time
}

// Create a new tester with a network built for the test batch size
func NewTester(conf Config, data Data, rng *rand.Rand) (*Tester, error) {
	t := &Tester{start: time.Now()}
	var err error
	if t.Data, err = NewDataset(data, conf.TestBatch, 0, conf.Shuffle, rng); err != nil {
		return nil, errors.Wrap(err, "test data")
	}
	if conf.MaxTestBatches > 0 && t.Data.Batches > conf.MaxTestBatches {
		t.Data.Batches = conf.MaxTestBatches
	}
	if t.Net, err = New(conf, conf.TestBatch, data.Shape(), len(data.Classes()), false, rng); err != nil {
		return nil, errors.Wrap(err, "test network")
	}
	return t, nil
}

// Test performance of the network after copying the current weights.
func (t *Tester) Test(net *Network, epoch, batch int) (Stats, error) {
	if err := net.CopyTo(t.Net); err != nil {
		return Stats{}, err
	}
	s := Stats{Epoch: epoch, Batch: batch}
	var total float64
	t.Data.NextEpoch()
	for i := 0; i < t.Data.Batches; i++ {
		b := t.Data.NextBatch()
		loss, correct, err := t.Net.Run(b)
		if err != nil {
			return s, errors.Wrapf(err, "test batch %d", i)
		}
		total += loss * float64(len(b.Labels))
		s.Correct += correct
		s.Seen += len(b.Labels)
	}
	s.Loss = total / float64(s.Seen)
	s.Accuracy = float64(s.Correct) * 100 / float64(s.Seen)
	s.Elapsed = time.Since(t.start)
	t.Stats = append(t.Stats, s)
	return s, nil
}

// Release allocated resources
func (t *Tester) Release() {
	t.Data.Release()
	t.Net.Release()
}

// Train the network on the given training set by updating the weights. Each epoch and batch runs
// inside the experiment loops, and every LogEvery batches the network is tested.
func Train(ctx context.Context, net *Network, dset *Dataset, test *Tester, exp Experiment) error {
	if !net.Training() {
		return errors.New("train: network has no solver")
	}
	defer dset.Release()
	return exp.EpochLoop(ctx, net.MaxEpoch, func(epoch int) error {
		dset.NextEpoch()
		return exp.BatchLoop(ctx, dset.Batches, func(batch int) error {
			return trainBatch(net, dset, test, exp, epoch, batch)
		})
	})
}

func trainBatch(net *Network, dset *Dataset, test *Tester, exp Experiment, epoch, batch int) error {
	b := dset.NextBatch()
	loss, correct, err := net.Run(b)
	if err != nil {
		return errors.Wrapf(err, "epoch %d batch %d", epoch, batch)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return errors.Errorf("invalid loss %v at epoch %d batch %d", loss, epoch, batch)
	}
	if err = exp.UpdateMetric(LossMetric, loss); err != nil {
		return err
	}
	if err = exp.UpdateMetric(AccuracyMetric, float64(correct)*100/float64(len(b.Labels))); err != nil {
		return err
	}
	if net.LogEvery <= 0 || batch%net.LogEvery != 0 {
		return nil
	}
	fmt.Printf("Train Epoch: %d [%d/%d (%.0f%%)]\tLoss: %.6f\n",
		epoch, batch, dset.Batches, 100*float64(batch)/float64(dset.Batches), loss)
	if test == nil {
		return nil
	}
	return exp.Test(func() error {
		s, err := test.Test(net, epoch, batch)
		if err != nil {
			return err
		}
		if math.IsNaN(s.Loss) || math.IsInf(s.Loss, 0) {
			return errors.Errorf("invalid test loss %v at epoch %d batch %d", s.Loss, epoch, batch)
		}
		if err = exp.UpdateMetric(LossMetric, s.Loss); err != nil {
			return err
		}
		if err = exp.UpdateMetric(AccuracyMetric, s.Accuracy); err != nil {
			return err
		}
		fmt.Printf("\n%s\n\n", s)
		return nil
	})
}
