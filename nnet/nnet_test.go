package nnet

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	nSamples = 24
	nClasses = 3
	imgSize  = 6
	batch    = 4
)

// in memory data set with inputs drawn from a seeded rng
type memData struct {
	inputs []float32
	labels []int32
}

func newMemData(n int, seed int64) *memData {
	rng := rand.New(rand.NewSource(seed))
	d := &memData{inputs: make([]float32, n*imgSize*imgSize), labels: make([]int32, n)}
	for i := range d.inputs {
		d.inputs[i] = rng.Float32()
	}
	for i := range d.labels {
		d.labels[i] = int32(i % nClasses)
	}
	return d
}

func (d *memData) Len() int { return len(d.labels) }

func (d *memData) Classes() []string { return []string{"a", "b", "c"} }

func (d *memData) Shape() []int { return []int{1, imgSize, imgSize} }

func (d *memData) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.labels[ix]
	}
}

func (d *memData) Input(index []int, buf []float32) {
	nfeat := imgSize * imgSize
	for i, ix := range index {
		copy(buf[i*nfeat:], d.inputs[ix*nfeat:(ix+1)*nfeat])
	}
}

func testConfig() Config {
	return Config{
		Eta:        0.1,
		Solver:     "sgd",
		TrainBatch: batch,
		TestBatch:  batch,
		MaxEpoch:   2,
		LogEvery:   2,
		Shuffle:    true,
		RandSeed:   42,
	}.AddLayers(
		Conv{Nfeats: 2, Size: 3},
		MaxPool{Size: 2},
		Activation{Atype: "relu"},
		Flatten{},
		Linear{Nout: nClasses},
		LogSoftmax{},
	)
}

func newNet(t *testing.T, conf Config, training bool) *Network {
	net, err := New(conf, batch, []int{1, imgSize, imgSize}, nClasses, training, rand.New(rand.NewSource(conf.RandSeed)))
	if err != nil {
		t.Fatal(err)
	}
	return net
}

func TestNetworkShape(t *testing.T) {
	net := newNet(t, testConfig(), false)
	defer net.Release()
	t.Logf("\n%s", net)
	// conv and linear layers each have a weight and bias
	if n := len(net.Params()); n != 4 {
		t.Errorf("got %d params expect 4", n)
	}
	shape := net.Output.Shape()
	if len(shape) != 2 || shape[0] != batch || shape[1] != nClasses {
		t.Errorf("got output shape %v", shape)
	}
	if s := net.Describe(); s != "conv -> maxPool -> activation -> flatten -> linear -> logSoftmax" {
		t.Errorf("got description %q", s)
	}
}

func TestOutputShapeMismatch(t *testing.T) {
	conf := testConfig()
	_, err := New(conf, batch, []int{1, imgSize, imgSize}, 5, false, rand.New(rand.NewSource(1)))
	if err == nil {
		t.Error("expected error for output size mismatch")
	}
}

func TestLogProbabilities(t *testing.T) {
	net := newNet(t, testConfig(), false)
	defer net.Release()
	dset, err := NewDataset(newMemData(nSamples, 1), batch, 0, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	dset.NextEpoch()
	b := dset.NextBatch()
	loss, correct, err := net.Run(b)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("loss=%.4f correct=%d", loss, correct)
	out := net.LastOutput()
	for row := 0; row < batch; row++ {
		sum := 0.0
		for _, v := range out[row*nClasses : (row+1)*nClasses] {
			sum += math.Exp(float64(v))
		}
		if math.Abs(sum-1) > 1e-4 {
			t.Errorf("row %d probabilities sum to %v", row, sum)
		}
	}
	if loss <= 0 {
		t.Errorf("negative log likelihood should be positive, got %v", loss)
	}
	dset.Release()
}

func TestTrainingReducesLoss(t *testing.T) {
	for _, solver := range []string{"sgd", "momentum"} {
		conf := testConfig()
		conf.Solver = solver
		if solver == "momentum" {
			conf.Eta, conf.Momentum = 0.05, 0.5
		}
		before, after := trainLoss(t, conf, 50)
		t.Logf("%s: loss before=%.4f after=%.4f", solver, before, after)
		if after >= before {
			t.Errorf("%s: loss did not decrease: %v => %v", solver, before, after)
		}
	}
}

// train on a single batch for n steps and return the eval loss before and after
func trainLoss(t *testing.T, conf Config, n int) (before, after float64) {
	train := newNet(t, conf, true)
	defer train.Release()
	eval := newNet(t, conf, false)
	defer eval.Release()
	dset, err := NewDataset(newMemData(batch, 2), batch, 0, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dset.Release()
	evalLoss := func() float64 {
		if err := train.CopyTo(eval); err != nil {
			t.Fatal(err)
		}
		dset.NextEpoch()
		loss, _, err := eval.Run(dset.NextBatch())
		if err != nil {
			t.Fatal(err)
		}
		return loss
	}
	before = evalLoss()
	for i := 0; i < n; i++ {
		dset.NextEpoch()
		if _, _, err := train.Run(dset.NextBatch()); err != nil {
			t.Fatal(err)
		}
	}
	return before, evalLoss()
}

func TestSimpleNet(t *testing.T) {
	conf := DefaultConfig()
	net, err := New(conf, 2, []int{1, 28, 28}, 10, true, SetSeed(conf.RandSeed))
	if err != nil {
		t.Fatal(err)
	}
	defer net.Release()
	t.Logf("\n%s", net)
	shape := []int{2, 1, 28, 28}
	for _, l := range net.Layers {
		shape = l.OutShape(shape)
		if _, ok := l.(*flatten); ok && (len(shape) != 2 || shape[1] != 320) {
			t.Errorf("flatten output shape %v expect [2 320]", shape)
		}
	}
	if len(net.Params()) != 8 {
		t.Errorf("got %d params expect 8", len(net.Params()))
	}
	if shape := net.Output.Shape(); shape[0] != 2 || shape[1] != 10 {
		t.Errorf("got output shape %v", shape)
	}
}

func TestLayerLargerThanInput(t *testing.T) {
	for _, l := range []ConfigLayer{Conv{Nfeats: 2, Size: imgSize + 1}, MaxPool{Size: imgSize + 1}} {
		conf := testConfig()
		conf.Layers = nil
		conf = conf.AddLayers(l, Flatten{}, Linear{Nout: nClasses}, LogSoftmax{})
		_, err := New(conf, batch, []int{1, imgSize, imgSize}, nClasses, false, SetSeed(1))
		if err == nil {
			t.Errorf("expected error for %s", conf.Layers[0])
			continue
		}
		t.Log(err)
	}
}

func TestCopyAndCheckpoint(t *testing.T) {
	conf := testConfig()
	a := newNet(t, conf, false)
	conf.RandSeed = 99
	b := newNet(t, conf, false)
	if paramData(a.Params()[0])[0] == paramData(b.Params()[0])[0] {
		t.Fatal("expected different initial weights")
	}
	file := filepath.Join(t.TempDir(), "weights.gob")
	if err := a.SaveWeights(file); err != nil {
		t.Fatal(err)
	}
	if err := b.LoadWeights(file); err != nil {
		t.Fatal(err)
	}
	for i, p := range a.Params() {
		wa, wb := paramData(p), paramData(b.Params()[i])
		for j := range wa {
			if wa[j] != wb[j] {
				t.Fatalf("param %s differs at %d", p.Name(), j)
			}
		}
	}
	data := a.Export()
	data[0].Weights = data[0].Weights[1:]
	if err := b.Import(data); err == nil {
		t.Error("expected size mismatch error")
	}
}

func TestCorrect(t *testing.T) {
	output := []float32{
		0.1, 0.7, 0.2,
		0.5, 0.2, 0.3,
		0.1, 0.1, 0.8,
	}
	if n := Correct(output, []int32{1, 2, 2}, 3); n != 2 {
		t.Errorf("got %d correct expect 2", n)
	}
}

func TestDataset(t *testing.T) {
	d := newMemData(nSamples+3, 3)
	dset, err := NewDataset(d, batch, 0, true, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatal(err)
	}
	// partial final batch is dropped
	if dset.Batches != (nSamples+3)/batch {
		t.Errorf("got %d batches", dset.Batches)
	}
	seen := map[float32]bool{}
	for epoch := 0; epoch < 2; epoch++ {
		dset.NextEpoch()
		for i := 0; i < dset.Batches; i++ {
			b := dset.NextBatch()
			onehot := b.Y.Data().([]float32)
			for j, label := range b.Labels {
				row := onehot[j*nClasses : (j+1)*nClasses]
				for k, v := range row {
					if (k == int(label)) != (v == 1) {
						t.Fatalf("bad one hot row %v for label %d", row, label)
					}
				}
			}
			x := b.X.Data().([]float32)
			seen[x[0]] = true
		}
	}
	dset.Release()
	if len(seen) < dset.Batches {
		t.Errorf("only saw %d distinct batches", len(seen))
	}
	if _, err := NewDataset(d, nSamples*2, 0, false, nil); err == nil {
		t.Error("expected error when batch is larger than data set")
	}
	dset, err = NewDataset(d, batch, 10, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if dset.Samples != 10 || dset.Batches != 2 {
		t.Errorf("got samples=%d batches=%d", dset.Samples, dset.Batches)
	}
}

// records calls made by the training loop
type fakeExperiment struct {
	epochs  int
	batches int
	tests   int
	inTest  bool
	metrics map[string]int
}

func (e *fakeExperiment) EpochLoop(ctx context.Context, epochs int, fn func(int) error) error {
	for epoch := 1; epoch <= epochs; epoch++ {
		e.epochs++
		if err := fn(epoch); err != nil {
			return err
		}
	}
	return nil
}

func (e *fakeExperiment) BatchLoop(ctx context.Context, batches int, fn func(int) error) error {
	for batch := 0; batch < batches; batch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.batches++
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

func (e *fakeExperiment) Test(fn func() error) error {
	e.tests++
	e.inTest = true
	defer func() { e.inTest = false }()
	return fn()
}

func (e *fakeExperiment) UpdateMetric(name string, value float64) error {
	if e.inTest {
		name = "val_" + name
	}
	e.metrics[name]++
	return nil
}

func TestTrain(t *testing.T) {
	conf := testConfig()
	rng := SetSeed(conf.RandSeed)
	dset, err := NewDataset(newMemData(nSamples, 4), conf.TrainBatch, 0, true, rng)
	if err != nil {
		t.Fatal(err)
	}
	net := newNet(t, conf, true)
	defer net.Release()
	tester, err := NewTester(conf, newMemData(2*batch, 5), SetSeed(1))
	if err != nil {
		t.Fatal(err)
	}
	defer tester.Release()
	exp := &fakeExperiment{metrics: map[string]int{}}
	if err := Train(context.Background(), net, dset, tester, exp); err != nil {
		t.Fatal(err)
	}
	nbatch := nSamples / batch
	// batches 0, 2 and 4 of each epoch are tested
	ntest := conf.MaxEpoch * 3
	if exp.epochs != conf.MaxEpoch || exp.batches != conf.MaxEpoch*nbatch || exp.tests != ntest {
		t.Errorf("got epochs=%d batches=%d tests=%d", exp.epochs, exp.batches, exp.tests)
	}
	if exp.metrics[LossMetric] != exp.batches || exp.metrics["val_"+AccuracyMetric] != ntest {
		t.Errorf("got metrics %v", exp.metrics)
	}
	if len(tester.Stats) != ntest {
		t.Fatalf("got %d test stats", len(tester.Stats))
	}
	s := tester.Stats[len(tester.Stats)-1]
	t.Log(s)
	if s.Seen != 2*batch || s.Accuracy < 0 || s.Accuracy > 100 {
		t.Errorf("bad stats %+v", s)
	}
}

func TestTrainCancel(t *testing.T) {
	conf := testConfig()
	dset, err := NewDataset(newMemData(nSamples, 4), conf.TrainBatch, 0, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	net := newNet(t, conf, true)
	defer net.Release()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exp := &fakeExperiment{metrics: map[string]int{}}
	if err := Train(ctx, net, dset, nil, exp); err != context.Canceled {
		t.Errorf("got error %v expect context.Canceled", err)
	}
}

func TestTrainInvalidLoss(t *testing.T) {
	conf := testConfig()
	data := newMemData(nSamples, 4)
	for i := range data.inputs {
		data.inputs[i] = float32(math.NaN())
	}
	dset, err := NewDataset(data, conf.TrainBatch, 0, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	net := newNet(t, conf, true)
	defer net.Release()
	exp := &fakeExperiment{metrics: map[string]int{}}
	err = Train(context.Background(), net, dset, nil, exp)
	t.Log(err)
	if err == nil || exp.batches != 1 || exp.metrics[LossMetric] != 0 {
		t.Errorf("got err=%v batches=%d metrics=%v", err, exp.batches, exp.metrics)
	}
}

// run fn and return what it writes to stdout
func captureStdout(t *testing.T, fn func()) string {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout := os.Stdout
	os.Stdout = w
	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		done <- buf.String()
	}()
	defer func() { os.Stdout = stdout }()
	fn()
	w.Close()
	return <-done
}

func TestTrainWithoutTester(t *testing.T) {
	conf := testConfig()
	dset, err := NewDataset(newMemData(nSamples, 4), conf.TrainBatch, 0, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	net := newNet(t, conf, true)
	defer net.Release()
	exp := &fakeExperiment{metrics: map[string]int{}}
	out := captureStdout(t, func() {
		if err := Train(context.Background(), net, dset, nil, exp); err != nil {
			t.Error(err)
		}
	})
	t.Log(out)
	// batches 0, 2 and 4 of each epoch are logged
	if n := strings.Count(out, "Train Epoch:"); n != conf.MaxEpoch*3 || exp.tests != 0 {
		t.Errorf("got %d progress lines and %d tests", n, exp.tests)
	}
}
