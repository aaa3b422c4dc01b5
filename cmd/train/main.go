// Train the SimpleNet convolutional network on MNIST and record metrics with the experiment tracker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jnb666/convtrack/img"
	"github.com/jnb666/convtrack/nnet"
	"github.com/jnb666/convtrack/track"
)

// command line flags which override config file settings
var flagFields = map[string]string{
	"eta":         "Eta",
	"momentum":    "Momentum",
	"solver":      "Solver",
	"seed":        "RandSeed",
	"epochs":      "MaxEpoch",
	"samples":     "MaxSamples",
	"batch":       "TrainBatch",
	"testbatch":   "TestBatch",
	"testbatches": "MaxTestBatches",
	"log":         "LogEvery",
	"data":        "DataDir",
	"debug":       "DebugLevel",
}

func main() {
	log.SetFlags(0)
	conf := nnet.DefaultConfig()
	var configFile, trackURL, token, project, save, load string
	flag.StringVar(&configFile, "config", "", "load network and settings from json config file")
	flag.Float64Var(&conf.Eta, "eta", conf.Eta, "learning rate")
	flag.Float64Var(&conf.Momentum, "momentum", conf.Momentum, "momentum for the momentum solver")
	flag.StringVar(&conf.Solver, "solver", conf.Solver, "optimizer: sgd or momentum")
	flag.Int64Var(&conf.RandSeed, "seed", conf.RandSeed, "random number seed")
	flag.IntVar(&conf.MaxEpoch, "epochs", conf.MaxEpoch, "max epochs")
	flag.IntVar(&conf.MaxSamples, "samples", conf.MaxSamples, "max training samples")
	flag.IntVar(&conf.TrainBatch, "batch", conf.TrainBatch, "train batch size")
	flag.IntVar(&conf.TestBatch, "testbatch", conf.TestBatch, "test batch size")
	flag.IntVar(&conf.MaxTestBatches, "testbatches", conf.MaxTestBatches, "max batches per test run, 0 for all")
	flag.IntVar(&conf.LogEvery, "log", conf.LogEvery, "log and test every n batches")
	flag.StringVar(&conf.DataDir, "data", conf.DataDir, "directory with MNIST idx files")
	flag.IntVar(&conf.DebugLevel, "debug", conf.DebugLevel, "debug logging level")
	flag.StringVar(&trackURL, "track", "", "tracking server url")
	flag.StringVar(&token, "token", os.Getenv("CONVTRACK_TOKEN"), "tracking server project token")
	flag.StringVar(&project, "project", "mnist", "tracking project name")
	flag.StringVar(&save, "save", "", "save trained weights to file")
	flag.StringVar(&load, "load", "", "load initial weights from file")
	flag.Parse()

	if configFile != "" {
		conf = loadConfig(configFile)
	}
	nnet.CheckErr(conf.Validate())
	fmt.Println(conf)

	// load training and test data
	trainData, err := img.LoadMNIST(conf.DataDir, "train")
	nnet.CheckErr(err)
	testData, err := img.LoadMNIST(conf.DataDir, "test")
	nnet.CheckErr(err)
	if conf.DebugLevel >= 1 {
		mean, std := img.GetStats(trainData)
		log.Printf("train data: %d images mean=%.4f std=%.4f", trainData.Len(), mean, std)
	}
	rng := nnet.SetSeed(conf.RandSeed)
	dset, err := nnet.NewDataset(trainData, conf.TrainBatch, conf.MaxSamples, conf.Shuffle, rng)
	nnet.CheckErr(err)

	// build the training network and a copy for testing
	net, err := nnet.New(conf, conf.TrainBatch, trainData.Shape(), len(trainData.Classes()), true, rng)
	nnet.CheckErr(err)
	defer net.Release()
	if load != "" {
		nnet.CheckErr(net.LoadWeights(load))
	}
	fmt.Println(net)
	tester, err := nnet.NewTester(conf, testData, nnet.SetSeed(conf.RandSeed))
	nnet.CheckErr(err)
	defer tester.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := track.MultiSink{track.LogSink{Verbose: conf.DebugLevel >= 2}}
	if trackURL != "" {
		hconf := track.DefaultHTTPConfig()
		hconf.BaseURL, hconf.Token = trackURL, token
		sink = append(sink, track.NewHTTPSink(hconf))
	}
	exp, err := track.NewProject(project, sink, track.DefaultOptions()).CreateExperiment(ctx, track.Info{
		Model:     net.Describe(),
		Optimizer: optimizer(conf),
		TrainData: fmt.Sprintf("MNIST %d train %d test samples", dset.Samples, testData.Len()),
		Metrics:   []string{nnet.LossMetric, nnet.AccuracyMetric},
		Params:    conf.Params(),
	})
	nnet.CheckErr(err)

	err = nnet.Train(ctx, net, dset, tester, exp)
	exp.Fail(err)
	if cerr := exp.Close(); cerr != nil {
		log.Println(cerr)
	}
	printSummary(exp)
	nnet.CheckErr(err)

	if save != "" {
		nnet.CheckErr(net.SaveWeights(save))
	}
}

// load config from file then reapply any settings given on the command line
func loadConfig(file string) nnet.Config {
	conf, err := nnet.LoadConfig(file)
	nnet.CheckErr(err)
	flag.Visit(func(f *flag.Flag) {
		if key, ok := flagFields[f.Name]; ok {
			conf, err = conf.SetString(key, f.Value.String())
			nnet.CheckErr(err)
		}
	})
	return conf
}

func optimizer(conf nnet.Config) string {
	if conf.Solver == "momentum" {
		return fmt.Sprintf("SGD lr=%g momentum=%g", conf.Eta, conf.Momentum)
	}
	return fmt.Sprintf("SGD lr=%g", conf.Eta)
}

func printSummary(exp *track.Experiment) {
	sum := exp.Summary()
	fmt.Printf("== Experiment %s %s ==\n", exp.ID, exp.Status())
	for _, name := range exp.MetricNames() {
		s := sum[name]
		fmt.Printf("%-20s %s last=%.4g\n", name, s.String(), s.Last)
	}
}
