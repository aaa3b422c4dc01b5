package nnet

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConfig()
	if err := conf.Validate(); err != nil {
		t.Fatal(err)
	}
	t.Logf("\n%s", conf)
	if conf.TrainBatch != 200 || conf.TestBatch != 64 || conf.MaxEpoch != 3 || conf.Eta != 0.03 || conf.RandSeed != 321 {
		t.Errorf("unexpected defaults %+v", conf)
	}
	if len(conf.Layers) != 13 {
		t.Errorf("got %d layers", len(conf.Layers))
	}
}

func TestSaveLoad(t *testing.T) {
	file := filepath.Join(t.TempDir(), "simple.net")
	conf := DefaultConfig()
	conf.MaxEpoch = 7
	if err := conf.Save(file); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(file)
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxEpoch != 7 || len(c.Layers) != len(conf.Layers) {
		t.Errorf("config mismatch after load: %+v", c)
	}
	for i, l := range c.Layers {
		if l.String() != conf.Layers[i].String() {
			t.Errorf("layer %d: got %s expect %s", i, l, conf.Layers[i])
		}
	}
}

func TestSetString(t *testing.T) {
	conf := DefaultConfig()
	var err error
	if conf, err = conf.SetString("Eta", "0.5"); err != nil || conf.Eta != 0.5 {
		t.Errorf("set Eta: %v %v", conf.Eta, err)
	}
	if conf, err = conf.SetString("MaxEpoch", "10"); err != nil || conf.MaxEpoch != 10 {
		t.Errorf("set MaxEpoch: %v %v", conf.MaxEpoch, err)
	}
	if conf, err = conf.SetString("Shuffle", "false"); err != nil || conf.Shuffle {
		t.Errorf("set Shuffle: %v %v", conf.Shuffle, err)
	}
	if _, err = conf.SetString("TrainBatch", "abc"); err == nil {
		t.Error("expected parse error")
	}
	if _, err = conf.SetString("NoSuchField", "1"); err == nil {
		t.Error("expected unknown field error")
	}
	if p := conf.Params(); p["Solver"] != "sgd" || p["Eta"] != "0.5" {
		t.Errorf("got params %v", p)
	}
}

func TestValidate(t *testing.T) {
	conf := DefaultConfig()
	conf.Solver = "adam"
	if err := conf.Validate(); err == nil {
		t.Error("expected invalid solver error")
	}
	conf = DefaultConfig()
	conf.Layers = append(conf.Layers, LayerConfig{Type: "bogus"})
	if err := conf.Validate(); err == nil {
		t.Error("expected invalid layer error")
	}
	conf = DefaultConfig().AddLayers(Dropout{Ratio: 1.5})
	if err := conf.Validate(); err == nil {
		t.Error("expected dropout range error")
	}
}

func TestValidateLayers(t *testing.T) {
	bad := []ConfigLayer{
		Conv{Nfeats: 4, Size: 0},
		Conv{Nfeats: 0, Size: 3},
		Conv{Nfeats: 4, Size: 3, Stride: -1},
		Conv{Nfeats: 4, Size: 3, Pad: -1},
		MaxPool{Size: 0},
		MaxPool{Size: 2, Stride: -2},
		Linear{Nout: 0},
	}
	for _, l := range bad {
		conf := Config{Solver: "sgd", Eta: 0.1, TrainBatch: 1, TestBatch: 1, MaxEpoch: 1}.AddLayers(l)
		err := conf.Validate()
		if err == nil {
			t.Errorf("expected error for %s", conf.Layers[0])
			continue
		}
		t.Log(err)
	}
}
