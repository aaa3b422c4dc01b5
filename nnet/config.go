package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Training configuration settings
type Config struct {
	DataDir        string
	Eta            float64
	Momentum       float64
	Solver         string
	TrainBatch     int
	TestBatch      int
	MaxEpoch       int
	MaxSamples     int
	MaxTestBatches int
	LogEvery       int
	Shuffle        bool
	RandSeed       int64
	DebugLevel     int
	Layers         []LayerConfig
}

// DefaultConfig returns the settings for the SimpleNet MNIST classifier
func DefaultConfig() Config {
	return Config{
		DataDir:    "./data",
		Eta:        0.03,
		Momentum:   0.5,
		Solver:     "sgd",
		TrainBatch: 200,
		TestBatch:  64,
		MaxEpoch:   3,
		LogEvery:   5,
		Shuffle:    true,
		RandSeed:   321,
	}.AddLayers(
		Conv{Nfeats: 10, Size: 5},
		MaxPool{Size: 2},
		Activation{Atype: "relu"},
		Conv{Nfeats: 20, Size: 5},
		Dropout{Ratio: 0.5},
		MaxPool{Size: 2},
		Activation{Atype: "relu"},
		Flatten{},
		Linear{Nout: 50},
		Activation{Atype: "relu"},
		Dropout{Ratio: 0.5},
		Linear{Nout: 10},
		LogSoftmax{},
	)
}

// Load network from json file
func LoadConfig(name string) (c Config, err error) {
	var f *os.File
	if f, err = os.Open(name); err != nil {
		return c, errors.Wrap(err, "load config")
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err = dec.Decode(&c); err != nil {
		return c, errors.Wrapf(err, "load config %s", name)
	}
	return c, c.Validate()
}

// Validate checks the settings are usable for a training run
func (c Config) Validate() error {
	switch {
	case c.TrainBatch <= 0 || c.TestBatch <= 0:
		return errors.Errorf("config: batch sizes must be positive, got %d %d", c.TrainBatch, c.TestBatch)
	case c.MaxEpoch <= 0:
		return errors.Errorf("config: MaxEpoch must be positive, got %d", c.MaxEpoch)
	case c.Eta <= 0:
		return errors.Errorf("config: learning rate must be positive, got %g", c.Eta)
	case c.Solver != "sgd" && c.Solver != "momentum":
		return errors.Errorf("config: invalid solver %q", c.Solver)
	case len(c.Layers) == 0:
		return errors.New("config: no layers defined")
	}
	for i, l := range c.Layers {
		if _, err := l.Unmarshal(); err != nil {
			return errors.Wrapf(err, "config: layer %d", i)
		}
	}
	return nil
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Layers = append(c.Layers, l.Marshal())
	}
	return c
}

// Save config to JSON file, writes to a temp file first then renames it
func (c Config) Save(name string) error {
	tmp := filepath.Join(filepath.Dir(name), "."+filepath.Base(name))
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrap(err, "save config")
	}
	f.Close()
	return os.Rename(tmp, name)
}

// Fields returns the names of the scalar settings
func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

// Params returns the scalar settings formatted as strings
func (c Config) Params() map[string]string {
	m := make(map[string]string)
	for _, key := range c.Fields() {
		m[key] = fmt.Sprint(c.Get(key))
	}
	return m
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	if c.Layers != nil {
		str := []string{"\n== Network =="}
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}

// SetString parses val and sets the named field
func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if !f.IsValid() {
		return c, errors.Errorf("unknown config field %q", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	case reflect.String:
		f.SetString(val)
	default:
		return c, errors.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, err
}
