package stats

import (
	"bytes"
	"encoding/gob"
	"math"
	"testing"
)

const eps = 1e-9

func TestAverage(t *testing.T) {
	var s Average
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Add(x)
	}
	t.Log(s.String())
	if s.Count != 8 || math.Abs(s.Mean-5) > eps {
		t.Errorf("got count=%v mean=%v expect 8 5", s.Count, s.Mean)
	}
	// sample stddev of the set above
	if expect := math.Sqrt(32.0 / 7); math.Abs(s.StdDev-expect) > eps {
		t.Errorf("got stddev=%v expect %v", s.StdDev, expect)
	}
	if s.Min != 2 || s.Max != 9 || s.Last != 9 {
		t.Errorf("got min=%v max=%v last=%v", s.Min, s.Max, s.Last)
	}
}

func TestAverageGob(t *testing.T) {
	var s Average
	s.Add(1)
	s.Add(3)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		t.Fatal(err)
	}
	var r Average
	if err := gob.NewDecoder(&buf).Decode(&r); err != nil {
		t.Fatal(err)
	}
	r.Add(5)
	s.Add(5)
	if r != s {
		t.Errorf("decoded average diverged: %+v != %+v", r, s)
	}
}

func TestHTML(t *testing.T) {
	s := Average{Mean: 98.5, StdDev: 0.05}
	if got := string(s.HTML()); got != "98.5" {
		t.Errorf("got %q", got)
	}
	s = Average{Mean: 0.25, StdDev: 0.1}
	if got := string(s.HTML()); got != "0.25&PlusMinus;0.10" {
		t.Errorf("got %q", got)
	}
}

func TestEMA(t *testing.T) {
	var e EMA
	v := e.Add(4, 10)
	if v != 4 {
		t.Errorf("first value should pass through, got %v", v)
	}
	v = EMA(v).Add(15, 10)
	if math.Abs(v-6) > eps {
		t.Errorf("got %v expect 6", v)
	}
}
