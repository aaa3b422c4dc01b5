// Write the default SimpleNet config to a json file which can be edited and passed to train -config.
package main

import (
	"flag"
	"fmt"

	"github.com/jnb666/convtrack/nnet"
)

func main() {
	file := flag.String("o", "simplenet.net", "output file")
	mlp := flag.Bool("mlp", false, "write a fully connected network instead of the convnet")
	flag.Parse()

	conf := nnet.DefaultConfig()
	if *mlp {
		conf.Layers = nil
		conf = conf.AddLayers(
			nnet.Flatten{},
			nnet.Linear{Nout: 100},
			nnet.Activation{Atype: "relu"},
			nnet.Dropout{Ratio: 0.5},
			nnet.Linear{Nout: 10},
			nnet.LogSoftmax{},
		)
	}
	fmt.Println(conf)
	nnet.CheckErr(conf.Validate())
	nnet.CheckErr(conf.Save(*file))
	fmt.Println("saved config to", *file)
}
