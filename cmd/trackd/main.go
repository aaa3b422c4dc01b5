// Run the experiment tracking server.
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
	"github.com/jnb666/convtrack/web"
)

func main() {
	var configFile, token, project string
	var save bool
	conf := web.DefaultServerConfig()
	flag.StringVar(&configFile, "config", "", "json server config file")
	flag.StringVar(&conf.Addr, "addr", conf.Addr, "address to listen on")
	flag.StringVar(&conf.DataDir, "data", conf.DataDir, "directory for persisted experiments")
	flag.StringVar(&conf.Images, "images", conf.Images, "directory with MNIST files for the image browser")
	flag.StringVar(&conf.User, "user", conf.User, "dashboard user name")
	flag.StringVar(&conf.Password, "password", os.Getenv("CONVTRACK_PASSWORD"), "dashboard password")
	flag.StringVar(&token, "token", "", "add a project token")
	flag.StringVar(&project, "project", "mnist", "project name for -token")
	flag.BoolVar(&save, "save", false, "save settings to the config file and exit")
	flag.Parse()

	if configFile != "" && !save {
		c, err := web.LoadServerConfig(configFile)
		nnet.CheckErr(err)
		// command line settings take precedence
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "addr":
				c.Addr = conf.Addr
			case "data":
				c.DataDir = conf.DataDir
			case "images":
				c.Images = conf.Images
			case "user":
				c.User = conf.User
			case "password":
				c.Password = conf.Password
			}
		})
		if c.Password == "" {
			c.Password = conf.Password
		}
		conf = c
	}
	if token != "" {
		conf.AddToken(token, project)
	}
	if save {
		if configFile == "" {
			fmt.Fprintln(os.Stderr, "-save requires -config")
			os.Exit(2)
		}
		nnet.CheckErr(conf.Save(configFile))
		log.Println("saved config to", configFile)
		return
	}
	if len(conf.Tokens) == 0 {
		log.Println("warning: no project tokens configured, all API requests will be rejected")
	}

	store, err := web.LoadStore(conf.StoreFile())
	nnet.CheckErr(err)

	data := map[string]*img.Data{}
	if conf.Images != "" {
		for _, set := range []string{"train", "test"} {
			d, err := img.LoadMNIST(conf.Images, set)
			nnet.CheckErr(err)
			data[set] = d
		}
	}
	s, err := web.NewServer(conf, store, data)
	nnet.CheckErr(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	nnet.CheckErr(s.ListenAndServe(ctx))
}
