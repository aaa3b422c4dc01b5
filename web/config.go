package web

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Tracking server configuration
type ServerConfig struct {
	Addr     string
	DataDir  string
	Tokens   map[string]string // project token => project name
	User     string
	Password string
	Images   string // directory with MNIST files for the image browser, optional
	MaxPlot  int    // max points per plot series
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:    ":8080",
		DataDir: "./trackd",
		Tokens:  map[string]string{},
		User:    "admin",
		MaxPlot: 2000,
	}
}

// Load config from json file, missing fields keep their default values
func LoadServerConfig(name string) (ServerConfig, error) {
	c := DefaultServerConfig()
	f, err := os.Open(name)
	if err != nil {
		return c, errors.Wrap(err, "load server config")
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err = dec.Decode(&c); err != nil {
		return c, errors.Wrapf(err, "load server config %s", name)
	}
	if c.Tokens == nil {
		c.Tokens = map[string]string{}
	}
	return c, c.Validate()
}

// AddToken allows requests with the given token to record experiments in project
func (c *ServerConfig) AddToken(token, project string) {
	if c.Tokens == nil {
		c.Tokens = map[string]string{}
	}
	c.Tokens[token] = project
}

func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("server config: Addr is required")
	}
	if c.DataDir == "" {
		return errors.New("server config: DataDir is required")
	}
	for token, project := range c.Tokens {
		if token == "" || project == "" {
			return errors.Errorf("server config: empty token or project %q => %q", token, project)
		}
	}
	return nil
}

// Save config to file
func (c ServerConfig) Save(name string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return errors.Wrap(err, "save server config")
	}
	return errors.Wrap(os.WriteFile(name, data, 0600), "save server config")
}

// Projects returns the sorted list of configured project names
func (c ServerConfig) Projects() []string {
	seen := map[string]bool{}
	var names []string
	for _, p := range c.Tokens {
		if !seen[p] {
			seen[p] = true
			names = append(names, p)
		}
	}
	sort.Strings(names)
	return names
}

// StoreFile is the path of the gob file holding persisted experiments
func (c ServerConfig) StoreFile() string {
	return filepath.Join(c.DataDir, "experiments.gob")
}
