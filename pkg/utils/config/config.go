// Package config loads this server's YAML configuration file and merges
// in command-line overrides. File resolution falls back from the
// executable's own directory to /etc/APPNAME when no config is found
// alongside the binary.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	log "github.com/junbin-yang/coapd/pkg/utils/logger"
)

var (
	APPNAME    string = "coapd"
	VERSION    string = "undefined"
	BUILD_TIME string = "undefined"
	GO_VERSION string = "undefined"
)

// Config is the full set of values the lifecycle coordinator needs to
// boot.
type Config struct {
	ServerName string   `yaml:"server_name"`
	Port       int      `yaml:"port"`
	Protocols  []string `yaml:"protocols"` // "udp", "tcp", or both

	Workers struct {
		Processes int `yaml:"processes"`
		Threads   int `yaml:"threads"`
	} `yaml:"workers"`

	Reliability struct {
		AckTimeoutSeconds float64 `yaml:"ack_timeout_seconds"`
		AckRandomFactor   float64 `yaml:"ack_random_factor"`
		MaxRetransmit     int     `yaml:"max_retransmit"`
	} `yaml:"reliability"`

	Observe struct {
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
		MaxAgeSeconds        int `yaml:"max_age_seconds"`
	} `yaml:"observe"`

	Logger struct {
		Dir    string `yaml:"dir"`
		Level  string `yaml:"level"`
		Rotate bool   `yaml:"rotate"`
	} `yaml:"logger"`
}

var (
	flagPort      = flag.Int("port", 0, "override the configured CoAP port (0 = use config file)")
	flagProtocols = flag.String("protocols", "", "comma-separated protocol override, e.g. \"udp,tcp\"")
	flagWorkers   = flag.Int("workers", 0, "override the configured worker thread count (0 = use config file)")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stdout, APPNAME+", version: "+VERSION+" (built at "+BUILD_TIME+") "+GO_VERSION)
		flag.PrintDefaults()
	}
	flag.Parse()
}

// Parse locates and loads the YAML config file, applies CLI overrides,
// and wires the logger per Logger.Rotate/Level.
func Parse() (*Config, error) {
	ex, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("config: resolve executable path: %w", err)
	}

	cfile := filepath.Join(filepath.Dir(ex), APPNAME+".yml")
	if _, err := os.Stat(cfile); os.IsNotExist(err) {
		cfile = filepath.Join("/etc", APPNAME+".yml")
	}

	conf := applyDefaults(new(Config))
	data, err := os.ReadFile(cfile)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", cfile, err)
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", cfile, err)
	}

	applyFlagOverrides(conf)
	setupLogger(conf, ex)
	return conf, nil
}

func applyDefaults(c *Config) *Config {
	c.Port = 5683
	c.Protocols = []string{"udp", "tcp"}
	c.Workers.Processes = 1
	c.Workers.Threads = 4
	c.Reliability.AckTimeoutSeconds = 2.0
	c.Reliability.AckRandomFactor = 1.5
	c.Reliability.MaxRetransmit = 4
	c.Observe.SweepIntervalSeconds = 60
	c.Observe.MaxAgeSeconds = 600
	c.Logger.Level = "info"
	return c
}

func applyFlagOverrides(c *Config) {
	if *flagPort != 0 {
		c.Port = *flagPort
	}
	if *flagProtocols != "" {
		c.Protocols = splitCommaList(*flagProtocols)
	}
	if *flagWorkers != 0 {
		c.Workers.Threads = *flagWorkers
	}
}

func splitCommaList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func setupLogger(conf *Config, executablePath string) {
	defer log.Sync()
	if conf.Logger.Rotate {
		if len(conf.Logger.Dir) == 0 {
			conf.Logger.Dir = filepath.Dir(executablePath)
		}
		out := log.NewProductionRotateByTime(filepath.Join(conf.Logger.Dir, APPNAME+".log"))
		sink := log.New(out, log.InfoLevel)
		log.ReplaceDefault(sink)
	}
	switch conf.Logger.Level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
