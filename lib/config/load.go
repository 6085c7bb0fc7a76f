// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

var DefaultConfigFile = func() string {
	if path := os.Getenv("EXECNODE_CONFIG"); path != "" {
		return path
	}
	return "/etc/execnode/config.yml"
}()

type Loader struct {
	Logger logrus.FieldLogger
	Path   string

	stdin io.Reader
}

// NewLoader returns a new Loader with Path set to the default config
// file. If Path is "-", the config is read from stdin.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{
		Logger: logger,
		Path:   DefaultConfigFile,
		stdin:  stdin,
	}
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/execnode/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file` (default may be overridden by setting an EXECNODE_CONFIG environment variable)")
}

// Load reads and parses the config file at ldr.Path.
func (ldr *Loader) Load() (*Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		buf, err = io.ReadAll(ldr.stdin)
	} else {
		buf, err = os.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	return Load(buf, ldr.Logger)
}

// Load parses the given YAML config on top of the built-in defaults,
// warns about unknown keys, fills in derived values, and checks the
// result.
func Load(buf []byte, logger logrus.FieldLogger) (*Config, error) {
	var cfg Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	// Decoding into a non-empty slice would merge the given
	// locations into the default ones.
	var probe struct {
		SlotManager struct {
			Locations *[]SlotLocationConfig
		}
	}
	err = yaml.Unmarshal(buf, &probe)
	if err != nil {
		return nil, err
	}
	if probe.SlotManager.Locations != nil {
		cfg.SlotManager.Locations = nil
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logUnknownKeys(buf, logger)
	}
	err = cfg.setImplicitDefaults()
	if err != nil {
		return nil, err
	}
	err = cfg.check()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func logUnknownKeys(buf []byte, logger logrus.FieldLogger) {
	j, err := yaml.YAMLToJSON(buf)
	if err != nil {
		return
	}
	dec := json.NewDecoder(bytes.NewReader(j))
	dec.DisallowUnknownFields()
	var strict Config
	if err := dec.Decode(&strict); err != nil && strings.Contains(err.Error(), "unknown field") {
		logger.WithError(err).Warn("config contains an unrecognized key")
	}
}

func (cfg *Config) setImplicitDefaults() error {
	if cfg.NodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		cfg.NodeID = hostname
	}
	if cfg.InternalURL == "" {
		cfg.InternalURL = "http://" + cfg.Listen + "/"
	}
	if cfg.SlotManager.SlotCount == 0 {
		cfg.SlotManager.SlotCount = cfg.ResourceLimits.UserSlots
	}
	if cfg.ResourceLimits.UserSlots == 0 {
		cfg.ResourceLimits.UserSlots = cfg.SlotManager.SlotCount
	}
	for i := range cfg.SlotManager.Locations {
		err := mergo.Merge(&cfg.SlotManager.Locations[i], cfg.SlotManager.LocationDefaults)
		if err != nil {
			return fmt.Errorf("SlotManager.Locations[%d]: %w", i, err)
		}
	}
	if cfg.ArtifactCache.DownloadConcurrency < 1 {
		cfg.ArtifactCache.DownloadConcurrency = 1
	}
	return nil
}

func (cfg *Config) check() error {
	var errs []error
	if len(cfg.SlotManager.Locations) == 0 {
		errs = append(errs, errors.New("SlotManager.Locations is empty"))
	}
	seen := map[string]bool{}
	for i, loc := range cfg.SlotManager.Locations {
		if !strings.HasPrefix(loc.Path, "/") {
			errs = append(errs, fmt.Errorf("SlotManager.Locations[%d].Path %q is not an absolute path", i, loc.Path))
		}
		if seen[loc.Path] {
			errs = append(errs, fmt.Errorf("SlotManager.Locations[%d].Path %q is listed more than once", i, loc.Path))
		}
		seen[loc.Path] = true
	}
	if cfg.SlotManager.SlotCount < 1 {
		errs = append(errs, errors.New("SlotManager.SlotCount must be positive"))
	}
	switch cfg.JobEnvironment.Type {
	case "simple", "cgroup", "docker":
	default:
		errs = append(errs, fmt.Errorf("unsupported JobEnvironment.Type %q", cfg.JobEnvironment.Type))
	}
	if cfg.JobEnvironment.Type == "docker" && cfg.JobEnvironment.DockerImage == "" {
		errs = append(errs, errors.New("JobEnvironment.DockerImage is required with JobEnvironment.Type \"docker\""))
	}
	if len(cfg.JobEnvironment.JobProxyCommand) == 0 {
		errs = append(errs, errors.New("JobEnvironment.JobProxyCommand is empty"))
	}
	switch cfg.ArtifactCache.Backend {
	case "http":
	case "s3":
		if cfg.ArtifactCache.S3.Bucket == "" {
			errs = append(errs, errors.New("ArtifactCache.S3.Bucket is required with ArtifactCache.Backend \"s3\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported ArtifactCache.Backend %q", cfg.ArtifactCache.Backend))
	}
	if cfg.JobController.FailedHeartbeatBackoffMultiplier < 1 || cfg.JobController.SkippedHeartbeatBackoffMultiplier < 1 {
		errs = append(errs, errors.New("heartbeat backoff multipliers must be >= 1"))
	}
	return errors.Join(errs...)
}
