// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobproxy implements "execnode job-proxy", the process the
// exec node starts in a prepared slot. It fetches the job spec from
// the node's control API, runs the user command in the sandbox, and
// reports statistics and the result back to the node.
package jobproxy

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"git.arvados.org/execnode.git/lib/cmd"
	"git.arvados.org/execnode.git/lib/crunchstat"
	"git.arvados.org/execnode.git/sdk/go/ctxlog"
	"git.arvados.org/execnode.git/sdk/go/nodeapi"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// StdoutFileName is the name of the user command's stdout log in the
// logs sandbox.
const StdoutFileName = "stdout"

var Command cmd.Handler = command{}

type command struct{}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configPath := flags.String("config", "", "job proxy configuration `file`")
	operationID := flags.String("operation-id", "", "operation ID (for logging)")
	jobID := flags.String("job-id", "", "job ID, must match the configuration file")
	statsInterval := flags.Duration("stats-interval", 10*time.Second, "interval between statistics reports")
	format := flags.String("log-format", "json", "log format (text or json)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *configPath == "" {
		fmt.Fprintf(stderr, "%s: -config is required\n", prog)
		return 2
	}
	logger := ctxlog.New(stderr, *format, "info").WithFields(logrus.Fields{
		"JobID":       *jobID,
		"OperationID": *operationID,
	})
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return cmd.Exit(stderr, err)
	}
	if *jobID != "" && *jobID != cfg.JobID {
		return cmd.Exit(stderr, fmt.Errorf("job ID %q does not match configuration file (%q)", *jobID, cfg.JobID))
	}
	p := &Proxy{
		Config: cfg,
		Client: &nodeapi.Client{
			BaseURL:   cfg.NodeURL,
			AuthToken: cfg.AuthToken,
			RetryMax:  4,
			Logger:    logger,
		},
		Logger:        logger,
		StatsInterval: *statsInterval,
	}
	err = p.Run(context.Background())
	if err != nil {
		logger.WithError(err).Error("job proxy failed")
	}
	return cmd.Exit(stderr, err)
}

// LoadConfig reads a job proxy configuration file written by the
// node.
func LoadConfig(path string) (nodeapi.JobProxyConfig, error) {
	var cfg nodeapi.JobProxyConfig
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.NodeURL == "" || cfg.JobID == "" {
		return cfg, fmt.Errorf("%s: NodeURL and JobID are required", path)
	}
	return cfg, nil
}

// Proxy runs one job's user command.
type Proxy struct {
	Config        nodeapi.JobProxyConfig
	Client        *nodeapi.Client
	Logger        logrus.FieldLogger
	StatsInterval time.Duration

	// Samples the user command's cgroup. If nil, a reporter
	// reading the host's cgroup filesystem is used. Pid is set
	// by Run.
	Reporter *crunchstat.Reporter
}

// Run runs the job to completion and reports its result. A failing
// user command is reported as an error result, not returned as an
// error: Run returns an error only if the node could not be told
// about the outcome.
func (p *Proxy) Run(ctx context.Context) error {
	jobID := p.Config.JobID
	spec, err := p.Client.GetSpec(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job spec: %w", err)
	}
	if len(spec.Command) == 0 {
		return p.Client.SetResult(ctx, jobID, nodeapi.JobResult{
			Error: nodeapi.NewError(nodeapi.ErrorGeneric, "job spec has no command"),
		})
	}

	stdout, err := p.openLog(StdoutFileName)
	if err != nil {
		return err
	}
	defer stdout.Close()
	stderr, err := p.openLog(nodeapi.StderrFileName)
	if err != nil {
		return err
	}
	defer stderr.Close()

	c := exec.Command(spec.Command[0], spec.Command[1:]...)
	c.Dir = p.Config.SandboxPath
	c.Env = p.environ(spec)
	c.Stdout = stdout
	c.Stderr = stderr
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if uid := p.Config.UserID; uid > 0 && os.Geteuid() == 0 {
		c.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(uid)}
	}

	if err := p.Client.Prepared(ctx, jobID); err != nil {
		return fmt.Errorf("report job prepared: %w", err)
	}
	p.Logger.WithField("Command", spec.Command).Info("starting user command")
	if err := c.Start(); err != nil {
		return p.Client.SetResult(ctx, jobID, nodeapi.JobResult{
			Error: nodeapi.NewError(nodeapi.ErrorGeneric, "failed to start user command").Wrap(err),
		})
	}

	done := make(chan struct{})
	go p.forwardSignals(c.Process, done)
	reporter := p.Reporter
	if reporter == nil {
		reporter = &crunchstat.Reporter{
			FS:         os.DirFS("/"),
			PollPeriod: p.StatsInterval,
			Logger:     p.Logger,
		}
	}
	reporter.Pid = func() int { return c.Process.Pid }
	reporter.Start()
	stats := make(chan struct{})
	go func() {
		defer close(stats)
		p.reportStatistics(ctx, reporter, done)
	}()

	err = c.Wait()
	close(done)
	<-stats
	reporter.Stop()

	result := nodeapi.JobResult{Statistics: statistics(reporter)}
	if err != nil {
		result.Error = nodeapi.NewError(nodeapi.ErrorGeneric, "user command failed").Wrap(err)
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			result.Error = result.Error.WithAttribute("exit_code", ee.ExitCode())
		}
		p.Logger.WithError(err).Info("user command failed")
	} else {
		p.Logger.Info("user command finished")
	}
	if err := p.Client.SetResult(ctx, jobID, result); err != nil {
		return fmt.Errorf("report job result: %w", err)
	}
	return nil
}

func (p *Proxy) openLog(name string) (*os.File, error) {
	return os.OpenFile(filepath.Join(p.Config.LogsPath, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// environ returns the user command's environment: the job's
// variables on top of a minimal base.
func (p *Proxy) environ(spec nodeapi.JobSpec) []string {
	vars := map[string]string{
		"PATH":            os.Getenv("PATH"),
		"HOME":            p.Config.SandboxPath,
		"EXECNODE_JOB_ID": p.Config.JobID,
	}
	if vars["PATH"] == "" {
		vars["PATH"] = "/usr/local/bin:/usr/bin:/bin"
	}
	if len(p.Config.GPUDevices) > 0 {
		vars["EXECNODE_GPU_DEVICES"] = strings.Join(p.Config.GPUDevices, ",")
	}
	for k, v := range p.Config.Environment {
		vars[k] = v
	}
	for k, v := range spec.Environment {
		vars[k] = v
	}
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func (p *Proxy) forwardSignals(proc *os.Process, done <-chan struct{}) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)
	for {
		select {
		case <-done:
			return
		case sig := <-sigs:
			p.Logger.WithField("Signal", sig.String()).Info("forwarding signal to user command")
			if err := proc.Signal(sig); err != nil {
				p.Logger.WithError(err).Warn("failed to forward signal")
			}
		}
	}
}

func (p *Proxy) reportStatistics(ctx context.Context, reporter *crunchstat.Reporter, done <-chan struct{}) {
	interval := p.StatsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		stats := statistics(reporter)
		if stats == nil {
			continue
		}
		if err := p.Client.SetStatistics(ctx, p.Config.JobID, stats); err != nil {
			p.Logger.WithError(err).Warn("failed to report statistics")
		}
	}
}

func statistics(reporter *crunchstat.Reporter) map[string]interface{} {
	s := reporter.Latest()
	if s.Time.IsZero() {
		return nil
	}
	return map[string]interface{}{"cgroup": s.Map()}
}
