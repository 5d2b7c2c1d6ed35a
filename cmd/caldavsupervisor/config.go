/*
 * MIT License
 *
 * Copyright (c) 2022 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package main

import (
	"fmt"
	"time"

	"github.com/caldavsupervisor/core/internal/snapshot"
	"github.com/caldavsupervisor/core/internal/xerr"
	libdur "github.com/nabbar/golib/duration"
	libsiz "github.com/nabbar/golib/size"
	"github.com/spf13/viper"
)

// canonicalKeys maps the override spellings a worker is spawned with
// (ProcessType=Slave, PIDFile=..., LogID=..., ControlPort=..., MetaFD=...)
// onto the snake_case keys the configuration file uses, so the master's
// own argv for a slave round-trips through the same loader.
var canonicalKeys = map[string]string{
	"ProcessType":   "process_type",
	"PIDFile":       "pid_file",
	"LogID":         "log_id",
	"ControlPort":   "control_tcp_addr",
	"MetaFD":        "meta_fd",
	"BindAddresses": "bind_addresses",
	"InheritFDs":    "inherit_fds",
	"InheritSSLFDs": "inherit_ssl_fds",
}

// loadConfig reads configPath (if given), layers the -o overrides on top
// of the raw tree, then resolves the result into an immutable
// snapshot.Config. The CLI never hands components a mutable viper
// instance; it only ever produces one snapshot per invocation.
func loadConfig(configPath string, options []string, user, group string) (*snapshot.Config, error) {
	tree := map[string]interface{}{}

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, xerr.New(xerr.ConfigurationError, fmt.Sprintf("reading %s", configPath), err)
		}
		tree = v.AllSettings()
	}

	for _, o := range options {
		if err := applyOption(tree, o); err != nil {
			return nil, err
		}
	}
	for from, to := range canonicalKeys {
		if val, ok := tree[from]; ok {
			delete(tree, from)
			tree[to] = val
		}
	}
	if user != "" {
		tree["user"] = user
	}
	if group != "" {
		tree["group"] = group
	}

	v := viper.New()
	if err := v.MergeConfigMap(tree); err != nil {
		return nil, xerr.New(xerr.ConfigurationError, "merging configuration overrides", err)
	}

	v.SetDefault("process_type", "Combined")
	v.SetDefault("max_accepts", 0)
	v.SetDefault("max_requests", 0)
	v.SetDefault("min_restart_delay", "1s")
	v.SetDefault("max_restart_delay", "30s")
	v.SetDefault("restart_threshold", "1m")
	v.SetDefault("kill_time", "5s")
	v.SetDefault("stagger_interval", "0s")

	cfg := &snapshot.Config{
		ProcessType:       v.GetString("process_type"),
		ConfigPath:        configPath,
		ControlSocketPath: v.GetString("control_socket_path"),
		ControlTCPAddr:    v.GetString("control_tcp_addr"),
		ControlGID:        v.GetInt("control_gid"),
		MaxAccepts:        v.GetInt("max_accepts"),
		MaxRequests:       v.GetInt("max_requests"),
		User:              v.GetString("user"),
		Group:             v.GetString("group"),
		PIDFile:           v.GetString("pid_file"),
		LogID:             v.GetInt("log_id"),
		ProbePorts:        v.GetIntSlice("probe_ports"),
		ResidentOnly:      v.GetBool("resident_only"),
		FDLimit:           v.GetUint64("fd_limit"),
		DisablingProgram:  v.GetString("disabling_program"),
	}

	var err error
	if cfg.MinRestartDelay, err = parseDur(v, "min_restart_delay"); err != nil {
		return nil, err
	}
	if cfg.MaxRestartDelay, err = parseDur(v, "max_restart_delay"); err != nil {
		return nil, err
	}
	if cfg.RestartThreshold, err = parseDur(v, "restart_threshold"); err != nil {
		return nil, err
	}
	if cfg.KillTime, err = parseDur(v, "kill_time"); err != nil {
		return nil, err
	}
	if cfg.StaggerInterval, err = parseDur(v, "stagger_interval"); err != nil {
		return nil, err
	}
	if cfg.MemLimitPeriod, err = parseDur(v, "mem_limit_period"); err != nil {
		return nil, err
	}

	if raw := v.GetString("mem_limit_bytes"); raw != "" {
		sz, err := libsiz.Parse(raw)
		if err != nil {
			return nil, xerr.New(xerr.ConfigurationError, "mem_limit_bytes", err)
		}
		cfg.MemLimitBytes = sz.Uint64()
	}

	var listeners []snapshot.ListenerSpec
	if err := v.UnmarshalKey("listeners", &listeners); err != nil {
		return nil, xerr.New(xerr.ConfigurationError, "listeners", err)
	}
	cfg.Listeners = listeners

	var workers []snapshot.WorkerSpec
	if err := v.UnmarshalKey("workers", &workers); err != nil {
		return nil, xerr.New(xerr.ConfigurationError, "workers", err)
	}
	cfg.Workers = workers

	return cfg, nil
}

func parseDur(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	if raw == "" {
		return 0, nil
	}
	parsed, err := libdur.Parse(raw)
	if err != nil {
		return 0, xerr.New(xerr.ConfigurationError, key, err)
	}
	return parsed.Time(), nil
}
