// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ava-labs/actorvm/actorvm"
)

const (
	versionKey       = "version"
	configFileKey    = "config-file"
	logLevelKey      = "log-level"
	blockIntervalKey = "block-interval"
	metricsAddrKey   = "metrics-addr"
	blockGasLimitKey = "block-gas-limit"
	blocksKey        = "blocks"
	programsKey      = "programs"
	fundsKey         = "operator-funds"
	gasLimitKey      = "init-gas-limit"
)

func buildFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(actorvm.Name, flag.ContinueOnError)

	fs.Bool(versionKey, false, "If true, prints the version and quits")
	fs.String(configFileKey, "", "JSON file with the VM configuration")
	fs.String(logLevelKey, "info", "Log level (debug, info, warn, error, crit)")
	fs.Duration(blockIntervalKey, time.Second, "Time between two blocks")
	fs.String(metricsAddrKey, ":9650", "Address serving /metrics, empty to disable")
	fs.Uint64(blockGasLimitKey, 0, "Gas allowance of a block, overrides the config file when set")
	fs.Uint(blocksKey, 0, "Number of blocks to run, 0 to run until interrupted")
	fs.String(programsKey, "", "Comma separated code files to deploy at start, builtin:<name> for builtin actors")
	fs.Uint64(fundsKey, 1_000_000_000_000, "Value deposited to the operator account at start")
	fs.Uint64(gasLimitKey, 50_000_000, "Gas limit of every init message sent at start")

	return fs
}

// getViper returns the viper environment for the node binary
func getViper() (*viper.Viper, error) {
	v := viper.New()

	fs := buildFlagSet()
	pflag.CommandLine.AddGoFlagSet(fs)
	pflag.Parse()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	return v, nil
}

type params struct {
	version       bool
	logLevel      log.Lvl
	blockInterval time.Duration
	metricsAddr   string
	blocks        uint
	programs      []string
	funds         uint64
	initGasLimit  uint64
	vm            actorvm.Config
}

func parseParams(v *viper.Viper) (*params, error) {
	p := &params{
		version:       v.GetBool(versionKey),
		blockInterval: v.GetDuration(blockIntervalKey),
		metricsAddr:   v.GetString(metricsAddrKey),
		blocks:        v.GetUint(blocksKey),
		funds:         v.GetUint64(fundsKey),
		initGasLimit:  v.GetUint64(gasLimitKey),
		vm:            actorvm.DefaultConfig(),
	}
	for _, file := range strings.Split(v.GetString(programsKey), ",") {
		if file = strings.TrimSpace(file); file != "" {
			p.programs = append(p.programs, file)
		}
	}
	if p.blockInterval <= 0 {
		return nil, fmt.Errorf("%s must be positive", blockIntervalKey)
	}

	lvl, err := log.LvlFromString(v.GetString(logLevelKey))
	if err != nil {
		return nil, err
	}
	p.logLevel = lvl

	if file := v.GetString(configFileKey); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("couldn't read %s: %w", file, err)
		}
		if err := v.Unmarshal(&p.vm); err != nil {
			return nil, fmt.Errorf("couldn't parse %s: %w", file, err)
		}
	}
	if limit := v.GetUint64(blockGasLimitKey); limit != 0 {
		p.vm.BlockGasLimit = limit
	}
	return p, nil
}
