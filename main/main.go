// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/ava-labs/avalanchego/utils/hashing"
	log "github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ava-labs/actorvm/actorvm"
	"github.com/ava-labs/actorvm/builtin"
)

const builtinPrefix = "builtin:"

func main() {
	v, err := getViper()
	if err != nil {
		fmt.Printf("couldn't get config: %s\n", err)
		os.Exit(1)
	}
	p, err := parseParams(v)
	if err != nil {
		fmt.Printf("couldn't get config: %s\n", err)
		os.Exit(1)
	}
	// Print version and exit
	if p.version {
		fmt.Printf("%s@%s\n", actorvm.Name, actorvm.Version)
		os.Exit(0)
	}

	log.Root().SetHandler(log.LvlFilterHandler(p.logLevel, log.StreamHandler(os.Stderr, log.TerminalFormat())))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, p); err != nil {
		log.Error("node stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, p *params) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())

	vm, err := actorvm.New(ctx, memdb.New(), p.vm, registry)
	if err != nil {
		return err
	}
	defer func() {
		if err := vm.Shutdown(context.Background()); err != nil {
			log.Error("shutdown failed", "err", err)
		}
	}()

	if p.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: p.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "err", err)
			}
		}()
		defer server.Close()
	}

	if err := deploy(vm, p); err != nil {
		return err
	}

	ticker := time.NewTicker(p.blockInterval)
	defer ticker.Stop()
	for built := uint(0); p.blocks == 0 || built < p.blocks; built++ {
		select {
		case <-ctx.Done():
			log.Info("stopping", "height", vm.LastAccepted().Height())
			return nil
		case now := <-ticker.C:
			if _, err := vm.BuildBlock(ctx, now); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
	return nil
}

// deploy funds the operator and queues the init messages of the programs
// given on the command line. They run in the first block.
func deploy(vm *actorvm.VM, p *params) error {
	operator := ids.ID(hashing.ComputeHash256Array([]byte("operator")))
	if err := vm.Deposit(operator, p.funds); err != nil {
		return err
	}
	for _, file := range p.programs {
		var (
			code []byte
			err  error
		)
		if name, ok := strings.CutPrefix(file, builtinPrefix); ok {
			code = builtin.Code(name)
		} else if code, err = os.ReadFile(file); err != nil {
			return err
		}
		program, _, err := vm.UploadProgram(operator, code, []byte(file), nil, p.initGasLimit, 0)
		if err != nil {
			return fmt.Errorf("couldn't deploy %s: %w", file, err)
		}
		log.Info("program deployed", "file", file, "program", program)
	}
	return nil
}
