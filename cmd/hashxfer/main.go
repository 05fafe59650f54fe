// Copyright (c) 2024 KrakenFS Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kingpin"
	"go.uber.org/zap"

	"github.com/uber/hashxfer/lib/api"
	"github.com/uber/hashxfer/lib/digest"
	"github.com/uber/hashxfer/lib/retry"
	"github.com/uber/hashxfer/lib/transfer"
	"github.com/uber/hashxfer/utils/log"
)

func main() {
	app := kingpin.New("hashxfer", "Hash-addressed file transfer over QUIC")
	configFile := app.Flag("config", "Configuration file path").String()

	serve := app.Command("serve", "Receive registered files")
	serveHashes := serve.Flag("register", "Hash to accept, in hex").Strings()

	send := app.Command("send", "Send a file and wait for the outcome")
	sendTo := send.Flag("to", "Destination host:port").Required().String()
	sendHash := send.Flag("hash", "Content hash in hex. Defaults to the file digest").String()
	sendAlgo := send.Flag("algo", "Digest algorithm used when --hash is not given").Default("sha256").String()
	sendRetries := send.Flag("retries", "Override retry.max_retries").Default("-1").Int()
	sendFile := send.Arg("file", "File to send").Required().ExistingFile()

	hashCmd := app.Command("hash", "Print the content hash of a file")
	hashAlgo := hashCmd.Flag("algo", "Digest algorithm").Default("sha256").String()
	hashFile := hashCmd.Arg("file", "File to hash").Required().ExistingFile()

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if cmd == hashCmd.FullCommand() {
		if err := runHash(*hashAlgo, *hashFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	config, err := loadConfig(*configFile)
	if err != nil {
		panic(err)
	}
	logger, err := log.New(config.Log, nil)
	if err != nil {
		panic(fmt.Sprintf("log: %s", err))
	}
	defer logger.Sync()

	switch cmd {
	case serve.FullCommand():
		config.Receive.Hashes = append(config.Receive.Hashes, *serveHashes...)
		err = runServe(config, logger)
	case send.FullCommand():
		if *sendRetries >= 0 {
			config.Retry.MaxRetries = *sendRetries
		}
		err = runSend(config, logger, *sendTo, *sendHash, *sendAlgo, *sendFile)
	}
	if err != nil {
		logger.Error("Command failed", zap.String("command", cmd), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func runHash(algo, path string) error {
	a, err := digest.ParseAlgorithm(algo)
	if err != nil {
		return err
	}
	h, err := digest.File(a, path)
	if err != nil {
		return err
	}
	fmt.Println(h)
	return nil
}

// runServe receives files until SIGINT or SIGTERM.
func runServe(config Config, logger *zap.Logger) error {
	hashes, err := parseHashes(config.Receive.Hashes)
	if err != nil {
		return err
	}

	agent, err := NewAgent(config, logger)
	if err != nil {
		return err
	}
	defer agent.Close()

	if err := agent.service.Start(); err != nil {
		return err
	}
	defer agent.service.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, h := range hashes {
		hash := h
		err := agent.service.Register(ctx, hash, transfer.HandlerFunc(func(_ transfer.ContentHash, err error) {
			if err != nil {
				logger.Warn("Receive failed", zap.String("hash", hash.String()), zap.Error(err))
				return
			}
			logger.Info("Received file",
				zap.String("hash", hash.String()),
				zap.String("path", agent.service.DestinationPath(hash)))
		}))
		if err != nil {
			return fmt.Errorf("register %s: %s", hash, err)
		}
	}

	if config.API.Enable {
		server, err := api.NewServer(config.API, agent.service, agent.clock, logger)
		if err != nil {
			return fmt.Errorf("create api server: %s", err)
		}
		if err := server.Start(); err != nil {
			return fmt.Errorf("start api server: %s", err)
		}
		defer server.Stop()
	}

	go agent.runLedgerGC(ctx.Done())

	logger.Info("Serving",
		zap.Stringer("addr", agent.service.LocalAddr()),
		zap.Int("registered", len(hashes)))
	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return nil
}

// runSend sends path to the destination, retrying with backoff.
func runSend(config Config, logger *zap.Logger, to, hashHex, algo, path string) error {
	host, portStr, err := net.SplitHostPort(to)
	if err != nil {
		return fmt.Errorf("parse destination: %s", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid destination port %q", portStr)
	}

	var hash transfer.ContentHash
	if hashHex != "" {
		if hash, err = transfer.ParseContentHash(hashHex); err != nil {
			return err
		}
	} else {
		a, err := digest.ParseAlgorithm(algo)
		if err != nil {
			return err
		}
		if hash, err = digest.File(a, path); err != nil {
			return err
		}
	}

	agent, err := NewAgent(config, logger)
	if err != nil {
		return err
	}
	defer agent.Close()

	if err := agent.service.Start(); err != nil {
		return err
	}
	defer agent.service.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := retry.New(config.Retry, agent.clock, logger)
	res := r.Do(ctx, "send", func(ctx context.Context, attempt int) error {
		return agent.service.SendAndWait(ctx, host, port, path, hash)
	})
	if res.Err != nil {
		return fmt.Errorf("send %s after %d attempts: %w", hash, res.Attempts, res.Err)
	}
	logger.Info("Sent file",
		zap.String("hash", hash.String()),
		zap.String("destination", to),
		zap.Int("attempts", res.Attempts),
		zap.Duration("elapsed", res.Elapsed))
	return nil
}
