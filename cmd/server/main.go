package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/northmatt/tickrelay/internal/admin"
	"github.com/northmatt/tickrelay/internal/config"
	"github.com/northmatt/tickrelay/internal/relayserver"
	"github.com/phuslu/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

func configureLogger(config *config.Config) (*log.Logger, error) {
	logger := log.DefaultLogger

	level := log.ParseLevel(config.LogLevel)
	logger.Level = level

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	console := &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}
	logger.Writer = console

	if config.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.LogFileMaxSizeMB,
			MaxBackups: config.LogFileMaxBackups,
		}
		if _, err := file.Write(nil); err != nil {
			return nil, fmt.Errorf("could not open log file: %w", err)
		}

		logger.Writer = &log.MultiEntryWriter{
			console,
			&log.IOWriter{Writer: file},
		}
	}

	return &logger, nil
}

// waitForStdin returns when a line (or eof) is read from stdin.
func waitForStdin() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Scan()
	}()
	return ch
}

func erringMain() error {
	config, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger, err := configureLogger(config)
	if err != nil {
		return err
	}

	relayServer, err := relayserver.New(config, logger)
	if err != nil {
		return fmt.Errorf("could not construct relay server: %w", err)
	}
	logger.Info().Msgf("started relay server on tcp %s, udp %s", relayServer.TCPAddr(), relayServer.UDPAddr())

	var adminServer *admin.Server
	if config.AdminAddr != "" {
		adminServer, err = admin.New(config.AdminAddr, relayServer, logger)
		if err != nil {
			return fmt.Errorf("could not construct admin server: %w", err)
		}
	}

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		runErrs error
	)
	collect := func(what string, err error) {
		if err == nil {
			return
		}
		mu.Lock()
		runErrs = multierror.Append(runErrs, fmt.Errorf("%s run failed: %w", what, err))
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		collect("relay server", relayServer.Run(ctx))
	}()

	if adminServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect("admin server", adminServer.Run(ctx))
		}()
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	var stdinChan <-chan struct{}
	if config.StopOnStdin {
		logger.Info().Msg("press enter to stop")
		stdinChan = waitForStdin()
	}

	select {
	case sig := <-signalChan:
		logger.Info().Msgf("received %+v signal", sig)
	case <-stdinChan:
		logger.Info().Msg("stop requested on stdin")
	}

	cancel()
	wg.Wait()

	return runErrs
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "relay server failed: %v\n", err)
		os.Exit(42)
	}
}
