package main

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	runtimedebug "runtime/debug"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/northmatt/tickrelay/internal/debug"
	"github.com/northmatt/tickrelay/internal/protocol"
	"github.com/northmatt/tickrelay/internal/relayclient"
	"github.com/phuslu/log"
)

type Config struct {
	Host     string        `envconfig:"HOST" default:"127.0.0.1"`
	Port     int           `envconfig:"PORT" default:"8888"`
	TickRate int           `envconfig:"TICK_RATE" default:"20"`
	Step     float32       `envconfig:"STEP" default:"0.25"`
	Name     string        `envconfig:"NAME"`
	Ready    bool          `envconfig:"READY" default:"true"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"5s"`
	LogLevel string        `envconfig:"LOG_LEVEL" default:"info"`
	CrashDir string        `envconfig:"CRASH_DIR" default:"crashes"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("RELAYBOT", config); err != nil {
		return nil, err
	}
	if config.TickRate <= 0 {
		return nil, fmt.Errorf("tick rate must be positive, got %d", config.TickRate)
	}
	return config, nil
}

func configureLogger(level string) *log.Logger {
	logger := log.DefaultLogger
	logger.Level = log.ParseLevel(level)

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

// maybeDumpStack writes the stack of a panic next to the bot before letting
// it continue.
func maybeDumpStack(dir string) {
	r := recover()
	if r == nil {
		return
	}

	err := os.MkdirAll(dir, 0o755)
	debug.Assert(err == nil)

	filename := filepath.Join(
		dir,
		"relaybot-"+time.Now().UTC().Format("20060102T150405Z")+".txt",
	)
	err = os.WriteFile(filename, []byte(fmt.Sprintf("%v\n\n%s", r, runtimedebug.Stack())), 0o644)
	debug.Assert(err == nil)

	panic(r)
}

// readLines sends every stdin line to lines, and closes it on eof.
func readLines(ctx context.Context) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// walk moves pos one step in a random direction on the ground plane.
func walk(pos protocol.Vec3, step float32) protocol.Vec3 {
	pos.X += (rand.Float32()*2 - 1) * step
	pos.Z += (rand.Float32()*2 - 1) * step
	return pos
}

func handleEvent(logger *log.Logger, msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.Chat:
		logger.Info().Msgf("C%d: %s", msg.ID, msg.Text)
	case *protocol.Transform:
		logger.Info().Int("id", int(msg.ID)).Msg("player joined")
	case *protocol.Disconnection:
		logger.Info().Int("id", int(msg.ID)).Msg("player left")
	case *protocol.SetName:
		logger.Info().Int("id", int(msg.ID)).Str("name", msg.Name).Msg("player renamed")
	case *protocol.Delobby:
		logger.Info().Msg("game started")
	default:
		logger.Debug().Str("op", msg.Opcode().String()).Msg("event")
	}
}

func run(ctx context.Context, config *Config, logger *log.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	client, err := relayclient.Dial(dialCtx, config.Host, config.Port, logger)
	if err != nil {
		return fmt.Errorf("could not join: %w", err)
	}
	defer client.Close()

	logger.Info().
		Int("id", int(client.ID())).
		Int("players", len(client.Players())).
		Msg("joined")

	if config.Name != "" {
		if err := client.SetName(config.Name); err != nil {
			return fmt.Errorf("could not set name: %w", err)
		}
	}
	if config.Ready {
		if err := client.SetScore(1); err != nil {
			return fmt.Errorf("could not mark ready: %w", err)
		}
	}

	lines := readLines(ctx)

	ticker := time.NewTicker(time.Second / time.Duration(config.TickRate))
	defer ticker.Stop()

	pos := client.Self().Position
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			return fmt.Errorf("server closed the connection")
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := client.SendChat(line); err != nil {
				return fmt.Errorf("could not send chat: %w", err)
			}
		case <-ticker.C:
			pos = walk(pos, config.Step)
			if err := client.SendPosition(pos); err != nil {
				logger.Warn().Err(err).Msg("could not send position")
			}
			client.Drain(func(msg protocol.Message) {
				handleEvent(logger, msg)
			})
		}
	}
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}
	defer maybeDumpStack(config.CrashDir)

	logger := configureLogger(config.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signalChan
		logger.Info().Msgf("received %+v signal", sig)
		cancel()
	}()

	return run(ctx, config, logger)
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "relay bot failed: %v\n", err)
		os.Exit(42)
	}
}
