// Package main is the wampc command-line client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/wampc/internal/buildinfo"
	"github.com/nugget/wampc/wamp"
	"github.com/nugget/wampc/wampc/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	realmFlag := flag.String("realm", "", "override the configured realm")
	argsFlag := flag.String("args", "", "comma-separated positional call/publish arguments")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "call":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: wampc call <procedure-uri>")
			os.Exit(1)
		}
		runCall(logger, *configPath, *realmFlag, flag.Arg(1), splitArgs(*argsFlag))
	case "register":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: wampc register <procedure-uri>")
			os.Exit(1)
		}
		runRegister(logger, *configPath, *realmFlag, flag.Arg(1))
	case "publish":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: wampc publish <topic-uri>")
			os.Exit(1)
		}
		runPublish(logger, *configPath, *realmFlag, flag.Arg(1), splitArgs(*argsFlag))
	case "subscribe":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "usage: wampc subscribe <topic-uri>")
			os.Exit(1)
		}
		runSubscribe(logger, *configPath, *realmFlag, flag.Arg(1))
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.Info() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("wampc - a WAMP v2 protocol client")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  call <uri>       Issue a remote procedure call and print its results")
	fmt.Println("  register <uri>   Register a procedure that echoes its call arguments")
	fmt.Println("  publish <uri>    Publish an event to a topic")
	fmt.Println("  subscribe <uri>  Subscribe to a topic and print events as they arrive")
	fmt.Println("  version          Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func splitArgs(s string) []any {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out
}

func loadConfig(logger *slog.Logger, configPath string) *config.Config {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	return cfg
}

// connect loads configuration, dials the configured router, and
// returns an established session. instanceID is logged alongside the
// session id so manually correlating wampc invocations against router
// logs is possible without a persistent client identity.
func connect(ctx context.Context, logger *slog.Logger, configPath, realmOverride string) (*wamp.Session, *config.Config) {
	cfg := loadConfig(logger, configPath)

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	realm := cfg.Router.Realm
	if realmOverride != "" {
		realm = realmOverride
	}

	instanceID := uuid.New().String()
	logger = logger.With("instance", instanceID)

	var opts []wamp.Option
	opts = append(opts, wamp.WithLogger(logger))
	if cfg.Auth.Configured() {
		opts = append(opts, wamp.WithAuth(&wamp.Auth{
			AuthID:      cfg.Auth.AuthID,
			AuthMethods: []string{"ticket"},
			Challenge: func(method string, extra map[string]any) (string, map[string]any, error) {
				return cfg.Auth.Ticket, map[string]any{}, nil
			},
		}))
	}

	s, err := wamp.Connect(ctx, cfg.Router.URL, realm, opts...)
	if err != nil {
		logger.Error("connect", "error", err)
		os.Exit(1)
	}
	logger.Info("connected", "session", s.ID(), "realm", realm)
	return s, cfg
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runCall(logger *slog.Logger, configPath, realm, uri string, args []any) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, _ := connect(ctx, logger, configPath, realm)
	defer s.Close()

	replies, err := s.Call(ctx, uri, args, nil)
	if err != nil {
		logger.Error("call", "error", err)
		os.Exit(1)
	}

	for p := range replies {
		if p.Err != nil {
			logger.Error("call failed", "error", p.Err)
			os.Exit(1)
		}
		printJSON(map[string]any{"args": p.Args, "kwargs": p.Dict})
	}
}

func runPublish(logger *slog.Logger, configPath, realm, uri string, args []any) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, _ := connect(ctx, logger, configPath, realm)
	defer s.Close()

	pubID, err := s.Publish(ctx, uri, args, nil)
	if err != nil {
		logger.Error("publish", "error", err)
		os.Exit(1)
	}
	printJSON(map[string]any{"publication": pubID})
}

func runSubscribe(logger *slog.Logger, configPath, realm, uri string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, _ := connect(ctx, logger, configPath, realm)
	defer s.Close()

	events, sub, err := s.Subscribe(ctx, uri)
	if err != nil {
		logger.Error("subscribe", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe(context.Background())

	logger.Info("subscribed", "topic", uri)
	for {
		select {
		case p, ok := <-events:
			if !ok {
				return
			}
			printJSON(map[string]any{"args": p.Args, "kwargs": p.Dict})
		case <-ctx.Done():
			return
		}
	}
}

func runRegister(logger *slog.Logger, configPath, realm, uri string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, _ := connect(ctx, logger, configPath, realm)
	defer s.Close()

	handler := func(ctx context.Context, args []any, dict map[string]any) (<-chan wamp.Payload, error) {
		out := make(chan wamp.Payload, 1)
		out <- wamp.Payload{Args: args, Dict: dict}
		close(out)
		return out, nil
	}

	reg, err := s.Register(ctx, uri, handler)
	if err != nil {
		logger.Error("register", "error", err)
		os.Exit(1)
	}
	defer reg.Unregister(context.Background())

	logger.Info("registered", "procedure", uri)
	<-ctx.Done()
}
