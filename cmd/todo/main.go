// Command todo serves the todo endpoint and drives it through the query
// cache.
//
//	todo [-config file] [-env-prefix P] serve
//	todo list | add TEXT | toggle ID | rename ID TEXT | watch
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/huykn/querycache"
	"github.com/huykn/querycache/cache"
	"github.com/huykn/querycache/internal/config"
	"github.com/huykn/querycache/internal/logging"
	"github.com/huykn/querycache/internal/todoserver"
	"github.com/huykn/querycache/metrics"
	"github.com/huykn/querycache/storage"
	"github.com/huykn/querycache/todo"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "todo:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("todo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "path to a YAML or TOML configuration file")
	envPrefix := fs.String("env-prefix", config.DefaultEnvPrefix, "environment variable prefix")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.NewLoader(*envPrefix, *configFile).Load(ctx)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging, stderr)
	if err != nil {
		return err
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "serve" {
		return serve(ctx, cfg, logger, nil)
	}

	var rec *metrics.Recorder
	if cfg.Metrics.Enabled && cmd == "watch" {
		rec = metrics.NewRecorder(nil)
	}
	client, err := newClient(cfg, logger, rec)
	if err != nil {
		return err
	}
	defer client.Close()

	switch cmd {
	case "list":
		return list(ctx, client.Client, stdout)
	case "add":
		if len(rest) != 1 {
			return errors.New("usage: todo add TEXT")
		}
		t, err := client.AddTodo(ctx, rest[0])
		if err != nil {
			return err
		}
		printTodo(stdout, t)
		return nil
	case "toggle":
		if len(rest) != 1 {
			return errors.New("usage: todo toggle ID")
		}
		return toggle(ctx, client.Client, rest[0], stdout)
	case "rename":
		if len(rest) != 2 {
			return errors.New("usage: todo rename ID TEXT")
		}
		t, err := client.UpdateTodo(ctx, rest[0], todo.Patch{Text: &rest[1]})
		if err != nil {
			return err
		}
		printTodo(stdout, t)
		return nil
	case "watch":
		if rec == nil {
			return watch(ctx, client.Client, stdout)
		}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return listenMetrics(gctx, cfg.Metrics.Address, rec, logger) })
		g.Go(func() error { return watch(gctx, client.Client, stdout) })
		return g.Wait()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newClient(cfg config.Config, logger *slog.Logger, rec *metrics.Recorder) (*querycache.Client, error) {
	c := querycache.DefaultConfig()
	c.Endpoint = cfg.Client.Endpoint
	c.KeepUnusedFor = cfg.Client.KeepUnusedFor
	c.FetchTimeout = cfg.Client.FetchTimeout
	c.MaxConcurrentFetches = cfg.Client.MaxConcurrentFetches
	c.IdlePoolConfig.MaxEntries = cfg.Client.IdlePool.MaxEntries
	c.IdlePoolConfig.NumCounters = 10 * int64(cfg.Client.IdlePool.MaxEntries)
	if strings.EqualFold(cfg.Client.IdlePool.Policy, "lfu") {
		c.IdlePoolFactory = cache.NewLFUPoolFactory(c.IdlePoolConfig)
	} else {
		c.IdlePoolFactory = cache.NewLRUPoolFactory(c.IdlePoolConfig.MaxEntries)
	}
	if cfg.Sync.Enabled {
		c.RedisAddr = cfg.Sync.Redis.Address
		c.RedisPassword = cfg.Sync.Redis.Password
		c.RedisDB = cfg.Sync.Redis.DB
		c.InvalidationChannel = cfg.Sync.Channel
	}
	c.Logger = cache.NewSlogLogger(logger.With(slog.String("agent", "cache")))
	c.DebugMode = cfg.Client.DebugMode
	if rec != nil {
		c.Metrics = rec
	}
	c.OnError = func(err error) {
		logger.Warn("background cache error", slog.Any("error", err))
	}
	return querycache.New(c)
}

// serve runs the todo endpoint and, when enabled, the metrics listener.
// ready is called with the endpoint address once it accepts connections.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, ready func(net.Addr)) error {
	store, err := openStorage(ctx, cfg.Server.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	server := todoserver.New(store, logger.With(slog.String("agent", "todoserver")))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		rec := metrics.NewRecorder(nil)
		server.WithObserver(rec)
		g.Go(func() error { return listenMetrics(gctx, cfg.Metrics.Address, rec, logger) })
	}
	g.Go(func() error { return todoserver.Listen(gctx, cfg.Server.Address, server, logger, ready) })
	return g.Wait()
}

func listenMetrics(ctx context.Context, addr string, rec *metrics.Recorder, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	return todoserver.Listen(ctx, addr, mux, logger, nil)
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "memory":
		return storage.NewMemoryStore(nil), nil
	case "sqlite":
		return storage.NewSQLStore(ctx, cfg.DSN, nil)
	case "redis":
		return storage.NewRedisStore(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func list(ctx context.Context, client *todo.Client, w io.Writer) error {
	sub, err := client.SubscribeTodoList(ctx)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	todos, err := sub.Await(ctx)
	if err != nil {
		return err
	}
	printList(w, todos)
	return nil
}

func toggle(ctx context.Context, client *todo.Client, id string, w io.Writer) error {
	sub, err := client.SubscribeTodo(ctx, id)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	current, err := sub.Await(ctx)
	if err != nil {
		return err
	}
	t, err := client.ToggleTodo(ctx, current)
	if err != nil {
		return err
	}
	printTodo(w, t)
	return nil
}

func watch(ctx context.Context, client *todo.Client, w io.Writer) error {
	sub, err := client.SubscribeTodoList(ctx)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		state, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		switch {
		case state.Status == cache.StatusFulfilled:
			printList(w, state.Data)
			fmt.Fprintln(w, "--")
		case state.Err != nil:
			fmt.Fprintln(w, "error:", state.Err)
		}
	}
}

func printList(w io.Writer, todos []todo.Todo) {
	open, closed := todo.Partition(todos)
	for _, t := range open {
		printTodo(w, t)
	}
	for _, t := range closed {
		printTodo(w, t)
	}
}

func printTodo(w io.Writer, t todo.Todo) {
	mark := " "
	if t.Status == todo.StatusClosed {
		mark = "x"
	}
	fmt.Fprintf(w, "[%s] %s %s\n", mark, t.ID, t.Text)
}
