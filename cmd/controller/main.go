// Program controller authors the ensemble's chord and sends every synth its
// part.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creachadair/command"
	"github.com/google/uuid"
	"github.com/mossy-p/ensemble/config"
	"github.com/mossy-p/ensemble/internal/metrics"
	"github.com/mossy-p/ensemble/internal/models"
	"github.com/mossy-p/ensemble/internal/node"
	"github.com/mossy-p/ensemble/internal/params"
	"github.com/mossy-p/ensemble/internal/parts"
	"github.com/mossy-p/ensemble/internal/program"
	"github.com/mossy-p/ensemble/internal/redis"
)

var flags struct {
	ID    string
	Debug bool
}

func main() {
	root := &command.C{
		Name:  filepath.Base(os.Args[0]),
		Usage: "[flags]",
		Help: `Run an ensemble controller.

The controller registers with the relay, opens a peer connection to every
synth that joins, and reads commands from standard input. Type "help" at
the prompt for the list. Settings come from CONFIG_FILE and the
environment.`,
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			fs.StringVar(&flags.ID, "id", "", "Controller id (default CLIENT_ID or a random id)")
			fs.BoolVar(&flags.Debug, "debug", false, "Enable debug logging")
		},
		Run: runController,
		Commands: []*command.C{
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runController(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flags.Debug {
		cfg.Debug = true
	}
	id := flags.ID
	if id == "" {
		id = cfg.Client.ClientID
	}
	if id == "" {
		id = "controller-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewPrometheusCollector()
	if addr := cfg.Client.MetricsAddr; addr != "" {
		go func() {
			log.Printf("Serving metrics on %s", addr)
			if err := http.ListenAndServe(addr, m.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server failed: %v", err)
			}
		}()
	}

	store, closeStore, err := openBank(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := node.New(node.ConfigFrom(cfg, id, models.RoleController, m))
	if err != nil {
		return err
	}
	mgr := parts.NewManager(n.Router(), parts.Config{
		Transition: transitionDefaults(cfg.Transition),
		SendOnJoin: true,
		Debug:      cfg.Debug,
	})
	n.AddListener(mgr)
	bank := program.New(mgr, store)

	if !n.Start(ctx) {
		log.Printf("Relay at %s not reachable yet, retrying in the background", cfg.Client.SignalingURL)
	}
	defer n.Close()
	log.Printf("Controller %s started", id)

	con := &console{parts: mgr, bank: bank, net: n, out: os.Stdout}
	done := make(chan error, 1)
	go func() { done <- con.run(ctx, os.Stdin) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

// openBank returns the program bank store selected by cfg.
func openBank(ctx context.Context, cfg *config.Config) (program.Store, func(), error) {
	switch cfg.Client.BankBackend {
	case "", "memory":
		return program.NewMemoryStore(), func() {}, nil
	case "redis":
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return program.NewRedisStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown bank backend %q", cfg.Client.BankBackend)
	}
}

func transitionDefaults(t config.TransitionConfig) params.TransitionConfig {
	return params.TransitionConfig{
		Duration:       params.Float(t.Duration),
		Stagger:        params.Float(t.Stagger),
		DurationSpread: params.Float(t.DurationSpread),
		Glissando:      params.Bool(t.Glissando),
	}
}
