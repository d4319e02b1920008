// Program synth joins the ensemble and plays whatever part a controller
// sends it.
package main

import (
	"context"
	"flag"
	"log"
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
	"github.com/mossy-p/ensemble/internal/synth"
)

var flags struct {
	ID    string
	Debug bool
}

func main() {
	root := &command.C{
		Name:  filepath.Base(os.Args[0]),
		Usage: "[flags]",
		Help: `Run an ensemble synth.

The synth registers with the relay and accepts a peer connection from every
controller. Programs and commands received over the data channel are
logged in place of an audio engine.`,
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			fs.StringVar(&flags.ID, "id", "", "Synth id (default CLIENT_ID or a random id)")
			fs.BoolVar(&flags.Debug, "debug", false, "Enable debug logging")
		},
		Run: runSynth,
		Commands: []*command.C{
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runSynth(env *command.Env) error {
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
		id = "synth-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(node.ConfigFrom(cfg, id, models.RoleSynth, metrics.Nop{}))
	if err != nil {
		return err
	}
	n.SetHandler(synth.NewReceiver(synth.LogEngine{}, n.Router()))

	if !n.Start(ctx) {
		log.Printf("Relay at %s not reachable yet, retrying in the background", cfg.Client.SignalingURL)
	}
	log.Printf("Synth %s started", id)

	<-ctx.Done()
	log.Printf("Shutting down synth %s", id)
	return n.Close()
}
