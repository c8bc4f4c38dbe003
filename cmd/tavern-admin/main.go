// Command tavern-admin manages the personas and conversations of a Tavern
// chat store from the command line.
//
// Usage:
//
//	tavern-admin [-config tavern.yaml] <command> [flags] [args]
//
// Commands:
//
//	list                       list personas
//	show <id>                  print one persona as YAML
//	add -id ID -name NAME ...  create a persona
//	edit <id> [-name ...]      change persona fields
//	delete [-yes] <id>         delete a persona and its conversations
//	search <query>             fuzzy-search personas by name or id
//	import <file>              import personas from a YAML or JSON file
//	export [file]              export personas as YAML (stdout by default)
//	stats [-persona ID]        persona and conversation counters
//	purge -days N              delete conversations idle for N days
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/tavern/internal/app"
	"github.com/MrWong99/tavern/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tavern-admin", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "tavern.yaml", "path to the YAML configuration file")
	envFile := fs.String("env", ".env", "dotenv file loaded before configuration")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: tavern-admin [-config file] <command> [flags] [args]")
		fmt.Fprintln(stderr, "commands: list, show, add, edit, delete, search, import, export, stats, purge")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(stderr, "tavern-admin: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		fmt.Fprintf(stderr, "tavern-admin: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg.Store)
	if err != nil {
		fmt.Fprintf(stderr, "tavern-admin: %v\n", err)
		return 1
	}
	defer store.Close()

	a := newAdmin(store, stdin, stdout)
	if err := a.dispatch(ctx, fs.Arg(0), fs.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		fmt.Fprintf(stderr, "tavern-admin: %v\n", err)
		return 1
	}
	return 0
}
