package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"booth-agent/agent/internal/auth"
	"booth-agent/agent/internal/config"
	"booth-agent/agent/internal/console"
	"booth-agent/agent/internal/db"
	"booth-agent/agent/internal/logger"
	"booth-agent/agent/internal/queue"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  agentctl [-config file]        open the queue console
  agentctl hash-pin <pin>        print a bcrypt hash for console.pin_hash
`)
	flag.PrintDefaults()
}

func main() {
	cfgPath := flag.String("config", config.DefaultFile, "Path to the agent configuration file")
	flag.Usage = usage
	flag.Parse()

	if flag.Arg(0) == "hash-pin" {
		if flag.NArg() != 2 {
			usage()
			os.Exit(2)
		}
		hash, err := auth.HashPIN(flag.Arg(1))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Invalid configuration:", err)
		os.Exit(2)
	}
	// keep the terminal clean; store errors show up in the console itself
	_ = logger.SetLevel("error")

	gdb, err := db.Open(db.Options{Driver: cfg.Store.Driver, Path: cfg.Store.Path, DSN: cfg.Store.DSN})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Cannot open store:", err)
		os.Exit(1)
	}
	defer db.Close(gdb)
	if err := db.Migrate(gdb); err != nil {
		fmt.Fprintln(os.Stderr, "Cannot prepare store:", err)
		os.Exit(1)
	}
	store := queue.New(gdb, queue.Options{MaxPendingAge: cfg.Store.MaxPendingAge})

	p := tea.NewProgram(console.NewRootModel(store, cfg.ConsolePINHash), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "Console error:", err)
		os.Exit(1)
	}
}
