package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"booth-agent/backend/app/socket"
	"booth-agent/backend/config"
	"booth-agent/backend/global"
	"booth-agent/backend/initialize"
)

func main() {
	var (
		cfgPath  = flag.String("config", "config/cloudsim.yaml", "Simulator config file")
		agentID  = flag.String("agent", "", "Agent that receives the commands file")
		commands = flag.String("commands", "", "JSON lines file of commands to issue")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *commands != "" {
		cfg.Commands = *commands
	}
	app := initialize.Build(*cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Commands != "" {
		if *agentID == "" {
			global.Logger.Fatal().Msg("-agent is required with a commands file")
		}
		n, err := issueFile(app.Hub, *agentID, cfg.Commands)
		if err != nil {
			global.Logger.Fatal().Err(err).Msg("load commands")
		}
		global.Logger.Info().Int("commands", n).Str("agent", *agentID).Msg("commands queued")
	}

	srv := &http.Server{Addr: cfg.Addr(), Handler: app.Router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	global.Logger.Info().Str("addr", cfg.Addr()).Msg("cloud simulator listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		global.Logger.Fatal().Err(err).Msg("serve")
	}
}

// issueFile queues every non-empty line of path as a command for agentID.
func issueFile(hub *socket.Hub, agentID, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if !json.Valid([]byte(text)) {
			return n, fmt.Errorf("%s:%d: not valid json", path, line)
		}
		if _, err := hub.Issue(agentID, json.RawMessage(text)); err != nil {
			return n, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		n++
	}
	return n, sc.Err()
}
