// Command kfshell is an interactive shell over key files and ISAM stores.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tuannm99/novakf/internal"
	"github.com/tuannm99/novakf/pkg/keyfile"
	"github.com/tuannm99/novakf/pkg/logger"
)

const prompt = "kf> "

func main() {
	var (
		configPath = pflag.StringP("config", "f", "", "YAML config file")
		histPath   = pflag.String("history", defaultHistoryPath(), "history file path")
		histMax    = pflag.Int("history-max", 2000, "max history lines loaded into memory")
		oneShot    = pflag.StringP("command", "c", "", "run commands separated by ';' and exit")
	)
	pflag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fatal("config: %v", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fatal("logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	env, err := keyfile.NewEnv(cfg.KeyfileOptions(log, prometheus.DefaultRegisterer))
	if err != nil {
		fatal("environment: %v", err)
	}
	sh := NewShell(cfg, env, log, os.Stdout)
	defer func() {
		if err := sh.Close(); err != nil {
			log.Error("close failed", zap.Error(err))
		}
	}()

	if args := pflag.Args(); len(args) > 0 {
		if err := sh.Exec("open " + strings.Join(args, " ")); err != nil {
			printError(err)
		}
	}

	if strings.TrimSpace(*oneShot) != "" {
		for _, cmd := range strings.Split(*oneShot, ";") {
			err := sh.Exec(cmd)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				printError(err)
				_ = sh.Close()
				os.Exit(1)
			}
		}
		return
	}

	h := NewHistory(*histPath)
	_ = h.Load(*histMax)
	sh.history = h

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		fatal("readline: %v", err)
	}
	defer func() { _ = rl.Close() }()

	for _, line := range h.Lines() {
		_ = rl.SaveHistory(line)
	}

	fmt.Println("type help for help")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			fmt.Println()
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		_ = h.Append(line)

		err = sh.Exec(line)
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			printError(err)
		}
	}
}

func printError(err error) {
	color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
}

func fatal(format string, args ...any) {
	color.New(color.FgRed).Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
