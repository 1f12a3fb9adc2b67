package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/relayhq/tgrelay/pkg/api"
	"github.com/relayhq/tgrelay/pkg/config"
	"github.com/relayhq/tgrelay/pkg/gateway"
	"github.com/relayhq/tgrelay/pkg/session"
	"github.com/relayhq/tgrelay/pkg/upstream"
	"github.com/relayhq/tgrelay/pkg/utils"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tgrelay <command> [args]")
		fmt.Println("Commands: serve, login")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "login":
		runLogin(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("c", "", "Path to config file")
	mode := fs.String("mode", "", "Session sharing mode: shared, perviewer or external")
	port := fs.Int("port", 0, "Listening port (overrides config)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	utils.SetupLogger(cfg.LogDir)

	gwMode, err := gateway.ParseMode(cfg.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	manager := session.NewManager(upstream.TelegramDialer{})
	manager.SetHistoryLimit(cfg.HistoryLimit)

	creds := upstream.Credentials{
		AppID:   cfg.Telegram.AppID,
		AppHash: cfg.Telegram.AppHash,
		Session: cfg.Telegram.Session,
	}
	gw := gateway.New(gwMode, manager, creds)

	if gwMode != gateway.ModePerViewer {
		log.Printf("connecting upstream session...")
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := gw.Bootstrap(ctx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting upstream: %v\n", err)
			os.Exit(1)
		}
		log.Printf("upstream session connected, live updates subscribed")
	}

	server := api.NewServer(manager, gw, cfg.Server.StaticDir)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	go func() {
		log.Printf("server running at http://%s (mode %s)", addr, gwMode)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if err := gw.Shutdown(ctx); err != nil {
		log.Printf("gateway shutdown: %v", err)
	}
}

func runLogin(args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	configPath := fs.String("c", "", "Path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Telegram.AppID <= 0 || cfg.Telegram.AppHash == "" {
		fmt.Fprintln(os.Stderr, "Error: login needs TELEGRAM_API_ID and TELEGRAM_API_HASH")
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)
	prompt := func(label string) (string, error) {
		fmt.Print(label)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}

	token, err := upstream.Login(context.Background(), cfg.Telegram.AppID, cfg.Telegram.AppHash, prompt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("You should now be connected.")
	fmt.Println("Save this token as TELEGRAM_SESSION to avoid logging in again:")
	fmt.Println(token)
}
