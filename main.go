// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petervdpas/chathub/internal/app"
	"github.com/petervdpas/chathub/internal/config"
	"github.com/petervdpas/chathub/internal/relay"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	httpAddr = flag.String("http", "", "Serve /status and /metrics on this local address (peer only)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "chathub.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chathub v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	switch command {
	case "peer":
		runCLIPeer(args[1])

	case "relay":
		runCLIRelay(args[1])

	case "init":
		runCLIInit(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func peerDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}
	return absDir
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runCLIPeer(arg string) {
	absDir := peerDir(arg)
	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created %s for user %s\n", cfgPath, cfg.Identity.UserID)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	err = app.Run(ctx, app.Options{
		PeerDir:  absDir,
		CfgPath:  cfgPath,
		Cfg:      cfg,
		HTTPAddr: *httpAddr,
		Progress: func(step, total int, label string) {
			fmt.Printf("[%d/%d] %s\n", step, total, label)
		},
	})
	if err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLIRelay(arg string) {
	absDir := peerDir(arg)
	cfgPath := filepath.Join(absDir, cfgName)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	srv := relay.New(cfg.Relay.Addr, relay.WithRegistry(prometheus.NewRegistry()))
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
	fmt.Printf("Relay listening on ws://%s/socket (Press Ctrl+C to stop)\n", srv.Addr())
	<-ctx.Done()
}

func runCLIInit(arg string) {
	absDir := peerDir(arg)
	cfgPath := filepath.Join(absDir, cfgName)
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cfg = app.PromptInteractive(absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func showUsage() {
	fmt.Println("chathub - realtime chat, presence and calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  chathub [options] peer <directory>   Run a peer session")
	fmt.Println("  chathub relay <directory>            Run the websocket relay")
	fmt.Println("  chathub init <directory>             Edit the peer config interactively")
	fmt.Println()
	fmt.Println("The directory holds " + cfgName + "; it is created with defaults")
	fmt.Println("when missing.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -http addr  Serve /status and /metrics for a peer (e.g. :9090)")
	fmt.Println("  -h          Show this help message")
	fmt.Println("  -version    Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  chathub relay ./peers/relay")
	fmt.Println("  chathub -http :9090 peer ./peers/alice")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  chathub Peer Runner                   ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("User:           %s (%s)\n", cfg.Identity.UserID, cfg.Identity.Device)
	switch cfg.Transport.Kind {
	case config.TransportWS:
		fmt.Printf("Relay:          %s\n", cfg.Transport.URL)
	case config.TransportP2P:
		fmt.Printf("P2P Port:       %d\n", cfg.Transport.ListenPort)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
