// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/goop2-rtc/internal/app"
	"github.com/petervdpas/goop2-rtc/internal/config"
)

const configFile = "goop2-rtc.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	prompt   = flag.Bool("prompt", true, "Ask for settings when running init")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goop2-rtc v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goop2-rtc peer <peer-directory>")
			os.Exit(1)
		}
		runCLIPeer(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goop2-rtc init <peer-directory>")
			os.Exit(1)
		}
		runInit(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runCLIPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		stdlog.Fatalf("Invalid peer directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		stdlog.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, configFile)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v (run: goop2-rtc init %s)", err, peerDirArg)
	}
	if cfg.Identity.UserID == "" {
		stdlog.Fatalf("identity.user_id is not set in %s", cfgPath)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}, os.Stdin, os.Stdout); err != nil {
		stdlog.Fatalf("Peer failed: %v", err)
	}
}

func runInit(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		stdlog.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		stdlog.Fatalf("Create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, configFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}

	if *prompt {
		cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
		if err := config.Save(cfgPath, cfg); err != nil {
			stdlog.Fatalf("Failed to save config: %v", err)
		}
	}

	if created {
		fmt.Printf("Created %s\n", cfgPath)
	} else {
		fmt.Printf("Updated %s\n", cfgPath)
	}
}

func showUsage() {
	fmt.Println("goop2-rtc - call signaling and typing presence")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goop2-rtc peer <directory>   Run a peer with an operator prompt")
	fmt.Println("  goop2-rtc init <directory>   Create or edit a peer's configuration")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        The directory must contain a " + configFile + " configuration file")
	fmt.Println("        with identity.user_id set")
	fmt.Println()
	fmt.Println("  init <directory>")
	fmt.Println("        Writes a default configuration and asks for the basics")
	fmt.Println("        (use -prompt=false to only write defaults)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -prompt   Ask for settings during init (default true)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goop2-rtc init ./peers/alice")
	fmt.Println("  goop2-rtc peer ./peers/alice")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  goop2-rtc Peer Runner                 ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("User:           %s\n", cfg.Identity.UserID)
	fmt.Printf("Transport:      %s\n", cfg.Transport.Kind)
	switch cfg.Transport.Kind {
	case config.TransportGossip:
		fmt.Printf("Listen Port:    %d\n", cfg.Transport.ListenPort)
	case config.TransportValkey:
		fmt.Printf("Valkey:         %s\n", cfg.Transport.Valkey.Address)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
