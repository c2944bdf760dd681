// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/goop2-rtc/internal/config"
)

// PromptInteractive walks the operator through the settings a new peer
// needs. An invalid result falls back to defaults.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "goop2-rtc interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.UserID = askString(in, w, "User id", cfg.Identity.UserID)
	cfg.Identity.DisplayName = askString(in, w, "Display name", cfg.Identity.DisplayName)
	cfg.Transport.Kind = askString(in, w, "Transport (memory/gossip/valkey)", cfg.Transport.Kind)

	switch cfg.Transport.Kind {
	case config.TransportGossip:
		cfg.Transport.ListenPort = askInt(in, w, "Listen port (0=random)", cfg.Transport.ListenPort)
		cfg.Transport.MdnsTag = askString(in, w, "mDNS tag", cfg.Transport.MdnsTag)
	case config.TransportValkey:
		cfg.Transport.Valkey.Address = askString(in, w, "Valkey address", cfg.Transport.Valkey.Address)
		if askBool(in, w, "Valkey needs a password", cfg.Transport.Valkey.Password != "") {
			cfg.Transport.Valkey.Password = askString(in, w, "Valkey password", cfg.Transport.Valkey.Password)
		}
	}

	cfg.Signal.Attempts = askInt(in, w, "Signal attempts", cfg.Signal.Attempts)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
