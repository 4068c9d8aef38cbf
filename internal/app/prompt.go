// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/chathub/internal/config"
)

// PromptInteractive walks through the main settings on stdin.
func PromptInteractive(peerDir, cfgPath string, cfg config.Config) config.Config {
	return prompt(os.Stdin, os.Stdout, peerDir, cfgPath, cfg)
}

func prompt(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "chathub interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.UserID = askString(in, w, "User id", cfg.Identity.UserID)
	cfg.Identity.Device = askString(in, w, "Device", cfg.Identity.Device)

	cfg.Transport.Kind = askString(in, w, "Transport (ws/p2p)", cfg.Transport.Kind)
	switch cfg.Transport.Kind {
	case config.TransportWS:
		cfg.Transport.URL = askString(in, w, "Relay URL", cfg.Transport.URL)
	case config.TransportP2P:
		cfg.Transport.ListenPort = askInt(in, w, "Listen port (0=random)", cfg.Transport.ListenPort)
		cfg.Transport.MDNSTag = askString(in, w, "mDNS tag (empty=off)", cfg.Transport.MDNSTag)
	}

	if askBool(in, w, "Keep call history on disk", cfg.Call.HistoryDB != "") {
		def := cfg.Call.HistoryDB
		if def == "" {
			def = "history.db"
		}
		cfg.Call.HistoryDB = askString(in, w, "History database", def)
	} else {
		cfg.Call.HistoryDB = ""
	}
	cfg.Presence.HeartbeatSec = askInt(in, w, "Presence heartbeat seconds", cfg.Presence.HeartbeatSec)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping defaults.\n", err)
		def := config.Default()
		def.Identity.UserID = cfg.Identity.UserID
		if def.Validate() != nil {
			def.Identity.UserID = "user"
		}
		return def
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
