package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/callcore/internal/config"
)

// PromptInteractive walks through the settings a new endpoint usually
// changes. Invalid answers keep the incoming config.
func PromptInteractive(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "callcore interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	next := cfg
	next.Identity.UserID = askString(in, w, "User id", next.Identity.UserID)
	next.Identity.Name = askString(in, w, "Display name", next.Identity.Name)
	next.Relay.URL = askString(in, w, "Relay URL", next.Relay.URL)
	next.Viewer.HTTPAddr = askString(in, w, "Control API addr (empty=off)", next.Viewer.HTTPAddr)
	next.Call.RingTimeoutSec = askInt(in, w, "Ring timeout seconds", next.Call.RingTimeoutSec)
	next.Encryption.Enabled = askBool(in, w, "End-to-end encryption", next.Encryption.Enabled)
	next.RemoteControl.Enabled = askBool(in, w, "Allow remote control", next.RemoteControl.Enabled)

	next.Recording.Enabled = askBool(in, w, "Record calls", next.Recording.Enabled)
	if next.Recording.Enabled {
		next.Recording.Backend = askString(in, w, "Recording backend (http|minio)", next.Recording.Backend)
		if next.Recording.Backend == "minio" {
			next.Recording.Minio.Endpoint = askString(in, w, "MinIO endpoint", next.Recording.Minio.Endpoint)
			next.Recording.Minio.Bucket = askString(in, w, "MinIO bucket", next.Recording.Minio.Bucket)
		} else {
			next.Recording.UploadURL = askString(in, w, "Upload URL", next.Recording.UploadURL)
		}
	}

	if err := next.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping previous values.\n", err)
		return cfg
	}
	return next
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
		if v, convErr := strconv.Atoi(s); convErr == nil {
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
