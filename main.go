// main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petervdpas/callcore/internal/app"
	"github.com/petervdpas/callcore/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const configName = "callcore.json"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "callcore",
		Short: "Peer-to-peer call endpoint",
		Long: "callcore runs one call endpoint: relay signaling, WebRTC media with " +
			"end-to-end encryption, remote control and recording, driven through a " +
			"local HTTP API.",
		SilenceUsage: true,
	}
	root.Version = appVersion
	root.SetVersionTemplate("callcore v{{.Version}}\n")

	root.AddCommand(newRunCmd(), newInitCmd(), newStateCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <peer-directory>",
		Short: "Run the endpoint from a peer directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := peerDir(args[0])
			if err != nil {
				return err
			}
			cfgPath := filepath.Join(dir, configName)
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return app.Run(ctx, app.Options{
				PeerDir: dir,
				CfgPath: cfgPath,
				Cfg:     cfg,
			})
		},
	}
}

func newInitCmd() *cobra.Command {
	var (
		userID      string
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "init <peer-directory>",
		Short: "Create a default config in a peer directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			cfgPath := filepath.Join(dir, configName)

			if _, err := os.Stat(cfgPath); err == nil {
				// Report what an existing file is missing instead of overwriting it.
				existing, err := config.LoadPartial(cfgPath)
				if err != nil {
					return fmt.Errorf("read %s: %w", cfgPath, err)
				}
				if err := existing.Validate(); err != nil {
					return fmt.Errorf("%s exists but is invalid: %w", cfgPath, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists and is valid\n", cfgPath)
				return nil
			}

			if userID == "" {
				userID = filepath.Base(dir)
			}
			cfg, _, err := config.Ensure(cfgPath, userID)
			if err != nil {
				return err
			}
			if interactive {
				cfg = app.PromptInteractive(cmd.InOrStdin(), cmd.OutOrStdout(), dir, cfgPath, cfg)
				if err := config.Save(cfgPath, cfg); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (user %s)\n", cfgPath, cfg.Identity.UserID)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (default: directory name)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for common settings")
	return cmd
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <peer-directory>",
		Short: "Print the call state of a running endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := peerDir(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load(filepath.Join(dir, configName))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Viewer.HTTPAddr == "" {
				return errors.New("control API is disabled in this config")
			}
			_, url, tcpAddr := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
			if err := app.WaitTCP(tcpAddr, 2*time.Second); err != nil {
				return fmt.Errorf("endpoint not running: %w", err)
			}

			resp, err := http.Get(url + "/api/call/state")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("control API: %s", resp.Status)
			}
			var pretty any
			if err := json.Unmarshal(body, &pretty); err != nil {
				return err
			}
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "callcore v%s\n", appVersion)
		},
	}
}

func peerDir(arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("invalid peer directory: %w", err)
	}
	if stat, err := os.Stat(abs); err != nil || !stat.IsDir() {
		return "", fmt.Errorf("peer directory does not exist: %s", abs)
	}
	return abs, nil
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
