// tuman-setup provisions the note pools a client/server pair shares,
// verifies that the saved session still has write access to them, and
// generates a Clash config pointing at the local proxy.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/smaiht/tuman-vpn/internal/config"
	"github.com/smaiht/tuman-vpn/internal/cookiejar"
	"github.com/smaiht/tuman-vpn/internal/logging"
	"github.com/smaiht/tuman-vpn/internal/wizard"
	"github.com/smaiht/tuman-vpn/internal/yanotes"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "tuman-setup",
		Short:         "One-time provisioning for the note-pool tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "data/config.json", "path to the configuration file")

	root.AddCommand(
		checkCmd(&cfgPath),
		createCmd(&cfgPath),
		clashCmd(&cfgPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "tuman-setup:", err)
		os.Exit(1)
	}
}

func buildClient(cfgPath string) (*config.Config, yanotes.Client, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	jar, err := cookiejar.Load(cfg.Storage.CookiesPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load cookie jar: %w", err)
	}
	return cfg, yanotes.NewHTTPClient(&http.Client{Jar: jar}, logger, nil), nil
}

func checkCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify pool file and note write access",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := buildClient(*cfgPath)
			if err != nil {
				return err
			}
			status, pool, err := wizard.CheckAccess(cmd.Context(), client, cfg.Storage.PoolPath)
			if err != nil {
				return err
			}
			if status == wizard.StatusNoPool {
				fmt.Println(wizard.StatusNoPool)
				return nil
			}
			fmt.Printf("POOL_FOUND:%d:%d\n", len(pool.ClientPool), len(pool.ServerPool))
			fmt.Println(status)
			return nil
		},
	}
}

func createCmd(cfgPath *string) *cobra.Command {
	var promptKey bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision the client and server note pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := buildClient(*cfgPath)
			if err != nil {
				return err
			}

			logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
			pool, err := wizard.CreatePools(cmd.Context(), client, cfg.Storage.PoolPath, logger)
			if err != nil {
				return err
			}
			fmt.Printf("POOL_FOUND:%d:%d\n", len(pool.ClientPool), len(pool.ServerPool))

			if promptKey {
				if err := storeEncryptionKey(*cfgPath); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&promptKey, "prompt-key", false, "prompt for an encryption passphrase and store it in the config")
	return cmd
}

// storeEncryptionKey reads a passphrase without echoing it and writes it
// into the config file's storage section, so both ends can be provisioned
// without the passphrase ever appearing in a shell history.
func storeEncryptionKey(cfgPath string) error {
	fmt.Fprint(os.Stderr, "encryption passphrase (empty to disable): ")
	key, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read passphrase: %w", err)
	}

	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	storage, _ := doc["storage"].(map[string]interface{})
	if storage == nil {
		storage = map[string]interface{}{}
	}
	if len(key) == 0 {
		delete(storage, "encryption_key")
	} else {
		storage["encryption_key"] = string(key)
	}
	doc["storage"] = storage

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(cfgPath, out, 0o600)
}

func clashCmd(cfgPath *string) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "clash",
		Short: "Generate a Clash (mihomo) config pointing at the local proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if err := wizard.WriteClashConfig(outPath, cfg.Settings.ProxyPort); err != nil {
				return err
			}
			fmt.Println("wrote", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "data/clash.yaml", "output path for the generated config")
	return cmd
}
