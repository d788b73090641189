package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/chimera/internal/config"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/core"
	"github.com/CodeMonkeyCybersecurity/chimera/internal/credentials"
)

const passphraseEnv = "CHIMERA_CREDENTIALS_PASSPHRASE"

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage platform API credentials",
	Long: `Manage the encrypted local credentials store.

The store is encrypted with AES-GCM. The key is derived from
$CHIMERA_CREDENTIALS_PASSPHRASE when set, otherwise from a random key file
kept next to the store with 0600 permissions.`,
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set <platform>",
	Short: "Prompt for and store API credentials for a platform",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		creds, err := credentials.Prompt(os.Stdin, os.Stderr, args[0])
		if err != nil {
			return err
		}
		store.Set(args[0], creds)
		if err := store.Save(); err != nil {
			return err
		}
		color.Green("Credentials for %s saved\n", args[0])
		return nil
	},
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List platforms with stored credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		platforms := store.Platforms()
		if len(platforms) == 0 {
			fmt.Println("No stored credentials")
			return nil
		}
		for _, p := range platforms {
			fmt.Println(p)
		}
		return nil
	},
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete <platform>",
	Short: "Remove stored credentials for a platform",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		if !store.Delete(args[0]) {
			return fmt.Errorf("no stored credentials for %s", args[0])
		}
		return store.Save()
	},
}

func init() {
	credentialsCmd.AddCommand(credentialsSetCmd, credentialsListCmd, credentialsDeleteCmd)
	rootCmd.AddCommand(credentialsCmd)
}

func openStore(cfg *config.Config) (*credentials.Store, error) {
	path, err := storePath(cfg.Credentials.StorePath)
	if err != nil {
		return nil, err
	}

	var opts []credentials.Option
	if pass := os.Getenv(passphraseEnv); pass != "" {
		opts = append(opts, credentials.WithPassphrase(pass))
	}
	store := credentials.NewStore(path, log, opts...)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("failed to load credentials store: %w", err)
	}
	return store, nil
}

// secretSource resolves credentials from the environment, then the config
// file, then the encrypted store. An unreadable store is skipped.
func secretSource(cfg *config.Config) core.SecretSource {
	static := credentials.Static{}
	if t := cfg.Platforms.HackerOne.APIToken; t != "" {
		static["hackerone"] = core.Credentials{Username: cfg.Platforms.HackerOne.APIUsername, Secret: t}
	}
	if t := cfg.Platforms.Bugcrowd.APIToken; t != "" {
		static["bugcrowd"] = core.Credentials{Secret: t}
	}

	sources := []core.SecretSource{credentials.NewEnv(), static}
	store, err := openStore(cfg)
	if err != nil {
		log.Warnw("Credentials store unavailable", "error", err)
	} else {
		sources = append(sources, store)
	}
	return credentials.Chain(sources...)
}

func storePath(p string) (string, error) {
	if p == "" {
		return credentials.DefaultPath()
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
	}
	return p, nil
}
