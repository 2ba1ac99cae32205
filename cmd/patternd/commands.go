package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"filippo.io/age"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/patternservice/patternd/internal/buildinfo"
	"github.com/patternservice/patternd/internal/config"
	"github.com/patternservice/patternd/internal/daemon"
	"github.com/patternservice/patternd/internal/db"
	"github.com/patternservice/patternd/internal/secrets"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and task workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return daemon.Run(ctx, cfg)
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the SQLite schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			store, err := db.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", cfg.DBPath)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}

func newCredentialsCmd() *cobra.Command {
	credentials := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the encrypted controller credentials file",
	}

	var recipient, username, out string
	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt controller credentials to an age recipient",
		Long: `Reads the controller password from stdin and writes an age-encrypted
credentials file usable as credentials_file.

  echo "$PASSWORD" | patternd credentials encrypt --recipient age1... --username admin --out controller.age`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := age.ParseX25519Recipient(strings.TrimSpace(recipient))
			if err != nil {
				return fmt.Errorf("parse recipient: %w", err)
			}
			if strings.TrimSpace(username) == "" {
				return errors.New("--username is required")
			}
			password, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			creds := secrets.ControllerCredentials{Username: username, Password: password}

			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			return secrets.EncryptCredentials(w, creds, parsed)
		},
	}
	encrypt.Flags().StringVar(&recipient, "recipient", "", "age X25519 recipient (age1...)")
	encrypt.Flags().StringVar(&username, "username", "", "controller username")
	encrypt.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	_ = encrypt.MarkFlagRequired("recipient")

	credentials.AddCommand(encrypt)
	return credentials
}

// loadConfig loads and validates the config and reports loose permissions on
// files that hold secrets.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(cfg.ConfigPath); statErr == nil {
		warn, err := config.CheckConfigPermissions(cfg.ConfigPath)
		if err != nil {
			return cfg, err
		}
		if warn != "" {
			log.Printf("patternd: warning: %s", warn)
		}
	}
	if strings.HasSuffix(strings.ToLower(cfg.CredentialsFile), ".age") {
		if err := config.CheckKeyPermissions(cfg.AgeKeyPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		fmt.Fprint(prompt, "controller password: ")
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("password is required on stdin")
	}
	return password, nil
}
