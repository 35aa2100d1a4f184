// roomkeys exports and imports megolm session keys from a local crypto store
// as passphrase-protected files, for moving history between devices without a
// server-side backup.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/matrix-org/matrix-android-sdk-sub001/internal/backup"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/config"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/observability/logging"
	"github.com/matrix-org/matrix-android-sdk-sub001/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbPath string
	var passphrase string

	root := &cobra.Command{
		Use:           "roomkeys",
		Short:         "Export and import room keys from a crypto store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Optional; a missing .env is not an error.
			_ = godotenv.Load()
			if passphrase == "" {
				passphrase = os.Getenv("ROOMKEYS_PASSPHRASE")
			}
		},
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "crypto.db", "path to the sqlite crypto store")
	root.PersistentFlags().StringVar(&passphrase, "passphrase", "", "export passphrase (or ROOMKEYS_PASSPHRASE)")

	root.AddCommand(newExportCmd(&dbPath, &passphrase))
	root.AddCommand(newImportCmd(&dbPath, &passphrase))
	return root
}

func newExportCmd(dbPath, passphrase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write all room keys to a passphrase-protected file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager(*dbPath)
			if err != nil {
				return err
			}
			if *passphrase == "" {
				return fmt.Errorf("a passphrase is required")
			}
			armored, err := mgr.ExportRoomKeys(cmd.Context(), *passphrase)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], []byte(armored), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "room keys written to %s\n", args[0])
			return nil
		},
	}
}

func newImportCmd(dbPath, passphrase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import room keys from a passphrase-protected file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := openManager(*dbPath)
			if err != nil {
				return err
			}
			if *passphrase == "" {
				return fmt.Errorf("a passphrase is required")
			}
			armored, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			n, err := mgr.ImportRoomKeys(cmd.Context(), string(armored), *passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d sessions\n", n)
			return nil
		},
	}
}

func openManager(dbPath string) (*backup.Manager, error) {
	cfg := config.Load()
	log := logging.NewLogger(logging.Config{
		ServiceName: "roomkeys",
		Environment: "cli",
		Level:       cfg.LogLevel,
	})

	st, err := store.Open(dbPath, false)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", dbPath, err)
	}
	if err := st.AutoMigrate(context.Background()); err != nil {
		return nil, err
	}
	// Export and import never touch the server-side backup.
	return backup.NewManager(st, nil, cfg, log), nil
}
