package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ambassador/internal/config"
	"ambassador/internal/keys"
	"ambassador/internal/store"
)

// adminConfigPath mirrors serveConfigPath for the admin command tree: admin
// key operations run directly against the database rather than through the
// HTTP API, since bootstrapping the very first admin key has to work
// before any server is listening (spec.md §4.8).
var adminConfigPath string

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the ambassador's admin key out of band",
	}
	cmd.PersistentFlags().StringVar(&adminConfigPath, "config-path", "", "Custom configuration directory (defaults to ~/.config/ambassador)")

	cmd.AddCommand(&cobra.Command{
		Use:   "generate-key",
		Short: "Generate the initial admin key (fails if one already exists)",
		Args:  cobra.NoArgs,
		RunE:  runAdminGenerateKey,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "recover-key",
		Short: "Issue a new admin key using the recovery token",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdminRecoverKey,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate-key",
		Short: "Rotate the admin key and recovery token, given both current secrets",
		Args:  cobra.ExactArgs(2),
		RunE:  runAdminRotateKey,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "factory-reset",
		Short: "Invalidate the current admin key and recovery token unconditionally",
		Args:  cobra.NoArgs,
		RunE:  runAdminFactoryReset,
	})
	return cmd
}

// openAdminStore opens the database and key manager needed for direct
// admin-key operations, using the same config resolution and session
// secret bootstrap as serve, so a key generated offline remains valid once
// the server is started.
func openAdminStore(ctx context.Context) (*store.Store, *keys.Manager, config.Config, error) {
	configPath := adminConfigPath
	if configPath == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return nil, nil, config.Config{}, misconfig(fmt.Errorf("resolving config path: %w", err))
		}
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, config.Config{}, misconfig(fmt.Errorf("loading config: %w", err))
	}
	if err := ensureDataDir(cfg.DataDir); err != nil {
		return nil, nil, config.Config{}, misconfig(fmt.Errorf("creating data directory: %w", err))
	}

	sessionSecret, err := loadOrCreateSessionSecret(cfg.DataDir)
	if err != nil {
		return nil, nil, config.Config{}, misconfig(err)
	}

	dbPath := cfg.DataDir + "/ambassador.db"
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, nil, config.Config{}, migrationFailure(fmt.Errorf("opening store at %s: %w", dbPath, err))
	}

	keysMgr, err := keys.NewWithSecret(st, sessionSecret)
	if err != nil {
		_ = st.Close()
		return nil, nil, config.Config{}, misconfig(err)
	}
	return st, keysMgr, cfg, nil
}

func runAdminGenerateKey(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, keysMgr, cfg, err := openAdminStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	adminKey, recoveryToken, err := keysMgr.GenerateAdminKey(ctx, cfg.DataDir)
	if err != nil {
		return err
	}
	cmd.Printf("admin key:      %s\n", adminKey)
	cmd.Printf("recovery token: %s\n", recoveryToken)
	cmd.Println("store both secrets now; the recovery token is also written to <data-dir>/.recovery-token")
	return nil
}

func runAdminRecoverKey(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, keysMgr, _, err := openAdminStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	newKey, err := keysMgr.RecoverAdminKey(ctx, args[0], "cli")
	if err != nil {
		return err
	}
	cmd.Printf("new admin key: %s\n", newKey)
	return nil
}

func runAdminRotateKey(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, keysMgr, cfg, err := openAdminStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	newKey, newRecovery, err := keysMgr.RotateAdminKey(ctx, cfg.DataDir, args[0], args[1])
	if err != nil {
		return err
	}
	cmd.Printf("admin key:      %s\n", newKey)
	cmd.Printf("recovery token: %s\n", newRecovery)
	return nil
}

func runAdminFactoryReset(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, keysMgr, cfg, err := openAdminStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	newKey, newRecovery, err := keysMgr.FactoryResetAdminKey(ctx, cfg.DataDir)
	if err != nil {
		return err
	}
	cmd.Printf("admin key:      %s\n", newKey)
	cmd.Printf("recovery token: %s\n", newRecovery)
	cmd.Println("the old admin key is now invalid")
	return nil
}
