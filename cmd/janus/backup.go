package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

func newBackupCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the ledger, proposal log and approval queue",
		Long: `Write a consistent copy of janus.db plus the proposal log and approval
queue into a new directory. Defaults to <home>/backups/<timestamp>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(func(a *app) error {
				dir := dest
				if dir == "" {
					dir = filepath.Join(a.cfg.HomeDir, "backups", time.Now().UTC().Format("20060102T150405Z"))
				}
				if _, err := os.Stat(dir); err == nil {
					return fmt.Errorf("backup directory already exists: %s", dir)
				}
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create backup directory: %w", err)
				}
				if err := a.ledger.Backup(cmd.Context(), filepath.Join(dir, "janus.db")); err != nil {
					return err
				}
				for _, src := range []string{a.cfg.ProposalsPath(), a.workflow.QueuePath()} {
					if err := copyIfExists(src, filepath.Join(dir, filepath.Base(src))); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", dir)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "backup directory (must not exist)")
	return cmd
}

func copyIfExists(src, dst string) error {
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
