package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the profile's credentials and last saved snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		name, err := resolveProfile(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "Profile:  %s\n", name)
		fmt.Fprintf(out, "Server:   %s\n", cfg.Server.URL)
		if creds, ok := transport.ResolveCredentials(cfg.Server.Token, cfg.Server.UserID, time.Now()); ok {
			fmt.Fprintf(out, "User:     %s\n", creds.UserID)
		} else {
			fmt.Fprintln(out, "User:     (no usable credentials)")
		}

		path := profile.SnapshotDBPath(name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(out, "Snapshot: none")
			return nil
		}
		db, err := store.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if _, err := db.Migrate(); err != nil {
			return err
		}
		snap, err := db.LoadSnapshot(cfg.Cache.PageSize)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Snapshot: %d conversations, %d unread", len(snap.Conversations), snap.UnreadTotal)
		if !snap.SavedAt.IsZero() {
			fmt.Fprintf(out, ", saved %s", snap.SavedAt.Local().Format(time.RFC3339))
		}
		fmt.Fprintln(out)
		if v, ok, _ := db.GetState(store.KeyLastConnectedAt); ok {
			fmt.Fprintf(out, "Last connected: %s\n", v)
		}
		return nil
	},
}
