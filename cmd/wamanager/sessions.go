package main

import (
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/store"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and prune session directories while the service is stopped",
	}
	cmd.AddCommand(newSessionsStatsCmd(opts), newSessionsCleanupCmd(opts))
	return cmd
}

func newSessionsStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "List session directories with age, size and login state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := opts.load()
			if err != nil {
				return err
			}
			defer flush()

			sessions, err := store.NewSessions(cfg.SessionsDir)
			if err != nil {
				return err
			}
			dirs, err := sessions.List()
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), dirs, time.Now(), cfg.SessionMaxAge)
		},
	}
}

func newSessionsCleanupCmd(opts *rootOptions) *cobra.Command {
	var (
		maxAge time.Duration
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete session directories that never logged in and are older than --max-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, flush, err := opts.load()
			if err != nil {
				return err
			}
			defer flush()
			if maxAge <= 0 {
				maxAge = cfg.SessionMaxAge
			}

			sessions, err := store.NewSessions(cfg.SessionsDir)
			if err != nil {
				return err
			}
			dirs, err := sessions.List()
			if err != nil {
				return err
			}
			removed, err := pruneSessions(sessions, dirs, time.Now(), maxAge, dryRun)
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			for _, d := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (modified %s)\n", verb, d.AccountID, humanize.Time(d.ModTime))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d of %d session(s)\n", verb, len(removed), len(dirs))
			return err
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "minimum age of removed directories (default session_max_age)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only list what would be removed")
	return cmd
}

// pruneSessions removes directories without credentials that are older than
// maxAge. Logged-in sessions are never touched offline.
func pruneSessions(s *store.Sessions, dirs []store.SessionDir, now time.Time, maxAge time.Duration, dryRun bool) ([]store.SessionDir, error) {
	var removed []store.SessionDir
	for _, d := range dirs {
		if d.HasCreds || now.Sub(d.ModTime) <= maxAge {
			continue
		}
		if !dryRun {
			if err := s.Remove(d.AccountID); err != nil {
				return removed, fmt.Errorf("remove %s: %w", d.AccountID, err)
			}
		}
		removed = append(removed, d)
	}
	return removed, nil
}

func printSessions(w io.Writer, dirs []store.SessionDir, now time.Time, maxAge time.Duration) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tLOGGED IN\tMODIFIED\tSIZE\tSTALE")

	var total uint64
	loggedIn := 0
	for _, d := range dirs {
		size := dirSize(d.Path)
		total += size
		if d.HasCreds {
			loggedIn++
		}
		stale := !d.HasCreds && now.Sub(d.ModTime) > maxAge
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%t\n",
			d.AccountID, d.HasCreds, humanize.RelTime(d.ModTime, now, "ago", "from now"), humanize.Bytes(size), stale)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%s session(s), %d logged in, %s on disk\n",
		humanize.Comma(int64(len(dirs))), loggedIn, humanize.Bytes(total))
	return err
}

func dirSize(root string) uint64 {
	var n uint64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			n += uint64(info.Size())
		}
		return nil
	})
	return n
}
