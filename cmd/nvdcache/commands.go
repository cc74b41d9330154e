// ABOUTME: One-shot cache commands: update, check, verify, recover and status
// ABOUTME: Each command builds the pipeline, runs one operation and prints the outcome

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/hikmaai-io/hikmaai-nvdcache/internal/cachestate"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/dbupdater"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/integrity"
	"github.com/hikmaai-io/hikmaai-nvdcache/internal/oracle"
)

// ErrUnusable is returned when a command ends without a usable database.
var ErrUnusable = errors.New("no usable database")

func newUpdateCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Refresh the cached database if it is stale",
		Long: `Check the cache and download the database when the freshness check
says so. A failed download or validation triggers recovery and one retry
at reduced scope. The command fails only when no usable database remains.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, flags, func(ctx context.Context, c *components) error {
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}

				res, err := c.updater.Run(ctx)
				if perr := printResult(cmd.OutOrStdout(), flags.jsonOutput, res, printRunResult); perr != nil {
					return perr
				}
				if err != nil && !res.Usable {
					return err
				}
				if !res.Usable {
					return ErrUnusable
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the refresh after this long (0 = no limit)")
	return cmd
}

func newCheckCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report whether the cached database is fresh",
		Long: `Run the freshness check without downloading anything. Exits non-zero
when a refresh is needed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, flags, func(ctx context.Context, c *components) error {
				d := c.oracle.Evaluate(ctx, c.cfg.Feed.APIKey != "")
				if err := printResult(cmd.OutOrStdout(), flags.jsonOutput, &d, printDecision); err != nil {
					return err
				}
				if !d.Valid {
					return fmt.Errorf("refresh needed: %s", d.Reason)
				}
				return nil
			})
		},
	}
}

func newVerifyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Validate the cached database file",
		Long:  `Run the size, header, lock and checksum checks against the database file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, flags, func(ctx context.Context, c *components) error {
				res := c.verifier.Validate(ctx)
				if err := printResult(cmd.OutOrStdout(), flags.jsonOutput, res, printValidation); err != nil {
					return err
				}
				if !res.Valid {
					return res.Err()
				}
				return nil
			})
		},
	}
}

func newRecoverCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Repair the cache directory",
		Long: `Move a database that fails validation into the backup directory, clear
cache metadata and remove stale lock files. The next update re-downloads.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, flags, func(ctx context.Context, c *components) error {
				acted, err := c.recovery.AttemptRecovery(ctx)
				out := cmd.OutOrStdout()
				if flags.jsonOutput {
					body := map[string]any{"recovered": acted, "backup_dir": c.recovery.BackupDir()}
					if err != nil {
						body["error"] = err.Error()
					}
					if perr := writeJSON(out, body); perr != nil {
						return perr
					}
				} else if acted {
					fmt.Fprintf(out, "Recovery performed (backups in %s)\n", c.recovery.BackupDir())
				} else {
					fmt.Fprintln(out, "Nothing to recover")
				}
				return err
			})
		},
	}
}

// cacheStatus is the local view printed by the status command.
type cacheStatus struct {
	Dir         string                     `json:"dir"`
	Database    string                     `json:"database"`
	Valid       bool                       `json:"valid"`
	FailedCheck string                     `json:"failed_check,omitempty"`
	Metadata    *cachestate.Metadata       `json:"metadata,omitempty"`
	Checksum    *cachestate.ChecksumRecord `json:"checksum,omitempty"`
	Init        *cachestate.InitMarker     `json:"initialization,omitempty"`
	Version     dbupdater.VersionInfo      `json:"version"`
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local cache state",
		Long: `Print the cache directory, database validity, stored metadata and the
initialization marker. Makes no network calls.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withComponents(cmd, flags, func(ctx context.Context, c *components) error {
				st := collectStatus(ctx, c)
				return printResult(cmd.OutOrStdout(), flags.jsonOutput, st, printStatus)
			})
		},
	}
}

func collectStatus(ctx context.Context, c *components) *cacheStatus {
	res := c.verifier.Validate(ctx)
	st := &cacheStatus{
		Dir:         c.cfg.Cache.Dir,
		Database:    c.verifier.Path(),
		Valid:       res.Valid,
		FailedCheck: res.FailedCheck,
		Version:     c.updater.GetVersionInfo(),
	}
	if meta, err := c.store.Load(); err == nil {
		st.Metadata = meta
	}
	if rec, err := cachestate.LoadChecksum(c.verifier.StateDir()); err == nil {
		st.Checksum = rec
	}
	if m, err := cachestate.LoadInitMarker(c.cfg.Cache.Dir); err == nil {
		st.Init = m
	}
	return st
}

// printResult writes v as JSON or through the text printer.
func printResult[T any](w io.Writer, asJSON bool, v T, text func(io.Writer, T)) error {
	if asJSON {
		return writeJSON(w, v)
	}
	text(w, v)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRunResult(w io.Writer, r *dbupdater.RunResult) {
	fmt.Fprintf(w, "Run:       %s\n", r.RunID)
	fmt.Fprintf(w, "State:     %s\n", r.State)
	if r.Decision != nil {
		fmt.Fprintf(w, "Decision:  %s", r.Decision.Reason)
		if r.Decision.Detail != "" {
			fmt.Fprintf(w, " (%s)", r.Decision.Detail)
		}
		fmt.Fprintln(w)
	}
	if r.Download != nil {
		fmt.Fprintf(w, "Download:  %d files, %d skipped, %d failed, %d bytes\n",
			r.Download.FilesDownloaded, r.Download.FilesSkipped, len(r.Download.Errors), r.Download.TotalBytes)
	}
	fmt.Fprintf(w, "Usable:    %t\n", r.Usable)
	fmt.Fprintf(w, "Degraded:  %t\n", r.Degraded)
	if r.Retried {
		fmt.Fprintf(w, "Retried:   yes (recovered: %t)\n", r.Recovered)
	}
	fmt.Fprintf(w, "Duration:  %s\n", r.Duration.Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", r.Error)
	}
}

func printDecision(w io.Writer, d *oracle.Decision) {
	fmt.Fprintf(w, "Valid:     %t\n", d.Valid)
	fmt.Fprintf(w, "Reason:    %s\n", d.Reason)
	if d.Detail != "" {
		fmt.Fprintf(w, "Detail:    %s\n", d.Detail)
	}
	if !d.RemoteModified.IsZero() {
		fmt.Fprintf(w, "Remote:    modified %s\n", d.RemoteModified.UTC().Format(time.RFC3339))
	}
	if d.RemoteCount > 0 {
		fmt.Fprintf(w, "Records:   %d (delta %.2f%%, threshold %.2f%%)\n", d.RemoteCount, d.DeltaPercent, d.Threshold)
	}
	fmt.Fprintf(w, "Network:   %d calls\n", d.NetworkCalls)
}

func printValidation(w io.Writer, r *integrity.ValidationResult) {
	fmt.Fprintf(w, "Path:      %s\n", r.Path)
	fmt.Fprintf(w, "Valid:     %t\n", r.Valid)
	fmt.Fprintf(w, "Size:      %d bytes\n", r.Size)
	fmt.Fprintf(w, "Checks:    %v\n", r.ChecksRun)
	if r.Checksum != "" {
		fmt.Fprintf(w, "SHA-256:   %s\n", r.Checksum)
	}
	if !r.Valid {
		fmt.Fprintf(w, "Failed:    %s: %s\n", r.FailedCheck, r.Error)
	}
}

func printStatus(w io.Writer, st *cacheStatus) {
	fmt.Fprintf(w, "Cache dir: %s\n", st.Dir)
	fmt.Fprintf(w, "Database:  %s\n", st.Database)
	if st.Valid {
		fmt.Fprintln(w, "Valid:     yes")
	} else {
		fmt.Fprintf(w, "Valid:     no (%s check failed)\n", st.FailedCheck)
	}
	if st.Metadata != nil {
		fmt.Fprintf(w, "Checked:   %s\n", st.Metadata.LastCheck.UTC().Format(time.RFC3339))
		if !st.Metadata.LastRemoteModified.IsZero() {
			fmt.Fprintf(w, "Modified:  %s\n", st.Metadata.LastRemoteModified.UTC().Format(time.RFC3339))
		}
		if st.Metadata.HasRecordCount() {
			fmt.Fprintf(w, "Records:   %d\n", st.Metadata.LastRecordCount)
		}
	} else {
		fmt.Fprintln(w, "Metadata:  none")
	}
	if st.Checksum != nil {
		fmt.Fprintf(w, "SHA-256:   %s (%d bytes)\n", st.Checksum.Checksum, st.Checksum.Size)
	}
	if st.Init != nil {
		fmt.Fprintf(w, "Init:      %s, success %t, api key %t\n",
			st.Init.Time.UTC().Format(time.RFC3339), st.Init.Success, st.Init.APIKeyUsed)
	}
}
