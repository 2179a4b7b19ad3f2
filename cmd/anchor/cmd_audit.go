package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/anchor/wal"
)

var (
	auditSince    time.Duration
	auditResource string
	auditJSON     bool
	auditDir      string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print recent convergence attempts",
	Long: `Print convergence attempts from the local audit log. Every attempt that
ended skipped, converged, submitted or failed is recorded there.`,
	Example: `  anchor audit                      # Last hour
  anchor audit --since 24h          # Last day
  anchor audit --resource my-sg     # One resource
  anchor audit --json               # Raw entries`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().DurationVar(&auditSince, "since", time.Hour, "Only show entries newer than this")
	auditCmd.Flags().StringVar(&auditResource, "resource", "", "Only show entries for this resource")
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "Print entries as JSON lines")
	auditCmd.Flags().StringVar(&auditDir, "dir", "", "Audit log directory; defaults to wal.dir from the config")
}

func runAudit(cmd *cobra.Command, _ []string) error {
	dir := auditDir
	if dir == "" {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		dir = cfg.WAL.Dir
	}

	since := time.Now().Add(-auditSince)
	return printAudit(cmd.OutOrStdout(), dir, since, auditResource, auditJSON)
}

func printAudit(w io.Writer, dir string, since time.Time, name string, asJSON bool) error {
	var entries []*wal.Entry
	err := wal.Replay(dir, since, func(e *wal.Entry) error {
		if name == "" || e.Resource == name {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tOUTCOME\tRESOURCE\tDETAIL")
	for _, e := range entries {
		detail := e.Error
		if detail == "" && len(e.Data) > 0 {
			detail = string(e.Data)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Resource, detail)
	}
	return tw.Flush()
}
