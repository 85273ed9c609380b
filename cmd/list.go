package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/store"
	"github.com/andresmejia3/sentinel-fog/internal/utils"
	"github.com/spf13/cobra"
)

var (
	listFilter store.ListFilter
	listSince  time.Duration
)

var listCmd = &cobra.Command{
	Use:         "list",
	Short:       "List captured evidence from the ledger",
	Annotations: map[string]string{ledgerAnnotation: ledgerRequired},
	Run: func(cmd *cobra.Command, args []string) {
		f := listFilter
		if listSince > 0 {
			f.Since = time.Now().Add(-listSince)
		}
		rows, err := DB.ListEvidence(cmd.Context(), f)
		if err != nil {
			utils.Die("Failed to list evidence", err, nil)
		}
		printEvidence(os.Stdout, rows)
	},
}

func init() {
	listCmd.Flags().StringVar(&listFilter.CameraID, "camera", "", "Only show evidence from this camera ID")
	listCmd.Flags().StringVar(&listFilter.UploadStatus, "status", "", "Only show rows with this upload status (pending, uploaded, failed, local-only)")
	listCmd.Flags().DurationVar(&listSince, "since", 0, "Only show evidence captured within this long (e.g. 24h)")
	listCmd.Flags().IntVarP(&listFilter.Limit, "limit", "n", 50, "Maximum rows to show (0 for all)")
	rootCmd.AddCommand(listCmd)
}

func printEvidence(out io.Writer, rows []store.Evidence) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No evidence found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tCAPTURED\tCAMERA\tREASON\tQUALITY\tFRAUD\tUPLOAD\tLABEL")
	fmt.Fprintln(w, "--\t--------\t------\t------\t-------\t-----\t------\t-----")
	for _, e := range rows {
		label := e.Label
		if label == "" {
			label = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f\t%d\t%s\t%s\n",
			e.ID, e.CapturedAt.Local().Format("2006-01-02 15:04:05"), e.CameraID, e.Reason,
			e.Quality, e.FraudAttempts, e.UploadStatus, label)
	}
	w.Flush()
}
