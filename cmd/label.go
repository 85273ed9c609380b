package cmd

import (
	"fmt"
	"strings"

	"github.com/andresmejia3/sentinel-fog/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:         "label <evidence_id> <verdict>",
	Short:       "Record a review verdict (e.g. authorized, intruder) on captured evidence",
	Args:        cobra.ExactArgs(2),
	Annotations: map[string]string{ledgerAnnotation: ledgerRequired},
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		verdict := strings.TrimSpace(args[1])
		if verdict == "" {
			utils.Die("Invalid verdict", fmt.Errorf("verdict must not be empty"), nil)
		}

		if err := DB.LabelEvidence(cmd.Context(), id, verdict); err != nil {
			utils.Die("Failed to label evidence", err, nil)
		}
		fmt.Printf("✅ Evidence %s labeled as '%s'\n", id, verdict)
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}
