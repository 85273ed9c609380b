package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/sentinel-fog/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
	resetLogs  bool
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset node state (Evidence Ledger, Local Evidence, Logs)",
	Long:        "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Annotations: map[string]string{ledgerAnnotation: ledgerOptional},
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles && !resetLogs {
			resetDB = true
			resetFiles = true
			resetLogs = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				fmt.Println("ℹ️  No database configured, skipping ledger.")
			} else if confirm(reader, "⚠️  Are you sure you want to DROP the evidence ledger?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all local evidence in %s?", Cfg.EvidenceDir)) {
				fmt.Println("🗑️  Clearing Local Evidence...")
				removeDir(Cfg.EvidenceDir)
			}
		}

		if resetLogs && Cfg.Log.File != "" {
			if confirm(reader, "⚠️  Are you sure you want to delete the node logs?") {
				fmt.Println("🗑️  Clearing Logs...")
				removeLogs(Cfg.Log.File)
			}
		}

		fmt.Println("✨ Node Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "ledger", false, "Clear the PostgreSQL evidence ledger")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear the local evidence directory")
	resetCmd.Flags().BoolVar(&resetLogs, "logs", false, "Clear the log file and its rotated backups")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}

// backupTimeFormat is the timestamp lumberjack puts in rotated file names.
const backupTimeFormat = "2006-01-02T15-04-05.000"

// removeLogs deletes the active log and the rotated copies lumberjack leaves next to it
// (<stem>-<timestamp><ext>, optionally gzipped). Other files in the directory are kept.
func removeLogs(file string) {
	targets := []string{file}
	targets = append(targets, logBackups(file)...)
	for _, m := range targets {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", m, err)
		}
	}
}

func logBackups(file string) []string {
	ext := filepath.Ext(file)
	prefix := strings.TrimSuffix(filepath.Base(file), ext) + "-"

	entries, err := os.ReadDir(filepath.Dir(file))
	if err != nil {
		return nil
	}
	var backups []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimPrefix(name, prefix)
		stamp, ok := strings.CutSuffix(strings.TrimSuffix(stamp, ".gz"), ext)
		if !ok {
			continue
		}
		if _, err := time.Parse(backupTimeFormat, stamp); err == nil {
			backups = append(backups, filepath.Join(filepath.Dir(file), name))
		}
	}
	return backups
}
