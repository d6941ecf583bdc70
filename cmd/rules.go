// Package cmd provides command-line interface commands for BlueLight Hub.
package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"bluelight/config"
	"bluelight/core"
	"bluelight/detect"
	"bluelight/service"
	"bluelight/storage"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags for rules commands
var (
	outputJSON bool
	noColor    bool
	quiet      bool
)

// maxImportFileSize caps rule file reads to protect against memory exhaustion.
const maxImportFileSize = 10 * 1024 * 1024

// validateFilePath rejects paths that traverse outside the working directory.
func validateFilePath(filename string) error {
	decoded, err := url.QueryUnescape(filename)
	if err != nil {
		decoded = filename
	}

	if strings.Contains(decoded, "..") || strings.Contains(filename, "..") {
		return fmt.Errorf("path traversal detected: '..' not allowed in file path")
	}

	absPath, err := filepath.Abs(filepath.Clean(decoded))
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	if !strings.HasPrefix(absPath, workDir) {
		return fmt.Errorf("path escapes current directory")
	}

	return nil
}

// NewRulesCmd creates the root rules command with all subcommands.
func NewRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage threat detection rules",
		Long: `Manage threat detection rules including listing, import, and export.

Rules are stored in the local SQLite database and evaluated by the detection
engine against incoming events. Import and export use JSON or YAML files.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	rulesCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rulesCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rulesCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	rulesCmd.AddCommand(newListCmd())
	rulesCmd.AddCommand(newImportCmd())
	rulesCmd.AddCommand(newExportCmd())

	return rulesCmd
}

// openRuleService wires the storage and engine needed for CLI rule work.
func openRuleService() (*service.RuleService, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := zap.NewNop().Sugar()
	sqlite, err := storage.NewSQLite(cfg.GetSQLitePath(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	engine := detect.NewRuleEngine(detect.NewRegistry(), logger)
	svc := service.NewRuleService(storage.NewSQLiteRuleStorage(sqlite, logger), engine, logger)
	cleanup := func() { _ = sqlite.Close() }
	return svc, cleanup, nil
}

func newListCmd() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List detection rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := openRuleService()
			if err != nil {
				return err
			}
			defer cleanup()

			filter := &core.RuleFilter{Status: core.RuleStatus(statusFilter)}
			rules, err := svc.ListRules(filter, 500, 0)
			if err != nil {
				return fmt.Errorf("failed to list rules: %w", err)
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(rules)
			}

			renderRulesTable(rules)
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (ACTIVE, INACTIVE)")
	return cmd
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import rules from a JSON or YAML file",
		Long: `Import detection rules from a file. Existing rules with matching ids are
updated; new rules are created. The engine reloads once after the batch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filename := args[0]
			if err := validateFilePath(filename); err != nil {
				return err
			}

			info, err := os.Stat(filename)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", filename, err)
			}
			if info.Size() > maxImportFileSize {
				return fmt.Errorf("file %s exceeds the %d byte import limit", filename, maxImportFileSize)
			}

			data, err := os.ReadFile(filename)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", filename, err)
			}

			rules, err := decodeRules(filename, data)
			if err != nil {
				return err
			}

			svc, cleanup, err := openRuleService()
			if err != nil {
				return err
			}
			defer cleanup()

			var s *spinner.Spinner
			if !quiet && !outputJSON {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = fmt.Sprintf(" Importing %d rules...", len(rules))
				s.Start()
			}

			created, updated, err := svc.ImportRules(rules)
			if s != nil {
				s.Stop()
			}
			if err != nil {
				errorColor.Fprintf(os.Stderr, "Import failed: %v\n", err)
				return err
			}

			if outputJSON {
				return json.NewEncoder(os.Stdout).Encode(map[string]int{"created": created, "updated": updated})
			}
			successColor.Printf("Imported %d rules (%d created, %d updated)\n", created+updated, created, updated)
			return nil
		},
	}
	return cmd
}

func newExportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export all rules to a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filename := args[0]
			if err := validateFilePath(filename); err != nil {
				return err
			}

			svc, cleanup, err := openRuleService()
			if err != nil {
				return err
			}
			defer cleanup()

			rules, err := svc.ExportRules()
			if err != nil {
				return fmt.Errorf("failed to export rules: %w", err)
			}

			var data []byte
			switch resolveFormat(format, filename) {
			case "yaml":
				data, err = yaml.Marshal(rules)
			default:
				data, err = json.MarshalIndent(rules, "", "  ")
			}
			if err != nil {
				return fmt.Errorf("failed to encode rules: %w", err)
			}

			if err := os.WriteFile(filename, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", filename, err)
			}

			if !quiet {
				successColor.Printf("Exported %d rules to %s\n", len(rules), filename)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Output format: json or yaml (default from file extension)")
	return cmd
}

// decodeRules parses a rule file by extension, falling back to JSON.
func decodeRules(filename string, data []byte) ([]core.ThreatRule, error) {
	var rules []core.ThreatRule
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &rules); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", filename, err)
		}
	default:
		if err := json.Unmarshal(data, &rules); err != nil {
			return nil, fmt.Errorf("invalid JSON in %s: %w", filename, err)
		}
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("no rules found in %s", filename)
	}
	return rules, nil
}

func resolveFormat(flag, filename string) string {
	if flag != "" {
		return strings.ToLower(flag)
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return "yaml"
	}
	return "json"
}

func renderRulesTable(rules []core.ThreatRule) {
	if len(rules) == 0 {
		warningColor.Println("No rules found")
		return
	}

	headerColor.Printf("%-38s %-30s %-10s %-10s %-8s\n", "ID", "NAME", "TYPE", "SEVERITY", "STATUS")
	for _, r := range rules {
		name := r.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		fmt.Printf("%-38s %-30s %-10s %-10s %-8s\n", r.ID, name, r.ConditionType, r.Severity, formatStatus(r.Status))
	}
	fmt.Printf("\n%d rules\n", len(rules))
}

func formatStatus(status core.RuleStatus) string {
	switch status {
	case core.RuleStatusActive:
		return successColor.Sprint(string(status))
	case core.RuleStatusInactive:
		return warningColor.Sprint(string(status))
	default:
		return string(status)
	}
}
