package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"repofs/internal/common"
	"repofs/internal/daemon"
)

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Manage exported shares",
}

var shareListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured shares",
	Args:  cobra.NoArgs,
	RunE:  runShareList,
}

var shareAddCmd = &cobra.Command{
	Use:   "add <name> <repository-folder>",
	Short: "Export a repository folder as a share",
	Long: `Adds a share to settings.yaml. The repository folder is created when the
daemon next starts.

Examples:
  repofs share add projects teams/projects
  repofs share add archive teams/archive --read-only --no-notify
  repofs share add cad teams/cad --temp "*.bak" --temp "~*"`,
	Args: cobra.ExactArgs(2),
	RunE: runShareAdd,
}

var shareRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Stop exporting a share",
	Long:    `Removes a share from settings.yaml. Repository content is left untouched.`,
	Args:    cobra.ExactArgs(1),
	RunE:    runShareRemove,
}

var (
	shareReadOnly bool
	shareNoNotify bool
	shareTemp     []string
	shareWindow   int
)

func init() {
	shareAddCmd.Flags().BoolVar(&shareReadOnly, "read-only", false, "Reject every modification")
	shareAddCmd.Flags().BoolVar(&shareNoNotify, "no-notify", false, "Do not send change notifications")
	shareAddCmd.Flags().StringArrayVar(&shareTemp, "temp", nil, "Temporary file pattern (gitignore syntax, repeatable)")
	shareAddCmd.Flags().IntVar(&shareWindow, "window", 0, "Operations remembered per folder for save detection")
	shareCmd.AddCommand(shareListCmd)
	shareCmd.AddCommand(shareAddCmd)
	shareCmd.AddCommand(shareRemoveCmd)
	rootCmd.AddCommand(shareCmd)
}

func runShareList(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tROOT\tMODE\tNOTIFY\tTEMP PATTERNS")
	for _, s := range settings.Shares {
		mode := "rw"
		if s.ReadOnly {
			mode = "ro"
		}
		patterns := "default"
		if len(s.TempPatterns) > 0 {
			patterns = strings.Join(s.TempPatterns, " ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", s.Name, s.Root, mode, s.Notify, patterns)
	}
	return w.Flush()
}

func runShareAdd(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	share := daemon.ShareSettings{
		Name:          args[0],
		Root:          common.NormalizePath(args[1]),
		ReadOnly:      shareReadOnly,
		Notify:        !shareNoNotify,
		TempPatterns:  shareTemp,
		ShuffleWindow: shareWindow,
	}
	if share.Root == "" {
		return fmt.Errorf("share %s: the repository root cannot be exported", share.Name)
	}
	settings.Shares = append(settings.Shares, share)
	if err := daemon.Validate(settings); err != nil {
		return err
	}
	if err := daemon.SaveSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Printf("Share %s added (%s)\n", share.Name, share.Root)
	return nil
}

func runShareRemove(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	kept := settings.Shares[:0]
	found := false
	for _, s := range settings.Shares {
		if strings.EqualFold(s.Name, args[0]) {
			found = true
			continue
		}
		kept = append(kept, s)
	}
	if !found {
		return fmt.Errorf("share %s: %w", args[0], common.ErrNotFound)
	}
	settings.Shares = kept
	if err := daemon.Validate(settings); err != nil {
		return err
	}
	if err := daemon.SaveSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Printf("Share %s removed\n", args[0])
	return nil
}
