package commands

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"repofs/internal/common"
	"repofs/internal/daemon"
	"repofs/internal/session"
	"repofs/internal/storage"
)

var lsCmd = &cobra.Command{
	Use:   "ls <share> [path]",
	Short: "List a share folder as SMB clients see it",
	Long: `Lists the entries of a folder in a share directly from the repository.

Examples:
  repofs ls docs
  repofs ls docs reports/2024
  repofs ls docs reports --pattern "*.xlsx"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runLs,
}

var lsPattern string

func init() {
	lsCmd.Flags().StringVar(&lsPattern, "pattern", "*", "Wildcard filter for entry names")
	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	settings.Monitor.Enabled = false
	settings.Quota.Enabled = false

	d := daemon.New(settings)
	if err := d.Open(cmd.Context()); err != nil {
		return err
	}
	defer d.Close()

	share, ok := d.Share(args[0])
	if !ok {
		return fmt.Errorf("share %s: %w", args[0], common.ErrNotFound)
	}
	folder := ""
	if len(args) > 1 {
		folder = common.NormalizePath(args[1])
	}

	ctx := cmd.Context()
	drv := share.Driver
	sess := session.New(daemon.SystemOwner)
	tree := drv.TreeOpened(sess)
	defer drv.TreeClosed(ctx, sess)

	infos, err := drv.StartSearch(ctx, tree, folder, lsPattern)
	if errors.Is(err, common.ErrNotDir) {
		var info *storage.FileInfo
		info, err = drv.GetFileInformation(ctx, tree, folder)
		infos = []*storage.FileInfo{info}
	}
	if err != nil {
		return err
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].IsFolder() != infos[j].IsFolder() {
			return infos[i].IsFolder()
		}
		return strings.ToLower(infos[i].Name) < strings.ToLower(infos[j].Name)
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, info := range infos {
		fmt.Fprintln(w, formatEntry(info))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d entries\n", len(infos))
	return nil
}

func formatEntry(info *storage.FileInfo) string {
	mode := "-"
	if info.IsFolder() {
		mode = "d"
	}
	if info.Attributes&storage.AttrReadOnly != 0 {
		mode += "r"
	} else {
		mode += "w"
	}

	size := "-"
	if !info.IsFolder() {
		size = humanize.IBytes(uint64(info.Size))
	}
	version := info.VersionLabel
	if version == "" {
		version = "-"
	}
	name := info.Name
	if info.IsFolder() {
		name += "/"
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s", mode, size, version, humanize.Time(info.Modified), name)
}
