// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"repofs/internal/artifacts"
	"repofs/internal/daemon"
	"repofs/internal/storage"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the repofs configuration and repository",
	Long: `Creates the configuration directory (~/.repofs, or $REPOFS_CONFIG_DIR) with a
default settings.yaml, then creates the repository store and the folder of
every configured share.

Running init again keeps existing files; use --force to reset settings.yaml
to the defaults.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite settings.yaml with the defaults")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	settingsPath := daemon.SettingsPath()
	if initForce {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to write settings: %w", err)
		}
		fmt.Printf("  reset %s\n", settingsPath)
	}

	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	storePath := settings.StorePath()
	if _, err := os.Stat(storePath); err == nil {
		fmt.Printf("Reinitialized existing repofs repository in %s\n", storePath)
	} else {
		fmt.Printf("Initialized empty repofs repository in %s\n", storePath)
	}

	// Opening creates the store and every share root
	settings.Monitor.Enabled = false
	settings.Quota.Enabled = false
	d := daemon.New(settings)
	if err := d.Open(cmd.Context()); err != nil {
		return err
	}
	for _, s := range d.Shares() {
		fmt.Printf("  share %-16s %s\n", s.Settings.Name, s.Settings.Root)
	}
	if err := d.Close(); err != nil {
		return err
	}
	fmt.Printf("  schema version %s\n", storage.SchemaVersion)
	return nil
}
