package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/swarmwatch/internal/config"
	"github.com/spf13/cobra"
)

var configFlags struct {
	project bool
	force   bool
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage swarmwatch configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a swarmwatch configuration file",
	Long: `Create a swarmwatch configuration file with sensible defaults.

By default, creates a global config at ~/.config/swarmwatch/swarmwatch.yml.
Use --project to create a project-local config in the current directory.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configFlags.project, "project", "p", false, "Create config in current directory instead of global location")
	configInitCmd.Flags().BoolVarP(&configFlags.force, "force", "f", false, "Overwrite existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	targetPath := config.GlobalPath()
	if configFlags.project {
		targetPath = config.ProjectPath()
	}

	if !configFlags.force && fileExists(targetPath) {
		return fmt.Errorf("config file already exists at %s\n\nUse --force to overwrite", targetPath)
	}

	// Flags given on the command line end up in the written file.
	out := config.Default()
	out.BaseURL = cfg.BaseURL
	out.DataDir = cfg.DataDir

	var err error
	if configFlags.project {
		err = config.WriteProject(out)
	} else {
		err = config.WriteGlobal(out)
	}
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Config written to: %s\n\n", targetPath)
	fmt.Println("Run 'swarmwatch run <task>' to get started.")
	return nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
