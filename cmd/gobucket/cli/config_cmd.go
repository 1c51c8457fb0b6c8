package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/franksops/gobucket/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage gobucket configuration",
	Long: `View and modify gobucket configuration.

Without arguments, displays the current effective configuration.
Use subcommands to view the config path, initialize a config file,
or set configuration values.`,
	PersistentPreRunE: readConfig,
	RunE:              runConfigShow,
}

// readConfig loads the file without validating it, so an incomplete
// configuration can still be edited.
func readConfig(_ *cobra.Command, _ []string) error {
	config.Init(viper.GetViper(), cfgFile)
	return config.Read(viper.GetViper())
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	RunE: func(_ *cobra.Command, _ []string) error {
		path, err := configFilePath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default configuration file",
	Long: `Create a default configuration file at the XDG config path.

The file will be created at ~/.config/gobucket/config.yaml (or
$XDG_CONFIG_HOME/gobucket/config.yaml if set).`,
	RunE: runConfigInit,
}

func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.FilePath()
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	configPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if already exists
	if _, statErr := os.Stat(configPath); statErr == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	if mkdirErr := os.MkdirAll(filepath.Dir(configPath), 0o750); mkdirErr != nil {
		return mkdirErr
	}

	defaults := viper.New()
	config.SetDefaults(defaults)
	data, err := yaml.Marshal(defaults.AllSettings())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if writeErr := os.WriteFile(configPath, data, 0o600); writeErr != nil {
		return writeErr
	}

	fmt.Printf("Created config file: %s\n", configPath)
	return nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Examples:
  gobucket config set backend minio
  gobucket config set minio.endpoint localhost:9000
  gobucket config set history.enabled false`,
	Args: cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// Parse boolean values
		var parsedValue any
		switch value {
		case "true":
			parsedValue = true
		case "false":
			parsedValue = false
		default:
			parsedValue = value
		}

		viper.Set(key, parsedValue)

		configPath, err := configFilePath()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(configPath), 0o750); err != nil {
			return err
		}
		if err := viper.WriteConfigAs(configPath); err != nil {
			return fmt.Errorf("write config: %w", err)
		}

		fmt.Printf("Updated %s = %v\n", key, parsedValue)
		return nil
	},
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	// Show all settings with their effective values
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
