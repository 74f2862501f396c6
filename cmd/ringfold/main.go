package main

import (
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/ringfold/ringfold/cmd/ringfold/commands"
	"github.com/ringfold/ringfold/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set through ldflags on release builds.
var version = "v0.0.0-dev"

// rootCmd is the top level `ringfold` command on which the other subcommands
// are attached to.
var rootCmd = &cobra.Command{
	Use:          "ringfold",
	Short:        "Ringfold moves partition data between storage nodes over the handoff protocol.",
	SilenceUsage: true,
}

// Entry point of the application.
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initViperConfig)
	rootCmd.AddCommand(commands.Send(version))
	rootCmd.AddCommand(commands.Serve(version))
	rootCmd.AddCommand(commands.Version(version))
}

// initViperConfig initializes the viper config: defaults first, then the
// config file in the home directory, then RINGFOLD_* environment variables.
// NOTE: The precedence levels of viper are the following: flags -> env ->
// config file -> defaults.
func initViperConfig() {
	for key, value := range config.ToMap(config.GetDefault()) {
		viper.SetDefault(key, value)
	}
	viper.SetEnvPrefix("RINGFOLD")
	viper.AutomaticEnv()

	// Search for config in home directory.
	home, err := homedir.Dir()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	viper.AddConfigPath(home)
	viper.SetConfigName(config.CONFIG_FILE_NAME)
	viper.SetConfigType(config.CONFIG_FILE_EXT)

	if err := viper.ReadInConfig(); err != nil {
		// Create config file with the defaults if not found.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			configPath := filepath.Join(home, fmt.Sprintf("%s.%s", config.CONFIG_FILE_NAME, config.CONFIG_FILE_EXT))
			if err := os.WriteFile(configPath, config.ToYaml(config.GetDefault()), 0o600); err != nil {
				fmt.Println("Could not write defaults to config file:", err)
				os.Exit(1)
			}
		} else {
			fmt.Println("Could not read config file:", err)
			os.Exit(1)
		}
	}
}
