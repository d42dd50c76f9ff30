package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	BaseDirName   = ".config/wrangler"
	StateFileName = "state.db"
	LogDirName    = "logs"
)

var Config *viper.Viper

var globalFlagsToConfigKey = map[string]string{
	"config-path": "config_path",
	"verbose":     "verbose",
	"host":        "host",
}

// GetStatePath returns the path of the SQLite state store shared by all
// wrangler processes on this machine.
func GetStatePath() string {
	return filepath.Join(Config.GetString("config_path"), StateFileName)
}

// GetLogDir returns the directory companion log files are written to.
func GetLogDir() string {
	return filepath.Join(Config.GetString("config_path"), LogDirName)
}

func GetHost() string {
	return Config.GetString("host")
}

func InitializeConfig(cmd *cobra.Command) error {
	Config = viper.New()

	// Set config path from user input
	configPath, err := cmd.Root().PersistentFlags().GetString("config-path")
	if err != nil {
		return fmt.Errorf("unable to determine config path: %w", err)
	}
	Config.AddConfigPath(configPath)

	// Set config name
	Config.SetConfigName("config")
	Config.SetConfigType("toml")

	// Set defaults
	Config.SetDefault("verbose", 0)
	Config.SetDefault("host", "")
	Config.SetDefault("lock.timeout", "30s")
	Config.SetDefault("install.http_timeout", "30s")
	Config.SetDefault("companion.spawn_timeout", "10s")
	Config.SetDefault("companion.restart_attempts", 5)
	Config.SetDefault("companion.retry_delay", "1s")
	Config.SetDefault("companion.auth_redirect_url", "http://localhost:63110/complete-auth")

	// Setup env reading
	Config.SetEnvPrefix("wrangler")

	// Load config file
	if err := Config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found - create config path and write config with defaults
			if err := os.MkdirAll(configPath, 0o755); err != nil {
				return fmt.Errorf("unable to create config path: %w", err)
			}
			Config.SafeWriteConfig()
		} else {
			// Config file was found but another error occurred
			return err
		}
	}

	// In order to get environment variables mapped into config sections, we need to replace . with _
	Config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Config.AutomaticEnv() // read in environment variables that match

	// Bind the current command's flags to viper
	if cmd != nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			// Is this a global flag
			configKey, ok := globalFlagsToConfigKey[f.Name]
			if !ok {
				return
			}

			// Apply the viper config value to the flag when the flag is not set and viper has a value
			if !f.Changed && Config.IsSet(configKey) {
				cmd.Flags().Set(f.Name, fmt.Sprintf("%v", Config.Get(configKey)))
			} else {
				Config.Set(configKey, fmt.Sprintf("%v", f.Value))
			}
		})
	}

	return nil
}
