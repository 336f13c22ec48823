// Package config loads the ipcbus-demo binary's runtime settings from a
// YAML file, environment variables, and built-in defaults, using Viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the knobs ipcbus-demo needs to construct an ipc.Peer.
type Config struct {
	Secret         string
	URL            string
	Host           string
	PortRangeStart int
	PortRangeEnd   int
	Path           string
	Labels         []string
}

// Load reads configuration from an optional file path, falling back to
// the standard search locations. IPCBUS_-prefixed environment variables
// override values from the file, and built-in defaults fill in any key
// that neither sets.
func Load(configPath ...string) Config {
	viper.SetDefault("secret", "dev-secret-change-me")
	viper.SetDefault("url", "")
	viper.SetDefault("host", "")
	viper.SetDefault("port_range_start", 46000)
	viper.SetDefault("port_range_end", 46100)
	viper.SetDefault("path", "/nextcord-ipc")
	viper.SetDefault("labels", []string{})

	if len(configPath) > 0 && configPath[0] != "" {
		viper.SetConfigFile(configPath[0])
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.ipcbus")
		viper.AddConfigPath("/etc/ipcbus")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "ipcbus: error reading config file: %v\n", err)
		}
	}

	viper.SetEnvPrefix("IPCBUS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return Config{
		Secret:         viper.GetString("secret"),
		URL:            viper.GetString("url"),
		Host:           viper.GetString("host"),
		PortRangeStart: viper.GetInt("port_range_start"),
		PortRangeEnd:   viper.GetInt("port_range_end"),
		Path:           viper.GetString("path"),
		Labels:         viper.GetStringSlice("labels"),
	}
}

// Validate parses the file at path in isolation from the process-wide
// Viper instance Load uses, so a config file can be checked (e.g. by a
// "config check" subcommand) without side effects on the running config.
func Validate(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if v.IsSet("labels") {
		var labels []string
		if err := v.UnmarshalKey("labels", &labels); err != nil {
			return fmt.Errorf("config: labels must be a list of strings: %w", err)
		}
	}
	if v.GetString("url") != "" && v.GetString("host") != "" {
		return fmt.Errorf("config: url and host are mutually exclusive")
	}
	start, end := v.GetInt("port_range_start"), v.GetInt("port_range_end")
	if v.IsSet("port_range_start") && v.IsSet("port_range_end") && start >= end {
		return fmt.Errorf("config: invalid port range [%d,%d)", start, end)
	}
	return nil
}
