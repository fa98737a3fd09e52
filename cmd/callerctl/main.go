// Command callerctl is the staff control console for the caller service.
package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"qms/caller-service/internal/client"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:           "callerctl",
		Short:         "Call patients and manage clinics from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loadConfig()
			return nil
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default $XDG_CONFIG_HOME/callerctl/callerctl.yml)")
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "caller-service base url")
	rootCmd.PersistentFlags().StringP("clinic", "c", "", "clinic id used by call commands")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "request timeout")

	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("clinic", rootCmd.PersistentFlags().Lookup("clinic"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))

	viper.SetDefault("server", "http://localhost:8080")
	viper.SetDefault("timeout", 10*time.Second)

	rootCmd.AddCommand(
		clinicsCmd(),
		actionCmd("next", "advance", "Call the next number"),
		actionCmd("prev", "recede", "Call the previous number"),
		actionCmd("repeat", "repeat", "Announce the current number again"),
		callCmd(),
		ticketsCmd(),
		resetCmd(),
		loginCmd(),
		messageCmd(),
		clearCmd(),
		settingsCmd(),
		statusCmd(),
		historyCmd(),
	)
}

func loadConfig() {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		if dir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(dir, "callerctl"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("callerctl")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("callerctl")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}
	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
	}
}

func newClient() (*client.Client, error) {
	return client.New(viper.GetString("server"), viper.GetDuration("timeout"))
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
}
