package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage spidex configuration",
	Long:  "View or modify the spidex CLI configuration stored in ~/.spidex/config.toml.",
}

var configShowEffective bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowEffective {
			s := loadSettings()
			fmt.Printf("base_url      = %s\n", s.BaseURL)
			fmt.Printf("user_id       = %s\n", valueOrDefault(s.UserID, "(not set)"))
			fmt.Printf("operator      = %t\n", s.Operator)
			fmt.Printf("token         = %s\n", maskToken(s.Token))
			if s.PollInterval > 0 {
				fmt.Printf("poll_interval = %s\n", s.PollInterval)
			}
			if used := viper.ConfigFileUsed(); used != "" {
				fmt.Printf("\n(from %s, environment and flags)\n", used)
			}
			return nil
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'spidex login <token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: spidex config set default.base_url https://api.spidex.market",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

func init() {
	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "Show values after env and flag overrides")
}
