package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	spidex "github.com/spidexmarket/spidex/sdk/golang"
)

var (
	loginUser     string
	loginOperator bool
	loginBaseURL  string
	loginNoVerify bool
)

func init() {
	loginCmd.Flags().StringVar(&loginUser, "as", "", "User id (defaults to the id claim in the token)")
	loginCmd.Flags().BoolVar(&loginOperator, "operator", false, "Mark the session as an operator (admin) session")
	loginCmd.Flags().StringVar(&loginBaseURL, "api", "", "Store this API base URL with the session")
	loginCmd.Flags().BoolVar(&loginNoVerify, "no-verify", false, "Do not check the token against the API")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a session token in ~/.spidex/config.toml",
	Long: "Store the session token issued by the marketplace backend. The user id, operator role\n" +
		"and expiry are read from the token's claims when present.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		claims, err := parseTokenClaims(token)
		if err != nil {
			logger.Debug(err.Error())
		}
		userID := loginUser
		if userID == "" {
			userID = claims.UserID
		}
		if userID == "" {
			return fmt.Errorf("token carries no user id; pass --as <user-id>")
		}
		if !claims.Expires.IsZero() && time.Now().After(claims.Expires) {
			return fmt.Errorf("token expired %s", humanize.Time(claims.Expires))
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = userID
		cfg.Auth.Operator = loginOperator || claims.Operator
		cfg.Auth.TokenExpires = ""
		if !claims.Expires.IsZero() {
			cfg.Auth.TokenExpires = claims.Expires.UTC().Format(time.RFC3339)
		}
		if loginBaseURL != "" {
			cfg.Default.BaseURL = loginBaseURL
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = spidex.DefaultBaseURL
		}

		if !loginNoVerify {
			client := newClient(settings{BaseURL: cfg.Default.BaseURL, Token: token})
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			msgs, err := client.Mine(ctx)
			if err != nil {
				return fmt.Errorf("token check failed: %w", err)
			}
			logger.Debug("token verified")
			fmt.Printf("Token accepted (%d messages visible)\n", len(msgs))
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Signed in as %s", userID)
		if cfg.Auth.Operator {
			fmt.Print(" (operator)")
		}
		fmt.Println()
		if cfg.Auth.TokenExpires != "" {
			fmt.Printf("  Token expires %s\n", humanize.Time(claims.Expires))
		}
		fmt.Printf("  Saved to %s\n", path)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
