package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	spidex "github.com/spidexmarket/spidex/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the effective configuration, check whether the session token has expired, and fetch live unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := loadSettings()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:      %s\n", s.BaseURL)
		if s.PollInterval > 0 {
			fmt.Printf("  Poll interval: %s\n", s.PollInterval)
		}
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Printf("  Config file:   %s\n", used)
		}

		fmt.Println()
		fmt.Println("Session:")
		fmt.Printf("  User ID:  %s\n", valueOrDefault(s.UserID, "(not signed in)"))
		if s.Operator {
			fmt.Println("  Role:     operator")
		}

		// Check token expiry.
		tokenStatus := "none"
		if s.Token != "" {
			expires := time.Time{}
			if raw := viper.GetString("auth.token_expires"); raw != "" {
				if t, err := time.Parse(time.RFC3339, raw); err == nil {
					expires = t
				}
			}
			if expires.IsZero() {
				if claims, err := parseTokenClaims(s.Token); err == nil {
					expires = claims.Expires
				}
			}
			switch {
			case expires.IsZero():
				tokenStatus = "present (no expiry)"
			case time.Now().Before(expires):
				tokenStatus = fmt.Sprintf("valid (expires %s)", humanize.Time(expires))
			default:
				tokenStatus = fmt.Sprintf("EXPIRED (%s)", humanize.Time(expires))
			}
		}
		fmt.Printf("  Token:    %s\n", tokenStatus)

		if s.Token == "" || s.UserID == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		session, client, err := requireSession()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		inbox := spidex.NewInbox(client, session, &spidex.InboxOptions{Logger: logger})
		if err := inbox.Refresh(ctx); err != nil {
			fmt.Printf("  Error fetching messages: %v\n", err)
			return nil
		}
		convs := inbox.Conversations()
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", inbox.TotalUnread())
		if len(convs) > 0 && convs[0].LastMessage != nil {
			fmt.Printf("  Last activity: %s\n", humanize.Time(convs[0].LastMessage.CreatedAt))
		}
		return nil
	},
}
