// Package main implements prefsctl, a command-line client for the preference API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swiftnotes/api/internal/client"
	"swiftnotes/api/internal/logging"
	"swiftnotes/api/internal/preferences"
	"swiftnotes/api/internal/prefsync"
)

var (
	serverURL string
	token     string
	timeout   time.Duration
	logLevel  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "prefsctl",
	Short:        "Read and change your preferences",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8787", "preference API URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("SWIFTNOTES_TOKEN"), "bearer token (defaults to $SWIFTNOTES_TOKEN)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "request timeout")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")

	watchCmd.Flags().Duration("interval", 30*time.Second, "poll interval")

	rootCmd.AddCommand(profileCmd, getCmd, setCmd, watchCmd)
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show your profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, err := newClient().GetProfile(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"id":          profile.ID,
			"email":       profile.Email,
			"displayName": profile.DisplayName,
			"preferences": preferences.Resolve(profile.Preferences),
			"createdAt":   profile.CreatedAt,
			"updatedAt":   profile.UpdatedAt,
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Show your preferences, or a single key",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := newClient().FetchPreferences(cmd.Context())
		if err != nil {
			return err
		}
		resolved := preferences.Resolve(doc)
		if len(args) == 1 {
			value, ok := resolved[args[0]]
			if !ok {
				return fmt.Errorf("preference %q is not set", args[0])
			}
			return printJSON(cmd.OutOrStdout(), value)
		}
		return printJSON(cmd.OutOrStdout(), resolved)
	},
}

var setCmd = &cobra.Command{
	Use:   "set key=value [key=value...]",
	Short: "Change one or more preferences",
	Example: `  prefsctl set defaultToneLevel=70
  prefsctl set defaultDetailLevel=brief weeklyReports=true`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := logging.New(logLevel, "console")
		if err != nil {
			return err
		}
		controller := prefsync.NewController(newClient(), logger)
		if err := controller.Load(cmd.Context()); err != nil {
			return err
		}
		for _, arg := range args {
			key, value, err := parseAssignment(arg)
			if err != nil {
				return err
			}
			if err := controller.Edit(key, value); err != nil {
				return err
			}
		}
		if err := controller.Save(cmd.Context()); err != nil {
			if client.IsRetryable(err) {
				return fmt.Errorf("save failed, try again: %w", err)
			}
			return err
		}
		return printJSON(cmd.OutOrStdout(), controller.Displayed())
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the server and print the preferences whenever they change",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		logger, err := logging.New(logLevel, "console")
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return watch(ctx, prefsync.NewController(newClient(), logger), interval, cmd.OutOrStdout(), logger)
	},
}

// watch reloads every interval and prints the confirmed server document
// each time it differs from the last one printed.
func watch(ctx context.Context, controller *prefsync.Controller, interval time.Duration, out io.Writer, logger *zap.Logger) error {
	var last preferences.Document
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := controller.Load(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("refresh failed", zap.Error(err), zap.Bool("retryable", client.IsRetryable(err)))
		} else if confirmed, ok := controller.Cache().LastConfirmed(); ok {
			resolved := preferences.Resolve(confirmed)
			if last == nil || !reflect.DeepEqual(last, resolved) {
				if err := printJSON(out, resolved); err != nil {
					return err
				}
				last = resolved
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func newClient() *client.Client {
	return client.New(serverURL, token, timeout)
}

// parseAssignment splits key=value. The value is read as JSON when it parses
// (numbers, booleans, quoted strings) and as a bare string otherwise.
func parseAssignment(arg string) (string, any, error) {
	key, raw, ok := strings.Cut(arg, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, fmt.Errorf("expected key=value, got %q", arg)
	}
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil || decoder.More() {
		return key, raw, nil
	}
	return key, value, nil
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
