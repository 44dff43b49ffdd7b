// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"
)

var (
	debug    bool
	logLevel slog.LevelVar
)

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "securenetdisk",
	Short: "End-to-end encrypted network disk server",
	Long: `Server implementation of the secure network disk protocol: a
	custom TLS-like authenticated transport carrying a key-hierarchy
	and request pipeline that keeps the server a zero-knowledge
	intermediary between clients.
`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().Bool("debug", false, "Print debug contents")
	rootCmd.PersistentFlags().String("config", "", "Pathname of the configuration file")
}

// Initialize configuration flags from viper's configuration. Enforce
// required flags are present. This function is called by the
// subcommands after the viper flags are bound and the configuration
// file is loaded.
func rootCmdLoadConfig(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	if configFilePath != "" {
		slog.Debug("loading configuration file", "path", configFilePath)
		viper.SetConfigFile(configFilePath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("configuration file read failed: %w", err)
		}
	}

	debug = viper.GetBool("debug")
	if debug {
		logLevel.Set(slog.LevelDebug)
	}
	return nil
}

const minDBPassLength = 12

// validateDBPassword checks the strength of a Postgres/SQLite DSN
// secret, applied whenever the DSN embeds credentials worth
// strength-checking.
func validateDBPassword(secret string) error {
	if secret == "" {
		return nil
	}
	if len(secret) < minDBPassLength {
		return fmt.Errorf("database secret must be at least %d characters long", minDBPassLength)
	}

	hasNumber := regexp.MustCompile(`[0-9]`).MatchString
	hasUpper := regexp.MustCompile(`[A-Z]`).MatchString
	hasSpecial := regexp.MustCompile(`[!@#~$%^&*()_+{}:"<>?]`).MatchString

	if !hasNumber(secret) || !hasUpper(secret) || !hasSpecial(secret) {
		return errors.New("database secret must include a number, an uppercase letter, and a special character")
	}
	return nil
}
