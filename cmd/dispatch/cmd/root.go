/*
   Dispatch is a frame-budgeted websocket dispatcher
   Copyright (C) 2019 Timothy Drysdale <timothy.d.drysdale@gmail.com>

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/client9/reopen"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "frame-budgeted websocket dispatcher",
	Long: `Dispatch delivers prioritised messages to websocket subscribers
in fixed-length frames, so that a busy producer cannot starve the
event loop. Run "dispatch serve" to start a server, "dispatch listen"
to watch a channel, or "dispatch publish" to send a message to one.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("log-level", "warn", "trace, debug, info, warn, error, fatal or panic")
	rootCmd.PersistentFlags().String("log-format", "json", "json or text")
	rootCmd.PersistentFlags().String("log-file", "stdout", "file to log to, or stdout")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
}

// initConfig - no config file; use ENV variables where available e.g. export DISPATCH_PORT=8091
func initConfig() {
	viper.SetEnvPrefix("DISPATCH")
	viper.AutomaticEnv() // read in environment variables that match
}

// setupLogging applies the log_* settings. The returned writer is
// reopened on SIGHUP so that log files can be rotated.
func setupLogging() (reopen.Writer, error) {

	logLevel := viper.GetString("log_level")
	logFormat := viper.GetString("log_format")
	logFile := viper.GetString("log_file")

	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("DISPATCH_LOG_LEVEL can be trace, debug, info, warn, error, fatal or panic but not %s", logLevel)
	}

	log.SetLevel(level)

	switch strings.ToLower(logFormat) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{})
	default:
		return nil, fmt.Errorf("DISPATCH_LOG_FORMAT can be json or text but not %s", logFormat)
	}

	if strings.ToLower(logFile) == "stdout" {
		log.SetOutput(reopen.Stdout)
		return reopen.Stdout, nil
	}

	w, err := reopen.NewFileWriter(logFile)
	if err != nil {
		log.SetOutput(reopen.Stderr)
		log.Infof("Failed to log to %s, logging to default stderr", logFile)
		return reopen.Stderr, nil
	}

	log.SetOutput(w)

	return w, nil
}
