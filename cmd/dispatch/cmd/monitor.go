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
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/practable/dispatch/internal/monitor"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// monitorCmd watches delivery latency through a server
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "run a command when delivery latency is too high",
	Long: `Monitor publishes a probe message to a dispatch server on every interval,
receives it back as a subscriber, and runs a command if the latency exceeds a
threshold, or the probe never arrives, too many times in a row. Set parameters
with environment variables, for example:

export DISPATCH_MONITOR_API=http://127.0.0.1:8090
export DISPATCH_MONITOR_URL=ws://127.0.0.1:8090/ws
export DISPATCH_MONITOR_CHANNEL=monitor
export DISPATCH_MONITOR_COMMAND="systemctl restart dispatch"
export DISPATCH_MONITOR_INTERVAL=1s
export DISPATCH_MONITOR_LATENCY_THRESHOLD=100ms
export DISPATCH_MONITOR_NO_RETRIGGER_WITHIN=5m
export DISPATCH_MONITOR_RECONNECT_EVERY=1h
export DISPATCH_MONITOR_TRIGGER_AFTER_MISSES=3
dispatch monitor

`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetDefault("monitor_api", "http://127.0.0.1:8090")
		viper.SetDefault("monitor_url", "ws://127.0.0.1:8090/ws")
		viper.SetDefault("monitor_channel", "monitor")
		viper.SetDefault("monitor_interval", "1s")
		viper.SetDefault("monitor_latency_threshold", "100ms")
		viper.SetDefault("monitor_no_retrigger_within", "5m")
		viper.SetDefault("monitor_reconnect_every", "1h")
		viper.SetDefault("monitor_trigger_after_misses", 3)

		command := viper.GetString("monitor_command")

		if command == "" {
			fmt.Println("You must set DISPATCH_MONITOR_COMMAND")
			os.Exit(1)
		}

		durations := map[string]time.Duration{}

		for _, key := range []string{"monitor_interval", "monitor_latency_threshold", "monitor_no_retrigger_within", "monitor_reconnect_every"} {
			s := viper.GetString(key)
			d, err := time.ParseDuration(s)
			if err != nil {
				fmt.Printf("cannot parse duration in DISPATCH_%s=%s\n", strings.ToUpper(key), s)
				os.Exit(1)
			}
			durations[key] = d
		}

		if _, err := setupLogging(); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		config := monitor.Config{
			API:                viper.GetString("monitor_api"),
			URL:                viper.GetString("monitor_url"),
			Channel:            viper.GetString("monitor_channel"),
			Command:            command,
			Interval:           durations["monitor_interval"],
			LatencyThreshold:   durations["monitor_latency_threshold"],
			NoRetriggerWithin:  durations["monitor_no_retrigger_within"],
			ReconnectEvery:     durations["monitor_reconnect_every"],
			TriggerAfterMisses: viper.GetInt("monitor_trigger_after_misses"),
		}

		log.Infof("Monitoring %s via channel %s every %s", config.URL, config.Channel, config.Interval)

		var wg sync.WaitGroup

		closed := make(chan struct{})

		c := make(chan os.Signal, 1)

		signal.Notify(c, os.Interrupt)

		go func() {
			<-c
			close(closed)
		}()

		wg.Add(1)

		go monitor.Monitor(closed, &wg, config)

		wg.Wait()
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
