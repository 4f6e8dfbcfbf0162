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
	"net/http"
	_ "net/http/pprof" //ok in production https://medium.com/google-cloud/continuous-profiling-of-go-programs-96d4416af77b
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/practable/dispatch/internal/crossbar"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// serveCmd runs a dispatch server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve websocket subscribers",
	Long: `Serve accepts websocket subscribers and delivers messages queued by
producers in frames of fixed length. Set parameters with flags or environment
variables, for example:

export DISPATCH_HOST=0.0.0.0
export DISPATCH_PORT=8090
export DISPATCH_PATH=/ws
export DISPATCH_MAX_CONNECTIONS=1000
export DISPATCH_FRAME_BUDGET_MS=16.67
export DISPATCH_MAX_MESSAGE_SIZE=65536
export DISPATCH_HEARTBEAT_INTERVAL=30s
export DISPATCH_HEARTBEAT_INTERVAL_MS=30000
export DISPATCH_MAX_MESSAGES_PER_SECOND=100
export DISPATCH_QUEUE_DEPTH=10000
export DISPATCH_SEND_BUFFER=256
export DISPATCH_MAX_SUBSCRIPTIONS=64
export DISPATCH_FLUSH_ON_SHUTDOWN=true
export DISPATCH_WRITE_WAIT=10s
export DISPATCH_LOG_LEVEL=warn
export DISPATCH_LOG_FORMAT=json
export DISPATCH_LOG_FILE=/var/log/dispatch/dispatch.log
export DISPATCH_PROFILE=true
export DISPATCH_PORT_PROFILE=6061
dispatch serve

Notes:
DISPATCH_QUEUE_DEPTH=0 removes the limit on queued messages
DISPATCH_HEARTBEAT_INTERVAL_MS, when set, takes precedence over DISPATCH_HEARTBEAT_INTERVAL
Send SIGHUP after rotating DISPATCH_LOG_FILE

`,
	Run: func(cmd *cobra.Command, args []string) {

		defaults := crossbar.NewDefaultConfig()

		viper.SetDefault("host", defaults.Host)
		viper.SetDefault("port", defaults.Port)
		viper.SetDefault("path", defaults.Path)
		viper.SetDefault("max_connections", defaults.MaxConnections)
		viper.SetDefault("frame_budget_ms", 16.67)
		viper.SetDefault("max_message_size", defaults.MaxMessageSize)
		viper.SetDefault("heartbeat_interval", defaults.HeartbeatInterval.String())
		viper.SetDefault("max_messages_per_second", defaults.MaxMessagesPerSecond)
		viper.SetDefault("queue_depth", defaults.QueueDepth)
		viper.SetDefault("send_buffer", defaults.SendBuffer)
		viper.SetDefault("max_subscriptions", defaults.MaxSubscriptions)
		viper.SetDefault("flush_on_shutdown", defaults.FlushOnShutdown)
		viper.SetDefault("write_wait", defaults.WriteWait.String())
		viper.SetDefault("profile", false)
		viper.SetDefault("port_profile", 6061)

		host := viper.GetString("host")
		port := viper.GetInt("port")
		path := viper.GetString("path")
		maxConnections := viper.GetInt("max_connections")
		frameBudgetMs := viper.GetFloat64("frame_budget_ms")
		maxMessageSize := viper.GetInt64("max_message_size")
		maxMessagesPerSecond := viper.GetInt("max_messages_per_second")
		queueDepth := viper.GetInt("queue_depth")
		sendBuffer := viper.GetInt("send_buffer")
		maxSubscriptions := viper.GetInt("max_subscriptions")
		flushOnShutdown := viper.GetBool("flush_on_shutdown")
		writeWaitStr := viper.GetString("write_wait")
		profile := viper.GetBool("profile")
		portProfile := viper.GetInt("port_profile")

		// parse durations

		heartbeat, err := heartbeatInterval()
		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		writeWait, err := time.ParseDuration(writeWaitStr)
		if err != nil {
			fmt.Println("cannot parse duration in DISPATCH_WRITE_WAIT=" + writeWaitStr)
			os.Exit(1)
		}

		logWriter, err := setupLogging()
		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		config := crossbar.NewDefaultConfig().
			WithHost(host).
			WithPort(port).
			WithMaxConnections(maxConnections).
			WithFrameBudget(crossbar.MillisecondsToDuration(frameBudgetMs)).
			WithMaxMessageSize(maxMessageSize).
			WithHeartbeatInterval(heartbeat).
			WithMaxMessagesPerSecond(maxMessagesPerSecond).
			WithQueueDepth(queueDepth).
			WithSendBuffer(sendBuffer).
			WithMaxSubscriptions(maxSubscriptions).
			WithFlushOnShutdown(flushOnShutdown).
			WithPath(path).
			WithWriteWait(writeWait)

		if err := config.Validate(); err != nil {
			fmt.Println("invalid configuration: " + err.Error())
			os.Exit(1)
		}

		// Report useful info
		log.Infof("dispatch version: %s", versionString())
		log.Infof("Listening on: [%s%s]", config.Addr(), config.Path)
		log.Infof("Max connections: [%d]", config.MaxConnections)
		log.Infof("Frame budget: [%s]", config.FrameBudget)
		log.Infof("Max message size: [%d]", config.MaxMessageSize)
		log.Infof("Heartbeat interval: [%s]", config.HeartbeatInterval)
		log.Infof("Max messages per second: [%d]", config.MaxMessagesPerSecond)
		log.Infof("Queue depth: [%d]", config.QueueDepth)
		log.Infof("Send buffer: [%d]", config.SendBuffer)
		log.Infof("Max subscriptions: [%d]", config.MaxSubscriptions)
		log.Infof("Flush on shutdown: [%t]", config.FlushOnShutdown)
		log.Infof("Write wait: [%s]", config.WriteWait)
		log.Infof("Profiling is on: [%t]", profile)

		// Optionally start the profiling server
		if profile {
			go func() {
				url := "localhost:" + strconv.Itoa(portProfile)
				err := http.ListenAndServe(url, nil)
				if err != nil {
					log.Errorf("%s", err.Error())
				}
			}()
		}

		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)

		go func() {
			for range sighup {
				if err := logWriter.Reopen(); err != nil {
					fmt.Println("could not reopen log file: " + err.Error())
				}
			}
		}()

		var wg sync.WaitGroup

		closed := make(chan struct{})

		c := make(chan os.Signal, 1)

		signal.Notify(c, os.Interrupt, syscall.SIGTERM)

		go func() {
			<-c
			log.Infof("Stopping due to Ctrl-C or SIGTERM")
			close(closed)
		}()

		wg.Add(1)

		go crossbar.Crossbar(*config, closed, &wg)

		wg.Wait()

	},
}

// heartbeatInterval reads heartbeat_interval_ms if it is set, and the
// duration string heartbeat_interval otherwise
func heartbeatInterval() (time.Duration, error) {

	if viper.IsSet("heartbeat_interval_ms") {
		ms := viper.GetFloat64("heartbeat_interval_ms")
		if ms <= 0 {
			return 0, fmt.Errorf("DISPATCH_HEARTBEAT_INTERVAL_MS must be positive, not %s", viper.GetString("heartbeat_interval_ms"))
		}
		return crossbar.MillisecondsToDuration(ms), nil
	}

	s := viper.GetString("heartbeat_interval")

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("cannot parse duration in DISPATCH_HEARTBEAT_INTERVAL=%s", s)
	}

	return d, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "127.0.0.1", "interface to listen on")
	serveCmd.Flags().Int("port", 8090, "port to listen on")

	viper.BindPFlag("host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}
