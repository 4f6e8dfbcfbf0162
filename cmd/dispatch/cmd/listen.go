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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/practable/dispatch/internal/reconws"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// listenCmd subscribes to channels and prints what arrives
var listenCmd = &cobra.Command{
	Use:   "listen <channel> [channel...]",
	Short: "print messages delivered on channels",
	Long: `Listen connects to a dispatch server, subscribes to the given channels
and prints every message it receives, one per line. The connection is
re-established, with its subscriptions, if it drops. For example:

export DISPATCH_CLIENT_URL=ws://127.0.0.1:8090/ws
dispatch listen alerts --filter '{"severity":["critical","warning"]}'

`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetDefault("client_url", "ws://127.0.0.1:8090/ws")

		url := viper.GetString("client_url")
		filterStr := viper.GetString("client_filter")

		if _, err := setupLogging(); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		var filter map[string]any

		if filterStr != "" {
			if err := json.Unmarshal([]byte(filterStr), &filter); err != nil {
				fmt.Println("cannot parse filter: " + err.Error())
				os.Exit(1)
			}
		}

		r := reconws.New()

		for _, channel := range args {
			if err := r.Subscribe(channel, filter); err != nil {
				fmt.Println(err.Error())
				os.Exit(1)
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)

		go func() {
			<-c
			log.Infof("Stopping normally due to Ctrl-C or SIGINT")
			cancel()
		}()

		go r.Reconnect(ctx, url)

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-r.In:
				fmt.Printf("%s %s\n", time.Now().Format(time.RFC3339Nano), string(msg.Data))
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)

	listenCmd.Flags().String("url", "ws://127.0.0.1:8090/ws", "websocket address of the dispatch server")
	listenCmd.Flags().String("filter", "", "JSON object mapping message fields to accepted values")

	viper.BindPFlag("client_url", listenCmd.Flags().Lookup("url"))
	viper.BindPFlag("client_filter", listenCmd.Flags().Lookup("filter"))
}
