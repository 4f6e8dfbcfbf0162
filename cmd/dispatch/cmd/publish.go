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
	"io"
	"os"
	"time"

	"github.com/practable/dispatch/internal/file"
	"github.com/practable/dispatch/internal/queue"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// publishCmd queues one message on a server
var publishCmd = &cobra.Command{
	Use:   "publish <channel> [message]",
	Short: "queue a message for a channel's subscribers",
	Long: `Publish sends a JSON message to a dispatch server, which delivers it to
the channel's subscribers in its next frame. If no message is given it is
read from stdin. For example:

export DISPATCH_CLIENT_API=http://127.0.0.1:8090
dispatch publish alerts '{"severity":"critical","text":"pump 2 stalled"}' --priority high

`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetDefault("client_api", "http://127.0.0.1:8090")
		viper.SetDefault("client_priority", "normal")

		api := viper.GetString("client_api")
		priority := viper.GetString("client_priority")

		channel := args[0]

		var body []byte

		if len(args) == 2 {
			body = []byte(args[1])
		} else {
			var err error
			body, err = io.ReadAll(os.Stdin)
			if err != nil {
				fmt.Println("cannot read message from stdin: " + err.Error())
				os.Exit(1)
			}
		}

		p, err := queue.ParsePriority(priority)
		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		if !json.Valid(body) {
			fmt.Println("message is not valid JSON")
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := file.NewHTTPPublisher(api).Publish(ctx, channel, p, body); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		fmt.Printf("queued on %s with %s priority\n", channel, p)
	},
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("api", "http://127.0.0.1:8090", "HTTP address of the dispatch server")
	publishCmd.Flags().String("priority", "normal", "high, normal or low")

	viper.BindPFlag("client_api", publishCmd.Flags().Lookup("api"))
	viper.BindPFlag("client_priority", publishCmd.Flags().Lookup("priority"))
}
