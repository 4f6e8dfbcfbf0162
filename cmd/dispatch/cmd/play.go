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
	"fmt"
	"os"
	"os/signal"

	"github.com/jonboulle/clockwork"
	"github.com/practable/dispatch/internal/file"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// playCmd publishes a script of messages
var playCmd = &cobra.Command{
	Use:   "play <script>",
	Short: "publish a script of timed messages",
	Long: `Play publishes the messages in a script to a dispatch server, in order,
waiting as the script directs. Each line of the script is one of

# comment, not echoed
#+ comment, echoed to stdout
[delay]
[delay] channel [priority] json
channel [priority] json

where delay is a number of seconds or a duration like 1m30s, and priority
is high, normal or low (default normal). For example:

#+ pump 2 fails
[0.5] metrics low {"pump":2,"rpm":1200}
[2s] alerts high {"severity":"critical","text":"pump 2 stalled"}

export DISPATCH_CLIENT_API=http://127.0.0.1:8090
dispatch play pump-failure.play

`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetDefault("client_api", "http://127.0.0.1:8090")

		api := viper.GetString("client_api")

		if _, err := setupLogging(); err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}

		lines, err := file.LoadFile(args[0])
		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
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

		err = file.Play(ctx, clockwork.NewRealClock(), lines, file.NewHTTPPublisher(api), os.Stdout)

		if err != nil {
			fmt.Println(err.Error())
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(playCmd)
}
