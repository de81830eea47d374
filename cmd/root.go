// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/TheThingsNetwork/lora-mqtt-bridge/exchange"
	"github.com/apex/log"
	"github.com/spf13/cobra"
)

var ctx *log.Logger

// levels filters the entries of ctx; the config watcher changes its level
var levels *levelHandler

var logFile *os.File

// ExitFatal is the exit status after the bridge could not set up the broker or the radio
const ExitFatal = 2

var exitStatus int

func exitStatusFor(state exchange.State) int {
	if state == exchange.Fatal {
		return ExitFatal
	}
	return 0
}

// Execute is called by main.go. It exits with ExitFatal when the bridge was
// not operational before it was stopped.
func Execute() {
	defer func() {
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, false)
		if thePanic := recover(); thePanic != nil && ctx != nil {
			ctx.WithFields(log.Fields{
				"Command": BridgeCmd.Name(),
				"panic":   thePanic,
				"stack":   string(buf),
			}).Fatal("Stopping because of panic")
		}
	}()

	if err := BridgeCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
	if exitStatus != 0 {
		os.Exit(exitStatus)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}
