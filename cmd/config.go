// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment prefix that is used for configuration
const EnvPrefix = "bridge"

var cfgFile string

func initConfig() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			fmt.Println("Error when reading config file:", err)
		} else if err == nil {
			fmt.Println("Using config file:", viper.ConfigFileUsed())
			viper.WatchConfig()
			viper.OnConfigChange(onConfigChange)
		}
	}
	viper.BindEnv("debug")
}

var config = viper.GetViper()

func logLevel(v *viper.Viper) log.Level {
	if v.GetBool("debug") {
		return log.DebugLevel
	}
	return log.InfoLevel
}

// onConfigChange applies the log level of a changed config file. Other
// settings, such as the radio parameters, only apply at startup.
func onConfigChange(e fsnotify.Event) {
	if ctx == nil || levels == nil {
		return
	}
	level := logLevel(config)
	if levels.SetLevel(level) {
		ctx.WithField("File", e.Name).WithField("Level", level).Info("Changed log level")
	}
}
