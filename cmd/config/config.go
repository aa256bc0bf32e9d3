/*
Copyright © 2022 - 2025 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rancher/elemental-loader/pkg/config"
	"github.com/rancher/elemental-loader/pkg/constants"
	eleErr "github.com/rancher/elemental-loader/pkg/error"
	"github.com/rancher/elemental-loader/pkg/types"
)

// configKeys are the settings that can be overridden from the environment,
// e.g. memory.heap-size is read from ELEMENTAL_LOADER_MEMORY_HEAP_SIZE
var configKeys = []string{
	"firmware",
	"halt-action",
	"memory.heap-size",
	"memory.exit-retry-warn",
	"kernel.image-size",
	"kernel.stack-size",
	"kernel.entry-offset",
	"discovery.strategies",
}

// flagKeys maps command flags to the setting they override
var flagKeys = map[string]string{
	"firmware":    "firmware",
	"halt-action": "halt-action",
	"heap-size":   "memory.heap-size",
	"strategy":    "discovery.strategies",
}

func setupLogger(cfg *types.Config) {
	debug := viper.GetBool("debug")
	if debug {
		cfg.Logger.SetLevel(types.DebugLevel())
	}

	// Same format for the console and the logfile
	cfg.Logger.SetFormatter(types.ConsoleFormatter(debug))

	// Logfile
	logfile := viper.GetString("logfile")
	if logfile != "" {
		o, err := cfg.Fs.OpenFile(logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fs.ModePerm)
		if err != nil {
			cfg.Logger.Errorf("Could not open %s for logging to file: %s", logfile, err.Error())
		}

		if viper.GetBool("quiet") && err == nil { // if quiet is set, only set the log to the file
			cfg.Logger.SetOutput(o)
		} else if err == nil { // else set it to both stdout and the file
			mw := io.MultiWriter(os.Stdout, o)
			cfg.Logger.SetOutput(mw)
		}
	} else { // no logfile
		if viper.GetBool("quiet") { // quiet is enabled so discard all logging
			cfg.Logger.SetOutput(io.Discard)
		} else { // default to stdout
			cfg.Logger.SetOutput(os.Stdout)
		}
	}
}

// bindGivenFlags binds the known flags the user actually set, so unset
// flags never shadow config file values with their defaults
func bindGivenFlags(flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func zeroFields(c *mapstructure.DecoderConfig) {
	c.ZeroFields = true
}

// ReadConfig loads the loader configuration from configDir/config.yaml,
// configDir/config.d/*, the optional env file, ELEMENTAL_LOADER_* variables
// and the given flags, in increasing order of precedence.
func ReadConfig(configDir string, flags *pflag.FlagSet) (*types.Config, error) {
	cfg := config.NewConfig(
		config.WithLogger(types.NewLogger()),
	)
	if cfg == nil {
		return nil, eleErr.New("could not initialize the default configuration", eleErr.ReadConfig)
	}
	setupLogger(cfg)

	if configDir == "" {
		configDir = constants.ConfigDir
	}

	viper.AddConfigPath(configDir)
	viper.SetConfigType("yaml")
	viper.SetConfigName(constants.ConfigFile)
	// If a config file is found, read it in.
	if err := viper.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eleErr.Wrapf(err, eleErr.ReadConfig, "reading %s", constants.ConfigFile)
		}
		cfg.Logger.Debugf("No %s found in %s", constants.ConfigFile, configDir)
	}

	// Load extra config files on configdir/config.d/ so we can override config values
	cfgExtra := fmt.Sprintf("%s/config.d/", strings.TrimSuffix(configDir, "/"))
	if _, err := os.Stat(cfgExtra); err == nil {
		err = filepath.WalkDir(cfgExtra, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(d.Name()) == ".yaml" {
				cfg.Logger.Debugf("Merging config file %s", path)
				viper.SetConfigFile(path)
				return viper.MergeInConfig()
			}
			return nil
		})
		if err != nil {
			return nil, eleErr.Wrapf(err, eleErr.ReadConfig, "reading %s", cfgExtra)
		}
	}

	envFile := viper.GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, eleErr.Wrapf(err, eleErr.ReadConfig, "loading env file %s", envFile)
		}
		cfg.Logger.Debugf("Loaded environment from %s", envFile)
	}

	// Set the prefix for vars so we get only the ones starting with ELEMENTAL_LOADER
	viper.SetEnvPrefix(constants.EnvPrefix)

	// Nested keys are only matched once bound, so bind every known key
	replacer := strings.NewReplacer("-", "_", ".", "_")
	viper.SetEnvKeyReplacer(replacer)
	for _, key := range configKeys {
		_ = viper.BindEnv(key)
	}
	viper.AutomaticEnv() // read in environment variables that match

	if err := bindGivenFlags(flags); err != nil {
		return nil, eleErr.Wrapf(err, eleErr.ReadConfig, "binding flags")
	}

	// unmarshal all the vars into the config object
	err := viper.Unmarshal(cfg, zeroFields, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		types.SizeDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, eleErr.Wrapf(err, eleErr.ReadConfig, "decoding configuration")
	}

	if err = cfg.Sanitize(); err != nil {
		return nil, eleErr.Wrapf(err, eleErr.ReadConfig, "invalid configuration")
	}
	cfg.Logger.Debugf("Loaded config: memory %+v, kernel %+v, strategies %v", cfg.Memory, cfg.Kernel, cfg.Discovery.Strategies)
	return cfg, nil
}
