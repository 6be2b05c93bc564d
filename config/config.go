/*************************************************************************
 * Copyright 2024 Hookspike Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config loads the host-side configuration for the patch core:
// how many buckets the process map should shard across, and where the
// core's own diagnostic log should go. It is deliberately small; the
// core has no persisted state, so there is nothing else to configure
// here.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultBucketCount = 64
	defaultLogLevel    = `ERROR`
)

const (
	envBucketCount = `PATCHCORE_BUCKET_COUNT`
	envLogLevel    = `PATCHCORE_LOG_LEVEL`
	envLogFile     = `PATCHCORE_LOG_FILE`
)

var (
	ErrInvalidBucketCount = errors.New("Bucket-Count must be a positive power of two")
	ErrInvalidLogLevel    = errors.New("Invalid Log Level")
	ErrUnknownPlugin      = errors.New("no config section for that plugin")
)

// HostConfig is the configuration the host process hands to patchmgr.New.
// Field names follow the gcfg convention: underscores map to
// hyphenated config keys (Bucket_Count -> "Bucket-Count").
type HostConfig struct {
	Bucket_Count int // number of buckets in the process map; 0 means use the default
	Log_Level    string
	Log_File     string // empty means log to stderr only
}

// loadDefaults fills in anything left unset, consulting the host's
// environment before applying a hardcoded default.
func (hc *HostConfig) loadDefaults() error {
	if err := envInt(&hc.Bucket_Count, envBucketCount, defaultBucketCount); err != nil {
		return err
	}
	if err := envString(&hc.Log_Level, envLogLevel, defaultLogLevel); err != nil {
		return err
	}
	return envString(&hc.Log_File, envLogFile, ``)
}

// Verify normalizes and validates the configuration, filling in defaults
// for anything left unset.
func (hc *HostConfig) Verify() error {
	if err := hc.loadDefaults(); err != nil {
		return err
	}

	if hc.Bucket_Count <= 0 || (hc.Bucket_Count&(hc.Bucket_Count-1)) != 0 {
		return ErrInvalidBucketCount
	}

	hc.Log_Level = strings.ToUpper(strings.TrimSpace(hc.Log_Level))
	switch hc.Log_Level {
	case `OFF`, `DEBUG`, `INFO`, `WARN`, `ERROR`, `CRITICAL`, `FATAL`:
	default:
		return ErrInvalidLogLevel
	}

	if hc.Log_File != `` {
		dir := filepath.Dir(hc.Log_File)
		if fi, err := os.Stat(dir); err != nil {
			if os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return err
				}
			} else {
				return err
			}
		} else if !fi.IsDir() {
			return errors.New("Log-File parent is not a directory")
		}
	}
	return nil
}

// LogLevel returns the normalized log level string.
func (hc *HostConfig) LogLevel() string {
	return hc.Log_Level
}

// LogFile returns the configured log file path, or empty for stderr.
func (hc *HostConfig) LogFile() string {
	return hc.Log_File
}

// BucketCount returns the number of buckets the process map should use.
func (hc *HostConfig) BucketCount() int {
	if hc.Bucket_Count <= 0 {
		return defaultBucketCount
	}
	return hc.Bucket_Count
}

// DefaultHostConfig returns a HostConfig with every field defaulted.
func DefaultHostConfig() HostConfig {
	hc := HostConfig{}
	_ = hc.loadDefaults()
	return hc
}

// cfgReadType is the gcfg-parsed shape of a host config file: a fixed
// [Global] section decoded directly onto HostConfig, plus any number
// of named [Plugin "name"] sections a plugin can later decode its own
// typed config out of via VariableConfig.MapTo.
type cfgReadType struct {
	Global HostConfig
	Plugin map[string]*VariableConfig
}

// LoadHostConfigBytes parses b as a gcfg file and returns the verified
// [Global] HostConfig plus the raw per-plugin sections, if any.
func LoadHostConfigBytes(b []byte) (HostConfig, map[string]*VariableConfig, error) {
	var cr cfgReadType
	if err := LoadConfigBytes(&cr, b); err != nil {
		return HostConfig{}, nil, err
	}
	if err := cr.Global.Verify(); err != nil {
		return HostConfig{}, nil, err
	}
	return cr.Global, cr.Plugin, nil
}

// LoadHostConfig reads path and decodes it the same way
// LoadHostConfigBytes does.
func LoadHostConfig(path string) (HostConfig, map[string]*VariableConfig, error) {
	var cr cfgReadType
	if err := LoadConfigFile(&cr, path); err != nil {
		return HostConfig{}, nil, err
	}
	if err := cr.Global.Verify(); err != nil {
		return HostConfig{}, nil, err
	}
	return cr.Global, cr.Plugin, nil
}

// PluginConfig decodes the named plugin's section from a map returned
// by LoadHostConfig/LoadHostConfigBytes into v, the plugin's own typed
// config struct.
func PluginConfig(plugins map[string]*VariableConfig, name string, v interface{}) error {
	vc, ok := plugins[name]
	if !ok || vc == nil {
		return ErrUnknownPlugin
	}
	return vc.MapTo(v)
}
