// Package cmn provides common low-level types and constants shared by the
// strata core.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package cmn

import (
	"os"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Flat registry of typed configuration options. Every option has a typed
// default and can be overridden, in increasing precedence, by a config
// file, an environment variable (STRATA_<NAME> with '_' for '-'), and a
// command-line flag (--name=value, --name value, or a single-letter short
// form). Unknown flags are collected and passed through for other
// subsystems.

type optType int

const (
	optBool optType = iota
	optInt
	optInt64
	optFloat
	optDuration
	optStr
	optAddr
)

type option struct {
	typ   optType
	short byte // 0 if none
	val   string
}

type Config struct {
	opts map[string]*option
	// flags not recognized by the registry, preserved in order
	Passthrough []string
}

const envPrefix = "STRATA_"

// Options cited by the core. All durations accept Go duration syntax.
const (
	ConfHeartbeatInterval  = "heartbeat-interval"
	ConfPaxosProposeIvl    = "paxos-propose-interval"
	ConfDownOutInterval    = "down-out-interval"
	ConfSessionTTL         = "session-ttl"
	ConfMountTimeout       = "mount-timeout"
	ConfClientCacheSize    = "client-cache-size"
	ConfRecoveryChunk      = "recovery-chunk-size"
	ConfReplicaCount       = "replica-count"
	ConfMonAddr            = "mon-addr"
	ConfStorePath          = "store-path"
	ConfLogDir             = "log-dir"
)

func NewConfig() *Config {
	c := &Config{opts: make(map[string]*option, 16)}
	c.def(ConfHeartbeatInterval, optDuration, 0, "5s")
	c.def(ConfPaxosProposeIvl, optDuration, 0, "1s")
	c.def(ConfDownOutInterval, optDuration, 0, "5m")
	c.def(ConfSessionTTL, optDuration, 0, "60s")
	c.def(ConfMountTimeout, optDuration, 0, "30s")
	c.def(ConfClientCacheSize, optInt64, 'c', "16384")
	c.def(ConfRecoveryChunk, optInt64, 0, "1048576")
	c.def(ConfReplicaCount, optInt, 'r', "2")
	c.def(ConfMonAddr, optAddr, 'm', "")
	c.def(ConfStorePath, optStr, 0, "")
	c.def(ConfLogDir, optStr, 0, "")
	return c
}

func (c *Config) def(name string, typ optType, short byte, dflt string) {
	c.opts[name] = &option{typ: typ, short: short, val: dflt}
}

// Set assigns a raw value, validating it against the option's type.
func (c *Config) Set(name, val string) error {
	o, ok := c.opts[name]
	if !ok {
		return errors.Wrapf(ErrNotFound, "config option %q", name)
	}
	switch o.typ {
	case optBool:
		if _, err := strconv.ParseBool(val); err != nil {
			return errors.Wrapf(err, "option %q", name)
		}
	case optInt, optInt64:
		if _, err := strconv.ParseInt(val, 10, 64); err != nil {
			return errors.Wrapf(err, "option %q", name)
		}
	case optFloat:
		if _, err := strconv.ParseFloat(val, 64); err != nil {
			return errors.Wrapf(err, "option %q", name)
		}
	case optDuration:
		if _, err := time.ParseDuration(val); err != nil {
			return errors.Wrapf(err, "option %q", name)
		}
	case optAddr:
		if val != "" {
			if _, err := ParseAddr(val); err != nil {
				return err
			}
		}
	}
	o.val = val
	return nil
}

func (c *Config) Bool(name string) bool {
	v, _ := strconv.ParseBool(c.opts[name].val)
	return v
}

func (c *Config) Int(name string) int {
	v, _ := strconv.Atoi(c.opts[name].val)
	return v
}

func (c *Config) Int64(name string) int64 {
	v, _ := strconv.ParseInt(c.opts[name].val, 10, 64)
	return v
}

func (c *Config) Duration(name string) time.Duration {
	v, _ := time.ParseDuration(c.opts[name].val)
	return v
}

func (c *Config) Str(name string) string { return c.opts[name].val }

func (c *Config) Addr(name string) (EntityAddr, error) {
	return ParseAddr(c.opts[name].val)
}

// LoadEnv applies STRATA_* environment overrides; malformed values are
// ignored in favor of the existing setting.
func (c *Config) LoadEnv() {
	for name := range c.opts {
		env := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if v, ok := os.LookupEnv(env); ok {
			_ = c.Set(name, v)
		}
	}
}

// ParseArgs applies command-line overrides. Recognized forms:
// --name=value, --name value, -X value (short form). Unrecognized flags go
// to c.Passthrough untouched.
func (c *Config) ParseArgs(args []string) error {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var name, val string
		var hasVal bool
		switch {
		case strings.HasPrefix(arg, "--"):
			name = arg[2:]
			if j := strings.IndexByte(name, '='); j >= 0 {
				name, val, hasVal = name[:j], name[j+1:], true
			}
		case len(arg) == 2 && arg[0] == '-':
			name = c.byShort(arg[1])
			if name == "" {
				c.Passthrough = append(c.Passthrough, arg)
				continue
			}
		default:
			c.Passthrough = append(c.Passthrough, arg)
			continue
		}
		o, ok := c.opts[name]
		if !ok {
			c.Passthrough = append(c.Passthrough, arg)
			continue
		}
		if !hasVal {
			if o.typ == optBool {
				val = "true"
			} else {
				if i+1 >= len(args) {
					return errors.Errorf("flag --%s: missing value", name)
				}
				i++
				val = args[i]
			}
		}
		if err := c.Set(name, val); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) byShort(b byte) string {
	for name, o := range c.opts {
		if o.short == b {
			return name
		}
	}
	return ""
}

// LoadFile / SaveFile serialize the current overrides as flat JSON.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var kv map[string]string
	if err := jsoniter.Unmarshal(b, &kv); err != nil {
		return errors.Wrap(ErrBadEncoding, err.Error())
	}
	for k, v := range kv {
		if err := c.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) SaveFile(path string) error {
	kv := make(map[string]string, len(c.opts))
	for k, o := range c.opts {
		kv[k] = o.val
	}
	b, err := jsoniter.MarshalIndent(kv, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
