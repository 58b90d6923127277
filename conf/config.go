/*
 * Copyright 2018 The CovenantSQL Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package conf

import (
	"io/ioutil"
	"time"

	"github.com/RIFTIO/RIFT.ware-sub013/dts"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/pkg/errors"
	validator "gopkg.in/go-playground/validator.v9"
	"gopkg.in/yaml.v2"
)

// ErrInvalidConfig represents a config value out of its limits.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all the config read from yaml config file.
type Config struct {
	// DefaultCredits is the number of records a member may push per prepare turn.
	DefaultCredits int `yaml:"DefaultCredits" validate:"min=0,max=4096"`
	// StreamWindow is the number of unconsumed records after which streaming
	// transactions stop handing out credit.
	StreamWindow int `yaml:"StreamWindow" validate:"min=0,max=65536"`
	// Workers is the dispatch pool size.
	Workers int `yaml:"Workers" validate:"min=0,max=1024"`
	// JobQueue is the dispatch queue length.
	JobQueue int `yaml:"JobQueue" validate:"min=0"`
	// CacheSize is the number of last known values kept.
	CacheSize int `yaml:"CacheSize" validate:"min=0,max=1048576"`
	// SweepTimeout bounds the commit sweep, 0 disables it.
	SweepTimeout time.Duration `yaml:"SweepTimeout" validate:"min=0"`
	// AsyncTimeout fails async prepares that never complete, 0 disables it.
	AsyncTimeout time.Duration `yaml:"AsyncTimeout" validate:"min=0"`
	// Trace every transaction.
	Trace bool `yaml:"Trace"`

	LogLevel string `yaml:"LogLevel"`
	// StorePath is the directory of the leveldb store member, empty for none.
	StorePath string `yaml:"StorePath"`
	// StoreKeyspec is the keyspec the store member publishes at.
	StoreKeyspec string `yaml:"StoreKeyspec"`
}

// GConf is the global config pointer.
var GConf *Config

// LoadConfig loads config from configPath.
func LoadConfig(configPath string) (config *Config, err error) {
	configBytes, err := ioutil.ReadFile(configPath)
	if err != nil {
		log.WithError(err).Error("read config file failed")
		return
	}
	config = &Config{}
	if err = yaml.Unmarshal(configBytes, config); err != nil {
		log.WithError(err).Error("unmarshal config file failed")
		return nil, errors.Wrap(err, "unmarshal config failed")
	}
	if err = config.Validate(); err != nil {
		return nil, err
	}
	return
}

// Validate checks the config values against their limits, zero meaning the default.
// The validate tags mirror limits.go.
func (c *Config) Validate() (err error) {
	if err = validator.New().Struct(*c); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "%v", err)
	}
	if c.LogLevel != "" {
		if _, e := log.ParseLevel(c.LogLevel); e != nil {
			err = errors.Wrapf(ErrInvalidConfig, "log level %q", c.LogLevel)
		}
	}
	return
}

// BusOptions returns the bus options of the config with defaults applied.
func (c *Config) BusOptions() *dts.Options {
	o := &dts.Options{
		DefaultCredits: c.DefaultCredits,
		StreamWindow:   c.StreamWindow,
		Workers:        c.Workers,
		JobQueue:       c.JobQueue,
		CacheSize:      c.CacheSize,
		SweepTimeout:   c.SweepTimeout,
		AsyncTimeout:   c.AsyncTimeout,
		Trace:          c.Trace,
	}
	d := dts.DefaultOptions()
	if o.DefaultCredits == 0 {
		o.DefaultCredits = d.DefaultCredits
	}
	if o.StreamWindow == 0 {
		o.StreamWindow = 4 * o.DefaultCredits
	}
	if o.Workers == 0 {
		o.Workers = d.Workers
	}
	if o.JobQueue == 0 {
		o.JobQueue = d.JobQueue
	}
	if o.CacheSize == 0 {
		o.CacheSize = d.CacheSize
	}
	return o
}
