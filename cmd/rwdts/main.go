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

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/RIFTIO/RIFT.ware-sub013/conf"
	"github.com/RIFTIO/RIFT.ware-sub013/dts"
	"github.com/RIFTIO/RIFT.ware-sub013/dts/types"
	"github.com/RIFTIO/RIFT.ware-sub013/keyspec"
	"github.com/RIFTIO/RIFT.ware-sub013/metric"
	"github.com/RIFTIO/RIFT.ware-sub013/store"
	"github.com/RIFTIO/RIFT.ware-sub013/utils/log"
	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	metrics "github.com/rcrowley/go-metrics"
)

var (
	version = "unknown"

	stepSuccMeter = metrics.NewMeter()
	stepFailMeter = metrics.NewMeter()
)

var (
	configFile  string
	metricWeb   string
	metricLog   bool
	scriptFile  string
	logLevel    string
	showVersion bool
)

const name = `rwdts`
const desc = `rwdts runs a transactional data bus member with a leveldb store`

func init() {
	metrics.Register("script-step-succ", stepSuccMeter)
	metrics.Register("script-step-fail", stepFailMeter)

	flag.BoolVar(&showVersion, "version", false, "Show version information and exit")
	flag.StringVar(&configFile, "config", "", "Config file path, defaults apply when empty")
	flag.BoolVar(&metricLog, "metric-log", false, "Print script metrics in log")
	flag.StringVar(&metricWeb, "metric-web", "", "Address and port to serve bus metrics and api, keeps running when set")
	flag.StringVar(&scriptFile, "script", "", "Query script to run once in state RUN")
	flag.StringVar(&logLevel, "log-level", "", "Service log level")

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "\n%s\n\n", desc)
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [arguments]\n", name)
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	log.SetStringLevel(logLevel, log.InfoLevel)

	if showVersion {
		fmt.Printf("%v %v %v %v %v\n",
			name, version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		os.Exit(0)
	}

	var err error
	if configFile != "" {
		if conf.GConf, err = conf.LoadConfig(configFile); err != nil {
			log.WithField("config", configFile).WithError(err).Fatal("load config failed")
		}
	} else {
		conf.GConf = &conf.Config{}
	}
	if logLevel == "" && conf.GConf.LogLevel != "" {
		log.SetStringLevel(conf.GConf.LogLevel, log.InfoLevel)
	}
	log.Debugf("config:\n%#v", conf.GConf)

	var script []Step
	if scriptFile != "" {
		if script, err = LoadScript(scriptFile); err != nil {
			log.WithField("script", scriptFile).WithError(err).Fatal("load script failed")
		}
	}

	if metricLog {
		go metrics.Log(metrics.DefaultRegistry, 5*time.Second, log.StandardLogger())
	}

	var db *store.Store
	bus, err := dts.NewBus(conf.GConf.BusOptions(), func(b *dts.Bus, s types.State) {
		if err := next(b, s, &db, script); err != nil {
			log.WithField("state", s.String()).WithError(err).Fatal("bootstrap failed")
		}
	})
	if err != nil {
		log.WithError(err).Fatal("create bus failed")
	}
	defer func() {
		if db != nil {
			db.Close()
		}
	}()
	defer bus.Close()

	if metricWeb == "" {
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(metric.NewDTSCollector(bus))
	server := startAPI(bus, reg, metricWeb)
	defer stopAPI(server)
	log.WithField("addr", metricWeb).Info("serving bus api")

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	<-signalCh
	log.Info("rwdts stopped")
}

// next drives the bootstrap one state further, the bus runs it for every state entered.
func next(b *dts.Bus, s types.State, db **store.Store, script []Step) (err error) {
	switch s {
	case types.StateInit:
		if conf.GConf.StorePath != "" {
			ks := conf.GConf.StoreKeyspec
			if ks == "" {
				ks = "C,/"
			}
			var path *keyspec.Keyspec
			if path, err = keyspec.Parse(ks); err != nil {
				return
			}
			if *db, err = store.Open(conf.GConf.StorePath); err != nil {
				return
			}
			if _, err = (*db).Register(b, path, types.RegCache); err != nil {
				return
			}
			log.WithFields(log.Fields{
				"path":    conf.GConf.StorePath,
				"keyspec": path.String(),
			}).Info("store registered")
		}
		return b.SetState(types.StateRegnComplete)
	case types.StateRegnComplete:
		return b.SetState(types.StateConfig)
	case types.StateConfig:
		return b.SetState(types.StateRun)
	case types.StateRun:
		for i, step := range script {
			recs, status, err := step.Run(b)
			if err != nil {
				stepFailMeter.Mark(1)
				return err
			}
			if status == types.StatusCommitted {
				stepSuccMeter.Mark(1)
			} else {
				stepFailMeter.Mark(1)
			}
			log.WithFields(log.Fields{
				"step":   i,
				"query":  step.Keyspec,
				"status": status.String(),
			}).Info("script step done")
			if len(recs) > 0 {
				spew.Dump(recs)
			}
		}
	}
	return
}
