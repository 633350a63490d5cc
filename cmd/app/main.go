package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hubertat/servicemaker"

	"github.com/hubertat/sensorkit"
)

const defaultFlowInterval = 60

var (
	Version string
	Build   string

	config       = flag.String("config", "config.json", "path of the configuration file")
	flagInstall  = flag.Bool("install", false, "Install service in os")
	flowInterval = flag.Int("flow-interval", defaultFlowInterval, "host flow loop interval in seconds, drives follow-cadence sensors")
	statusAddr   = flag.String("status-addr", ":8011", "listen address of the status api, empty disables it")

	skService = servicemaker.ServiceMaker{
		User:               "sensorkit",
		UserGroups:         []string{"gpio", "i2c"},
		ServicePath:        "/etc/systemd/system/sensorkit.service",
		ServiceDescription: "sensorkit service: environmental sensor acquisition and publishing. github.com/hubertat/sensorkit",
		ExecDir:            "/srv/sensorkit",
		ExecName:           "sensorkit",
	}
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "sensorkit: "})
	logger.Info("started", "version", Version, "build", Build)
	flag.Parse()

	if *flagInstall {
		err := skService.InstallService()
		if err != nil {
			panic(err)
		}
		logger.Info("service installed!")
		return
	}

	manager := &sensorkit.SensorManager{}

	configFile, err := os.Open(*config)
	if err != nil {
		logger.Fatal("can't find/open config file, will terminate", "path", *config, "err", err)
	}
	cBuff, err := io.ReadAll(configFile)
	configFile.Close()
	if err != nil {
		logger.Fatal("failed reading config file", "err", err)
	}
	err = json.Unmarshal(cBuff, manager)
	if err != nil {
		logger.Fatal("failed unmarshalling json config", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = manager.ConnectSinks(ctx)
	if err != nil {
		logger.Error("sink setup failed, readings will not be published", "err", err)
	}

	logger.Info("will init sensors...")
	manager.InitSensors()
	for _, sensorErr := range manager.Errors() {
		logger.Warn("sensor failed to initialize",
			"sensor", sensorErr.Sensor, "category", sensorErr.Category, "err", sensorErr.Message)
	}

	if len(*statusAddr) > 0 {
		go func() {
			logger.Info("status api listening", "addr", *statusAddr)
			serveErr := http.ListenAndServe(*statusAddr, manager.StatusHandler())
			if serveErr != nil {
				logger.Error("status api stopped", "err", serveErr)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Duration(*flowInterval) * time.Second)
	defer ticker.Stop()

	logger.Info("flow loop running", "interval", *flowInterval)
	for {
		select {
		case <-ticker.C:
			manager.Tick(*flowInterval)
		case <-sigs:
			logger.Info("shutting down...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = manager.Shutdown(shutdownCtx)
			shutdownCancel()
			if err != nil {
				logger.Error("shutdown finished with error", "err", err)
			}
			return
		}
	}
}
