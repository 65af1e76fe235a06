// Command pnioctl runs the PROFINET IO controller against a single
// network interface, logging every device state change and sensor
// sample it sees until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mwilco03/pnio-controller/internal/logger"
	"github.com/mwilco03/pnio-controller/internal/pnio"
	"github.com/mwilco03/pnio-controller/internal/pnio/controller"
	"github.com/mwilco03/pnio-controller/internal/pnio/rpc"
)

func main() {
	iface := flag.String("iface", "", "network interface to bind (required)")
	cycleUs := flag.Int("cycle-us", 1000, "cyclic tick period in microseconds")
	gsdmlDir := flag.String("gsdml-dir", "", "GSDML cache directory (disabled if empty)")
	autoConnect := flag.Bool("auto-connect", true, "connect to every DCP-discovered device automatically")
	logLevel := flag.String("log-level", "info", "zap log level: debug, info, warn, error")
	flag.Parse()

	if *iface == "" {
		fmt.Fprintln(os.Stderr, "pnioctl: -iface is required")
		flag.Usage()
		os.Exit(2)
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = *logLevel
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "pnioctl: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := controller.DefaultConfig()
	cfg.InterfaceName = *iface
	cfg.CycleTimeUs = *cycleUs
	cfg.GSDMLCacheDir = *gsdmlDir
	cfg.AutoConnect = *autoConnect

	cb := controller.Callbacks{
		OnDeviceAdded: func(d *pnio.Device) {
			logger.WithDevice(d.StationName).Info("device discovered", zap.String("mac", d.MAC.String()), zap.Stringer("ip", d.IP))
		},
		OnDeviceRemoved: func(station string) {
			logger.WithDevice(station).Info("device removed")
		},
		OnDeviceStateChanged: func(station string, state pnio.DeviceState) {
			logger.WithDevice(station).Info("device state changed", zap.Stringer("state", state))
		},
		OnDataReceived: func(station string, sensorIndex int, sample pnio.SensorSample) {
			logger.WithDevice(station).Debug("sensor sample",
				zap.Int("sensor_index", sensorIndex),
				zap.Float32("value", sample.Value),
				zap.Uint8("quality", sample.Quality))
		},
		OnSlotsDiscovered: func(station string, slots []pnio.Slot) {
			logger.WithDevice(station).Info("slots discovered", zap.Int("count", len(slots)))
		},
		OnDiagnosisAlarm: func(station string, fault rpc.FaultInfo, action rpc.RecoveryAction) {
			logger.WithDevice(station).Warn("diagnosis alarm",
				zap.Stringer("fault", fault),
				zap.Stringer("action", action))
		},
		OnAlarmNotification: func(station string, alarm pnio.DiagnosisAlarm) {
			logger.WithDevice(station).Warn("alarm notification",
				zap.Uint16("channel", alarm.Channel),
				zap.Uint8("severity", alarm.Severity))
		},
		OnGSDMLCacheChanged: func(station string) {
			logger.WithDevice(station).Info("gsdml cache file changed, will use it on next connect")
		},
	}

	ctl, err := controller.New(cfg, cb)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pnioctl: %v\n", err)
		os.Exit(1)
	}
	ctl.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("pnioctl: shutting down")
	ctl.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for name, check := range ctl.Health(ctx) {
		logger.Info("final health", zap.String("check", name), zap.String("status", string(check.Status)))
	}
	logger.Info("final overall health", zap.String("status", string(ctl.OverallHealth(ctx))))
}
