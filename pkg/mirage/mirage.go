// Package mirage provides a client-side controller that keeps a fleet of
// zone and player entities synchronized with an Autonomic-style media
// appliance over its persistent text/XML push protocol.
package mirage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mirage-av/mirage/pkg/mirage/util"
	"go.uber.org/zap"
)

// Mirage is the main entity managing all subcomponents
type Mirage struct {
	logger     *zap.SugaredLogger
	notifier   Notifier
	configMan  *ConfigManager
	controller *Controller

	stopChannel chan bool
	version     string
	verbose     bool
}

func NewMirage(logger *zap.SugaredLogger, verbose bool) (*Mirage, error) {
	logger = logger.Named("mirage")

	notifier, err := NewLogNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create notifier", "error", err)
		return nil, fmt.Errorf("create new notifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := &Mirage{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	logger.Debug("Created mirage instance")

	return d, nil
}

func (d *Mirage) currConf() *Config {
	return &d.configMan.current
}

// Controller exposes the appliance session to consumers
func (d *Mirage) Controller() *Controller {
	return d.controller
}

// Initialize sets up components and starts to run in the background
func (d *Mirage) Initialize() error {
	d.logger.Debug("Initializing")

	// load the config for the first time
	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	d.controller = NewController(d.logger, d.configMan.settings())

	// probe the appliance before any control connection is opened
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.controller.CheckConnection(ctx); err != nil {
		d.logger.Errorw("Failed to probe appliance", "error", err)
		d.notifier.Notify("Can't reach appliance!",
			fmt.Sprintf("Please make sure %s is reachable and supported.", d.currConf().Host))

		return fmt.Errorf("probe appliance during init: %w", err)
	}

	d.registerEntities()

	// the group-volume toggle is the one tunable that may change at runtime
	configReloadedChannel := d.configMan.SubscribeToChanges()
	go func() {
		for range configReloadedChannel {
			d.controller.SetGroupVolumes(d.currConf().GroupVolumes)
		}
	}()

	d.setupInterruptHandler()
	d.run()

	return nil
}

// registerEntities creates one placeholder per probed zone or instance
func (d *Mirage) registerEntities() {
	if d.controller.Mode() == ModeMultiRoomAmp {
		for _, index := range d.controller.ZoneIndices() {
			d.controller.AddZone(fmt.Sprintf("%d", index))
		}
	} else {
		for _, name := range d.controller.Instances() {
			d.controller.AddZone(name)
		}
	}
}

// SetVersion causes mirage to log a version string if called before Initialize
func (d *Mirage) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether mirage is running in verbose mode
func (d *Mirage) Verbose() bool {
	return d.verbose
}

func (d *Mirage) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Mirage) run() {
	d.logger.Info("Run loop starting")

	if d.version != "" {
		d.logger.Infow("Running", "version", d.version)
	}

	defer d.recoverFromPanic()

	go d.configMan.WatchConfigFileChanges()

	if err := d.controller.Connect(); err != nil {
		d.logger.Warnw("Failed to initiate appliance connection", "error", err)
	}

	go d.pingLoop()

	// wait until gracefully stopped
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop mirage", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

// pingLoop keeps every session socket honest
func (d *Mirage) pingLoop() {
	interval := time.Duration(d.currConf().PingIntervalSeconds) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		d.controller.CheckPing()
	}
}

func (d *Mirage) signalStop() {
	d.logger.Debug("Signalling stop channel")
	d.stopChannel <- true
}

func (d *Mirage) stop() error {
	d.logger.Info("Stopping")

	d.configMan.StopWatchingConfigFile()

	if err := d.controller.Disconnect(); err != nil {
		d.logger.Warnw("Failed to disconnect from appliance", "error", err)
		return fmt.Errorf("disconnect from appliance: %w", err)
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return nil
}
