package mirage

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mirage-av/mirage/pkg/mirage/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper

	current Config
}

type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	HTTPPort int    `mapstructure:"http_port"`

	// playback-position throttle: past the threshold, only positions that
	// land on a tick interval are stored
	TickThresholdSeconds int `mapstructure:"tick_threshold_seconds"`
	TickUpdateSeconds    int `mapstructure:"tick_update_seconds"`

	RetryConnectSeconds int `mapstructure:"retry_connect_seconds"`
	PingIntervalSeconds int `mapstructure:"ping_interval_seconds"`

	GroupVolumes bool `mapstructure:"group_volumes"`
}

const (
	userConfigFilepath = "config.yaml"

	userConfigName = "config"
	userConfigPath = "."

	configType = "yaml"

	configKeyHost                 = "host"
	configKeyPort                 = "port"
	configKeyHTTPPort             = "http_port"
	configKeyTickThresholdSeconds = "tick_threshold_seconds"
	configKeyTickUpdateSeconds    = "tick_update_seconds"
	configKeyRetryConnectSeconds  = "retry_connect_seconds"
	configKeyPingIntervalSeconds  = "ping_interval_seconds"
	configKeyGroupVolumes         = "group_volumes"

	defaultPort     = 5004
	defaultHTTPPort = 5005

	// confirmed against the appliance's one-per-second position cadence
	defaultTickThresholdSeconds = 60
	defaultTickUpdateSeconds    = 10

	defaultRetryConnectSeconds = 10
	defaultPingIntervalSeconds = 30
)

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeyPort, defaultPort)
	userConfig.SetDefault(configKeyHTTPPort, defaultHTTPPort)
	userConfig.SetDefault(configKeyTickThresholdSeconds, defaultTickThresholdSeconds)
	userConfig.SetDefault(configKeyTickUpdateSeconds, defaultTickUpdateSeconds)
	userConfig.SetDefault(configKeyRetryConnectSeconds, defaultRetryConnectSeconds)
	userConfig.SetDefault(configKeyPingIntervalSeconds, defaultPingIntervalSeconds)
	userConfig.SetDefault(configKeyGroupVolumes, false)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// make sure it exists
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Warnw("Config file not found", "path", userConfigFilepath)
		cc.notifier.Notify("Can't find configuration!",
			fmt.Sprintf("%s must be in the same directory as mirage. Please re-launch", userConfigFilepath))

		return fmt.Errorf("config file doesn't exist: %s", userConfigFilepath)
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check mirage's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	if cc.current.Host == "" {
		cc.logger.Warnw("Config is missing the appliance host", "path", userConfigFilepath)
		cc.notifier.Notify("Incomplete configuration!",
			fmt.Sprintf("Please set 'host' in %s to your appliance's address.", userConfigFilepath))

		return fmt.Errorf("config is missing host")
	}

	// a zero interval would panic the keepalive ticker and busy-spin the
	// reconnect loop
	if cc.current.PingIntervalSeconds <= 0 {
		cc.logger.Warnw("Ping interval must be positive, using default",
			"pingIntervalSeconds", cc.current.PingIntervalSeconds)
		cc.current.PingIntervalSeconds = defaultPingIntervalSeconds
	}

	if cc.current.RetryConnectSeconds <= 0 {
		cc.logger.Warnw("Retry interval must be positive, using default",
			"retryConnectSeconds", cc.current.RetryConnectSeconds)
		cc.current.RetryConnectSeconds = defaultRetryConnectSeconds
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"host", cc.current.Host,
		"port", cc.current.Port,
		"tickThresholdSeconds", cc.current.TickThresholdSeconds,
		"tickUpdateSeconds", cc.current.TickUpdateSeconds,
		"groupVolumes", cc.current.GroupVolumes)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromViper() error {
	err := cc.userConfig.Unmarshal(&cc.current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}

// settings derives the controller tunables from the current config
func (cc *ConfigManager) settings() Settings {
	return Settings{
		Host:                 cc.current.Host,
		Port:                 cc.current.Port,
		HTTPPort:             cc.current.HTTPPort,
		TickThresholdSeconds: cc.current.TickThresholdSeconds,
		TickUpdateSeconds:    cc.current.TickUpdateSeconds,
		RetryConnectSeconds:  cc.current.RetryConnectSeconds,
		PingIntervalSeconds:  cc.current.PingIntervalSeconds,
		GroupVolumes:         cc.current.GroupVolumes,
	}
}
