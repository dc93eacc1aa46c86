package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Config holds all application configuration values.
type Config struct {
	// Transport server
	Host string
	Port int

	// GPS
	GPSSerialPort   string
	GPSBaudRate     int
	GPSReadTimeout  int  // milliseconds
	GPSFixTimeout   int  // milliseconds
	GPSStartupGrace int  // milliseconds
	GPSRepromote    bool // re-evaluate sensor availability on every read

	// Network location fallback
	NetworkFallback string // "per_cycle", "startup", "off"
	NetworkURL      string
	NetworkTimeout  int // milliseconds
	NetworkAltitude float64

	// External vision services
	TrackerURL        string
	DepthEstimatorURL string // empty disables relative depth
	DepthSampling     string // "center" or "median"

	// Fusion
	PlatformID    string
	CycleInterval int    // milliseconds
	HeadingTopic  string // fused pose topic, empty means heading 0

	// Publishing
	PublishQueueSize int
	PublishRetries   int
	StatusInterval   int // milliseconds

	// Camera
	CameraBackend      string // "auto", "metric", "color"
	CameraBridgeTopic  string
	CameraProbeTimeout int // milliseconds
	CameraSnapshotURL  string

	// MQTT
	MQTTBroker   string
	MQTTClientID string

	// Topics
	TopicObjects string
	TopicStatus  string
	TopicGPS     string

	// Display
	DisplayI2CAddr        uint16
	DisplayUpdateInterval int // milliseconds
}

// Network fallback policies.
const (
	NetworkPerCycle = "per_cycle"
	NetworkStartup  = "startup"
	NetworkOff      = "off"
)

// Keys lists every recognised configuration key. Each one can also be set
// through an environment variable of the same name.
var Keys = []string{
	"HOST", "PORT",
	"GPS_SERIAL_PORT", "GPS_BAUD_RATE", "GPS_READ_TIMEOUT_MS", "GPS_FIX_TIMEOUT_MS",
	"GPS_STARTUP_GRACE_MS", "GPS_REPROMOTE",
	"NETWORK_FALLBACK", "NETWORK_LOCATION_URL", "NETWORK_TIMEOUT_MS", "NETWORK_ALTITUDE",
	"CAMERA_BACKEND", "CAMERA_BRIDGE_TOPIC", "CAMERA_PROBE_TIMEOUT_MS", "CAMERA_SNAPSHOT_URL",
	"TRACKER_URL", "DEPTH_ESTIMATOR_URL", "DEPTH_SAMPLING",
	"CYCLE_INTERVAL_MS", "PLATFORM_ID", "HEADING_TOPIC",
	"PUBLISH_QUEUE_SIZE", "PUBLISH_RETRIES",
	"MQTT_BROKER", "MQTT_CLIENT_ID",
	"TOPIC_OBJECTS", "TOPIC_STATUS", "TOPIC_GPS", "STATUS_INTERVAL_MS",
	"DISPLAY_I2C_ADDR", "DISPLAY_UPDATE_INTERVAL",
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the configuration used when no file or environment
// override is present.
func Default() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  5000,
		GPSSerialPort:         "/dev/ttyUSB0",
		GPSBaudRate:           9600,
		GPSReadTimeout:        1000,
		GPSFixTimeout:         2000,
		GPSStartupGrace:       3000,
		GPSRepromote:          true,
		NetworkFallback:       NetworkPerCycle,
		NetworkURL:            "http://ip-api.com/json/",
		NetworkTimeout:        3000,
		NetworkAltitude:       10.0,
		PlatformID:            "robot",
		CycleInterval:         100,
		DepthSampling:         "center",
		StatusInterval:        5000,
		PublishQueueSize:      16,
		PublishRetries:        2,
		TrackerURL:            "http://localhost:5002",
		CameraBackend:         "auto",
		CameraBridgeTopic:     "camera/aligned",
		CameraProbeTimeout:    3000,
		CameraSnapshotURL:     "http://localhost:8081/snapshot",
		MQTTBroker:            "tcp://localhost:1883",
		TopicObjects:          "geofusion/objects",
		TopicStatus:           "geofusion/status",
		TopicGPS:              "geofusion/gps",
		DisplayI2CAddr:        0x3C,
		DisplayUpdateInterval: 500,
	}
}

// Load reads the configuration file on top of the defaults and then
// applies environment overrides. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		values, err := godotenv.Read(configPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			log.Printf("config: %s not found, using defaults and environment", configPath)
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			for key, value := range values {
				if err := cfg.setValue(key, strings.TrimSpace(value)); err != nil {
					return nil, fmt.Errorf("config file %s: %w", configPath, err)
				}
			}
		}
	}

	for _, key := range Keys {
		if value, ok := os.LookupEnv(key); ok {
			if err := cfg.setValue(key, strings.TrimSpace(value)); err != nil {
				return nil, fmt.Errorf("environment: %w", err)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// Transport server
	case "HOST":
		c.Host = value
	case "PORT":
		c.Port, err = parseInt(key, value)

	// GPS
	case "GPS_SERIAL_PORT":
		c.GPSSerialPort = value
	case "GPS_BAUD_RATE":
		c.GPSBaudRate, err = parseInt(key, value)
	case "GPS_READ_TIMEOUT_MS":
		c.GPSReadTimeout, err = parseInt(key, value)
	case "GPS_FIX_TIMEOUT_MS":
		c.GPSFixTimeout, err = parseInt(key, value)
	case "GPS_STARTUP_GRACE_MS":
		c.GPSStartupGrace, err = parseInt(key, value)
	case "GPS_REPROMOTE":
		c.GPSRepromote, err = strconv.ParseBool(value)
		if err != nil {
			err = fmt.Errorf("invalid %s %q: %w", key, value, err)
		}

	// Network location fallback
	case "NETWORK_FALLBACK":
		c.NetworkFallback = strings.ToLower(value)
	case "NETWORK_LOCATION_URL":
		c.NetworkURL = value
	case "NETWORK_TIMEOUT_MS":
		c.NetworkTimeout, err = parseInt(key, value)
	case "NETWORK_ALTITUDE":
		c.NetworkAltitude, err = strconv.ParseFloat(value, 64)
		if err != nil {
			err = fmt.Errorf("invalid %s %q: %w", key, value, err)
		}

	// Camera
	case "CAMERA_BACKEND":
		c.CameraBackend = strings.ToLower(value)
	case "CAMERA_BRIDGE_TOPIC":
		c.CameraBridgeTopic = value
	case "CAMERA_PROBE_TIMEOUT_MS":
		c.CameraProbeTimeout, err = parseInt(key, value)
	case "CAMERA_SNAPSHOT_URL":
		c.CameraSnapshotURL = value

	// External vision services
	case "TRACKER_URL":
		c.TrackerURL = value
	case "DEPTH_ESTIMATOR_URL":
		c.DepthEstimatorURL = value
	case "DEPTH_SAMPLING":
		c.DepthSampling = strings.ToLower(value)

	// Fusion
	case "CYCLE_INTERVAL_MS":
		c.CycleInterval, err = parseInt(key, value)
	case "PLATFORM_ID":
		c.PlatformID = value
	case "HEADING_TOPIC":
		c.HeadingTopic = value

	// Publishing
	case "PUBLISH_QUEUE_SIZE":
		c.PublishQueueSize, err = parseInt(key, value)
	case "PUBLISH_RETRIES":
		c.PublishRetries, err = parseInt(key, value)
	case "STATUS_INTERVAL_MS":
		c.StatusInterval, err = parseInt(key, value)

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value

	// Topics
	case "TOPIC_OBJECTS":
		c.TopicObjects = value
	case "TOPIC_STATUS":
		c.TopicStatus = value
	case "TOPIC_GPS":
		c.TopicGPS = value

	// Display
	case "DISPLAY_I2C_ADDR":
		addr, perr := strconv.ParseUint(value, 0, 16)
		if perr != nil {
			return fmt.Errorf("invalid DISPLAY_I2C_ADDR %q: %w", value, perr)
		}
		c.DisplayI2CAddr = uint16(addr)
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = parseInt(key, value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

func parseInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// validate checks that all required fields are set and in range.
func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.GPSSerialPort == "" {
		return fmt.Errorf("GPS_SERIAL_PORT is required")
	}
	if c.GPSBaudRate <= 0 {
		return fmt.Errorf("GPS_BAUD_RATE must be positive, got %d", c.GPSBaudRate)
	}
	switch c.NetworkFallback {
	case NetworkPerCycle, NetworkStartup, NetworkOff:
	default:
		return fmt.Errorf("NETWORK_FALLBACK must be %s, %s or %s, got %q",
			NetworkPerCycle, NetworkStartup, NetworkOff, c.NetworkFallback)
	}
	switch c.CameraBackend {
	case "auto", "metric", "color":
	default:
		return fmt.Errorf("CAMERA_BACKEND must be auto, metric or color, got %q", c.CameraBackend)
	}
	switch c.DepthSampling {
	case "center", "median":
	default:
		return fmt.Errorf("DEPTH_SAMPLING must be center or median, got %q", c.DepthSampling)
	}
	if c.PlatformID == "" {
		return fmt.Errorf("PLATFORM_ID is required")
	}
	if c.CycleInterval <= 0 {
		return fmt.Errorf("CYCLE_INTERVAL_MS must be positive, got %d", c.CycleInterval)
	}
	if c.PublishQueueSize <= 0 {
		return fmt.Errorf("PUBLISH_QUEUE_SIZE must be positive, got %d", c.PublishQueueSize)
	}
	if c.PublishRetries < 0 {
		return fmt.Errorf("PUBLISH_RETRIES must not be negative, got %d", c.PublishRetries)
	}
	if c.StatusInterval <= 0 {
		return fmt.Errorf("STATUS_INTERVAL_MS must be positive, got %d", c.StatusInterval)
	}
	return nil
}

// Addr returns the host:port the transport server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
