// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package config manages the bridge's JSON configuration document. The file
// is advisory: whatever can be read is merged over the built-in defaults,
// and any load failure yields pure defaults, never an error.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// DefaultFile is the config document next to the binary, as the original
// deployment expects.
const DefaultFile = "oilboy_config.json"

// Config is the full configuration document.
type Config struct {
	SlideBook SlideBookConfig `mapstructure:"slidebook"`
	OilBoy    OilBoyConfig    `mapstructure:"oilboy"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	Timing    TimingConfig    `mapstructure:"timing"`
	Window    WindowConfig    `mapstructure:"window"`
	Web       WebConfig       `mapstructure:"web"`
	Log       LogConfig       `mapstructure:"log"`
}

// SlideBookConfig locates the microscope-control socket.
type SlideBookConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Address returns host:port.
func (c SlideBookConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OilBoyConfig identifies the device and how to reach it.
type OilBoyConfig struct {
	SerialNumber string            `mapstructure:"serial_number"`
	KnownDevices map[string]string `mapstructure:"known_devices"` // serial -> hardware address
	Transport    string            `mapstructure:"transport"`     // "ble", "serial", "local"
	SerialDevice string            `mapstructure:"serial_device"` // UART device for transport "serial"
	AdapterID    int               `mapstructure:"adapter_id"`    // HCI adapter for transport "ble"
	RetryPolicy  string            `mapstructure:"retry_policy"`  // "default" or "duty-cycle"

	// Simulated-device state for transport "local".
	SimPersistence string `mapstructure:"sim_persistence"` // "memory", "file", "mmap"
	SimStatePath   string `mapstructure:"sim_state_path"`
}

// SettingsConfig holds the operator-tunable procedure parameters. The json
// tags match the config document; the UI sends the same shape over the wire.
type SettingsConfig struct {
	OilBoyObjectiveLocation string  `mapstructure:"oilboy_objective_location" json:"oilboy_objective_location"`
	OilBoyOffsetMicrons     float64 `mapstructure:"oilboy_offset_microns" json:"oilboy_offset_microns"`
	DefaultOilAmount        int     `mapstructure:"default_oil_amount" json:"default_oil_amount"`
	DefaultZDrop            float64 `mapstructure:"default_z_drop" json:"default_z_drop"`
}

// TimingConfig names the empirical timing constants of the OilBoy hardware.
// They are calibration values, kept out of the state machine logic so they
// can be retuned without touching code.
type TimingConfig struct {
	BurstWindow         time.Duration `mapstructure:"burst_window"`          // scan window per connect attempt
	PostBurstWait       time.Duration `mapstructure:"post_burst_wait"`       // refractory wait after a failed burst
	RetryPause          time.Duration `mapstructure:"retry_pause"`           // pause between standard retries
	WakeCycleWait       time.Duration `mapstructure:"wake_cycle_wait"`       // > the ~10.1s sleep/advertise cycle
	OptimizedScanWindow time.Duration `mapstructure:"optimized_scan_window"` // scan window spanning one full cycle
	BatterySettleDelay  time.Duration `mapstructure:"battery_settle_delay"`  // post-connect firmware init time
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	SendTimeout         time.Duration `mapstructure:"send_timeout"`
	ScanSlice           time.Duration `mapstructure:"scan_slice"`
	StepSettle          time.Duration `mapstructure:"step_settle"` // hardware settle between procedure steps
	OilSettle           time.Duration `mapstructure:"oil_settle"`  // settle after the dispense command
}

// WindowConfig remembers the UI's window geometry across sessions. The UI
// itself lives outside this process; it stores its geometry through the
// bridge.
type WindowConfig struct {
	Geometry string `mapstructure:"geometry"`
}

// WebConfig configures the websocket UI boundary.
type WebConfig struct {
	Address string `mapstructure:"address"`
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // log file path, empty or "-" for stdout
}

// Store is the durable configuration state. It is read by many call sites
// but mutated only by explicit save actions and the one write-back that
// records a newly learned device address.
type Store struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string

	Config
}

// Load reads the configuration file at path (DefaultFile if empty) merged
// over defaults. It never fails: an unreadable or malformed file is logged
// and ignored.
func Load(path string) *Store {
	if path == "" {
		path = DefaultFile
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		slog.Warn("Config file not loaded, using defaults", "path", path, "err", err)
	}

	s := &Store{v: v, path: path}
	if err := v.Unmarshal(&s.Config); err != nil {
		slog.Warn("Config file not understood, using defaults", "path", path, "err", err)
		fresh := viper.New()
		setDefaults(fresh)
		fresh.Unmarshal(&s.Config)
	}
	s.normalizeSerials()
	return s
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("slidebook.host", "127.0.0.1")
	v.SetDefault("slidebook.port", 65432)

	v.SetDefault("oilboy.serial_number", "A002")
	v.SetDefault("oilboy.known_devices", map[string]string{
		"A002": "DC:54:75:EB:81:B1",
		"A003": "DC:54:75:EB:6F:2D",
	})
	v.SetDefault("oilboy.transport", "ble")
	v.SetDefault("oilboy.serial_device", "")
	v.SetDefault("oilboy.adapter_id", 0)
	v.SetDefault("oilboy.retry_policy", "default")
	v.SetDefault("oilboy.sim_persistence", "memory")
	v.SetDefault("oilboy.sim_state_path", "oilboy_sim.state")

	v.SetDefault("settings.oilboy_objective_location", "")
	v.SetDefault("settings.oilboy_offset_microns", 50.0)
	v.SetDefault("settings.default_oil_amount", 50)
	v.SetDefault("settings.default_z_drop", 50.0)

	v.SetDefault("timing.burst_window", "24s")
	v.SetDefault("timing.post_burst_wait", "7s")
	v.SetDefault("timing.retry_pause", "2s")
	v.SetDefault("timing.wake_cycle_wait", "10.5s")
	v.SetDefault("timing.optimized_scan_window", "12s")
	v.SetDefault("timing.battery_settle_delay", "3s")
	v.SetDefault("timing.connect_timeout", "10s")
	v.SetDefault("timing.send_timeout", "3s")
	v.SetDefault("timing.scan_slice", "1s")
	v.SetDefault("timing.step_settle", "2s")
	v.SetDefault("timing.oil_settle", "1s")

	v.SetDefault("window.geometry", "800x700+100+100")
	v.SetDefault("web.address", "127.0.0.1:8090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// normalizeSerials upper-cases the known-device keys. Viper lower-cases map
// keys on load, and serials compare case-insensitively anyway.
func (s *Store) normalizeSerials() {
	normalized := make(map[string]string, len(s.OilBoy.KnownDevices))
	for serial, addr := range s.OilBoy.KnownDevices {
		normalized[normalizeSerial(serial)] = addr
	}
	s.OilBoy.KnownDevices = normalized
}

func normalizeSerial(serial string) string {
	return strings.ToUpper(strings.TrimSpace(serial))
}

// Lookup returns the last-known address for a serial.
func (s *Store) Lookup(serial string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.OilBoy.KnownDevices[normalizeSerial(serial)]
	return addr, ok
}

// Remember records a learned address for a serial and persists it.
func (s *Store) Remember(serial, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OilBoy.KnownDevices == nil {
		s.OilBoy.KnownDevices = make(map[string]string)
	}
	s.OilBoy.KnownDevices[normalizeSerial(serial)] = addr
	s.v.Set("oilboy.known_devices", s.OilBoy.KnownDevices)
	if err := s.writeLocked(); err != nil {
		slog.Warn("Could not persist learned device address", "serial", serial, "err", err)
	}
}

// SaveSettings persists the operator-tunable settings section.
func (s *Store) SaveSettings(settings SettingsConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Settings = settings
	s.v.Set("settings.oilboy_objective_location", settings.OilBoyObjectiveLocation)
	s.v.Set("settings.oilboy_offset_microns", settings.OilBoyOffsetMicrons)
	s.v.Set("settings.default_oil_amount", settings.DefaultOilAmount)
	s.v.Set("settings.default_z_drop", settings.DefaultZDrop)
	return s.writeLocked()
}

// SaveWindowGeometry persists the UI's window geometry.
func (s *Store) SaveWindowGeometry(geometry string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Window.Geometry = geometry
	s.v.Set("window.geometry", geometry)
	return s.writeLocked()
}

// SaveSerialNumber persists the selected device serial.
func (s *Store) SaveSerialNumber(serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OilBoy.SerialNumber = normalizeSerial(serial)
	s.v.Set("oilboy.serial_number", s.OilBoy.SerialNumber)
	return s.writeLocked()
}

// Save writes the current document back to disk. Keys present in the loaded
// file but unknown to this build are carried along, never dropped.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked()
}

func (s *Store) writeLocked() error {
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write config %s: %w", s.path, err)
	}
	return nil
}
