// LoRa Hub
// Main entry point for the hub service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ccroswhite/lora-hub/internal/bootstrap"
	"github.com/ccroswhite/lora-hub/internal/bridge"
	"github.com/ccroswhite/lora-hub/internal/cryptoprim"
	"github.com/ccroswhite/lora-hub/internal/diag"
	"github.com/ccroswhite/lora-hub/internal/hub"
	"github.com/ccroswhite/lora-hub/internal/logging"
	"github.com/ccroswhite/lora-hub/internal/radio"
	"github.com/ccroswhite/lora-hub/internal/registry"
	"github.com/ccroswhite/lora-hub/internal/session"
	"github.com/ccroswhite/lora-hub/internal/store"
	"github.com/ccroswhite/lora-hub/internal/sysinfo"
)

const firmwareVersion = "1.0.0"

// Config represents the configuration file structure.
type Config struct {
	Device struct {
		ID              string `yaml:"id"`
		FirmwareVersion string `yaml:"firmware_version"`
	} `yaml:"device"`

	Server struct {
		Host                   string `yaml:"host"`
		Port                   int    `yaml:"port"`
		BootstrapPath          string `yaml:"bootstrap_path"`
		AnnouncePath           string `yaml:"announce_path"`
		WebSocketPath          string `yaml:"websocket_path"`
		APIKey                 string `yaml:"api_key"`
		AllowInsecureBootstrap bool   `yaml:"allow_insecure_bootstrap"`
	} `yaml:"server"`

	LoRa struct {
		FrequencyHz     uint32 `yaml:"frequency_hz"`
		SpreadingFactor uint8  `yaml:"spreading_factor"`
		BandwidthHz     uint32 `yaml:"bandwidth_hz"`
		SyncWord        uint8  `yaml:"sync_word"`
		TxPowerDBm      int8   `yaml:"tx_power_dbm"`
	} `yaml:"lora"`

	Radio struct {
		Backend               string `yaml:"backend"` // "stub" | "concentratord"
		ConcentratordEventURL string `yaml:"concentratord_event_url"`
		ConcentratordCmdURL   string `yaml:"concentratord_command_url"`
	} `yaml:"radio"`

	Registry struct {
		MaxNodes           int `yaml:"max_nodes"`
		MaxDiscoveredNodes int `yaml:"max_discovered_nodes"`
	} `yaml:"registry"`

	Timing struct {
		AdoptionTimeoutMs    int `yaml:"adoption_timeout_ms"`
		PacketQueueSize      int `yaml:"packet_queue_size"`
		MaxTimeDriftSec      int `yaml:"max_time_drift_s"`
		TelemetryIntervalMs  int `yaml:"telemetry_interval_ms"`
		WSReconnectMs        int `yaml:"ws_reconnect_interval_ms"`
		WSHeartbeatMs        int `yaml:"ws_heartbeat_interval_ms"`
		WSHeartbeatTimeoutMs int `yaml:"ws_heartbeat_timeout_ms"`
		WSHeartbeatRetries   int `yaml:"ws_heartbeat_retries"`
	} `yaml:"timing"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Diagnostics struct {
		Addr string `yaml:"addr"`
	} `yaml:"diagnostics"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Device.FirmwareVersion = firmwareVersion
	cfg.Server.BootstrapPath = "/bootstrap"
	cfg.Server.AnnouncePath = "/announce"
	cfg.Server.WebSocketPath = "/ws"
	cfg.Server.AllowInsecureBootstrap = true
	cfg.LoRa.FrequencyHz = 868000000
	cfg.LoRa.SpreadingFactor = 7
	cfg.LoRa.BandwidthHz = 125000
	cfg.LoRa.SyncWord = 0x34
	cfg.LoRa.TxPowerDBm = 20
	cfg.Radio.Backend = "stub"
	cfg.Registry.MaxNodes = registry.DefaultCapacity
	cfg.Registry.MaxDiscoveredNodes = registry.DefaultDiscoveredCapacity
	cfg.Timing.AdoptionTimeoutMs = 30000
	cfg.Timing.PacketQueueSize = 5
	cfg.Timing.MaxTimeDriftSec = 120
	cfg.Timing.TelemetryIntervalMs = 10000
	cfg.Timing.WSReconnectMs = 2000
	cfg.Timing.WSHeartbeatMs = 25000
	cfg.Timing.WSHeartbeatTimeoutMs = 5000
	cfg.Timing.WSHeartbeatRetries = 2
	cfg.Storage.Path = "/var/lib/lora-hub/hub.db"
	cfg.Diagnostics.Addr = ":8080"
	cfg.Logging.Level = "info"
	return cfg
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "hub",
		Short: "LoRa Hub",
		Long:  "Hub service for a secure LoRa telemetry network. Adopts nodes, relays encrypted data, and maintains an authenticated server session.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the hub service",
		RunE:  runHub,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("LoRa Hub v%s\n", firmwareVersion)
		},
	}

	factoryResetCmd = &cobra.Command{
		Use:   "factory-reset",
		Short: "Wipe persisted identity, credentials, and adopted flag",
		RunE:  runFactoryReset,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/lora-hub/hub.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(factoryResetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

func runFactoryReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.FactoryReset(); err != nil {
		return fmt.Errorf("factory reset: %w", err)
	}
	fmt.Println("Factory reset complete. Identity and server credentials will be re-established on next run.")
	return nil
}

func runHub(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}

	log := logging.New(os.Stderr, logging.ParseLevel(cfg.Logging.Level), "hub")

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	bootstrapCfg := bootstrap.Config{
		ServerHost:             cfg.Server.Host,
		ServerPort:             cfg.Server.Port,
		BootstrapPath:          cfg.Server.BootstrapPath,
		AnnouncePath:           cfg.Server.AnnouncePath,
		AllowInsecureBootstrap: cfg.Server.AllowInsecureBootstrap,
	}

	hasKeys, err := db.HasDeviceKeys()
	if err != nil {
		return fmt.Errorf("check device keys: %w", err)
	}
	if !hasKeys {
		log.Info("no device identity found, generating a fresh key pair")
		privPEM, pubPEM, err := cryptoprim.GenerateIdentityKeyPair()
		if err != nil {
			return fmt.Errorf("generate device identity: %w", err)
		}
		if err := db.SetDeviceKeys(privPEM, pubPEM); err != nil {
			return fmt.Errorf("persist device identity: %w", err)
		}
		if err := bootstrap.AnnouncePublicKey(bootstrapCfg, pubPEM, log); err != nil {
			return fmt.Errorf("announce device public key: %w", err)
		}
	}

	hasCreds, err := db.HasServerCredentials()
	if err != nil {
		return fmt.Errorf("check server credentials: %w", err)
	}
	if !hasCreds {
		log.Info("no pinned server credentials found, bootstrapping")
		creds, err := bootstrap.FetchCredentials(bootstrapCfg, log)
		if err != nil {
			return fmt.Errorf("fetch server credentials: %w", err)
		}
		if err := db.SetServerCredentials(creds.CertChainPEM, creds.SignPublicKPEM); err != nil {
			return fmt.Errorf("persist server credentials: %w", err)
		}
	}

	privPEM, _, err := db.GetString(store.KeyDevicePrivateKey)
	if err != nil {
		return fmt.Errorf("load device private key: %w", err)
	}
	identityPriv, err := cryptoprim.ParseECDSAPrivateKeyPEM(privPEM)
	if err != nil {
		return fmt.Errorf("parse device private key: %w", err)
	}
	pubPEM, _, err := db.GetString(store.KeyDevicePublicKey)
	if err != nil {
		return fmt.Errorf("load device public key: %w", err)
	}
	certChainPEM, _, err := db.GetString(store.KeyServerCertChain)
	if err != nil {
		return fmt.Errorf("load server certificate: %w", err)
	}
	signPubPEM, _, err := db.GetString(store.KeyServerSigningPubKey)
	if err != nil {
		return fmt.Errorf("load server signing key: %w", err)
	}
	serverSigningPub, err := cryptoprim.ParseECDSAPublicKeyPEM(signPubPEM)
	if err != nil {
		return fmt.Errorf("parse server signing key: %w", err)
	}

	reg := registry.New(cfg.Registry.MaxNodes, cfg.Registry.MaxDiscoveredNodes)

	driver, err := buildRadioDriver(cfg)
	if err != nil {
		return fmt.Errorf("build radio driver: %w", err)
	}

	sessionClient := session.New(session.Config{
		URL:              fmt.Sprintf("wss://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath),
		DeviceID:         cfg.Device.ID,
		APIKey:           cfg.Server.APIKey,
		ReconnectDelay:   time.Duration(cfg.Timing.WSReconnectMs) * time.Millisecond,
		PingInterval:     time.Duration(cfg.Timing.WSHeartbeatMs) * time.Millisecond,
		PingTimeout:      time.Duration(cfg.Timing.WSHeartbeatTimeoutMs) * time.Millisecond,
		PingRetries:      cfg.Timing.WSHeartbeatRetries,
		ServerCertPEM:    certChainPEM,
		IdentityPriv:     identityPriv,
		IdentityPubPEM:   pubPEM,
		ServerSigningPub: serverSigningPub,
		MaxTimeDrift:     time.Duration(cfg.Timing.MaxTimeDriftSec) * time.Second,
	}, log.With("session"))

	sessionClient.Adopted = func() bool {
		adopted, err := db.IsAdopted()
		if err != nil {
			log.Error("check adopted flag: %v", err)
			return false
		}
		return adopted
	}
	sessionClient.SetAdopted = func(v bool) {
		if err := db.SetAdopted(v); err != nil {
			log.Error("persist adopted flag: %v", err)
		}
	}

	engineCfg := hub.DefaultConfig()
	engineCfg.AdoptionTimeout = time.Duration(cfg.Timing.AdoptionTimeoutMs) * time.Millisecond
	engineCfg.PacketQueueSize = cfg.Timing.PacketQueueSize

	engine, err := hub.New(engineCfg, driver, reg, nil, log.With("hub"))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	br := bridge.New(engine, sessionClient, log.With("bridge"))
	engine.SetSink(br)

	diagSrv := diag.New(diag.Config{
		Addr:            cfg.Diagnostics.Addr,
		DeviceID:        cfg.Device.ID,
		FirmwareVersion: cfg.Device.FirmwareVersion,
	}, reg, sessionClient, log.With("diag"))

	sampler := sysinfo.New(cfg.Device.FirmwareVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := engine.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if err := diagSrv.Start(); err != nil {
		return fmt.Errorf("start diagnostics server: %w", err)
	}
	go sessionClient.Run()

	telemetryInterval := time.Duration(cfg.Timing.TelemetryIntervalMs) * time.Millisecond
	go runTelemetryLoop(ctx, telemetryInterval, sampler, br, diagSrv)

	log.Info("hub %s starting for device %s", firmwareVersion, cfg.Device.ID)

	sig := <-sigChan
	log.Info("received signal %v, shutting down", sig)
	cancel()

	sessionClient.Stop()
	if err := engine.Stop(); err != nil {
		log.Error("stop engine: %v", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := diagSrv.Stop(shutdownCtx); err != nil {
		log.Error("stop diagnostics server: %v", err)
	}

	log.Info("shutdown complete")
	return nil
}

func runTelemetryLoop(ctx context.Context, interval time.Duration, sampler *sysinfo.Sampler, br *bridge.Bridge, diagSrv *diag.Server) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sample := sampler.Sample()
			br.Telemetry(sample.ToPayload())
			diagSrv.RecordTelemetry(now)
		}
	}
}

func buildRadioDriver(cfg Config) (radio.Driver, error) {
	switch cfg.Radio.Backend {
	case "", "stub":
		radioCfg := radio.DefaultConfig()
		radioCfg.Frequency = cfg.LoRa.FrequencyHz
		radioCfg.SpreadingFactor = cfg.LoRa.SpreadingFactor
		radioCfg.Bandwidth = cfg.LoRa.BandwidthHz
		radioCfg.SyncWord = cfg.LoRa.SyncWord
		radioCfg.TxPower = cfg.LoRa.TxPowerDBm
		return radio.NewStub(radioCfg), nil
	case "concentratord":
		ccfg := radio.DefaultConcentratordConfig()
		if cfg.Radio.ConcentratordEventURL != "" {
			ccfg.EventURL = cfg.Radio.ConcentratordEventURL
		}
		if cfg.Radio.ConcentratordCmdURL != "" {
			ccfg.CommandURL = cfg.Radio.ConcentratordCmdURL
		}
		ccfg.Frequency = cfg.LoRa.FrequencyHz
		ccfg.SpreadingFactor = uint32(cfg.LoRa.SpreadingFactor)
		ccfg.Bandwidth = cfg.LoRa.BandwidthHz
		ccfg.TxPower = int32(cfg.LoRa.TxPowerDBm)
		return radio.NewConcentratord(ccfg), nil
	default:
		return nil, fmt.Errorf("unknown radio backend %q", cfg.Radio.Backend)
	}
}
