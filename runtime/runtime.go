package runtime

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/InsulaLabs/ringfs/api"
	"github.com/InsulaLabs/ringfs/cluster"
	"github.com/InsulaLabs/ringfs/config"
	"github.com/InsulaLabs/ringfs/db/meta"
	"github.com/InsulaLabs/ringfs/db/models"
	"github.com/InsulaLabs/ringfs/db/tkv"
	"github.com/InsulaLabs/ringfs/ipc"
	"github.com/InsulaLabs/ringfs/service"
	"github.com/InsulaLabs/ringfs/storage"
	"github.com/InsulaLabs/ringfs/transport"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Runtime manages the execution of ringd, handling configuration,
// signal processing, and the lifecycle of the node.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	nodeCfg    *config.Node
	configFile string
	rawArgs    []string

	service *service.Service
	node    *cluster.Node

	currentLogLevel slog.Level
}

// New creates a new Runtime instance.
// It initializes the application context, sets up signal handling,
// parses command-line flags, and loads the node configuration.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	r := &Runtime{
		rawArgs: args,
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "ringdRuntime")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
		r.appCancel()
	}()

	var genConfigFile string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the node configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new node configuration file to a given path.")

	if err := fs.Parse(r.rawArgs); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		cfg, err := config.GenerateConfig(genConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to generate configuration: %w", err)
		}

		yamlData, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal generated config to YAML: %w", err)
		}

		dir := filepath.Dir(genConfigFile)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for config file %s: %w", genConfigFile, err)
			}
		}

		if err := os.WriteFile(genConfigFile, yamlData, 0644); err != nil {
			return nil, fmt.Errorf("failed to write generated configuration to %s: %w", genConfigFile, err)
		}

		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		os.Exit(0)
	}

	var err error
	r.nodeCfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	switch r.nodeCfg.Logging.Level {
	case "debug":
		r.currentLogLevel = slog.LevelDebug
	case "info":
		r.currentLogLevel = slog.LevelInfo
	case "warn":
		r.currentLogLevel = slog.LevelWarn
	case "error":
		r.currentLogLevel = slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", r.nodeCfg.Logging.Level)
		r.currentLogLevel = slog.LevelInfo
	}

	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.currentLogLevel,
	})).With("service", "ringdRuntime").With("node", r.nodeCfg.Address)

	return r, nil
}

// Run wires every component of the node, starts it and blocks until the
// application context ends.
func (r *Runtime) Run() error {
	if r.nodeCfg == nil {
		r.logger.Info("Runtime.Run called without a loaded configuration. Aborting Run operation.")
		return nil
	}
	cfg := r.nodeCfg

	if err := os.MkdirAll(cfg.DataDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	if cfg.TLS.Enabled() {
		if _, err := os.Stat(cfg.TLS.Cert); errors.Is(err, os.ErrNotExist) {
			r.logger.Info("Generating self-signed peer certificate", "cert", cfg.TLS.Cert)
			if err := r.setupKeys(cfg.TLS.Cert, cfg.TLS.Key); err != nil {
				return err
			}
		}
	}

	kv, err := tkv.New(tkv.Config{
		Logger:         r.logger.WithGroup("tkv"),
		BadgerLogLevel: r.currentLogLevel,
		Directory:      filepath.Join(cfg.DataDir, config.MetadataDirName),
		AppCtx:         r.appCtx,
	})
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer kv.Close()

	store := meta.New(meta.Config{Logger: r.logger, KV: kv})
	pipe := ipc.NewPipe(ipc.Config{Logger: r.logger, Size: cfg.QueueSize})

	listener, err := transport.Listen(transport.ListenerConfig{
		Logger:      r.logger,
		BindAddress: fmt.Sprintf(":%d", cfg.PeerPort),
		TLSCert:     cfg.TLS.Cert,
		TLSKey:      cfg.TLS.Key,
	})
	if err != nil {
		return err
	}
	defer listener.Close()

	dialer := transport.NewDialer(transport.DialerConfig{
		Logger:     r.logger,
		Self:       cfg.Address,
		Port:       cfg.PeerPort,
		TLS:        cfg.TLS.Enabled(),
		SkipVerify: cfg.TLS.SkipVerify,
	})

	bcast, err := cfg.BroadcastAddress()
	if err != nil {
		return err
	}
	discovery, err := transport.NewUDPDiscovery(transport.UDPDiscoveryConfig{
		Logger:    r.logger,
		Broadcast: bcast,
		Port:      cfg.DiscoveryPort,
	})
	if err != nil {
		return err
	}
	defer discovery.Close()

	r.node, err = cluster.New(cluster.Config{
		Logger: r.logger,
		Self: models.ClusterNode{
			Address:        cfg.Address,
			Rack:           cfg.Rack,
			AvailableBytes: cfg.AvailableBytes,
			Priority:       cfg.Priority,
			LastSeen:       time.Now().UTC(),
		},
		Store:     store,
		Pipe:      pipe,
		Dialer:    dialer,
		Listener:  listener,
		Discovery: discovery,
		Join:      cfg.Join,
		Recovery:  cfg.Recovery,
		Cache:     cfg.Cache,
	})
	if err != nil {
		return fmt.Errorf("failed to create cluster node: %w", err)
	}

	chunks, err := storage.New(storage.Config{
		Logger: r.logger,
		Root:   cfg.StoragePath,
		Self:   cfg.Address,
		Store:  store,
	})
	if err != nil {
		return err
	}

	r.service = service.New(service.Config{
		Logger:    r.logger,
		Self:      cfg.Address,
		Store:     store,
		KV:        kv,
		Chunks:    chunks,
		Pipe:      pipe,
		Applier:   r.node.Applier(),
		Placement: cfg.Placement,

		SessionTTL:         cfg.Client.SessionTTL,
		RequireCoordinator: cfg.Client.RequireCoordinator,
	})
	go r.service.Run(r.appCtx)

	clientAPI := api.New(api.Config{
		Logger:      r.logger,
		Service:     r.service,
		BindAddress: fmt.Sprintf(":%d", cfg.Client.Port),
		Client:      cfg.Client,
		TLS:         cfg.TLS,
	})
	go func() {
		if err := clientAPI.Run(r.appCtx); err != nil {
			r.logger.Error("Client API stopped", "error", err)
			r.appCancel()
		}
	}()

	if err := r.node.Start(r.appCtx); err != nil {
		r.node.Stop()
		return fmt.Errorf("failed to start cluster node: %w", err)
	}
	r.logger.Info("Node started", "neighbors", r.node.Neighbors())

	<-r.appCtx.Done()
	r.logger.Info("Node shutting down")
	r.node.Stop()
	return nil
}

// Service is the client-facing side of the running node, nil before Run.
func (r *Runtime) Service() *service.Service {
	return r.service
}

// Wait for the runtime to complete its operations.
// This is typically when the application context is canceled.
func (r *Runtime) Wait() {
	<-r.appCtx.Done()
	r.logger.Info("Runtime has been shut down.")
}

// Stop gracefully shuts down the runtime by canceling its context.
func (r *Runtime) Stop() {
	r.logger.Info("Runtime stop requested.")
	r.appCancel()
}

// setupKeys writes a self-signed certificate for the node's peer listener.
func (r *Runtime) setupKeys(certPath, keyPath string) error {
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), os.ModePerm); err != nil {
			return fmt.Errorf("failed to create keys directory: %w", err)
		}
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"[ R I N G F S - L O C A L ]"},
			CommonName:   "ringd-node",
		},
		NotBefore: notBefore,
		NotAfter:  notBefore.AddDate(10, 0, 0),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	if ip := net.ParseIP(r.nodeCfg.Address); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else {
		template.DNSNames = append(template.DNSNames, r.nodeCfg.Address)
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", certPath, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", keyPath, err)
	}
	r.logger.Info("Generated peer certificate", "cert", certPath, "key", keyPath)
	return nil
}
