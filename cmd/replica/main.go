// Command replica runs a single BFT replica process over the
// kernel-bypass transport, per spec.md §6: it takes a config path, a
// replica id, a core mask, a port id, and a batch size, plus protocol-
// specific flags, and serves until signaled.
package main

import (
	"context"
	"encoding/pem"
	"fmt"
	"math/bits"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nsl-research/bftkit/app"
	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/replica/speculative"
	"github.com/nsl-research/bftkit/replica/threephase"
	"github.com/nsl-research/bftkit/replica/trusted"
	"github.com/nsl-research/bftkit/replica/unreplicated"
	"github.com/nsl-research/bftkit/transport/kbtransport"
)

var flags struct {
	configPath        string
	keysPath          string
	switchKeyPath     string
	id                int
	coreMask          string
	port              int
	batchSize         int
	protocol          string
	adaptiveBatching  bool
	equivocationCheck bool
	logLevel          string
}

var genkeysFlags struct {
	configPath string
	keysOut    string
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Run a single BFT replica process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplica(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "path to the configuration file (required)")
	f.StringVar(&flags.keysPath, "keys", "", "path to the PEM file holding every roster replica's signing key, in roster order (required)")
	f.StringVar(&flags.switchKeyPath, "switch-key", "", "path to the PEM-encoded verifying key of the trusted-multicast switch (required for --protocol trusted)")
	f.IntVar(&flags.id, "id", 0, "this replica's roster index")
	f.StringVar(&flags.coreMask, "core-mask", "0x1", "hex bitmask of CPU cores to run rx/tx poll loops on")
	f.IntVar(&flags.port, "port", 0, "NIC port id, mapped to the kernel interface name (e.g. 0 -> eth0)")
	f.IntVar(&flags.batchSize, "batch-size", 1, "requests per batch (0 disables batch closing entirely)")
	f.StringVar(&flags.protocol, "protocol", "threephase", "replica protocol: unreplicated, threephase, speculative, or trusted")
	f.BoolVar(&flags.adaptiveBatching, "adaptive-batching", false, "close batches as soon as none is in flight, instead of waiting for batch-size (threephase only)")
	f.BoolVar(&flags.equivocationCheck, "equivocation-check", false, "warn-log duplicate pre-prepares for an already-filled op number (threephase only)")
	f.StringVar(&flags.logLevel, "log-level", "info", "zap log level: debug, info, warn, error")

	cobra.CheckErr(cmd.MarkFlagRequired("config"))
	cobra.CheckErr(cmd.MarkFlagRequired("keys"))

	cmd.AddCommand(newGenkeysCmd())
	return cmd
}

// newGenkeysCmd generates one fresh signing key per roster entry and
// writes them, in roster order, as concatenated PEM blocks to --out —
// the format config.LoadKeys and this binary's own --keys flag expect.
func newGenkeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "genkeys",
		Short: "Generate a signing key per replica in a configuration's roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenkeys()
		},
	}
	f := cmd.Flags()
	f.StringVar(&genkeysFlags.configPath, "config", "", "path to the configuration file (required)")
	f.StringVar(&genkeysFlags.keysOut, "out", "", "path to write the generated keys PEM (required)")
	cobra.CheckErr(cmd.MarkFlagRequired("config"))
	cobra.CheckErr(cmd.MarkFlagRequired("out"))
	return cmd
}

func runGenkeys() error {
	configFile, err := os.Open(genkeysFlags.configPath)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer configFile.Close()
	parsed, err := config.ParseFile(configFile)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	var out []byte
	for range parsed.Replica {
		key, err := bcrypto.GenerateKey()
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		out = append(out, config.EncodeKey(key)...)
	}
	return os.WriteFile(genkeysFlags.keysOut, out, 0o600)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "replica:", err)
		os.Exit(1)
	}
}

func runReplica(ctx context.Context) error {
	logger, err := buildLogger(flags.logLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	defer logger.Sync()

	configFile, err := os.Open(flags.configPath)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer configFile.Close()
	parsed, err := config.ParseFile(configFile)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if flags.id < 0 || flags.id >= len(parsed.Replica) {
		return fmt.Errorf("replica id %d out of range (roster has %d entries)", flags.id, len(parsed.Replica))
	}
	selfAddr := parsed.Replica[flags.id]

	keysFile, err := os.Open(flags.keysPath)
	if err != nil {
		return fmt.Errorf("open keys: %w", err)
	}
	defer keysFile.Close()
	keys, err := config.LoadKeys(parsed, keysFile)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	signingKey, ok := keys[selfAddr]
	if !ok {
		return fmt.Errorf("no signing key for replica address %s in %s", selfAddr, flags.keysPath)
	}

	cfg, err := config.NewClassical(parsed, keys.VerifyingKeys())
	if err != nil {
		return fmt.Errorf("build config adapter: %w", err)
	}

	numQueues, err := coreMaskQueueCount(flags.coreMask)
	if err != nil {
		return fmt.Errorf("core mask: %w", err)
	}

	tr, err := kbtransport.Open(kbtransport.Config{
		Interface:   fmt.Sprintf("eth%d", flags.port),
		Hardware:    selfAddr.Hardware,
		NumTxQueues: numQueues,
		NumRxQueues: numQueues,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer tr.Close()

	application := app.NewEchoApp()
	workers := numQueues
	if workers < 1 {
		workers = 1
	}
	stop := make(chan struct{})
	defer close(stop)

	switch flags.protocol {
	case "unreplicated":
		handle, err := unreplicated.Register(tr, selfAddr, int8(flags.id), application, logger)
		if err != nil {
			return fmt.Errorf("register unreplicated replica: %w", err)
		}
		for i := 0; i < workers; i++ {
			go handle.RunWorker(stop)
		}
	case "threephase":
		handle, err := threephase.Register(tr, selfAddr, int8(flags.id), cfg, signingKey, application,
			flags.batchSize, flags.adaptiveBatching, flags.equivocationCheck, logger)
		if err != nil {
			return fmt.Errorf("register threephase replica: %w", err)
		}
		for i := 0; i < workers; i++ {
			go handle.RunWorker(stop)
		}
	case "speculative":
		handle, err := speculative.Register(tr, selfAddr, int8(flags.id), cfg, signingKey, application,
			flags.batchSize, logger)
		if err != nil {
			return fmt.Errorf("register speculative replica: %w", err)
		}
		for i := 0; i < workers; i++ {
			go handle.RunWorker(stop)
		}
	case "trusted":
		if flags.switchKeyPath == "" {
			return fmt.Errorf("--switch-key is required for --protocol trusted")
		}
		switchKey, err := loadVerifyingKey(flags.switchKeyPath)
		if err != nil {
			return fmt.Errorf("load switch key: %w", err)
		}
		handle, err := trusted.Register(tr, selfAddr, int8(flags.id), cfg, signingKey, switchKey, application, logger)
		if err != nil {
			return fmt.Errorf("register trusted replica: %w", err)
		}
		for i := 0; i < workers; i++ {
			go handle.RunWorker(stop)
		}
	default:
		return fmt.Errorf("unrecognized protocol %q", flags.protocol)
	}

	logger.Info("replica serving",
		zap.String("protocol", flags.protocol),
		zap.Int("id", flags.id),
		zap.Stringer("address", selfAddr),
		zap.Int("workers", workers),
	)
	<-ctx.Done()
	logger.Info("replica shutting down")
	return nil
}

// coreMaskQueueCount parses a "0x"-prefixed hex core mask and returns the
// number of set bits, i.e. the number of cores made available to this
// process — matching the original's core-mask-to-worker-count convention
// (SPEC_FULL.md's "src/executor worker-count auto-detection" supplement).
func coreMaskQueueCount(mask string) (int, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(mask, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex mask %q: %w", mask, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("mask %q selects no cores", mask)
	}
	return bits.OnesCount64(n), nil
}

// loadVerifyingKey reads a single PEM-encoded verifying key, the format
// a P4 switch operator would hand out for --switch-key.
func loadVerifyingKey(path string) (bcrypto.VerifyingKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return bcrypto.VerifyingKey{}, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return bcrypto.VerifyingKey{}, fmt.Errorf("%s: no PEM block found", path)
	}
	return bcrypto.VerifyingKeyFromBytes(block.Bytes)
}

func buildLogger(level string) (*zap.Logger, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(l)
	return cfg.Build()
}
