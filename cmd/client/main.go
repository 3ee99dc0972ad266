// Command client drives a BFT replica group with a fixed operation at a
// configurable concurrency for a fixed duration, then reports a latency
// histogram, per spec.md §6: (config path, concurrency, duration,
// histogram output).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nsl-research/bftkit/bcrypto"
	"github.com/nsl-research/bftkit/client"
	"github.com/nsl-research/bftkit/config"
	"github.com/nsl-research/bftkit/transport"
	"github.com/nsl-research/bftkit/transport/kbtransport"
)

var flags struct {
	configPath      string
	protocol        string
	concurrency     int
	duration        time.Duration
	histogramOutput string
	port            int
	hardwareAddr    string
	op              string
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Drive a BFT replica group and report latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "path to the configuration file (required)")
	f.StringVar(&flags.protocol, "protocol", "threephase", "replica protocol: unreplicated, threephase, speculative, or trusted")
	f.IntVar(&flags.concurrency, "concurrency", 1, "number of concurrent outstanding requests")
	f.DurationVar(&flags.duration, "duration", 10*time.Second, "how long to drive the workload")
	f.StringVar(&flags.histogramOutput, "histogram-output", "", "path to write the latency histogram (default: stdout)")
	f.IntVar(&flags.port, "port", 0, "NIC port id, mapped to the kernel interface name (e.g. 0 -> eth0)")
	f.StringVar(&flags.hardwareAddr, "hardware", "", "this host's hardware address, aa:bb:cc:dd:ee:ff (required)")
	f.StringVar(&flags.op, "op", "ping", "operation payload sent with every request")
	cobra.CheckErr(cmd.MarkFlagRequired("config"))
	cobra.CheckErr(cmd.MarkFlagRequired("hardware"))

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "client:", err)
		os.Exit(1)
	}
}

// invoker is the common surface every protocol's client type exposes,
// letting runClient drive all four uniformly once one is constructed.
type invoker interface {
	Invoke(ctx context.Context, op []byte) ([]byte, error)
}

func runClient(ctx context.Context) error {
	configFile, err := os.Open(flags.configPath)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer configFile.Close()
	parsed, err := config.ParseFile(configFile)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	// The client never verifies inbound signatures against the roster
	// (replies are self-authenticating via the quorum predicate itself),
	// so it needs no verifying-key material — only the roster shape.
	cfg, err := config.NewClassical(parsed, map[transport.Address]bcrypto.VerifyingKey{})
	if err != nil {
		return fmt.Errorf("build config adapter: %w", err)
	}

	hw, err := transport.ParseAddress(flags.hardwareAddr + "#0")
	if err != nil {
		return fmt.Errorf("hardware address: %w", err)
	}

	tr, err := kbtransport.Open(kbtransport.Config{
		Interface: fmt.Sprintf("eth%d", flags.port),
		Hardware:  hw.Hardware,
	})
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer tr.Close()

	stats := client.NewStats()
	ctx, cancel := context.WithTimeout(ctx, flags.duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < flags.concurrency; i++ {
		c, err := newInvoker(tr, cfg, stats)
		if err != nil {
			return fmt.Errorf("build client: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			driveLoop(ctx, c)
		}()
	}
	wg.Wait()

	return reportHistogram(stats)
}

// newInvoker builds the protocol-specific client type named by
// --protocol, each wrapped behind the common invoker interface.
func newInvoker(tr *kbtransport.Transport, cfg *config.Config, stats *client.Stats) (invoker, error) {
	switch flags.protocol {
	case "unreplicated":
		return client.NewUnreplicatedClient(tr, cfg, stats)
	case "threephase":
		return client.NewThreephaseClient(tr, cfg, stats)
	case "speculative":
		return client.NewSpeculativeClient(tr, cfg, stats)
	case "trusted":
		return client.NewTrustedClient(tr, cfg, stats)
	default:
		return nil, fmt.Errorf("unrecognized protocol %q", flags.protocol)
	}
}

// driveLoop issues Invoke back-to-back until ctx is done, matching
// bin/client.rs's closed-loop benchmark driver: the next request is only
// sent once the previous one's quorum has been satisfied.
func driveLoop(ctx context.Context, c invoker) {
	op := []byte(flags.op)
	for {
		if _, err := c.Invoke(ctx, op); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func reportHistogram(stats *client.Stats) error {
	out := os.Stdout
	if flags.histogramOutput != "" {
		f, err := os.Create(flags.histogramOutput)
		if err != nil {
			return fmt.Errorf("create histogram output: %w", err)
		}
		defer f.Close()
		out = f
	}

	fmt.Fprintf(out, "count: %d\n", stats.Count())
	for _, q := range []float64{50, 90, 99, 99.9} {
		fmt.Fprintf(out, "p%-5v %dus\n", q, stats.Quantile(q))
	}
	return nil
}
