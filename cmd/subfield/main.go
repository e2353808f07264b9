package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"subfield/internal/bootstrap"
	"subfield/internal/modules/subfield/dto"
	"subfield/internal/platform/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath    string
	storePath     string
	storeBackend  string
	listen        []string
	bootstrap     []string
	bootstrapURLs []string
	identityPath  string
	logLevel      string
	logJSON       bool
	timeout       time.Duration
}

type keyFlags struct {
	signer    string
	cosigner  string
	tangent   string
	dimension string
}

func (k *keyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&k.signer, "signer", "", "signer field (64 hex chars)")
	cmd.Flags().StringVar(&k.cosigner, "cosigner", "", "cosigner field (64 hex chars)")
	cmd.Flags().StringVar(&k.tangent, "tangent", "", "tangent field (64 hex chars)")
	cmd.Flags().StringVar(&k.dimension, "dimension", "signer", "routing dimension: signer|cosigner|tangent")
}

func (k *keyFlags) input() dto.KeyInput {
	return dto.KeyInput{Signer: k.signer, Cosigner: k.cosigner, Tangent: k.tangent, Dimension: k.dimension}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "subfield",
		Short:         "Composite-key peer-to-peer record store and pub/sub overlay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.DefaultFile, "config file (optional)")
	pf.StringVar(&flags.storePath, "store", "", "store directory")
	pf.StringVar(&flags.storeBackend, "store-backend", "", "durable store: sqlite|pebble")
	pf.StringSliceVar(&flags.listen, "listen", nil, "listen multiaddrs (server mode)")
	pf.StringSliceVar(&flags.bootstrap, "bootstrap", nil, "bootstrap peer multiaddrs")
	pf.StringSliceVar(&flags.bootstrapURLs, "bootstrap-url", nil, "bootstrap endpoints returning multiaddr lists")
	pf.StringVar(&flags.identityPath, "identity", "", "node identity file, created when missing")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: trace|debug|info|warn|error")
	pf.BoolVar(&flags.logJSON, "log-json", false, "emit JSON logs")
	pf.DurationVar(&flags.timeout, "timeout", 0, "request timeout")

	root.AddCommand(newNodeCmd(flags))
	root.AddCommand(newKeygenCmd())
	root.AddCommand(newStatusCmd(flags))
	root.AddCommand(newPingCmd(flags))
	root.AddCommand(newEchoCmd(flags))
	root.AddCommand(newRecordCmd(flags))
	root.AddCommand(newSubscribeCmd(flags))
	root.AddCommand(newUnsubscribeCmd(flags))
	return root
}

func loadConfig(cmd *cobra.Command, flags *rootFlags, mode config.Mode) (config.Config, error) {
	required := cmd.Flags().Changed("config")
	cfg, err := config.Load(flags.configPath, required)
	if err != nil {
		return config.Config{}, err
	}
	cfg.Mode = mode
	if flags.storePath != "" {
		cfg.StorePath = flags.storePath
	}
	if flags.storeBackend != "" {
		cfg.StoreBackend = flags.storeBackend
	}
	if len(flags.listen) > 0 {
		cfg.ListenAddresses = flags.listen
	}
	if len(flags.bootstrap) > 0 {
		cfg.BootstrapMultiaddrs = flags.bootstrap
	}
	if len(flags.bootstrapURLs) > 0 {
		cfg.BootstrapURLs = flags.bootstrapURLs
	}
	if flags.identityPath != "" {
		cfg.IdentityPath = flags.identityPath
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = flags.logJSON
	}
	if flags.timeout > 0 {
		cfg.RequestTimeout = flags.timeout
	}
	if mode == config.ModeClient {
		cfg.ListenAddresses = nil
	}
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withClient starts a dial-only node, waits for a peer and runs fn against it.
func withClient(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, app *bootstrap.App) error) (err error) {
	cfg, err := loadConfig(cmd, flags, config.ModeClient)
	if err != nil {
		return err
	}
	app, err := bootstrap.New(cfg)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, app.Close()) }()

	ctx, cancel := signalContext()
	defer cancel()
	if err := app.SubfieldCLI.Start(ctx); err != nil {
		return err
	}
	defer func() { err = errors.Join(err, app.SubfieldCLI.Stop(context.WithoutCancel(ctx))) }()
	if err := app.SubfieldCLI.WaitForPeers(ctx); err != nil {
		return err
	}
	return fn(ctx, app)
}

func newNodeCmd(flags *rootFlags) *cobra.Command {
	node := &cobra.Command{Use: "node", Short: "Run a serving node"}
	node.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run a server node in the foreground until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := loadConfig(cmd, flags, config.ModeServer)
			if err != nil {
				return err
			}
			app, err := bootstrap.New(cfg)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, app.Close()) }()
			ctx, cancel := signalContext()
			defer cancel()
			return app.SubfieldCLI.Run(ctx)
		},
	})
	return node
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node keypair",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := bootstrap.NewOffline().SubfieldCLI.Keygen(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "private_key: %s\npublic_key: %s\n", out.PrivateKey, out.PublicKey)
			return nil
		},
	}
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Join the overlay and report what this client sees",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				st, err := app.SubfieldCLI.Status(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				_, _ = fmt.Fprintf(w, "running=%t mode=%s peer=%s identity=%s\n", st.Running, st.Mode, st.PeerID, st.IdentityHash)
				_, _ = fmt.Fprintf(w, "peers=%d inbound=%d decode_errors=%d rate_limited=%d dropped_events=%d in_flight=%d storage_degraded=%t subscriptions=%d\n",
					len(st.Peers), st.InboundRequests, st.DecodeErrors, st.RateLimited, st.DroppedEvents, st.InFlight, st.StorageDegraded, st.Subscriptions)
				if st.BootstrapSummary != "" {
					_, _ = fmt.Fprintf(w, "bootstrap: %s\n", st.BootstrapSummary)
				}
				for _, peer := range st.Peers {
					_, _ = fmt.Fprintf(w, "%s\t%s\n", peer.ID, peer.IdentityHash)
				}
				return nil
			})
		},
	}
}

func newPingCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping [peer-id]",
		Short: "Round-trip a timestamp with a peer (default: nearest peer)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer := ""
			if len(args) == 1 {
				peer = args[0]
			}
			return withClient(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.SubfieldCLI.Ping(ctx, peer)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "pong from %s rtt=%s remote_ts=%d\n", out.Peer, out.RTT, out.RemoteTimestamp)
				return nil
			})
		},
	}
}

func newEchoCmd(flags *rootFlags) *cobra.Command {
	var key keyFlags
	cmd := &cobra.Command{
		Use:   "echo <message>",
		Short: "Echo a message through the peer closest to a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				reply, err := app.SubfieldCLI.Echo(ctx, key.input(), args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), reply)
				return nil
			})
		},
	}
	key.register(cmd)
	return cmd
}

func newRecordCmd(flags *rootFlags) *cobra.Command {
	record := &cobra.Command{Use: "record", Short: "Signed record operations"}

	var getKey keyFlags
	get := &cobra.Command{
		Use:   "get",
		Short: "Fetch the newest record under a key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				rec, err := app.SubfieldCLI.GetRecord(ctx, getKey.input())
				if err != nil {
					return err
				}
				printRecord(cmd.OutOrStdout(), rec)
				return nil
			})
		},
	}
	getKey.register(get)

	var putKey keyFlags
	var bodyFile string
	put := &cobra.Command{
		Use:   "put [body]",
		Short: "Sign and store a record under a complete key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd, args, bodyFile)
			if err != nil {
				return err
			}
			return withClient(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.SubfieldCLI.PutRecord(ctx, putKey.input(), body)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stored %s indexed=%d remote=%s replicas=%s\n",
					out.Record.RoutingKeyHash, out.Indexed, out.Remote, strings.Join(out.Replicas, ","))
				return nil
			})
		},
	}
	putKey.register(put)
	put.Flags().StringVar(&bodyFile, "file", "", "read the body from a file ('-' for stdin)")

	var delKey keyFlags
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete this identity's records under a key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				out, err := app.SubfieldCLI.DeleteRecord(ctx, delKey.input())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records under %s\n", out.Removed, out.Hash)
				return nil
			})
		},
	}
	delKey.register(del)

	var prefix string
	var limit int
	scan := &cobra.Command{
		Use:   "scan",
		Short: "List locally stored records by index hash prefix",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := loadConfig(cmd, flags, config.ModeServer)
			if err != nil {
				return err
			}
			app, err := bootstrap.New(cfg)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, app.Close()) }()
			entries, err := app.SubfieldCLI.Scan(cmd.Context(), prefix, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no records")
				return nil
			}
			for _, entry := range entries {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\t%q\n", entry.IndexHash, entry.Record.Author, entry.Record.Timestamp, entry.Record.Body)
			}
			return nil
		},
	}
	scan.Flags().StringVar(&prefix, "prefix", "", "hex prefix of the index hash")
	scan.Flags().IntVar(&limit, "limit", 100, "maximum entries (0 for all)")

	record.AddCommand(get, put, del, scan)
	return record
}

func newSubscribeCmd(flags *rootFlags) *cobra.Command {
	var key keyFlags
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Print records stored under a key until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				return app.SubfieldCLI.Subscribe(ctx, key.input(), func(ev dto.EventOutput) error {
					_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\t%q\n", ev.SubscriptionID, ev.Record.Author, ev.Record.Timestamp, ev.Record.Body)
					return err
				})
			})
		},
	}
	key.register(cmd)
	return cmd
}

func newUnsubscribeCmd(flags *rootFlags) *cobra.Command {
	var key keyFlags
	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "End this identity's subscriptions on a key at the serving peer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, flags, func(ctx context.Context, app *bootstrap.App) error {
				closed, err := app.SubfieldCLI.Unsubscribe(ctx, key.input())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "closed %d subscriptions\n", closed)
				return nil
			})
		},
	}
	key.register(cmd)
	return cmd
}

func readBody(cmd *cobra.Command, args []string, file string) ([]byte, error) {
	switch {
	case file == "-":
		return io.ReadAll(cmd.InOrStdin())
	case file != "":
		return os.ReadFile(file)
	case len(args) == 1:
		return []byte(args[0]), nil
	default:
		return nil, fmt.Errorf("a body argument or --file is required")
	}
}

func printRecord(w io.Writer, rec dto.RecordOutput) {
	_, _ = fmt.Fprintf(w, "signer: %s\ncosigner: %s\ntangent: %s\nauthor: %s\ntimestamp: %d\nbody: %s\n",
		rec.Signer, rec.Cosigner, rec.Tangent, rec.Author, rec.Timestamp, rec.Body)
}
