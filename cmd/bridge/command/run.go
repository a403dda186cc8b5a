package command

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"js8tastic/internal/bridge"
	"js8tastic/internal/config"
	"js8tastic/internal/js8"
	"js8tastic/internal/mesh"
	"js8tastic/internal/status"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bidirectional bridge",
	Long: `Starts both relay directions: JS8Call traffic tagged with @TAG is routed
onto the mesh, and mesh text messages are forwarded to JS8Call. Runs until
interrupted.`,
	RunE:         runBridge,
	SilenceUsage: true,
}

var (
	runRouteNode []string
	runRouteChan []string
)

func init() {
	runCmd.Flags().StringArrayVar(&runRouteNode, "route-node", nil, "tag=node route rule (e.g. QXT=!433d2f30); repeat the flag for more destinations")
	runCmd.Flags().StringArrayVar(&runRouteChan, "route-chan", nil, "tag=channel route rule (e.g. QXT=LongFast); repeat the flag for more destinations")
	rootCmd.AddCommand(runCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	nodeRoutes := parseRouteRules(append(cfg.RouteNode, runRouteNode...), "route_node", logger)
	chanRoutes := parseRouteRules(append(cfg.RouteChan, runRouteChan...), "route_chan", logger)

	// mesh side: a dead device connection is fatal at startup, recovered
	// automatically afterwards
	transport := mesh.NewTransport(func() (mesh.Device, error) {
		return mesh.DialTCPDevice(cfg.MeshAddr(), logger)
	}, cfg.AckTimeout, cfg.HeartbeatInterval, logger)

	// modem side
	sender := js8.NewSender(cfg.SendAddr(), logger)
	sender.SendRetries = cfg.SendRetries
	if err := sender.Connect(); err != nil {
		logger.Warn("modem_sender_connect_failed", "addr", cfg.SendAddr(), "error", err.Error())
	}
	listener := js8.NewListener(cfg.JS8Mode, cfg.ListenAddr(), logger)

	engine := bridge.NewRoutingEngine(nodeRoutes, chanRoutes, cfg.OnlyTag, bridge.Defaults{
		NodeID:       cfg.DestID,
		NodeName:     cfg.DestShortName,
		ChannelIndex: cfg.ChannelIndex,
		ChannelName:  cfg.ChannelName,
	}, cfg.WantAck, logger)

	br := bridge.New(cfg, sender, transport, transport, engine, logger)
	transport.OnText(br.HandleMeshText)
	transport.OnAckTimeout(br.HandleAckTimeout)

	if err := transport.Start(); err != nil {
		return fmt.Errorf("mesh transport: %w", err)
	}
	defer transport.Stop()

	if err := listener.Start(br.HandleModemEvent); err != nil {
		return fmt.Errorf("modem listener: %w", err)
	}
	defer listener.Stop()

	sender.StartHeartbeat(cfg.HeartbeatInterval)
	defer sender.Close()

	var statusServer *status.Server
	if cfg.StatusAddr != "" {
		statusServer = status.NewServer(cfg.StatusAddr, br.Stats(), status.Probes{
			ModemListener: listener.State,
			ModemSender:   sender.State,
			MeshPending:   transport.Pending,
			MeshSelfID:    transport.SelfID,
			DedupFill:     br.DedupFill,
		}, logger)
		statusServer.Start()
		defer statusServer.Stop()
	}

	logger.Info("bridge_started",
		"modem_listen", cfg.ListenAddr(),
		"modem_send", cfg.SendAddr(),
		"mesh", cfg.MeshAddr(),
		"j2m", cfg.EnableJ2M,
		"m2j", cfg.EnableM2J)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	logger.Info("bridge_stopping", "signal", sig.String())
	return nil
}

func parseRouteRules(items []string, kind string, logger *slog.Logger) map[string][]string {
	rules, invalid := config.ParseRoutes(items)
	for _, item := range invalid {
		logger.Warn("route_rule_ignored", "kind", kind, "rule", item)
	}
	return rules
}
