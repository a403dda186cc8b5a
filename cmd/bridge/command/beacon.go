package command

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"js8tastic/internal/js8"
)

var beaconFlags struct {
	group     string
	host      string
	port      int
	transport string
	minutes   int
}

var beaconCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Periodically ask a JS8 group for SNR reports",
	Long: `Sends "@GROUP SNR?" immediately and then once per interval, so stations
in the group report their signal quality back. Runs until interrupted.`,
	RunE:         runBeacon,
	SilenceUsage: true,
}

func init() {
	beaconCmd.Flags().StringVar(&beaconFlags.group, "group", "", "group name, with or without leading @")
	beaconCmd.Flags().StringVar(&beaconFlags.host, "host", "127.0.0.1", "JS8Call API host")
	beaconCmd.Flags().IntVar(&beaconFlags.port, "port", 2442, "JS8Call API port")
	beaconCmd.Flags().StringVar(&beaconFlags.transport, "transport", "tcp", "API transport: tcp or udp")
	beaconCmd.Flags().IntVar(&beaconFlags.minutes, "minutes", 30, "interval between beacons in minutes")
	beaconCmd.MarkFlagRequired("group")
	rootCmd.AddCommand(beaconCmd)
}

func runBeacon(cmd *cobra.Command, args []string) error {
	if beaconFlags.minutes < 1 {
		return fmt.Errorf("interval must be at least 1 minute")
	}
	logger := newLogger("info", "text")

	tag := groupTag(beaconFlags.group)
	addr := fmt.Sprintf("%s:%d", beaconFlags.host, beaconFlags.port)
	interval := time.Duration(beaconFlags.minutes) * time.Minute

	logger.Info("beacon_started", "group", tag, "interval", interval.String(),
		"transport", beaconFlags.transport, "addr", addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	beaconOnce(tag, addr, logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			beaconOnce(tag, addr, logger)
		case sig := <-stop:
			logger.Info("beacon_stopping", "signal", sig.String())
			return nil
		}
	}
}

func beaconOnce(tag, addr string, logger *slog.Logger) {
	msg := tag + " SNR?"
	cmd := js8.Command{
		"type":   "TX.SEND_MESSAGE",
		"value":  msg,
		"params": map[string]any{"_ID": strconv.FormatInt(time.Now().UnixMilli(), 10)},
	}
	if err := js8.SendOnce(beaconFlags.transport, addr, cmd, 10*time.Second); err != nil {
		logger.Error("beacon_tx_failed", "error", err.Error())
		return
	}
	logger.Info("beacon_tx", "text", msg)
}

// groupTag normalizes a group name to its @TAG form, upper-cased.
func groupTag(group string) string {
	g := strings.TrimSpace(group)
	if strings.HasPrefix(g, "@") {
		return "@" + strings.ToUpper(g[1:])
	}
	return "@" + strings.ToUpper(g)
}
