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

var scheduleFlags struct {
	dayStart  string
	dayEnd    string
	dayFreq   string
	nightFreq string
	host      string
	port      int
	watch     bool
	interval  int
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Switch the rig frequency on a day/night schedule",
	Long: `Sets the rig frequency through the JS8Call API according to local time:
the day frequency inside the start-end window, the night frequency outside
it. Windows may cross midnight (for example 20:00 to 06:00). With --watch it
keeps checking and re-applies the frequency whenever the window boundary is
crossed.`,
	RunE:         runSchedule,
	SilenceUsage: true,
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleFlags.dayStart, "day-start", "08:00", "day window start, local HH:MM")
	scheduleCmd.Flags().StringVar(&scheduleFlags.dayEnd, "day-end", "20:00", "day window end, local HH:MM")
	scheduleCmd.Flags().StringVar(&scheduleFlags.dayFreq, "day-freq", "", "day frequency (Hz, kHz or MHz)")
	scheduleCmd.Flags().StringVar(&scheduleFlags.nightFreq, "night-freq", "", "night frequency (Hz, kHz or MHz)")
	scheduleCmd.Flags().StringVar(&scheduleFlags.host, "host", "127.0.0.1", "JS8Call API host")
	scheduleCmd.Flags().IntVar(&scheduleFlags.port, "port", 2442, "JS8Call API port")
	scheduleCmd.Flags().BoolVar(&scheduleFlags.watch, "watch", false, "keep running and switch at window boundaries")
	scheduleCmd.Flags().IntVar(&scheduleFlags.interval, "interval", 60, "seconds between checks with --watch")
	scheduleCmd.MarkFlagRequired("day-freq")
	scheduleCmd.MarkFlagRequired("night-freq")
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	dayHz, err := parseFreqHz(scheduleFlags.dayFreq)
	if err != nil {
		return fmt.Errorf("day frequency: %w", err)
	}
	nightHz, err := parseFreqHz(scheduleFlags.nightFreq)
	if err != nil {
		return fmt.Errorf("night frequency: %w", err)
	}
	if _, _, err := parseHHMM(scheduleFlags.dayStart); err != nil {
		return fmt.Errorf("day start: %w", err)
	}
	if _, _, err := parseHHMM(scheduleFlags.dayEnd); err != nil {
		return fmt.Errorf("day end: %w", err)
	}

	logger := newLogger("info", "text")
	addr := fmt.Sprintf("%s:%d", scheduleFlags.host, scheduleFlags.port)

	target := func(now time.Time) int64 {
		day, _ := inDayWindow(now, scheduleFlags.dayStart, scheduleFlags.dayEnd)
		if day {
			return dayHz
		}
		return nightHz
	}

	if !scheduleFlags.watch {
		return applyFreq(addr, target(time.Now()), logger)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var lastApplied int64 = -1
	check := func() {
		freq := target(time.Now())
		if freq == lastApplied {
			return
		}
		if err := applyFreq(addr, freq, logger); err == nil {
			lastApplied = freq
		}
	}

	check()
	ticker := time.NewTicker(time.Duration(scheduleFlags.interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			check()
		case sig := <-stop:
			logger.Info("schedule_stopping", "signal", sig.String())
			return nil
		}
	}
}

func applyFreq(addr string, freqHz int64, logger *slog.Logger) error {
	cmd := js8.Command{"type": "RIG.SET_FREQ", "value": freqHz}
	if err := js8.SendOnce("tcp", addr, cmd, 3*time.Second); err != nil {
		logger.Error("set_freq_failed", "freq_hz", freqHz, "error", err.Error())
		return err
	}
	logger.Info("set_freq", "freq_hz", freqHz)
	return nil
}

// parseFreqHz accepts "14.078mhz", "7078khz", "7078000hz" or a bare number.
// Bare values of 1000 or more are Hz; smaller ones are MHz, so "14.078"
// means 14.078 MHz.
func parseFreqHz(s string) (int64, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	if raw == "" {
		return 0, fmt.Errorf("empty frequency")
	}

	multiplier := float64(0)
	num := raw
	switch {
	case strings.HasSuffix(raw, "mhz"):
		multiplier = 1e6
		num = raw[:len(raw)-3]
	case strings.HasSuffix(raw, "khz"):
		multiplier = 1e3
		num = raw[:len(raw)-3]
	case strings.HasSuffix(raw, "hz"):
		multiplier = 1
		num = raw[:len(raw)-2]
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return 0, fmt.Errorf("bad frequency %q", s)
	}
	if multiplier == 0 {
		if val >= 1000 {
			multiplier = 1
		} else {
			multiplier = 1e6
		}
	}
	hz := int64(val*multiplier + 0.5)
	if hz <= 0 {
		return 0, fmt.Errorf("bad frequency %q", s)
	}
	return hz, nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad time %q, want HH:MM", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad time %q, want HH:MM", s)
	}
	return hour, minute, nil
}

// inDayWindow reports whether now falls inside the [start, end] wall-clock
// window. When start is after end the window crosses midnight.
func inDayWindow(now time.Time, start, end string) (bool, error) {
	sh, sm, err := parseHHMM(start)
	if err != nil {
		return false, err
	}
	eh, em, err := parseHHMM(end)
	if err != nil {
		return false, err
	}
	startT := time.Date(now.Year(), now.Month(), now.Day(), sh, sm, 0, 0, now.Location())
	endT := time.Date(now.Year(), now.Month(), now.Day(), eh, em, 0, 0, now.Location())

	if !startT.After(endT) {
		return !now.Before(startT) && !now.After(endT), nil
	}
	return !now.Before(startT) || !now.After(endT), nil
}
