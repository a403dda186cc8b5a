package js8

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// SendOnce dials addr, writes a single command frame, and closes the
// connection. mode is "tcp" or "udp". Meant for fire-and-forget tooling that
// does not want a long-lived Sender.
func SendOnce(mode, addr string, cmd Command, timeout time.Duration) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	payload = append(payload, '\n')

	network := "tcp"
	if strings.EqualFold(mode, "udp") {
		network = "udp"
	}
	conn, err := net.DialTimeout(network, addr, timeout)
	if err != nil {
		return fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}
