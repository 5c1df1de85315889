package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hivemind-dhcp/hivemind/internal/dhcp"
	"github.com/hivemind-dhcp/hivemind/pkg/dhcpv4"
)

type clientOptions struct {
	server   string
	mac      string
	hostname string
	relay    string
	timeout  time.Duration
}

func newClientCommand() *cobra.Command {
	var opts clientOptions

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Send a single DISCOVER or REQUEST to a running server",
		Long: "Send a single DISCOVER or REQUEST to a running server and print its reply.\n" +
			"The server must use the json reply format.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", fmt.Sprintf("127.0.0.1:%d", dhcpv4.DefaultPort), "server address")
	cmd.PersistentFlags().StringVar(&opts.mac, "mac", "", "client MAC address")
	cmd.PersistentFlags().StringVar(&opts.hostname, "hostname", "", "client hostname")
	cmd.PersistentFlags().StringVar(&opts.relay, "relay", "", "relay (gateway) address")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 3*time.Second, "how long to wait for a reply")
	cmd.MarkPersistentFlagRequired("mac")
	cmd.MarkPersistentFlagRequired("relay")

	cmd.AddCommand(&cobra.Command{
		Use:   "discover",
		Short: "Ask for an address offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return exchange(cmd, opts, map[string]string{
				dhcpv4.FieldMsgType:   dhcpv4.MessageTypeDiscover.String(),
				dhcpv4.FieldClientMAC: opts.mac,
				dhcpv4.FieldHostname:  opts.hostname,
				dhcpv4.FieldRelayIP:   opts.relay,
			})
		},
	})

	var ip string
	request := &cobra.Command{
		Use:   "request",
		Short: "Confirm an offered or held address",
		RunE: func(cmd *cobra.Command, args []string) error {
			return exchange(cmd, opts, map[string]string{
				dhcpv4.FieldMsgType:   dhcpv4.MessageTypeRequest.String(),
				dhcpv4.FieldClientIP:  ip,
				dhcpv4.FieldClientMAC: opts.mac,
				dhcpv4.FieldHostname:  opts.hostname,
				dhcpv4.FieldRelayIP:   opts.relay,
			})
		},
	}
	request.Flags().StringVar(&ip, "ip", "", "address to confirm")
	request.MarkFlagRequired("ip")
	cmd.AddCommand(request)

	return cmd
}

// exchange sends msg as one line and prints the reply in text form. The server
// answers some messages with silence, so a read timeout is reported as such.
func exchange(cmd *cobra.Command, opts clientOptions, msg map[string]string) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("tcp", opts.server, opts.timeout)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", opts.server, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(opts.timeout))
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("sending %s: %w", msg[dhcpv4.FieldMsgType], err)
	}

	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("no reply from %s within %s", opts.server, opts.timeout)
		}
		return fmt.Errorf("reading reply: %w", err)
	}

	resp, err := dhcp.ParseReply(reply)
	if err != nil {
		return err
	}
	text, err := dhcp.Render(resp, dhcp.FormatText)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(text)
	return err
}
