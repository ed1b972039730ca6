// cmd/pbmapper/agent.go
// Implements the `pbmapper agent` command group: the service-side process
// that registers a key with the broker and dials the private service on
// demand.  `tcp-server` and `udp-server` share all flags and differ only in
// how the private service is dialled.
package main

import (
	"github.com/spf13/cobra"

	"github.com/quaybridge/pbmapper/internal/logging"
	"github.com/quaybridge/pbmapper/internal/serviceagent"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the service agent next to a private service",
		Long:  `Registers a key with the broker and, for every stream request pushed down the control connection, dials the private service and bridges it through a fresh broker connection.`,
	}
	cmd.AddCommand(newAgentSubCmd(serviceagent.ProtocolTCP))
	cmd.AddCommand(newAgentSubCmd(serviceagent.ProtocolUDP))
	return cmd
}

func newAgentSubCmd(proto serviceagent.Protocol) *cobra.Command {
	var (
		key        string
		addr       string
		brokerFlag string
		encrypt    bool
		keepAlive  bool
	)

	use := "tcp-server"
	short := "Expose a private TCP service under a key"
	if proto == serviceagent.ProtocolUDP {
		use = "udp-server"
		short = "Expose a private UDP service under a key"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			broker, err := brokerAddr(brokerFlag)
			if err != nil {
				return err
			}
			agent := serviceagent.New(serviceagent.Config{
				BrokerAddr: broker,
				Key:        key,
				LocalAddr:  addr,
				Proto:      proto,
				Encrypt:    encrypt,
				KeepAlive:  keepAliveEnabled(keepAlive),
				Status: func(state string) {
					logging.Sugar().Infow("agent status", "state", state)
				},
			})
			return agent.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Service key to register with the broker")
	cmd.Flags().StringVar(&addr, "addr", "", "host:port of the private service this agent fronts")
	cmd.Flags().StringVar(&brokerFlag, "pb-mapper-server", "", "Broker address (host:port); falls back to "+brokerAddrEnv)
	cmd.Flags().BoolVar(&encrypt, "encrypt", true, "Encrypt the broker-facing legs with the per-key session key")
	cmd.Flags().BoolVar(&keepAlive, "keep-alive", false, "Enable TCP keepalive on broker connections (also via "+keepAliveEnv+")")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("addr")
	return cmd
}
