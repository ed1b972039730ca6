// cmd/pbmapper/gateway.go
// Implements the `pbmapper gateway` command group: the access-side process
// that exposes a remote service (named by its key) on a local listening
// address.  The tcp-server/udp-server subcommands mirror the agent's but are
// reinterpreted as "expose service K locally at A".
package main

import (
	"github.com/spf13/cobra"

	"github.com/quaybridge/pbmapper/internal/gatewayagent"
	"github.com/quaybridge/pbmapper/internal/logging"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Expose a registered service on a local port",
		Long:  `Validates the key is registered with the broker, binds a local listener, and bridges every accepted local connection to the remote service through a fresh broker subscription.`,
	}
	cmd.AddCommand(newGatewaySubCmd(gatewayagent.ProtocolTCP))
	cmd.AddCommand(newGatewaySubCmd(gatewayagent.ProtocolUDP))
	return cmd
}

func newGatewaySubCmd(proto gatewayagent.Protocol) *cobra.Command {
	var (
		key        string
		addr       string
		brokerFlag string
		encrypt    bool
		keepAlive  bool
	)

	use := "tcp-server"
	short := "Expose a remote TCP service on a local address"
	if proto == gatewayagent.ProtocolUDP {
		use = "udp-server"
		short = "Expose a remote UDP service on a local address"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			broker, err := brokerAddr(brokerFlag)
			if err != nil {
				return err
			}
			agent := gatewayagent.New(gatewayagent.Config{
				BrokerAddr: broker,
				Key:        key,
				ListenAddr: addr,
				Proto:      proto,
				Encrypt:    encrypt,
				KeepAlive:  keepAliveEnabled(keepAlive),
				Status: func(state string) {
					logging.Sugar().Infow("gateway status", "state", state)
				},
			})
			return agent.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Service key to subscribe to")
	cmd.Flags().StringVar(&addr, "addr", "", "Local host:port to expose the service on")
	cmd.Flags().StringVar(&brokerFlag, "pb-mapper-server", "", "Broker address (host:port); falls back to "+brokerAddrEnv)
	cmd.Flags().BoolVar(&encrypt, "encrypt", true, "Encrypt the broker-facing legs with the per-key session key")
	cmd.Flags().BoolVar(&keepAlive, "keep-alive", false, "Enable TCP keepalive on broker connections (also via "+keepAliveEnv+")")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("addr")
	return cmd
}
