// cmd/pbmapper/status.go
// Implements the `pbmapper status` sub-command: a one-shot query against
// the broker's tunnel port that fetches and pretty-prints either the list
// of registered keys or the raw connection-id snapshot.
package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/quaybridge/pbmapper/internal/protocol"
)

func newStatusCmd() *cobra.Command {
	var brokerFlag string

	cmd := &cobra.Command{
		Use:       "status <keys|remote-id>",
		Short:     "Fetch one status snapshot from the broker",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"keys", "remote-id"},
		RunE: func(cmd *cobra.Command, args []string) error {
			req := protocol.StatusReqKeys
			if args[0] == "remote-id" {
				req = protocol.StatusReqRemoteID
			}

			addr, err := brokerAddr(brokerFlag)
			if err != nil {
				return err
			}
			resp, err := fetchStatus(addr, req)
			if err != nil {
				return err
			}

			switch req {
			case protocol.StatusReqKeys:
				if len(resp.StatusKeys) == 0 {
					fmt.Println("no keys registered")
					return nil
				}
				for _, k := range resp.StatusKeys {
					fmt.Println(k)
				}
			case protocol.StatusReqRemoteID:
				if resp.StatusRemoteID == nil {
					return fmt.Errorf("broker returned no remote-id payload")
				}
				fmt.Printf("server map: %s\n", resp.StatusRemoteID.ServerMap)
				fmt.Printf("active:     %s\n", resp.StatusRemoteID.Active)
				fmt.Printf("idle:       %s\n", resp.StatusRemoteID.Idle)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&brokerFlag, "pb-mapper-server", "", "Broker address (host:port); falls back to "+brokerAddrEnv)
	return cmd
}

// fetchStatus performs the single-frame status handshake on a fresh
// connection: one Status request out, one StatusResp frame back.
func fetchStatus(addr, req string) (*protocol.Command, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	msg, err := (&protocol.Command{Kind: protocol.KindStatus, StatusReq: req}).Encode()
	if err != nil {
		return nil, err
	}
	if err := protocol.NewMessageWriter(conn).WriteMsg(msg); err != nil {
		return nil, fmt.Errorf("write status request: %w", err)
	}
	raw, err := protocol.NewMessageReader(conn).ReadMsg()
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}
	resp, err := protocol.DecodeCommand(raw)
	if err != nil {
		return nil, err
	}
	if err := resp.ExpectKind(protocol.KindStatusResp); err != nil {
		return nil, err
	}
	return resp, nil
}
