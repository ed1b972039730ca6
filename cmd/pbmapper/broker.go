// cmd/pbmapper/broker.go
// Implements the `pbmapper broker` command: the publicly reachable
// rendezvous process. Alongside the tunnel port it can serve an admin HTTP
// surface (/metrics, /status/ws) on a separate address, optionally guarded
// by a bearer token or JWT and optionally backed by a Redis replay cache
// for status snapshots.
package main

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/quaybridge/pbmapper/internal/broker"
	"github.com/quaybridge/pbmapper/internal/broker/statuscache"
)

func newBrokerCmd() *cobra.Command {
	var (
		port      int
		useIPv6   bool
		keepAlive bool
		maxConns  int

		adminListen    string
		adminToken     string
		adminJWTSecret string
		adminJWTIssuer string
		statusInterval time.Duration

		redisAddr      string
		redisRetention time.Duration
	)

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the rendezvous broker",
		Long:  `Binds the public tunnel port, accepts Register/Subscribe/Stream/Status connections and pairs service agents with gateway agents. Keeps no state across restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			host := "0.0.0.0"
			if useIPv6 {
				host = "::"
			}
			// The connection handlers read the keepalive gate from the
			// environment, so the flag is surfaced there.
			if keepAliveEnabled(keepAlive) {
				_ = os.Setenv(keepAliveEnv, "1")
			}

			srv := broker.New(broker.Config{
				ListenAddr: net.JoinHostPort(host, strconv.Itoa(port)),
				MaxConns:   maxConns,
			})

			ctx := cmd.Context()
			if adminListen != "" {
				var cache *statuscache.Store
				if redisAddr != "" {
					cli := redis.NewClient(&redis.Options{Addr: redisAddr})
					cache = statuscache.New(cli, redisRetention, 0)
				}
				hub := broker.NewStatusHub(srv.Manager(), cacheOrNil(cache))
				go hub.Run(ctx, statusInterval, func() int64 { return time.Now().Unix() })
				adminSrv := broker.StartAdmin(broker.AdminConfig{
					ListenAddr:    adminListen,
					EnableMetrics: true,
					AuthToken:     adminToken,
					JWTSecret:     jwtSecretBytes(adminJWTSecret),
					JWTIssuer:     adminJWTIssuer,
				}, hub, replayOrNil(cache))
				defer func() { _ = adminSrv.Close() }()
			}

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "pb-mapper-port", 7666, "Tunnel port the broker listens on")
	cmd.Flags().BoolVar(&useIPv6, "use-ipv6", false, "Bind the tunnel port on the IPv6 wildcard address")
	cmd.Flags().BoolVar(&keepAlive, "keep-alive", false, "Enable TCP keepalive on accepted connections (also via "+keepAliveEnv+")")
	cmd.Flags().IntVar(&maxConns, "max-conns", 0, "Soft cap on concurrently accepted connections (0 = unbounded)")
	cmd.Flags().StringVar(&adminListen, "admin-listen", "", "Admin HTTP listen address (host:port, empty to disable)")
	cmd.Flags().StringVar(&adminToken, "admin-auth-token", "", "Static bearer token guarding the admin surface (optional)")
	cmd.Flags().StringVar(&adminJWTSecret, "admin-jwt-secret", "", "HMAC secret for JWT admin auth (takes precedence over --admin-auth-token)")
	cmd.Flags().StringVar(&adminJWTIssuer, "admin-jwt-issuer", "", "Expected iss claim for JWT admin auth (empty accepts any)")
	cmd.Flags().DurationVar(&statusInterval, "status-interval", 5*time.Second, "Interval between status snapshots pushed to admin subscribers")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address for the status replay cache (empty to disable)")
	cmd.Flags().DurationVar(&redisRetention, "redis-retention", 15*time.Minute, "How long cached status snapshots stay replayable")
	return cmd
}

// cacheOrNil / replayOrNil keep a typed-nil *statuscache.Store out of the
// broker's interface fields, so its nil checks behave.
func cacheOrNil(c *statuscache.Store) broker.SnapshotCache {
	if c == nil {
		return nil
	}
	return c
}

func replayOrNil(c *statuscache.Store) broker.SnapshotReplayer {
	if c == nil {
		return nil
	}
	return c
}

func jwtSecretBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}
