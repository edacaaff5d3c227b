package infra

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fluxline/intent-settler/pkg/common/config"
	"github.com/fluxline/intent-settler/pkg/common/constant"
	"github.com/fluxline/intent-settler/pkg/common/logger"
)

func GetNATSConnection(natsConfig config.NATSConfig, environment string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1), // retry forever
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectHandler(func(nc *nats.Conn) {
			logger.Warn("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(natsErrHandler),
	}

	natsURL := natsConfig.URL
	if environment != constant.EnvProduction {
		if natsURL == "" {
			natsURL = nats.DefaultURL
		}
		return nats.Connect(natsURL, opts...)
	}

	if natsConfig.TLS.ClientCert != "" && natsConfig.TLS.ClientKey != "" {
		opts = append(opts, nats.ClientCert(natsConfig.TLS.ClientCert, natsConfig.TLS.ClientKey))
	}
	if natsConfig.TLS.CACert != "" {
		opts = append(opts, nats.RootCAs(natsConfig.TLS.CACert))
	}
	if natsConfig.Username != "" {
		opts = append(opts, nats.UserInfo(natsConfig.Username, natsConfig.Password))
	}
	return nats.Connect(natsURL, opts...)
}

func natsErrHandler(nc *nats.Conn, sub *nats.Subscription, natsErr error) {
	logger.Error("NATS error", "err", natsErr)
	if natsErr == nats.ErrSlowConsumer && sub != nil {
		pendingMsgs, _, err := sub.Pending()
		if err != nil {
			logger.Error("Failed to read pending messages", "err", err)
			return
		}
		logger.Error("Falling behind on subject", "pending", pendingMsgs, "subject", sub.Subject)
	}
}
