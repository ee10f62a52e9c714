package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gabrielBielll/zapflow/internal/config"
	"github.com/gabrielBielll/zapflow/internal/domain"
	"github.com/gabrielBielll/zapflow/internal/gateway"
	"github.com/gabrielBielll/zapflow/internal/provider"
	"github.com/gabrielBielll/zapflow/internal/relay"
	"github.com/gabrielBielll/zapflow/internal/responder"
)

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the zapflow gateway server",
	}

	cmd.AddCommand(newGatewayRunCmd())
	return cmd
}

func newGatewayRunCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}
			if logLevel == "" && cfg.Logging.Level != "" {
				log.SetLevel(cfg.Logging.Level)
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			responderTimeout := time.Duration(cfg.Responder.TimeoutSeconds) * time.Second

			// The registry delivers protocol-provider messages into the
			// relay pipeline, and the pipeline sends replies back out
			// through the registry. The closure breaks that cycle at
			// construction time.
			var pipe *relay.Pipeline
			registry := provider.NewRegistry(func(msg domain.InboundMessage) {
				ctx, cancel := context.WithTimeout(context.Background(), responderTimeout+15*time.Second)
				defer cancel()
				pipe.Handle(ctx, msg)
			}, log)

			registry.RegisterFactory(provider.MeowInfo(), provider.NewMeowFactory(provider.MeowOptions{
				StoreDir:    cfg.Providers.Whatsmeow.StoreDir,
				CountryCode: cfg.Providers.DefaultCountryCode,
			}, log))
			registry.RegisterFactory(provider.WAHAInfo(), provider.NewWAHAFactory(provider.WAHAOptions{
				BaseURL:     cfg.Providers.WAHA.URL,
				APIKey:      cfg.Providers.WAHA.APIKey,
				WebhookURL:  cfg.Providers.WAHA.WebhookURL,
				CountryCode: cfg.Providers.DefaultCountryCode,
			}, log))

			resp := responder.New(cfg.Responder.URL, responderTimeout, log)
			var limiter *relay.SenderLimiter
			if cfg.Relay.RatePerMinute > 0 {
				limiter = relay.NewSenderLimiter(cfg.Relay.RatePerMinute, cfg.Relay.RateBurst)
			}
			pipe = relay.NewPipeline(registry, resp, limiter, cfg.Relay.FallbackReply, log)

			srv := gateway.New(cfg, registry, pipe, log)

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")

	return cmd
}
