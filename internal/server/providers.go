package server

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	stripeapi "github.com/stripe/stripe-go/v81"

	"github.com/kocbridge/escrow/internal/circuitbreaker"
	"github.com/kocbridge/escrow/internal/config"
	"github.com/kocbridge/escrow/internal/failover"
	"github.com/kocbridge/escrow/internal/provider"
	"github.com/kocbridge/escrow/internal/provider/baokim"
	"github.com/kocbridge/escrow/internal/provider/chain"
	"github.com/kocbridge/escrow/internal/provider/nganluong"
	"github.com/kocbridge/escrow/internal/provider/stripe"
)

// rails is the set of configured payment providers.
type rails struct {
	registry *provider.Registry
	gateways *failover.Manager // nil unless both VN gateways are configured
	closers  []io.Closer
}

// buildRails constructs every provider the config enables. With both VN
// gateways configured they sit behind the failover manager; with one, it
// is registered directly.
func buildRails(cfg *config.Config, logger *slog.Logger) (*rails, error) {
	r := &rails{}
	var ps []provider.Provider

	if cfg.StripeEnabled() {
		sc := stripe.Config{SecretKey: cfg.StripeSecretKey, WebhookSecret: cfg.StripeWebhookSecret}
		if cfg.StripeAPIURL != "" {
			sc.Backend = stripeapi.GetBackendWithConfig(stripeapi.APIBackend, &stripeapi.BackendConfig{
				URL: stripeapi.String(cfg.StripeAPIURL),
			})
		}
		ps = append(ps, stripe.New(sc))
		logger.Info("provider enabled", "provider", provider.Stripe)
	}

	var vn []provider.Provider
	if cfg.BaokimBaseURL != "" && cfg.BaokimSecret != "" {
		vn = append(vn, baokim.New(baokim.Config{
			BaseURL:           cfg.BaokimBaseURL,
			MerchantID:        cfg.BaokimMerchantID,
			Secret:            cfg.BaokimSecret,
			RequestsPerSecond: cfg.VNRequestsPerSecond,
		}))
	}
	if cfg.NganLuongBaseURL != "" && cfg.NganLuongSecret != "" {
		vn = append(vn, nganluong.New(nganluong.Config{
			BaseURL:           cfg.NganLuongBaseURL,
			MerchantID:        cfg.NganLuongMerchantID,
			Secret:            cfg.NganLuongSecret,
			RequestsPerSecond: cfg.VNRequestsPerSecond,
		}))
	}
	switch len(vn) {
	case 1:
		ps = append(ps, vn[0])
		logger.Warn("single VN gateway configured, failover disabled", "provider", vn[0].Name())
	case 2:
		primary, backup := vn[0], vn[1]
		if cfg.VNPrimaryProvider == provider.NganLuong {
			primary, backup = backup, primary
		}
		m, err := failover.New(primary, backup,
			failover.WithBreaker(circuitbreaker.New(5, time.Minute)),
			failover.WithLogger(logger.With("component", "failover")),
		)
		if err != nil {
			return nil, err
		}
		r.gateways = m
		ps = append(ps, m)
		logger.Info("VN failover enabled", "primary", m.Primary(), "backup", m.Backup())
	}

	if cfg.ChainEnabled() {
		w, err := chain.NewWallet(chain.Config{
			RPCURL:       cfg.RPCURL,
			PrivateKey:   cfg.PrivateKey,
			ChainID:      cfg.ChainID,
			USDCContract: cfg.USDCContract,
		})
		if err != nil {
			return nil, fmt.Errorf("chain wallet: %w", err)
		}
		a := chain.New(w, cfg.ChainID)
		r.closers = append(r.closers, a)
		ps = append(ps, a)
		logger.Info("provider enabled", "provider", provider.Chain, "escrow_address", w.Address().Hex())
	}

	r.registry = provider.NewRegistry(ps...)
	return r, nil
}
