package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/p2psats/tradehub/logger"
	"github.com/p2psats/tradehub/traderr"
)

// pinnedPriceSource serves operator-pinned exchange rates parsed from
// the PINNED_RATES environment variable ("USD=65000,EUR=60000").
// Deployments with a live price feed replace this through the
// orders.PriceSource interface.
type pinnedPriceSource struct {
	rates map[string]float64
}

func newPinnedPriceSource(spec string) *pinnedPriceSource {
	rates := map[string]float64{}
	for _, pair := range strings.Split(spec, ",") {
		currency, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			continue
		}
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil || rate <= 0 {
			logger.Logger.Warn().Str("pair", pair).Msg("Ignoring unparseable pinned rate")
			continue
		}
		rates[strings.ToUpper(currency)] = rate
	}
	return &pinnedPriceSource{rates: rates}
}

func (p *pinnedPriceSource) Rate(ctx context.Context, currency string) (float64, error) {
	rate, ok := p.rates[strings.ToUpper(currency)]
	if !ok {
		return 0, traderr.NewBadRequestError("no exchange rate available for " + currency)
	}
	return rate, nil
}
