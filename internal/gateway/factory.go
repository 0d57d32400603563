package gateway

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	exchange "settlement-core/pkg/exchanges/common"
	"settlement-core/pkg/exchanges/kraken"
)

// ExchangeKraken is the connection exchange_type served by the live adapter.
const ExchangeKraken = "kraken"

// KrakenFactory builds Kraken clients against baseURL.
func KrakenFactory(baseURL string, timeout time.Duration, log logrus.FieldLogger) Factory {
	return func(exchangeType, apiKey, apiSecret string) (exchange.Gateway, error) {
		if exchangeType != ExchangeKraken {
			return nil, fmt.Errorf("unsupported exchange type: %s", exchangeType)
		}
		return kraken.New(kraken.Config{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
			Timeout:   timeout,
			Log:       log,
		}), nil
	}
}
