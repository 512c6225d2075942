package arbitrage

import "context"

// GasOracle reports the current network gas price in gwei.
type GasOracle interface {
	GasPrice(ctx context.Context) (float64, error)
}

// StaticGas is a GasOracle that always reports the same price.
type StaticGas float64

func (g StaticGas) GasPrice(context.Context) (float64, error) { return float64(g), nil }
