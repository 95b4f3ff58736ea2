package units

import (
	"strings"

	nativecommon "btcfi/native/common"
)

var ErrUnknownAsset = nativecommon.Validation("units: unknown asset")

// AssetID enumerates every asset the protocol prices or lends.
type AssetID uint8

const (
	AssetUnknown AssetID = iota
	AssetBTC
	AssetStBTC
	AssetUSDT
	AssetUSDC
	AssetGOV
)

var assetSymbols = map[AssetID]string{
	AssetBTC:   "BTC",
	AssetStBTC: "STBTC",
	AssetUSDT:  "USDT",
	AssetUSDC:  "USDC",
	AssetGOV:   "GOV",
}

// Assets lists the registered assets in declaration order.
func Assets() []AssetID {
	return []AssetID{AssetBTC, AssetStBTC, AssetUSDT, AssetUSDC, AssetGOV}
}

func (a AssetID) String() string {
	if sym, ok := assetSymbols[a]; ok {
		return sym
	}
	return "UNKNOWN"
}

// Valid reports whether the id is registered.
func (a AssetID) Valid() bool {
	_, ok := assetSymbols[a]
	return ok
}

// Stablecoin reports whether the asset is a 6 decimal USD stablecoin.
func (a AssetID) Stablecoin() bool { return a == AssetUSDT || a == AssetUSDC }

// ParseAsset resolves a case-insensitive symbol.
func ParseAsset(symbol string) (AssetID, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for id, sym := range assetSymbols {
		if sym == symbol {
			return id, nil
		}
	}
	return AssetUnknown, ErrUnknownAsset
}

func (a AssetID) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *AssetID) UnmarshalText(text []byte) error {
	id, err := ParseAsset(string(text))
	if err != nil {
		return err
	}
	*a = id
	return nil
}
