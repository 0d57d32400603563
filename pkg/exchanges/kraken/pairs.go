package kraken

import "strings"

var symbolToPair = map[string]string{
	"BTC-USD": "XXBTZUSD",
	"ETH-USD": "XETHZUSD",
	"SOL-USD": "SOLUSD",
	"XRP-USD": "XXRPZUSD",
}

var assetToSymbol = map[string]string{
	"XXBT": "BTC-USD",
	"XBT":  "BTC-USD",
	"XETH": "ETH-USD",
	"ETH":  "ETH-USD",
	"SOL":  "SOL-USD",
	"XXRP": "XRP-USD",
	"XRP":  "XRP-USD",
}

// pairFragments is checked in order when mapping an arbitrary pair name back.
var pairFragments = []struct{ fragment, symbol string }{
	{"XBT", "BTC-USD"},
	{"ETH", "ETH-USD"},
	{"SOL", "SOL-USD"},
	{"XRP", "XRP-USD"},
}

// PairFor maps BTC-USD to XXBTZUSD.
func PairFor(symbol string) (string, bool) {
	p, ok := symbolToPair[strings.ToUpper(symbol)]
	return p, ok
}

// SymbolForAsset maps a balance asset code (XXBT, XBT, ...) to its USD symbol.
func SymbolForAsset(asset string) (string, bool) {
	s, ok := assetToSymbol[strings.ToUpper(asset)]
	return s, ok
}

// SymbolForPair maps a pair name as reported in order descriptions (XBTUSD, XXBTZUSD)
// back to a symbol.
func SymbolForPair(pair string) (string, bool) {
	p := strings.ToUpper(pair)
	for _, f := range pairFragments {
		if strings.Contains(p, f.fragment) {
			return f.symbol, true
		}
	}
	return "", false
}

// IsCash reports whether asset is the USD cash balance.
func IsCash(asset string) bool {
	a := strings.ToUpper(asset)
	return a == "ZUSD" || a == "USD"
}
