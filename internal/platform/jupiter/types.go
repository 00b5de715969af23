package jupiter

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Quote is a swap route. Raw keeps the full response because the swap
// endpoint expects it back verbatim.
type Quote struct {
	InputMint      string          `json:"inputMint"`
	OutputMint     string          `json:"outputMint"`
	InAmount       string          `json:"inAmount"`
	OutAmount      string          `json:"outAmount"`
	PriceImpactPct string          `json:"priceImpactPct"`
	SlippageBps    int             `json:"slippageBps"`
	Raw            json.RawMessage `json:"-"`
}

type priceResponse struct {
	Data map[string]priceEntry `json:"data"`
}

type priceEntry struct {
	ID    string    `json:"id"`
	Price flexFloat `json:"price"`
}

// flexFloat accepts both JSON numbers and numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type swapRequest struct {
	QuoteResponse                 json.RawMessage `json:"quoteResponse"`
	UserPublicKey                 string          `json:"userPublicKey"`
	WrapAndUnwrapSol              bool            `json:"wrapAndUnwrapSol"`
	UseSharedAccounts             bool            `json:"useSharedAccounts"`
	ComputeUnitPriceMicroLamports int64           `json:"computeUnitPriceMicroLamports,omitempty"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}
