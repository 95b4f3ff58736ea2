package routes

import (
	"net/http"

	"btcfi/native/units"
)

type balanceView struct {
	Asset units.AssetID `json:"asset"`
	Units string        `json:"units"`
}

func (a *api) balances(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.read(w, r, func() (interface{}, error) {
		assets := units.Assets()
		out := make([]balanceView, 0, len(assets))
		for _, asset := range assets {
			balance, err := a.node.BalanceOf(asset, addr)
			if err != nil {
				return nil, err
			}
			out = append(out, balanceView{Asset: asset, Units: balance})
		}
		return out, nil
	})
}
