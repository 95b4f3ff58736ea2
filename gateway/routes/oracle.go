package routes

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"btcfi/native/units"
)

func (a *api) mountOracle(r chi.Router) {
	r.Get("/prices", a.oraclePrices)
	r.Get("/prices/{asset}", a.oraclePrice)
	r.Post("/refresh", a.oracleRefresh)
}

// mountOracleUpdate is mounted behind a role check by the router.
func (a *api) mountOracleUpdate(r chi.Router) {
	r.Post("/update", a.oracleUpdate)
}

type quoteView struct {
	Asset       units.AssetID `json:"asset"`
	Price       amountView    `json:"price"`
	Confidence  amountView    `json:"confidence"`
	PublishedAt uint64        `json:"publishedAt"`
	Fresh       bool          `json:"fresh"`
	Error       string        `json:"error,omitempty"`
}

// quote reports the accepted price when it is fresh, otherwise the last
// accepted quote flagged stale with the rejection reason.
func (a *api) quote(asset units.AssetID) (quoteView, error) {
	q, err := a.node.Oracle.Quote(asset)
	if err == nil {
		return quoteView{
			Asset:       q.Asset,
			Price:       viewOf(q.Price),
			Confidence:  viewOf(q.Confidence),
			PublishedAt: q.PublishedAt,
			Fresh:       true,
		}, nil
	}
	last, ok := a.node.Oracle.LastQuote(asset)
	if !ok {
		return quoteView{}, err
	}
	return quoteView{
		Asset:       last.Asset,
		Price:       viewOf(last.Price),
		Confidence:  viewOf(last.Confidence),
		PublishedAt: last.PublishedAt,
		Error:       err.Error(),
	}, nil
}

func (a *api) oraclePrices(w http.ResponseWriter, r *http.Request) {
	a.read(w, r, func() (interface{}, error) {
		out := make([]quoteView, 0, 4)
		for _, asset := range units.Assets() {
			view, err := a.quote(asset)
			if err != nil {
				continue
			}
			out = append(out, view)
		}
		return map[string]interface{}{
			"tripped": a.node.Oracle.Tripped(),
			"paused":  a.node.Oracle.Paused(),
			"quotes":  out,
		}, nil
	})
}

func (a *api) oraclePrice(w http.ResponseWriter, r *http.Request) {
	asset, err := assetParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.read(w, r, func() (interface{}, error) {
		return a.quote(asset)
	})
}

func (a *api) oracleRefresh(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, "oracle.refresh", func() (interface{}, error) {
		tripped, err := a.node.Oracle.RefreshAll()
		if err != nil {
			return nil, err
		}
		return map[string]bool{"tripped": tripped}, nil
	})
}

type updateRequest struct {
	// Updates are base64 encoded transport blobs.
	Updates []string `json:"updates"`
}

func (a *api) oracleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	if len(req.Updates) == 0 {
		writeBadRequest(w, r, fmt.Errorf("updates: at least one blob required"))
		return
	}
	blobs := make([][]byte, 0, len(req.Updates))
	for i, raw := range req.Updates {
		blob, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			writeBadRequest(w, r, fmt.Errorf("updates[%d]: %w", i, err))
			return
		}
		blobs = append(blobs, blob)
	}
	a.mutate(w, r, "oracle.update", func() (interface{}, error) {
		fee, tripped, err := a.node.Oracle.Update(blobs)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"fee": viewOf(fee), "tripped": tripped}, nil
	})
}
