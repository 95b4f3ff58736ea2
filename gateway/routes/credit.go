package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"btcfi/crypto"
	"btcfi/native/credit"
	"btcfi/native/units"
)

func (a *api) mountCredit(r chi.Router) {
	r.Get("/cards/{id}", a.creditCard)
	r.Get("/accounts/{address}/cards", a.creditCardsOf)
	r.Post("/cards", a.creditIssue)
	r.Post("/cards/{id}/purchase", a.creditPurchase)
	r.Post("/cards/{id}/payment", a.creditPayment)
	r.Post("/cards/{id}/fund", a.creditFund)
	r.Post("/cards/{id}/collateral/add", a.creditAddCollateral)
	r.Post("/cards/{id}/collateral/remove", a.creditRemoveCollateral)
	r.Post("/cards/{id}/block", a.creditBlock)
	r.Post("/cards/{id}/unblock", a.creditUnblock)
	r.Post("/cards/{id}/limits", a.creditLimits)
	r.Post("/cards/{id}/liquidate", a.creditLiquidate)
}

type limitsView struct {
	PerTransaction amountView `json:"perTransaction"`
	Daily          amountView `json:"daily"`
	Monthly        amountView `json:"monthly"`
}

type cardView struct {
	ID           uint64        `json:"id"`
	Holder       string        `json:"holder"`
	Settlement   units.AssetID `json:"settlement"`
	CreditLimit  amountView    `json:"creditLimit"`
	Available    amountView    `json:"available"`
	YieldBalance amountView    `json:"yieldBalance"`
	Collateral   amountView    `json:"collateral"`
	Principal    amountView    `json:"principal"`
	Interest     amountView    `json:"interest"`
	Limits       limitsView    `json:"limits"`
	Blocked      bool          `json:"blocked"`
	IssuedAt     uint64        `json:"issuedAt"`
	Health       *healthView   `json:"health,omitempty"`
}

func (a *api) cardView(view credit.CardView) cardView {
	out := cardView{
		ID:           view.ID,
		Holder:       view.Holder.String(),
		Settlement:   a.node.Credit.Config().SettlementAsset,
		CreditLimit:  viewOf(view.CreditLimit),
		Available:    viewOf(view.Available),
		YieldBalance: viewOf(view.YieldBalance),
		Collateral:   viewOf(view.Position.Collateral),
		Principal:    viewOf(view.Position.Principal),
		Interest:     viewOf(view.Position.Interest),
		Limits: limitsView{
			PerTransaction: viewOf(view.Limits.PerTransaction),
			Daily:          viewOf(view.Limits.Daily),
			Monthly:        viewOf(view.Limits.Monthly),
		},
		Blocked:  view.Blocked,
		IssuedAt: view.IssuedAt,
	}
	if h, err := a.node.Credit.Health(view.ID); err == nil {
		out.Health = &healthView{
			Debt:            viewOf(h.Debt),
			CollateralValue: viewOf(h.CollateralValue),
			LTVBps:          h.LTVBps,
			Liquidatable:    h.Liquidatable,
		}
	}
	return out
}

type issueRequest struct {
	Collateral string `json:"collateral"`
	Limit      string `json:"limit"`
}

type purchaseRequest struct {
	Merchant string `json:"merchant"`
	Amount   string `json:"amount"`
}

type limitsRequest struct {
	PerTransaction string `json:"perTransaction"`
	Daily          string `json:"daily"`
	Monthly        string `json:"monthly"`
}

func (a *api) creditCard(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.read(w, r, func() (interface{}, error) {
		view, err := a.node.Credit.Card(id)
		if err != nil {
			return nil, err
		}
		return a.cardView(view), nil
	})
}

func (a *api) creditCardsOf(w http.ResponseWriter, r *http.Request) {
	holder, err := addressParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.read(w, r, func() (interface{}, error) {
		ids := a.node.Credit.CardsOf(holder)
		out := make([]cardView, 0, len(ids))
		for _, id := range ids {
			view, err := a.node.Credit.Card(id)
			if err != nil {
				return nil, err
			}
			out = append(out, a.cardView(view))
		}
		return out, nil
	})
}

func (a *api) creditIssue(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req issueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	collateral, err := parseAmount[units.DomainBTC]("collateral", req.Collateral)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	limit, err := parseAmount[units.DomainUSD]("limit", req.Limit)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, "credit.issue", func() (interface{}, error) {
		id, err := a.node.Credit.IssueCard(from, collateral, limit)
		if err != nil {
			return nil, err
		}
		return map[string]uint64{"cardId": id}, nil
	})
}

func (a *api) creditPurchase(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	var req purchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	amount, err := parseAmount[units.DomainUSD]("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, "credit.purchase", func() (interface{}, error) {
		source, err := a.node.Credit.ProcessPurchase(from, id, req.Merchant, amount)
		if err != nil {
			return nil, err
		}
		return map[string]string{"source": source}, nil
	})
}

func (a *api) creditPayment(w http.ResponseWriter, r *http.Request) {
	a.cardUSD(w, r, "credit.payment", a.node.Credit.MakePayment)
}

func (a *api) creditFund(w http.ResponseWriter, r *http.Request) {
	a.cardUSD(w, r, "credit.fund", a.node.Credit.FundYieldBalance)
}

func (a *api) cardUSD(w http.ResponseWriter, r *http.Request, label string, action func(crypto.Address, uint64, units.USD) error) {
	from, id, amount, ok := usdAction(w, r)
	if !ok {
		return
	}
	a.mutate(w, r, label, func() (interface{}, error) {
		if err := action(from, id, amount); err != nil {
			return nil, err
		}
		return a.cardAfter(id)
	})
}

func (a *api) creditAddCollateral(w http.ResponseWriter, r *http.Request) {
	a.cardCollateral(w, r, "credit.add_collateral", a.node.Credit.AddCollateral)
}

func (a *api) creditRemoveCollateral(w http.ResponseWriter, r *http.Request) {
	a.cardCollateral(w, r, "credit.remove_collateral", a.node.Credit.RemoveCollateral)
}

func (a *api) cardCollateral(w http.ResponseWriter, r *http.Request, label string, action func(crypto.Address, uint64, units.Sats) error) {
	from, id, req, ok := idAction(w, r)
	if !ok {
		return
	}
	amount, err := parseAmount[units.DomainBTC]("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, label, func() (interface{}, error) {
		if err := action(from, id, amount); err != nil {
			return nil, err
		}
		return a.cardAfter(id)
	})
}

func (a *api) creditBlock(w http.ResponseWriter, r *http.Request) {
	a.cardToggle(w, r, "credit.block", a.node.Credit.Block)
}

func (a *api) creditUnblock(w http.ResponseWriter, r *http.Request) {
	a.cardToggle(w, r, "credit.unblock", a.node.Credit.Unblock)
}

func (a *api) cardToggle(w http.ResponseWriter, r *http.Request, label string, action func(crypto.Address, uint64) error) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, label, func() (interface{}, error) {
		if err := action(from, id); err != nil {
			return nil, err
		}
		return a.cardAfter(id)
	})
}

func (a *api) creditLimits(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	var req limitsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	var limits credit.Limits
	for _, f := range []struct {
		name string
		raw  string
		dst  *units.USD
	}{
		{"perTransaction", req.PerTransaction, &limits.PerTransaction},
		{"daily", req.Daily, &limits.Daily},
		{"monthly", req.Monthly, &limits.Monthly},
	} {
		if f.raw == "" {
			continue
		}
		v, err := parseAmount[units.DomainUSD](f.name, f.raw)
		if err != nil {
			writeBadRequest(w, r, err)
			return
		}
		*f.dst = v
	}
	a.mutate(w, r, "credit.set_limits", func() (interface{}, error) {
		if err := a.node.Credit.SetLimits(from, id, limits); err != nil {
			return nil, err
		}
		return a.cardAfter(id)
	})
}

func (a *api) creditLiquidate(w http.ResponseWriter, r *http.Request) {
	from, id, cover, ok := usdAction(w, r)
	if !ok {
		return
	}
	a.mutate(w, r, "credit.liquidate", func() (interface{}, error) {
		seized, err := a.node.Credit.Liquidate(from, id, cover)
		if err != nil {
			return nil, err
		}
		return map[string]amountView{"seized": viewOf(seized)}, nil
	})
}

func (a *api) cardAfter(id uint64) (interface{}, error) {
	view, err := a.node.Credit.Card(id)
	if err != nil {
		return nil, err
	}
	return a.cardView(view), nil
}
