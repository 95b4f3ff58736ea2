package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"btcfi/crypto"
	"btcfi/native/lending"
	"btcfi/native/units"
)

func (a *api) mountLending(r chi.Router) {
	r.Get("/markets", a.lendingMarkets)
	r.Get("/markets/{asset}", a.lendingMarket)
	r.Get("/markets/{asset}/suppliers/{address}", a.lendingSupplier)
	r.Get("/loans/{id}", a.lendingLoan)
	r.Get("/accounts/{address}/loans", a.lendingLoansOf)
	r.Post("/supply", a.lendingSupply)
	r.Post("/withdraw", a.lendingWithdraw)
	r.Post("/claim-yield", a.lendingClaimYield)
	r.Post("/borrow", a.lendingBorrow)
	r.Post("/loans/{id}/repay", a.lendingRepay)
	r.Post("/loans/{id}/collateral/add", a.lendingAddCollateral)
	r.Post("/loans/{id}/collateral/remove", a.lendingRemoveCollateral)
	r.Post("/loans/{id}/liquidate", a.lendingLiquidate)
}

type marketView struct {
	Asset                   units.AssetID `json:"asset"`
	BaseRateBps             units.Bps     `json:"baseRateBps"`
	MultiplierBps           units.Bps     `json:"multiplierBps"`
	MaxLTVBps               units.Bps     `json:"maxLtvBps"`
	LiquidationThresholdBps units.Bps     `json:"liquidationThresholdBps"`
	LiquidationBonusBps     units.Bps     `json:"liquidationBonusBps"`
	ReserveFactorBps        units.Bps     `json:"reserveFactorBps"`
	UtilisationBps          units.Bps     `json:"utilisationBps"`
	BorrowRateBps           units.Bps     `json:"borrowRateBps"`
	TotalDeposited          amountView    `json:"totalDeposited"`
	TotalBorrowed           amountView    `json:"totalBorrowed"`
	TotalReserves           amountView    `json:"totalReserves"`
	Cash                    amountView    `json:"cash"`
}

func newMarketView(m lending.Market) marketView {
	return marketView{
		Asset:                   m.Asset,
		BaseRateBps:             m.BaseRateBps,
		MultiplierBps:           m.MultiplierBps,
		MaxLTVBps:               m.MaxLTVBps,
		LiquidationThresholdBps: m.LiquidationThresholdBps,
		LiquidationBonusBps:     m.LiquidationBonusBps,
		ReserveFactorBps:        m.ReserveFactorBps,
		UtilisationBps:          m.UtilisationBps(),
		BorrowRateBps:           m.Model().BorrowRateBps(m.TotalBorrowed, m.TotalDeposited),
		TotalDeposited:          viewOf(m.TotalDeposited),
		TotalBorrowed:           viewOf(m.TotalBorrowed),
		TotalReserves:           viewOf(m.TotalReserves),
		Cash:                    viewOf(m.Cash()),
	}
}

type healthView struct {
	Debt            amountView `json:"debt"`
	CollateralValue amountView `json:"collateralValue"`
	LTVBps          units.Bps  `json:"ltvBps"`
	Liquidatable    bool       `json:"liquidatable"`
}

type loanView struct {
	ID         uint64        `json:"id"`
	Owner      string        `json:"owner"`
	Asset      units.AssetID `json:"asset"`
	Collateral amountView    `json:"collateral"`
	Principal  amountView    `json:"principal"`
	Interest   amountView    `json:"interest"`
	RateBps    units.Bps     `json:"rateBps"`
	Active     bool          `json:"active"`
	Health     *healthView   `json:"health,omitempty"`
}

func (a *api) loanView(loan lending.Loan) loanView {
	view := loanView{
		ID:         loan.ID,
		Owner:      loan.Owner.String(),
		Asset:      loan.Asset,
		Collateral: viewOf(loan.Collateral),
		Principal:  viewOf(loan.Principal),
		Interest:   viewOf(loan.Interest),
		RateBps:    loan.RateBps,
		Active:     loan.Active,
	}
	if !loan.Active {
		return view
	}
	// Health needs a fresh price; a stale feed leaves it out rather than
	// failing the read.
	if h, err := a.node.Lending.Health(loan.ID); err == nil {
		view.Health = &healthView{
			Debt:            viewOf(h.Debt),
			CollateralValue: viewOf(h.CollateralValue),
			LTVBps:          h.LTVBps,
			Liquidatable:    h.Liquidatable,
		}
	}
	return view
}

type supplyRequest struct {
	Asset  units.AssetID `json:"asset"`
	Amount string        `json:"amount"`
}

type borrowRequest struct {
	Asset      units.AssetID `json:"asset"`
	Amount     string        `json:"amount"`
	Collateral string        `json:"collateral"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (a *api) lendingMarkets(w http.ResponseWriter, r *http.Request) {
	a.read(w, r, func() (interface{}, error) {
		assets := a.node.Lending.Markets()
		out := make([]marketView, 0, len(assets))
		for _, asset := range assets {
			m, err := a.node.Lending.Market(asset)
			if err != nil {
				return nil, err
			}
			out = append(out, newMarketView(m))
		}
		return out, nil
	})
}

func (a *api) lendingMarket(w http.ResponseWriter, r *http.Request) {
	asset, err := assetParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.read(w, r, func() (interface{}, error) {
		m, err := a.node.Lending.Market(asset)
		if err != nil {
			return nil, err
		}
		return newMarketView(m), nil
	})
}

func (a *api) lendingSupplier(w http.ResponseWriter, r *http.Request) {
	asset, err := assetParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	supplier, err := addressParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.read(w, r, func() (interface{}, error) {
		yield, err := a.node.Lending.SupplierYield(supplier, asset)
		if err != nil {
			return nil, err
		}
		return map[string]amountView{
			"supplied": viewOf(a.node.Lending.Supplied(supplier, asset)),
			"yield":    viewOf(yield),
		}, nil
	})
}

func (a *api) lendingLoan(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.read(w, r, func() (interface{}, error) {
		loan, err := a.node.Lending.Position(id)
		if err != nil {
			return nil, err
		}
		return a.loanView(loan), nil
	})
}

func (a *api) lendingLoansOf(w http.ResponseWriter, r *http.Request) {
	owner, err := addressParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.read(w, r, func() (interface{}, error) {
		loans, err := a.node.Lending.PositionsOf(owner)
		if err != nil {
			return nil, err
		}
		out := make([]loanView, 0, len(loans))
		for _, loan := range loans {
			out = append(out, a.loanView(loan))
		}
		return out, nil
	})
}

func (a *api) supplyAction(w http.ResponseWriter, r *http.Request, label string, action func(crypto.Address, units.AssetID, units.USD) error) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req supplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	amount, err := parseAmount[units.DomainUSD]("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, label, func() (interface{}, error) {
		if err := action(from, req.Asset, amount); err != nil {
			return nil, err
		}
		return map[string]amountView{"supplied": viewOf(a.node.Lending.Supplied(from, req.Asset))}, nil
	})
}

func (a *api) lendingSupply(w http.ResponseWriter, r *http.Request) {
	a.supplyAction(w, r, "lending.supply", a.node.Lending.Supply)
}

func (a *api) lendingWithdraw(w http.ResponseWriter, r *http.Request) {
	a.supplyAction(w, r, "lending.withdraw", a.node.Lending.Withdraw)
}

func (a *api) lendingClaimYield(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Asset units.AssetID `json:"asset"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, "lending.claim_yield", func() (interface{}, error) {
		paid, err := a.node.Lending.ClaimSupplierYield(from, req.Asset)
		if err != nil {
			return nil, err
		}
		return map[string]amountView{"claimed": viewOf(paid)}, nil
	})
}

func (a *api) lendingBorrow(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req borrowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	amount, err := parseAmount[units.DomainUSD]("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	collateral, err := parseAmount[units.DomainStBTC]("collateral", req.Collateral)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, "lending.borrow", func() (interface{}, error) {
		id, err := a.node.Lending.Borrow(from, req.Asset, amount, collateral)
		if err != nil {
			return nil, err
		}
		return map[string]uint64{"loanId": id}, nil
	})
}

func (a *api) lendingRepay(w http.ResponseWriter, r *http.Request) {
	from, id, amount, ok := usdAction(w, r)
	if !ok {
		return
	}
	a.mutate(w, r, "lending.repay", func() (interface{}, error) {
		closed, err := a.node.Lending.Repay(from, id, amount)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"closed": closed}, nil
	})
}

func (a *api) lendingAddCollateral(w http.ResponseWriter, r *http.Request) {
	a.loanCollateral(w, r, "lending.add_collateral", a.node.Lending.AddCollateral)
}

func (a *api) lendingRemoveCollateral(w http.ResponseWriter, r *http.Request) {
	a.loanCollateral(w, r, "lending.remove_collateral", a.node.Lending.RemoveCollateral)
}

func (a *api) loanCollateral(w http.ResponseWriter, r *http.Request, label string, action func(crypto.Address, uint64, units.StBTC) error) {
	from, id, req, ok := idAction(w, r)
	if !ok {
		return
	}
	amount, err := parseAmount[units.DomainStBTC]("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, label, func() (interface{}, error) {
		if err := action(from, id, amount); err != nil {
			return nil, err
		}
		loan, err := a.node.Lending.Position(id)
		if err != nil {
			return nil, err
		}
		return map[string]amountView{"collateral": viewOf(loan.Collateral)}, nil
	})
}

func (a *api) lendingLiquidate(w http.ResponseWriter, r *http.Request) {
	from, id, cover, ok := usdAction(w, r)
	if !ok {
		return
	}
	a.mutate(w, r, "lending.liquidate", func() (interface{}, error) {
		seized, err := a.node.Lending.Liquidate(from, id, cover)
		if err != nil {
			return nil, err
		}
		return map[string]amountView{"seized": viewOf(seized)}, nil
	})
}

// idAction resolves the caller, the {id} parameter and an amount body.
func idAction(w http.ResponseWriter, r *http.Request) (crypto.Address, uint64, amountRequest, bool) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return crypto.Address{}, 0, amountRequest{}, false
	}
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return crypto.Address{}, 0, amountRequest{}, false
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return crypto.Address{}, 0, amountRequest{}, false
	}
	return from, id, req, true
}

func usdAction(w http.ResponseWriter, r *http.Request) (crypto.Address, uint64, units.USD, bool) {
	from, id, req, ok := idAction(w, r)
	if !ok {
		return crypto.Address{}, 0, units.USD{}, false
	}
	amount, err := parseAmount[units.DomainUSD]("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, r, err)
		return crypto.Address{}, 0, units.USD{}, false
	}
	return from, id, amount, true
}
