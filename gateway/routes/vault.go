package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	nativecommon "btcfi/native/common"
	"btcfi/native/units"
	"btcfi/native/vault"
)

func (a *api) mountVault(r chi.Router) {
	r.Get("/tiers", a.vaultTiers)
	r.Get("/positions/{id}", a.vaultPosition)
	r.Get("/accounts/{address}/positions", a.vaultPositionsOf)
	r.Post("/stake", a.vaultStake)
	r.Post("/positions/{id}/unstake", a.vaultUnstake)
	r.Post("/positions/{id}/claim", a.vaultClaim)
}

type stakeRequest struct {
	Amount string `json:"amount"`
	Tier   uint8  `json:"tier"`
}

type stakePositionView struct {
	ID               uint64     `json:"id"`
	Owner            string     `json:"owner"`
	Amount           amountView `json:"amount"`
	DerivativeMinted amountView `json:"derivativeMinted"`
	Tier             uint8      `json:"tier"`
	StartTime        uint64     `json:"startTime"`
	UnlockTime       uint64     `json:"unlockTime"`
	LastClaimTime    uint64     `json:"lastClaimTime"`
	PendingRewards   amountView `json:"pendingRewards"`
	UnpaidRewards    amountView `json:"unpaidRewards"`
	Active           bool       `json:"active"`
}

func (a *api) stakeView(pos vault.StakePosition) (stakePositionView, error) {
	tiers := a.node.Vault.Tiers()
	var unlock uint64
	if int(pos.Tier) < len(tiers) {
		unlock = pos.UnlockTime(tiers[pos.Tier])
	}
	pending, err := a.node.Vault.PendingRewards(pos.ID, a.node.Ledger.Clock().Now())
	if err != nil {
		return stakePositionView{}, err
	}
	return stakePositionView{
		ID:               pos.ID,
		Owner:            pos.Owner.String(),
		Amount:           viewOf(pos.BaseAmount),
		DerivativeMinted: viewOf(pos.DerivativeMinted),
		Tier:             pos.Tier,
		StartTime:        pos.StartTime,
		UnlockTime:       unlock,
		LastClaimTime:    pos.LastClaimTime,
		PendingRewards:   viewOf(pending),
		UnpaidRewards:    viewOf(pos.UnpaidRewards),
		Active:           pos.Active,
	}, nil
}

func (a *api) vaultTiers(w http.ResponseWriter, r *http.Request) {
	a.read(w, r, func() (interface{}, error) {
		tiers := a.node.Vault.Tiers()
		return tiers[:], nil
	})
}

func (a *api) vaultPosition(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.read(w, r, func() (interface{}, error) {
		pos, err := a.node.Vault.Position(id)
		if err != nil {
			return nil, err
		}
		return a.stakeView(pos)
	})
}

func (a *api) vaultPositionsOf(w http.ResponseWriter, r *http.Request) {
	owner, err := addressParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.read(w, r, func() (interface{}, error) {
		positions := a.node.Vault.PositionsOf(owner)
		out := make([]stakePositionView, 0, len(positions))
		for _, pos := range positions {
			view, err := a.stakeView(pos)
			if err != nil {
				return nil, err
			}
			out = append(out, view)
		}
		return out, nil
	})
}

func (a *api) vaultStake(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req stakeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	amount, err := parseAmount[units.DomainBTC]("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, "vault.stake", func() (interface{}, error) {
		id, err := a.node.Vault.Stake(from, amount, req.Tier)
		if err != nil {
			return nil, err
		}
		return map[string]uint64{"positionId": id}, nil
	})
}

func (a *api) vaultUnstake(w http.ResponseWriter, r *http.Request) {
	a.vaultPositionAction(w, r, "vault.unstake", a.node.Vault.Unstake, "returned")
}

func (a *api) vaultClaim(w http.ResponseWriter, r *http.Request) {
	a.vaultPositionAction(w, r, "vault.claim", a.node.Vault.Claim, "claimed")
}

func (a *api) vaultPositionAction(w http.ResponseWriter, r *http.Request, label string, action func(nativecommon.Caller, uint64) (units.Sats, error), field string) {
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
		amount, err := action(from, id)
		if err != nil {
			return nil, err
		}
		return map[string]amountView{field: viewOf(amount)}, nil
	})
}
