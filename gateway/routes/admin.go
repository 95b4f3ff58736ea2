package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"btcfi/crypto"
	nativecommon "btcfi/native/common"
	"btcfi/native/lending"
	"btcfi/native/units"
	"btcfi/native/vault"
)

// Admin routes are gated by token roles in the router and again by the
// engine role registry. Pause and role changes are not ledger state; they
// run under the ledger lock but a restart reloads them from config.
func (a *api) mountAdmin(r chi.Router) {
	r.Get("/roles", a.adminRoles)
	r.Post("/pause", a.adminPause)
	r.Post("/roles", a.adminRole)
	r.Post("/oracle/reset", a.adminOracleReset)
	r.Post("/oracle/pause", a.adminOraclePause)
	r.Post("/lending/reserves", a.adminWithdrawReserves)
	r.Post("/lending/markets", a.adminSetMarket)
	r.Post("/vault/tiers", a.adminSetTier)
	r.Post("/rewards/rate", a.adminPoolRate)
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

type roleRequest struct {
	Action  string `json:"action"`
	Role    string `json:"role"`
	Address string `json:"address"`
}

type reservesRequest struct {
	Asset  units.AssetID `json:"asset"`
	Amount string        `json:"amount"`
}

type rateRequest struct {
	Pool uint64 `json:"pool"`
	// Rate is GOV base units per second scaled by the accrual precision.
	Rate string `json:"rate"`
}

func (a *api) adminRoles(w http.ResponseWriter, r *http.Request) {
	a.read(w, r, func() (interface{}, error) {
		out := make(map[string][]string)
		for _, role := range []nativecommon.Role{
			nativecommon.RoleAdmin, nativecommon.RoleOracleAdmin, nativecommon.RoleRiskAdmin,
			nativecommon.RoleTreasury, nativecommon.RolePauser, nativecommon.RoleKeeper,
		} {
			members := a.node.Roles.Members(role)
			names := make([]string, 0, len(members))
			for _, m := range members {
				names = append(names, m.String())
			}
			sort.Strings(names)
			out[string(role)] = names
		}
		return out, nil
	})
}

func (a *api) adminPause(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, "admin.pause", func() (interface{}, error) {
		if err := a.node.Pauses.SetPaused(from, strings.TrimSpace(req.Module), req.Paused); err != nil {
			return nil, err
		}
		a.logger.Warn("module pause changed",
			slog.String("module", req.Module),
			slog.Bool("paused", req.Paused),
			slog.String("by", from.String()))
		return map[string]interface{}{"paused": a.node.Pauses.Snapshot()}, nil
	})
}

func (a *api) adminRole(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	role, err := nativecommon.ParseRole(req.Role)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	target, err := crypto.DecodeAddress(req.Address)
	if err != nil {
		writeBadRequest(w, r, fmt.Errorf("address: %w", err))
		return
	}
	var action func(nativecommon.Caller, nativecommon.Role, crypto.Address) error
	switch req.Action {
	case "grant":
		action = a.node.Roles.Grant
	case "revoke":
		action = a.node.Roles.Revoke
	default:
		writeBadRequest(w, r, fmt.Errorf("action must be grant or revoke"))
		return
	}
	a.mutate(w, r, "admin.role_"+req.Action, func() (interface{}, error) {
		if err := action(from, role, target); err != nil {
			return nil, err
		}
		return map[string]bool{"member": a.node.Roles.Has(role, target)}, nil
	})
}

func (a *api) adminOracleReset(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.mutate(w, r, "oracle.reset", func() (interface{}, error) {
		if err := a.node.Oracle.Reset(from); err != nil {
			return nil, err
		}
		return map[string]bool{"tripped": a.node.Oracle.Tripped()}, nil
	})
}

func (a *api) adminOraclePause(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, "oracle.set_paused", func() (interface{}, error) {
		if err := a.node.Oracle.SetPaused(from, req.Paused); err != nil {
			return nil, err
		}
		return map[string]bool{"paused": a.node.Oracle.Paused()}, nil
	})
}

func (a *api) adminWithdrawReserves(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req reservesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	amount, err := parseAmount[units.DomainUSD]("amount", req.Amount)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, "lending.withdraw_reserves", func() (interface{}, error) {
		if err := a.node.Lending.WithdrawReserves(from, req.Asset, amount); err != nil {
			return nil, err
		}
		m, err := a.node.Lending.Market(req.Asset)
		if err != nil {
			return nil, err
		}
		return map[string]amountView{"reserves": viewOf(m.TotalReserves)}, nil
	})
}

// adminSetMarket takes a market config with caps in base units.
func (a *api) adminSetMarket(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var cfg lending.MarketConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, "lending.set_market", func() (interface{}, error) {
		if err := a.node.Lending.SetMarket(from, cfg); err != nil {
			return nil, err
		}
		m, err := a.node.Lending.Market(cfg.Asset)
		if err != nil {
			return nil, err
		}
		return newMarketView(m), nil
	})
}

func (a *api) adminSetTier(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var tier vault.Tier
	if err := decodeJSON(r, &tier); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, "vault.set_tier", func() (interface{}, error) {
		if err := a.node.Vault.SetTier(from, tier); err != nil {
			return nil, err
		}
		return a.node.Vault.Tiers()[tier.ID], nil
	})
}

func (a *api) adminPoolRate(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req rateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, r, err)
		return
	}
	rate, err := uint256.FromDecimal(strings.TrimSpace(req.Rate))
	if err != nil {
		writeBadRequest(w, r, fmt.Errorf("rate: %w", err))
		return
	}
	a.mutate(w, r, "rewards.set_rate", func() (interface{}, error) {
		if err := a.node.Rewards.SetPoolRate(from, req.Pool, rate); err != nil {
			return nil, err
		}
		return map[string]string{"rate": rate.Dec()}, nil
	})
}
