package routes

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

func (a *api) mountRewards(r chi.Router) {
	r.Get("/earned/{address}", a.rewardsEarned)
	r.Get("/reserve", a.rewardsReserve)
	r.Post("/claim", a.rewardsClaim)
}

// poolParam reads ?pool=, defaulting to the staking pool.
func (a *api) poolParam(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("pool")
	if raw == "" {
		return a.node.RewardsPool(), nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid pool %q", raw)
	}
	return id, nil
}

func (a *api) rewardsEarned(w http.ResponseWriter, r *http.Request) {
	account, err := addressParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	pool, err := a.poolParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.read(w, r, func() (interface{}, error) {
		earned, err := a.node.Rewards.Earned(account, pool)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"pool": pool, "earned": viewOf(earned)}, nil
	})
}

func (a *api) rewardsReserve(w http.ResponseWriter, r *http.Request) {
	a.read(w, r, func() (interface{}, error) {
		return map[string]amountView{"reserve": viewOf(a.node.Rewards.Reserve())}, nil
	})
}

func (a *api) rewardsClaim(w http.ResponseWriter, r *http.Request) {
	from, err := caller(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pool, err := a.poolParam(r)
	if err != nil {
		writeBadRequest(w, r, err)
		return
	}
	a.mutate(w, r, "rewards.claim", func() (interface{}, error) {
		claimed, err := a.node.Rewards.Claim(from, pool)
		if err != nil {
			return nil, err
		}
		return map[string]amountView{"claimed": viewOf(claimed)}, nil
	})
}
