package routes

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"btcfi/core"
	"btcfi/services/journal"
)

// EventLog serves committed events by sequence number.
type EventLog interface {
	Since(ctx context.Context, after uint64, limit int) ([]journal.Entry, error)
}

// api binds HTTP handlers to a node. Mutations run as ledger transitions and
// reads run under the ledger view lock.
type api struct {
	node    *core.Node
	logger  *slog.Logger
	timeout time.Duration
}

func (a *api) execute(r *http.Request, label string, fn func() error) error {
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	return a.node.Ledger.Execute(ctx, label, fn)
}

func (a *api) view(fn func() error) error {
	return a.node.Ledger.View(fn)
}

// mutate runs fn as the caller and writes result on success.
func (a *api) mutate(w http.ResponseWriter, r *http.Request, label string, fn func() (interface{}, error)) {
	var result interface{}
	err := a.execute(r, label, func() error {
		var err error
		result, err = fn()
		return err
	})
	if err != nil {
		a.logger.Debug("transition rejected", slog.String("label", label), slog.String("error", err.Error()))
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// read runs fn under the view lock and writes result on success.
func (a *api) read(w http.ResponseWriter, r *http.Request, fn func() (interface{}, error)) {
	var result interface{}
	err := a.view(func() error {
		var err error
		result, err = fn()
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type statusView struct {
	Height        uint64   `json:"height"`
	Time          uint64   `json:"time"`
	Root          string   `json:"root"`
	Label         string   `json:"label"`
	OracleTripped bool     `json:"oracleTripped"`
	Paused        []string `json:"paused"`
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	// Head takes the ledger lock itself, so read it before the view.
	head := a.node.Ledger.Head()
	a.read(w, r, func() (interface{}, error) {
		paused := a.node.Pauses.Snapshot()
		if paused == nil {
			paused = []string{}
		}
		return statusView{
			Height:        head.Height,
			Time:          head.Time,
			Root:          hex.EncodeToString(head.Root[:]),
			Label:         head.Label,
			OracleTripped: a.node.Oracle.Tripped(),
			Paused:        paused,
		}, nil
	})
}
