package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"btcfi/crypto"
	"btcfi/gateway/middleware"
	nativecommon "btcfi/native/common"
	"btcfi/native/units"
)

const requestLimit = 1 << 20 // 1 MiB

var errNoCaller = errors.New("caller account required")

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusFor(err)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, errorBody{Error: message, Kind: kind, RequestID: middleware.RequestIDFrom(r.Context())})
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: nativecommon.KindValidation.String(), RequestID: middleware.RequestIDFrom(r.Context())})
}

// statusFor maps an engine error kind onto an HTTP status.
func statusFor(err error) (int, string) {
	kind := nativecommon.KindOf(err)
	switch kind {
	case nativecommon.KindValidation:
		return http.StatusBadRequest, kind.String()
	case nativecommon.KindState:
		if errors.Is(err, nativecommon.ErrUnauthorized) || errors.Is(err, nativecommon.ErrNotOwner) {
			return http.StatusForbidden, kind.String()
		}
		return http.StatusConflict, kind.String()
	case nativecommon.KindSolvency:
		return http.StatusUnprocessableEntity, kind.String()
	case nativecommon.KindOracle:
		return http.StatusServiceUnavailable, kind.String()
	case nativecommon.KindArithmetic:
		return http.StatusInternalServerError, kind.String()
	}
	if errors.Is(err, errNoCaller) {
		return http.StatusUnauthorized, ""
	}
	return http.StatusInternalServerError, ""
}

func decodeJSON(r *http.Request, out interface{}) error {
	if r.Body == nil {
		return errors.New("missing request body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func caller(r *http.Request) (crypto.Address, error) {
	addr, ok := middleware.AccountFrom(r.Context())
	if !ok {
		return crypto.Address{}, errNoCaller
	}
	return addr, nil
}

func idParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func addressParam(r *http.Request) (crypto.Address, error) {
	raw := chi.URLParam(r, "address")
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return addr, nil
}

func assetParam(r *http.Request) (units.AssetID, error) {
	return units.ParseAsset(strings.ToUpper(chi.URLParam(r, "asset")))
}

func parseAmount[D units.Domain](field, raw string) (units.Amount[D], error) {
	amount, err := units.Parse[D](strings.TrimSpace(raw))
	if err != nil {
		return units.Amount[D]{}, fmt.Errorf("%s: %w", field, err)
	}
	return amount, nil
}

// amountView renders an amount in base units and in human form.
type amountView struct {
	Units   string `json:"units"`
	Display string `json:"display"`
}

func viewOf[D units.Domain](a units.Amount[D]) amountView {
	return amountView{Units: a.String(), Display: a.Display()}
}
