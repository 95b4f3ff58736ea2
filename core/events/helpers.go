package events

import (
	"strconv"

	"btcfi/crypto"
)

func formatAddress(addr crypto.Address) string {
	if addr.IsZero() {
		return ""
	}
	return addr.String()
}

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

func formatBool(v bool) string { return strconv.FormatBool(v) }
