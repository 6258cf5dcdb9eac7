package events

import (
	"encoding/hex"
	"strconv"
	"strings"

	"streamchain/crypto"
)

func formatAddress(addr [20]byte) string {
	return crypto.FromRaw(addr).String()
}

func formatID(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func intToString(v int64) string {
	return strconv.FormatInt(v, 10)
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
