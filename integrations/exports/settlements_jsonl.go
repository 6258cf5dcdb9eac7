package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// SettlementsJSONL builds a JSON Lines export of rows and returns the payload
// alongside a checksum.
func SettlementsJSONL(rows []Settlement) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, row := range rows {
		payload := map[string]interface{}{
			"sequence":    row.Sequence,
			"stream":      "0x" + row.StreamID,
			"kind":        string(row.Kind),
			"amount":      strconv.FormatUint(row.Amount, 10),
			"event":       row.EventType,
			"occurred_at": time.Unix(row.Timestamp, 0).UTC().Format(time.RFC3339),
			"entry_hash":  row.EntryHash,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
