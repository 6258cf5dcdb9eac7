package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"
	"time"
)

// SettlementsCSV builds a CSV export of rows and returns the payload alongside
// a SHA-256 checksum of it.
func SettlementsCSV(rows []Settlement) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"sequence", "stream", "kind", "amount", "event", "occurred_at", "entry_hash"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.Sequence, 10),
			"0x" + row.StreamID,
			string(row.Kind),
			strconv.FormatUint(row.Amount, 10),
			row.EventType,
			time.Unix(row.Timestamp, 0).UTC().Format(time.RFC3339),
			row.EntryHash,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
