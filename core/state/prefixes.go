package state

var (
	accountPrefix      = []byte("account/")
	streamRecordPrefix = []byte("stream/record/")
	streamActivePrefix = []byte("stream/active/")
	streamStatsKey     = []byte("stream/stats")
	genesisMarkerKey   = []byte("genesis/applied")
)

func prefixedKey(prefix []byte, id []byte) []byte {
	buf := make([]byte, len(prefix)+len(id))
	copy(buf, prefix)
	copy(buf[len(prefix):], id)
	return buf
}

func accountKey(addr [20]byte) []byte {
	return prefixedKey(accountPrefix, addr[:])
}

func streamRecordKey(id [32]byte) []byte {
	return prefixedKey(streamRecordPrefix, id[:])
}

func streamActiveKey(id [32]byte) []byte {
	return prefixedKey(streamActivePrefix, id[:])
}
