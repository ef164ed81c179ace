package macdengine

import (
	"strconv"
	"strings"

	"macd-systemv1/internal/model"
)

// parseStreamID splits a Redis stream ID "ms-seq". A bare "ms" has seq 0.
func parseStreamID(id string) (ms, seq uint64, ok bool) {
	msPart, seqPart, hasSeq := strings.Cut(id, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if hasSeq {
		if seq, err = strconv.ParseUint(seqPart, 10, 64); err != nil {
			return 0, 0, false
		}
	}
	return ms, seq, true
}

// newerID reports whether a is a later stream ID than b. Any valid ID is newer
// than an empty or malformed one.
func newerID(a, b string) bool {
	ams, aseq, aok := parseStreamID(a)
	if !aok {
		return false
	}
	bms, bseq, bok := parseStreamID(b)
	if !bok {
		return true
	}
	if ams != bms {
		return ams > bms
	}
	return aseq > bseq
}

// streamSymbol returns the symbol of a "price:{symbol}" stream key.
func streamSymbol(stream string) string {
	return strings.TrimPrefix(stream, model.PriceStreamPrefix)
}

// streamKey accepts either a stream key or a bare symbol.
func streamKey(s string) string {
	if strings.HasPrefix(s, model.PriceStreamPrefix) {
		return s
	}
	return (&model.Price{Symbol: s}).StreamKey()
}
