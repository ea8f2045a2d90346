// Package seq produces the next identifier in a per-series monotonically
// increasing, zero-padded numeric series (MED004, TXN013, ...).
//
// Next is a pure scan of identifiers already assigned in the series. It is
// only collision-safe when the caller runs it inside the same atomic unit
// that persists the entity consuming the identifier: the memory store holds
// its write lock across the scan and the insert, and the postgres store scans
// inside the SERIALIZABLE transaction that inserts the row, with the unique
// key turning a lost race into a retryable collision.
package seq

import (
	"fmt"
	"strconv"
	"strings"
)

const suffixWidth = 3

// Next returns prefix + zero-padded(max numeric suffix + 1). Identifiers not
// sharing the prefix, or with a non-numeric suffix, are skipped. With no
// matching identifier the series starts at prefix + "001".
func Next(existing []string, prefix string) string {
	max := 0
	for _, id := range existing {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		n, err := strconv.Atoi(id[len(prefix):])
		if err != nil || n < 0 {
			continue
		}
		if n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%0*d", prefix, suffixWidth, max+1)
}
