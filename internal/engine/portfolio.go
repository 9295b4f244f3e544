package engine

// Partition splits a symbol universe into contiguous groups of at most
// perPartition symbols. Each partition is meant to run as its own backtest
// instance with a private ledger and cache; there is no shared state between
// them. perPartition <= 0 keeps everything in a single partition.
func Partition(symbols []string, perPartition int) [][]string {
	if len(symbols) == 0 {
		return nil
	}

	if perPartition <= 0 || perPartition >= len(symbols) {
		return [][]string{symbols}
	}

	var out [][]string

	for start := 0; start < len(symbols); start += perPartition {
		end := start + perPartition
		if end > len(symbols) {
			end = len(symbols)
		}

		out = append(out, symbols[start:end])
	}

	return out
}
