package executable

import "math"

// splitBuckets spreads ids round-robin over as many buckets as the declared
// parallelism of the executable allows. known is the number of tests the
// executable declares and limit its parallelization limit.
func splitBuckets(ids []string, known, limit int) [][]string {
	n := len(ids)
	if n == 0 {
		return nil
	}
	if limit < 1 {
		limit = 1
	}
	testsPerTask := max(1, int(math.Round(float64(known)/float64(limit))))
	count := min(n, max(1, int(math.Round(float64(n)/float64(testsPerTask)))))

	buckets := make([][]string, count)
	for i, id := range ids {
		buckets[i%count] = append(buckets[i%count], id)
	}
	return buckets
}

// splitChunks cuts ids into consecutive chunks whose summed id length stays
// within budget. An id longer than budget gets a chunk of its own.
func splitChunks(ids []string, budget int) [][]string {
	var (
		chunks [][]string
		cur    []string
		size   int
	)
	for _, id := range ids {
		if len(cur) > 0 && size+len(id) > budget {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
		cur = append(cur, id)
		size += len(id)
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}
