package dispatch

import "math"

// chunkSize is clamp(optimal/weight, min, max), then capped by the task's own
// batch size, the gateway limit, the recipients left and the budget left.
func chunkSize(cfg Config, lvl Level, t *Task, gatewayMax, remaining, budget int) int {
	w := lvl.Weight
	if w <= 0 {
		w = 1
	}
	size := int(math.Round(float64(cfg.OptimalBatchSize) / w))
	size = max(size, cfg.MinBatchSize)
	size = min(size, cfg.MaxBatchSize)
	if t.BatchSize > 0 {
		size = min(size, t.BatchSize)
	}
	if gatewayMax > 0 {
		size = min(size, gatewayMax)
	}
	size = min(size, remaining, budget)
	return max(size, 0)
}
