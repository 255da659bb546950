package envelope

// LLMUsage accumulates token counts across LLM calls.
//
// Total is always Input + Output; Cached is informational and never added
// into Total.
type LLMUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Cached int64 `json:"cached"`
	Total  int64 `json:"total"`
}

// NewLLMUsage builds a usage record with Total derived from input + output.
func NewLLMUsage(input, output, cached int64) *LLMUsage {
	return &LLMUsage{
		Input:  input,
		Output: output,
		Cached: cached,
		Total:  input + output,
	}
}

// Add folds another usage record into the receiver, re-deriving Total.
func (u *LLMUsage) Add(other *LLMUsage) {
	if other == nil {
		return
	}
	u.Input += other.Input
	u.Output += other.Output
	u.Cached += other.Cached
	u.Total = u.Input + u.Output
}

// IsZero reports whether no tokens have been recorded.
func (u *LLMUsage) IsZero() bool {
	return u == nil || (u.Input == 0 && u.Output == 0 && u.Cached == 0)
}

// Clone returns an independent copy, or nil for a nil receiver.
func (u *LLMUsage) Clone() *LLMUsage {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
