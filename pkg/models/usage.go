package models

import "time"

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// UsageRecord tracks token usage for one row of a run.
type UsageRecord struct {
	ID               int64     `json:"id"`
	RunID            string    `json:"run_id"`
	Model            string    `json:"model"`
	RowIndex         int       `json:"row_index"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Attempts         int       `json:"attempts"`
	CreatedAt        time.Time `json:"created_at"`
}

// Run groups the usage of one batch invocation.
type Run struct {
	ID          string     `json:"id"`
	Model       string     `json:"model"`
	Input       string     `json:"input"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Rows        int        `json:"rows"`
	CacheHits   int        `json:"cache_hits"`
	APICalls    int        `json:"api_calls"`
	Failed      int        `json:"failed"`
	TotalTokens int        `json:"total_tokens"`
}

// UsageSummary aggregates usage across records.
type UsageSummary struct {
	RunID           string `json:"run_id"`
	Model           string `json:"model"`
	RequestCount    int    `json:"request_count"`
	TotalPrompt     int    `json:"total_prompt"`
	TotalCompletion int    `json:"total_completion"`
	TotalTokens     int    `json:"total_tokens"`
}
