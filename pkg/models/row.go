package models

// Row is one unit of work taken from the input dataset.
type Row struct {
	// Index is the row's position in the original input. It is stable and
	// unique within a batch and determines output order.
	Index   int               `json:"index"`
	ID      string            `json:"id,omitempty"`
	Text    string            `json:"text"`
	Columns map[string]string `json:"columns,omitempty"`
}

// Result is the outcome for a single Row.
type Result struct {
	Index       int            `json:"index"`
	ID          string         `json:"id,omitempty"`
	RawResponse string         `json:"raw_response"`
	Fields      map[string]any `json:"fields,omitempty"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	FromCache   bool           `json:"from_cache"`
	Attempts    int            `json:"attempts"`
	Usage       Usage          `json:"usage"`
}

// BatchStats summarizes a processed batch.
type BatchStats struct {
	Rows      int `json:"rows"`
	CacheHits int `json:"cache_hits"`
	APICalls  int `json:"api_calls"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Summarize computes BatchStats over results.
func Summarize(results []Result) BatchStats {
	s := BatchStats{Rows: len(results)}
	for _, r := range results {
		if r.FromCache {
			s.CacheHits++
		}
		s.APICalls += r.Attempts
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}
