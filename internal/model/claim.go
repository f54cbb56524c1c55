package model

// Claim is a factual statement extracted from a synthesized answer.
type Claim struct {
	ID          int     `json:"id"`
	Text        string  `json:"text"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Confidence  float64 `json:"confidence"`
	Unsupported bool    `json:"unsupported"`
}

// SourceAlignment links a claim to a supporting document.
type SourceAlignment struct {
	ClaimID    int     `json:"claim_id"`
	DocumentID string  `json:"document_id"`
	Similarity float64 `json:"similarity"`
}

// DisagreementFlag marks a claim whose aligned sources conflict.
type DisagreementFlag struct {
	ClaimID     int      `json:"claim_id"`
	DocumentIDs []string `json:"document_ids"`
	Variance    float64  `json:"variance"`
}

// BibEntry is one numbered source in a result's bibliography.
type BibEntry struct {
	Index      int    `json:"index"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url,omitempty"`
	Source     string `json:"source"`
}

// Citation ties a claim to the bibliography entries supporting it.
type Citation struct {
	ClaimID int    `json:"claim_id"`
	Claim   string `json:"claim"`
	Refs    []int  `json:"refs"`
}
