package citation

import "github.com/sells-group/knowledge-search/internal/model"

// Bibliography numbers every aligned document in order of first reference
// and builds one citation per supported claim.
func Bibliography(al *Alignment, docs []model.Document) ([]model.Citation, []model.BibEntry) {
	if al == nil {
		return nil, nil
	}
	byID := make(map[string]model.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	index := make(map[string]int)
	var bib []model.BibEntry
	refs := make(map[int][]int)
	for _, a := range al.Alignments {
		n, ok := index[a.DocumentID]
		if !ok {
			d := byID[a.DocumentID]
			n = len(bib) + 1
			index[a.DocumentID] = n
			bib = append(bib, model.BibEntry{
				Index:      n,
				DocumentID: a.DocumentID,
				Title:      d.Title,
				URL:        d.URL,
				Source:     d.Source,
			})
		}
		refs[a.ClaimID] = append(refs[a.ClaimID], n)
	}

	var cites []model.Citation
	for _, c := range al.Claims {
		if r := refs[c.ID]; len(r) > 0 {
			cites = append(cites, model.Citation{ClaimID: c.ID, Claim: c.Text, Refs: r})
		}
	}
	return cites, bib
}
