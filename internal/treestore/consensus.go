package treestore

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/Cutipus/HermesNet/pkg/hash"
)

// Candidate is one tree context containing a requested FileHash, with its
// consensus standing. Multiple candidates mean the same bytes were
// declared inside different folder structures; the ranking is advisory
// and callers may inspect every candidate.
type Candidate struct {
	Context     hash.Digest       // Containing TreeHash
	Replicas    int               // Distinct owners declaring this exact context
	Names       map[string]string // Owner -> display filename
	DisplayName string            // Preferred name under the ranking policy
}

// Candidates returns the competing tree contexts for a FileHash, ranked by
// descending replica count. Ties are broken by the similarity of any
// candidate's display filename to term; when that also ties, the
// configured TieBreak policy picks the display name. term may be empty
// (hash-only queries), in which case similarity is moot and the policy
// decides alone.
func (s *Store) Candidates(target hash.Digest, term string) []Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byContext := make(map[hash.Digest]map[string]string) // context -> owner -> name
	for ref := range s.entries[target] {
		names, ok := byContext[ref.Context]
		if !ok {
			names = make(map[string]string)
			byContext[ref.Context] = names
		}
		names[ref.Owner] = ref.Name
	}

	folded := Fold(term)
	candidates := make([]Candidate, 0, len(byContext))
	for context, names := range byContext {
		c := Candidate{
			Context:  context,
			Replicas: len(names),
			Names:    names,
		}
		c.DisplayName = s.displayName(term, folded, names)
		candidates = append(candidates, c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Replicas != b.Replicas {
			return a.Replicas > b.Replicas
		}
		sa, sb := bestSimilarity(folded, a.Names), bestSimilarity(folded, b.Names)
		if sa != sb {
			return sa > sb
		}
		return a.Context.String() < b.Context.String()
	})
	return candidates
}

// displayName picks a candidate's display name: the declared name most
// similar to the query, the TieBreak policy when nothing is similar.
func (s *Store) displayName(term, folded string, names map[string]string) string {
	bestName := ""
	bestScore := 0.0
	for _, name := range names {
		if score := Similarity(folded, Fold(name)); score > bestScore ||
			(score == bestScore && (bestName == "" || name < bestName)) {
			bestName, bestScore = name, score
		}
	}
	if bestScore > 0 {
		return bestName
	}
	all := make([]string, 0, len(names))
	for _, name := range names {
		all = append(all, name)
	}
	sort.Strings(all)
	return s.cfg.TieBreak(term, all)
}

func bestSimilarity(folded string, names map[string]string) float64 {
	best := 0.0
	for _, name := range names {
		if score := Similarity(folded, Fold(name)); score > best {
			best = score
		}
	}
	return best
}

// Fold normalizes a name for comparison: NFKC then Unicode case folding,
// so "Song.MP3" and "song.mp3" compare equal.
func Fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// Similarity scores how closely a folded candidate name matches a folded
// query term, in [0, 1]. Exact match scores 1; containment scores by
// length ratio; otherwise the common prefix length decides. Both inputs
// must already be folded.
func Similarity(term, name string) float64 {
	if term == "" || name == "" {
		return 0
	}
	if term == name {
		return 1
	}
	if strings.Contains(name, term) {
		return 0.5 + 0.5*float64(len(term))/float64(len(name))
	}
	if strings.Contains(term, name) {
		return 0.5 + 0.5*float64(len(name))/float64(len(term))
	}
	prefix := 0
	for prefix < len(term) && prefix < len(name) && term[prefix] == name[prefix] {
		prefix++
	}
	longer := len(term)
	if len(name) > longer {
		longer = len(name)
	}
	return 0.5 * float64(prefix) / float64(longer)
}
