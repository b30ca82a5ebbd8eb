// Package search resolves classified queries against the tree store. A
// result is explicitly either a file match, carrying its competing tree
// contexts and a summary of the rest of its folder, or a folder match
// carrying the full subtree for bulk download, never an implicitly typed
// blob.
package search

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Cutipus/HermesNet/internal/treestore"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/tree"
)

// Kind classifies a query.
type Kind string

// Query kinds
const (
	KindHash      Kind = "hash"      // exact FileHash or TreeHash
	KindName      Kind = "name"      // filename substring
	KindExtension Kind = "extension" // file extension / filetype
	KindFolder    Kind = "folder"    // folder name substring
)

// Query is a classified search request.
type Query struct {
	Kind Kind
	Term string
}

// Classify infers the query kind from its raw text: digest strings become
// hash queries, "ext:" prefixes and bare dotted extensions become
// extension queries, "folder:" prefixes and trailing separators become
// folder queries, everything else matches filenames.
func Classify(raw string) Query {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, hash.Prefix+":"):
		return Query{Kind: KindHash, Term: raw}
	case strings.HasPrefix(raw, "ext:"):
		return Query{Kind: KindExtension, Term: strings.TrimPrefix(raw, "ext:")}
	case strings.HasPrefix(raw, "folder:"):
		return Query{Kind: KindFolder, Term: strings.TrimPrefix(raw, "folder:")}
	case strings.HasSuffix(raw, "/"):
		return Query{Kind: KindFolder, Term: strings.TrimSuffix(raw, "/")}
	case strings.HasPrefix(raw, ".") && !strings.Contains(raw[1:], "."):
		return Query{Kind: KindExtension, Term: raw[1:]}
	default:
		return Query{Kind: KindName, Term: raw}
	}
}

// Result is a tagged search match.
type Result interface {
	// ResultKind is "file" or "folder"
	ResultKind() string
}

// Sibling summarizes one entry sharing a folder with a matched file.
type Sibling struct {
	Name  string
	Size  uint64
	IsDir bool
}

// FileMatch is a resolved file: one FileHash with every competing tree
// context, ranked by consensus, plus the folder context of the top
// candidate.
type FileMatch struct {
	Hash       hash.Digest
	Size       uint64
	Chunks     []tree.ChunkInfo  // declared chunk table, for download and verification
	Names      map[string]string // owner -> display filename
	Candidates []treestore.Candidate
	Siblings   []Sibling
}

// ResultKind implements Result
func (*FileMatch) ResultKind() string { return "file" }

// FolderMatch is a resolved folder: the full subtree is returned so the
// whole hierarchy can be downloaded.
type FolderMatch struct {
	TreeHash hash.Digest
	Owners   []string
	Subtree  *tree.Dir
}

// ResultKind implements Result
func (*FolderMatch) ResultKind() string { return "folder" }

// Engine resolves queries against a tree store.
type Engine struct {
	store *treestore.Store

	// MaxSiblings bounds the folder-context summary per file match.
	MaxSiblings int
}

// New creates a search engine over the given store.
func New(store *treestore.Store) *Engine {
	return &Engine{
		store:       store,
		MaxSiblings: 20,
	}
}

// Search resolves a query into an ordered result sequence. An empty
// sequence is a valid outcome, not an error; errors are reserved for
// malformed queries.
func (e *Engine) Search(q Query) ([]Result, error) {
	switch q.Kind {
	case KindHash:
		return e.searchHash(q.Term)
	case KindName:
		return e.searchFiles(q.Term, matchSubstring), nil
	case KindExtension:
		return e.searchFiles(q.Term, matchExtension), nil
	case KindFolder:
		return e.searchFolders(q.Term), nil
	default:
		return nil, fmt.Errorf("unknown query kind %q", q.Kind)
	}
}

// searchHash resolves an exact-hash query against files and folders.
func (e *Engine) searchHash(term string) ([]Result, error) {
	target, err := hash.Parse(term)
	if err != nil {
		return nil, fmt.Errorf("malformed hash query: %w", err)
	}

	if sub := e.store.Subtree(target); sub != nil {
		owners := make([]string, 0)
		for _, ref := range e.store.Lookup(target) {
			owners = append(owners, ref.Owner)
		}
		return []Result{&FolderMatch{TreeHash: target, Owners: dedupe(owners), Subtree: sub}}, nil
	}

	refs := e.store.Lookup(target)
	if len(refs) == 0 {
		return nil, nil
	}
	return []Result{e.fileMatch(target, refs, "")}, nil
}

// matcher decides whether a folded filename satisfies a folded term.
type matcher func(foldedName, foldedTerm string) bool

func matchSubstring(foldedName, foldedTerm string) bool {
	return strings.Contains(foldedName, foldedTerm)
}

func matchExtension(foldedName, foldedTerm string) bool {
	return strings.HasSuffix(foldedName, "."+strings.TrimPrefix(foldedTerm, "."))
}

// searchFiles walks every declared tree and groups matching files by
// FileHash, so identical content declared under different names and
// structures converges to a single match with multiple candidates.
func (e *Engine) searchFiles(term string, match matcher) []Result {
	folded := treestore.Fold(term)
	matched := make(map[hash.Digest]struct{})

	for _, roots := range e.store.All() {
		for _, root := range roots {
			root.Walk(func(_ *tree.Dir, f *tree.File, _ *tree.Dir) bool {
				if f != nil && match(treestore.Fold(f.Name), folded) {
					matched[f.Hash] = struct{}{}
				}
				return true
			})
		}
	}

	results := make([]Result, 0, len(matched))
	for target := range matched {
		refs := e.store.Lookup(target)
		if len(refs) == 0 {
			continue
		}
		results = append(results, e.fileMatch(target, refs, term))
	}
	sortResults(results)
	return results
}

// searchFolders finds directories by name and returns their full subtrees.
func (e *Engine) searchFolders(term string) []Result {
	folded := treestore.Fold(term)
	type folderInfo struct {
		sub    *tree.Dir
		owners map[string]struct{}
	}
	matched := make(map[hash.Digest]*folderInfo)

	consider := func(owner string, d *tree.Dir) {
		if !matchSubstring(treestore.Fold(d.Name), folded) {
			return
		}
		th := d.Hash()
		info, ok := matched[th]
		if !ok {
			info = &folderInfo{sub: d, owners: make(map[string]struct{})}
			matched[th] = info
		}
		info.owners[owner] = struct{}{}
	}

	for owner, roots := range e.store.All() {
		for _, root := range roots {
			consider(owner, root)
			root.Walk(func(_ *tree.Dir, _ *tree.File, sub *tree.Dir) bool {
				if sub != nil {
					consider(owner, sub)
				}
				return true
			})
		}
	}

	results := make([]Result, 0, len(matched))
	for th, info := range matched {
		owners := make([]string, 0, len(info.owners))
		for owner := range info.owners {
			owners = append(owners, owner)
		}
		sort.Strings(owners)
		results = append(results, &FolderMatch{TreeHash: th, Owners: owners, Subtree: info.sub})
	}
	sortResults(results)
	return results
}

// fileMatch assembles a FileMatch from the index refs of a FileHash.
func (e *Engine) fileMatch(target hash.Digest, refs []treestore.Ref, term string) *FileMatch {
	m := &FileMatch{
		Hash:       target,
		Names:      make(map[string]string),
		Candidates: e.store.Candidates(target, term),
	}
	for _, ref := range refs {
		m.Names[ref.Owner] = ref.Name
	}
	if len(m.Candidates) > 0 {
		top := m.Candidates[0]
		if f := e.fileInContext(target, top.Context); f != nil {
			m.Size = f.Size
			m.Chunks = f.Chunks
		}
		m.Siblings = e.siblings(target, top.Context)
	}
	return m
}

// fileInContext finds the matched file inside its containing directory.
func (e *Engine) fileInContext(target, context hash.Digest) *tree.File {
	dir := e.store.Subtree(context)
	if dir == nil {
		return nil
	}
	for _, f := range dir.Files {
		if f.Hash.Equal(target) {
			return f
		}
	}
	return nil
}

// siblings summarizes the rest of the matched file's folder, for the
// "show the surrounding folder, grayed out" display.
func (e *Engine) siblings(target, context hash.Digest) []Sibling {
	dir := e.store.Subtree(context)
	if dir == nil {
		return nil
	}
	var sibs []Sibling
	for _, f := range dir.Files {
		if f.Hash.Equal(target) {
			continue
		}
		sibs = append(sibs, Sibling{Name: f.Name, Size: f.Size})
	}
	for _, sub := range dir.Dirs {
		sibs = append(sibs, Sibling{Name: sub.Name, Size: sub.TotalSize(), IsDir: true})
	}
	sort.Slice(sibs, func(i, j int) bool { return sibs[i].Name < sibs[j].Name })
	if len(sibs) > e.MaxSiblings {
		sibs = sibs[:e.MaxSiblings]
	}
	return sibs
}

// sortResults orders results deterministically: file matches by top
// candidate replica count then hash, folder matches by owner count then
// hash, files before folders.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		return resultKey(results[i]) < resultKey(results[j])
	})
}

func resultKey(r Result) string {
	switch m := r.(type) {
	case *FileMatch:
		replicas := 0
		if len(m.Candidates) > 0 {
			replicas = m.Candidates[0].Replicas
		}
		return fmt.Sprintf("0-%09d-%s", 1_000_000_000-replicas, m.Hash)
	case *FolderMatch:
		return fmt.Sprintf("1-%09d-%s", 1_000_000_000-len(m.Owners), m.TreeHash)
	default:
		return "2"
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
