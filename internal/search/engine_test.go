package search

import (
	"sort"
	"strings"
	"testing"

	"github.com/Cutipus/HermesNet/internal/treestore"
	"github.com/Cutipus/HermesNet/pkg/hash"
	"github.com/Cutipus/HermesNet/pkg/tree"
)

// buildDir assembles a tree from slash-separated relative paths.
func buildDir(name string, files map[string]string) *tree.Dir {
	d := &tree.Dir{Name: name}
	subs := make(map[string]map[string]string)
	for rel, content := range files {
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			sub := rel[:i]
			if subs[sub] == nil {
				subs[sub] = make(map[string]string)
			}
			subs[sub][rel[i+1:]] = content
			continue
		}
		sum := hash.Sum([]byte(content))
		d.Files = append(d.Files, &tree.File{
			Name:   rel,
			Hash:   sum,
			Size:   uint64(len(content)),
			Chunks: []tree.ChunkInfo{{Index: 0, Offset: 0, Size: uint32(len(content)), Hash: sum}},
		})
	}
	names := make([]string, 0, len(subs))
	for sub := range subs {
		names = append(names, sub)
	}
	sort.Strings(names)
	for _, sub := range names {
		d.Dirs = append(d.Dirs, buildDir(sub, subs[sub]))
	}
	sort.Slice(d.Files, func(i, j int) bool { return d.Files[i].Name < d.Files[j].Name })
	return d
}

func declare(t *testing.T, s *treestore.Store, owner, addr, rootName string, files map[string]string) *tree.Declaration {
	t.Helper()
	root := buildDir(rootName, files)
	decl := &tree.Declaration{Owner: owner, Addr: addr, Root: root, RootHash: root.Hash()}
	if err := s.Declare(decl); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	return decl
}

func TestClassify(t *testing.T) {
	d := hash.Sum([]byte("x"))
	testCases := []struct {
		raw      string
		wantKind Kind
		wantTerm string
	}{
		{d.String(), KindHash, d.String()},
		{"ext:mp3", KindExtension, "mp3"},
		{".mp3", KindExtension, "mp3"},
		{"folder:album", KindFolder, "album"},
		{"album/", KindFolder, "album"},
		{"summer hits", KindName, "summer hits"},
		{"song.mp3", KindName, "song.mp3"},
		{"  padded  ", KindName, "padded"},
	}
	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			q := Classify(tc.raw)
			if q.Kind != tc.wantKind || q.Term != tc.wantTerm {
				t.Errorf("Classify(%q) = %s/%q, want %s/%q", tc.raw, q.Kind, q.Term, tc.wantKind, tc.wantTerm)
			}
		})
	}
}

func TestSearchByNameFoldsCase(t *testing.T) {
	s := treestore.New(nil)
	declare(t, s, "alice", "a:1", "music", map[string]string{"Summer-MIX.mp3": "bytes"})
	e := New(s)

	results, err := e.Search(Query{Kind: KindName, Term: "summer-mix"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Got %d results, want 1", len(results))
	}
	m, ok := results[0].(*FileMatch)
	if !ok {
		t.Fatalf("Result is %T, want *FileMatch", results[0])
	}
	if !m.Hash.Equal(hash.Sum([]byte("bytes"))) {
		t.Error("Matched the wrong file")
	}
	if m.Size != 5 || len(m.Chunks) != 1 {
		t.Errorf("Size/chunks not resolved from context: size=%d chunks=%d", m.Size, len(m.Chunks))
	}
}

func TestSearchByExtension(t *testing.T) {
	s := treestore.New(nil)
	declare(t, s, "alice", "a:1", "stuff", map[string]string{
		"one.mp3":       "1",
		"two.MP3":       "2",
		"notes.txt":     "3",
		"sub/three.mp3": "4",
	})
	e := New(s)

	results, err := e.Search(Query{Kind: KindExtension, Term: "mp3"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("Extension search matched %d files, want 3", len(results))
	}
}

func TestSearchConvergesAcrossOwners(t *testing.T) {
	s := treestore.New(nil)
	declare(t, s, "alice", "a:1", "my-music", map[string]string{"song.mp3": "identical"})
	declare(t, s, "bob", "b:1", "tunes", map[string]string{"song.mp3": "identical"})
	e := New(s)

	results, err := e.Search(Query{Kind: KindName, Term: "song"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Identical content produced %d results, want 1", len(results))
	}
	m := results[0].(*FileMatch)
	if len(m.Names) != 2 {
		t.Errorf("Converged match carries %d names, want 2", len(m.Names))
	}
	if len(m.Candidates) != 1 || m.Candidates[0].Replicas != 2 {
		t.Errorf("Consensus candidates wrong: %+v", m.Candidates)
	}
}

func TestSearchHashForFile(t *testing.T) {
	s := treestore.New(nil)
	declare(t, s, "alice", "a:1", "music", map[string]string{"song.mp3": "the bytes"})
	e := New(s)

	target := hash.Sum([]byte("the bytes"))
	results, err := e.Search(Query{Kind: KindHash, Term: target.String()})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Got %d results, want 1", len(results))
	}
	if _, ok := results[0].(*FileMatch); !ok {
		t.Errorf("Hash of a file resolved to %T", results[0])
	}
}

func TestSearchHashForFolder(t *testing.T) {
	s := treestore.New(nil)
	decl := declare(t, s, "alice", "a:1", "music", map[string]string{"album/one.mp3": "1", "album/two.mp3": "2"})
	e := New(s)

	album := decl.Root.Dirs[0]
	results, err := e.Search(Query{Kind: KindHash, Term: album.Hash().String()})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Got %d results, want 1", len(results))
	}
	m, ok := results[0].(*FolderMatch)
	if !ok {
		t.Fatalf("Hash of a folder resolved to %T", results[0])
	}
	if m.Subtree == nil || m.Subtree.FileCount() != 2 {
		t.Error("Folder match does not carry the full subtree")
	}
	if len(m.Owners) != 1 || m.Owners[0] != "alice" {
		t.Errorf("Folder owners wrong: %+v", m.Owners)
	}
}

func TestSearchHashUnknown(t *testing.T) {
	e := New(treestore.New(nil))
	results, err := e.Search(Query{Kind: KindHash, Term: hash.Sum([]byte("ghost")).String()})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Unknown hash matched %d results, want 0", len(results))
	}
}

func TestSearchHashMalformed(t *testing.T) {
	e := New(treestore.New(nil))
	if _, err := e.Search(Query{Kind: KindHash, Term: "hn:not-base32!"}); err == nil {
		t.Error("Malformed hash query should error, not return empty")
	}
}

func TestSearchFolderByName(t *testing.T) {
	s := treestore.New(nil)
	declare(t, s, "alice", "a:1", "stuff", map[string]string{"Holiday-Photos/a.jpg": "1", "other/b.txt": "2"})
	e := New(s)

	results, err := e.Search(Query{Kind: KindFolder, Term: "holiday"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Folder search matched %d, want 1", len(results))
	}
	m := results[0].(*FolderMatch)
	if m.Subtree.Name != "Holiday-Photos" {
		t.Errorf("Matched folder %q", m.Subtree.Name)
	}
}

func TestSiblingsSummarizeFolder(t *testing.T) {
	s := treestore.New(nil)
	declare(t, s, "alice", "a:1", "album", map[string]string{
		"hit.mp3":         "hit",
		"other.mp3":       "other",
		"liner/notes.txt": "n",
	})
	e := New(s)

	results, err := e.Search(Query{Kind: KindName, Term: "hit"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Got %d results, want 1", len(results))
	}
	m := results[0].(*FileMatch)

	var names []string
	for _, sib := range m.Siblings {
		names = append(names, sib.Name)
	}
	sort.Strings(names)
	want := []string{"liner", "other.mp3"}
	if len(names) != 2 || names[0] != want[0] || names[1] != want[1] {
		t.Errorf("Siblings = %v, want %v", names, want)
	}
	for _, sib := range m.Siblings {
		if sib.Name == "liner" && !sib.IsDir {
			t.Error("Subdirectory sibling not marked as a directory")
		}
	}
}

func TestSearchOrdersByReplicas(t *testing.T) {
	s := treestore.New(nil)
	// "common" declared by two owners, "rare" by one.
	declare(t, s, "alice", "a:1", "r1", map[string]string{"match-common.mp3": "c"})
	declare(t, s, "bob", "b:1", "r2", map[string]string{"match-common.mp3": "c"})
	declare(t, s, "carol", "c:1", "r3", map[string]string{"match-rare.mp3": "r"})
	e := New(s)

	results, err := e.Search(Query{Kind: KindName, Term: "match"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Got %d results, want 2", len(results))
	}
	first := results[0].(*FileMatch)
	if !first.Hash.Equal(hash.Sum([]byte("c"))) {
		t.Error("Higher-replica match not ranked first")
	}
}
