// Package symbols implements the PDB Symbol Resolver (spec §4.B): it maps
// source (file, line, column) to (method token, IL offset, sequence-point
// span) and back, with per-assembly caching keyed on (path, mtime, size).
//
// It is grounded on the teacher's symbol-table access pattern
// (golang-debug/debug/dwarf/symbol.go: LookupFunction/EntryForPC do a
// linear Reader walk comparing one attribute at a time) generalised from a
// single symbol table per binary to a sequence-point table per source
// file, and on golang-debug/program/server/server.go's lookupSource
// (gosym.Table.PCToLine) for the PC -> (file, line) direction. The
// per-assembly cache uses an LRU (github.com/hashicorp/golang-lru/v2, the
// same dependency go-delve/delve itself uses for its symbol caches — see
// other_examples/manifests/Dparker1990-dbg/go.mod) rather than an unbounded
// map, since long sessions can load many assemblies.
package symbols

import (
	"fmt"
	"os"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/clrdbg/clrdbg-mcp/internal/logging"
	"github.com/clrdbg/clrdbg-mcp/internal/metadata"
)

var log = logging.For("symbols")

// Span is the source range a sequence point covers.
type Span struct {
	StartLine, StartCol int
	EndLine, EndCol     int
}

// SequencePoint maps one IL offset to a source span within one method.
type SequencePoint struct {
	MethodToken metadata.Token
	ILOffset    uint32
	File        string
	Span        Span
	Hidden      bool // compiler-generated, span == (0xfeefee, ...)
}

// HiddenLine is the sentinel PDB uses for a compiler-generated sequence
// point (spec §4.B "Hidden sequence points").
const HiddenLine = 0xfeefee

// Match is the result of find_il_offset.
type Match struct {
	MethodToken metadata.Token
	ILOffset    uint32
	Span        Span
}

// pdb holds every sequence point for one assembly, indexed by (method, IL
// offset) for the PC -> line reverse direction. Hidden points are kept here
// (needed to walk a method's full IL range) but excluded from the per-file
// assemblyIndex.keys index built in Resolver.index, per spec §4.B.
type pdb struct {
	byMethod map[metadata.Token][]SequencePoint
}

func newPDB() *pdb {
	return &pdb{byMethod: make(map[metadata.Token][]SequencePoint)}
}

// Loader parses the portable/embedded PDB for an assembly. Production use
// plugs in a real portable-PDB reader; tests substitute an in-memory
// Loader that returns canned sequence points.
type Loader interface {
	Load(assemblyPath string) (points []SequencePointRecord, err error)
}

// SequencePointRecord is what a Loader produces: a sequence point together
// with the source file it belongs to (portable PDB documents are
// per-method, not per-file, so the file has to travel with the point).
type SequencePointRecord = SequencePoint

type cacheKey struct {
	path  string
	mtime int64
	size  int64
}

// Resolver answers the PDB-derived queries the engine needs, caching
// per-assembly results so repeated breakpoint_set calls in a hot loop do
// not reparse the PDB (spec §4.B "Results are cached per (assembly, mtime,
// size) key").
type Resolver struct {
	loader Loader
	cache  *lru.Cache[cacheKey, *assemblyIndex]
}

type assemblyIndex struct {
	key  cacheKey
	pdb  *pdb
	keys map[string][]SequencePoint // file -> sorted-by-line sequence points for the file
}

// NewResolver builds a Resolver backed by loader, caching up to maxAssemblies
// parsed PDBs at once.
func NewResolver(loader Loader, maxAssemblies int) (*Resolver, error) {
	if maxAssemblies <= 0 {
		maxAssemblies = 64
	}
	c, err := lru.NewWithEvict[cacheKey, *assemblyIndex](maxAssemblies, func(k cacheKey, _ *assemblyIndex) {
		log.WithField("assembly", k.path).Debug("evicted symbol cache entry")
	})
	if err != nil {
		return nil, err
	}
	return &Resolver{loader: loader, cache: c}, nil
}

func statKey(path string) (cacheKey, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return cacheKey{}, err
	}
	return cacheKey{path: path, mtime: fi.ModTime().UnixNano(), size: fi.Size()}, nil
}

// ForgetAssembly drops the cache entry for path (spec §4.B "cache entries
// are dropped on module unload").
func (r *Resolver) ForgetAssembly(path string) {
	// The cache is keyed by (path, mtime, size); remove every key sharing
	// path since the exact mtime/size at load time isn't known here.
	for _, k := range r.cache.Keys() {
		if k.path == path {
			r.cache.Remove(k)
		}
	}
}

func (r *Resolver) index(assemblyPath string) (*assemblyIndex, error) {
	key, err := statKey(assemblyPath)
	if err != nil {
		// No file on disk (an in-memory or dynamic module): key by path alone.
		key = cacheKey{path: assemblyPath}
	}
	if idx, ok := r.cache.Get(key); ok {
		return idx, nil
	}
	records, err := r.loader.Load(assemblyPath)
	if err != nil {
		return nil, fmt.Errorf("symbols: load PDB for %s: %w", assemblyPath, err)
	}
	idx := &assemblyIndex{key: key, pdb: newPDB(), keys: make(map[string][]SequencePoint)}
	for _, rec := range records {
		idx.pdb.byMethod[rec.MethodToken] = append(idx.pdb.byMethod[rec.MethodToken], rec)
		if rec.Hidden {
			continue
		}
		idx.keys[rec.File] = append(idx.keys[rec.File], rec)
	}
	for file := range idx.keys {
		pts := idx.keys[file]
		sort.Slice(pts, func(i, j int) bool {
			if pts[i].Span.StartLine != pts[j].Span.StartLine {
				return pts[i].Span.StartLine < pts[j].Span.StartLine
			}
			return pts[i].Span.StartCol < pts[j].Span.StartCol
		})
		idx.keys[file] = pts
	}
	r.cache.Add(key, idx)
	return idx, nil
}

// FindILOffset implements spec §4.B find_il_offset, including the
// column/start-col/il-offset tie-break order.
func (r *Resolver) FindILOffset(assemblyPath, file string, line, col int) (*Match, bool, error) {
	idx, err := r.index(assemblyPath)
	if err != nil {
		return nil, false, err
	}
	candidates := pointsOnLine(idx, file, line)
	if len(candidates) == 0 {
		return nil, false, nil
	}
	best := bestMatch(candidates, col)
	return &Match{MethodToken: best.MethodToken, ILOffset: best.ILOffset, Span: best.Span}, true, nil
}

// bestMatch applies spec §4.B's tie-break: prefer the span containing col,
// else the smallest start_col, then the smallest il_offset. candidates must
// already be sorted by (StartLine, StartCol).
func bestMatch(candidates []SequencePoint, col int) SequencePoint {
	if col > 0 {
		for _, c := range candidates {
			if col >= c.Span.StartCol && (c.Span.EndCol == 0 || col <= c.Span.EndCol) {
				return c
			}
		}
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Span.StartCol < best.Span.StartCol ||
			(c.Span.StartCol == best.Span.StartCol && c.ILOffset < best.ILOffset) {
			best = c
		}
	}
	return best
}

// SequencePointsOnLine implements spec §4.B sequence_points_on_line.
func (r *Resolver) SequencePointsOnLine(assemblyPath, file string, line int) ([]SequencePoint, error) {
	idx, err := r.index(assemblyPath)
	if err != nil {
		return nil, err
	}
	return pointsOnLine(idx, file, line), nil
}

func pointsOnLine(idx *assemblyIndex, file string, line int) []SequencePoint {
	var out []SequencePoint
	for _, p := range idx.keys[file] {
		if p.Span.StartLine == line {
			out = append(out, p)
		}
	}
	return out
}

// NearestValidLine implements spec §4.B nearest_valid_line: scans outward
// from line by up to rangeLines in both directions, preferring the closer
// line and, on a tie, the smaller line number.
func (r *Resolver) NearestValidLine(assemblyPath, file string, line, rangeLines int) (int, bool, error) {
	idx, err := r.index(assemblyPath)
	if err != nil {
		return 0, false, err
	}
	pts := idx.keys[file]
	if len(pts) == 0 {
		return 0, false, nil
	}
	valid := map[int]bool{}
	for _, p := range pts {
		valid[p.Span.StartLine] = true
	}
	if valid[line] {
		return line, true, nil
	}
	best := 0
	bestDist := rangeLines + 1
	for d := 1; d <= rangeLines; d++ {
		for _, candidate := range [2]int{line - d, line + d} {
			if valid[candidate] && d < bestDist {
				best = candidate
				bestDist = d
			}
		}
		if bestDist <= d {
			break
		}
	}
	if best == 0 {
		return 0, false, nil
	}
	return best, true, nil
}

// MethodSequencePoints returns every sequence point recorded for a method
// token, in IL-offset order — used to build stepping ranges (spec §4.D.4).
func (r *Resolver) MethodSequencePoints(assemblyPath string, token metadata.Token) ([]SequencePoint, error) {
	idx, err := r.index(assemblyPath)
	if err != nil {
		return nil, err
	}
	pts := append([]SequencePoint(nil), idx.pdb.byMethod[token]...)
	sort.Slice(pts, func(i, j int) bool { return pts[i].ILOffset < pts[j].ILOffset })
	return pts, nil
}

// LineForILOffset finds the sequence point covering (or immediately
// preceding) the given IL offset, used to render Location for stack frames.
func (r *Resolver) LineForILOffset(assemblyPath string, token metadata.Token, ilOffset uint32) (SequencePoint, bool, error) {
	pts, err := r.MethodSequencePoints(assemblyPath, token)
	if err != nil {
		return SequencePoint{}, false, err
	}
	var best SequencePoint
	found := false
	for _, p := range pts {
		if p.ILOffset <= ilOffset {
			best = p
			found = true
			continue
		}
		break
	}
	return best, found, nil
}
