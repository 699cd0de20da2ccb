// Copyright © 2018 The ELPS authors

package rewrite

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
)

// CheckpointID identifies a synthetic program point inserted immediately
// before an original statement. Ids are dense from 1 upward per unit,
// assigned in lexical source order.
type CheckpointID int

// Pos is the 1-based position of the original statement a checkpoint
// precedes (not the inserted call).
type Pos struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Col  int    `json:"col"`
}

// Index holds the two structures the debugger consumes at runtime: the
// injective checkpoint-to-position map and the per-method ordered id lists.
// An Index is built once during a rewrite and immutable afterwards.
type Index struct {
	Checkpoints map[CheckpointID]Pos      `json:"checkpoints"`
	Methods     map[string][]CheckpointID `json:"methods"`

	methodOf map[CheckpointID]string
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		Checkpoints: make(map[CheckpointID]Pos),
		Methods:     make(map[string][]CheckpointID),
		methodOf:    make(map[CheckpointID]string),
	}
}

func (ix *Index) add(method string, pos Pos) CheckpointID {
	id := CheckpointID(len(ix.Checkpoints) + 1)
	ix.Checkpoints[id] = pos
	ix.Methods[method] = append(ix.Methods[method], id)
	ix.methodOf[id] = method
	return id
}

// Pos returns the original source position for id.
func (ix *Index) Pos(id CheckpointID) (Pos, bool) {
	p, ok := ix.Checkpoints[id]
	return p, ok
}

// MethodOf returns the qualified method name whose body contains id.
func (ix *Index) MethodOf(id CheckpointID) (string, bool) {
	m, ok := ix.methodOf[id]
	return m, ok
}

// MethodCheckpoints returns the ordered checkpoint ids of a method body,
// or nil when the method is unknown.
func (ix *Index) MethodCheckpoints(method string) []CheckpointID {
	return ix.Methods[method]
}

// NextInMethod returns the checkpoint following id in the method's ordered
// list. When id is not listed, the first listed id strictly greater than id
// is returned. ok is false when id is at (or past) the last statement of
// the method, or the method is unknown.
func (ix *Index) NextInMethod(method string, id CheckpointID) (CheckpointID, bool) {
	ids := ix.Methods[method]
	for i, cur := range ids {
		if cur == id {
			if i+1 < len(ids) {
				return ids[i+1], true
			}
			return 0, false
		}
		if cur > id {
			// id was not allocated inside this method; take the first id
			// past it in source order.
			return cur, true
		}
	}
	return 0, false
}

// All returns every checkpoint record ordered by id.
func (ix *Index) All() []Record {
	records := make([]Record, 0, len(ix.Checkpoints))
	for id, pos := range ix.Checkpoints {
		records = append(records, Record{ID: id, Pos: pos})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// Record is one line of the checkpoint-map artifact.
type Record struct {
	ID CheckpointID `json:"id"`
	Pos
}

// Nearest resolves a file:line reference to the closest checkpoint. File
// candidates match by exact path first, then by basename equality, then by
// substring containment. Among candidates the minimum |line − target| wins,
// ties broken by the smallest id.
func (ix *Index) Nearest(file string, line int) (CheckpointID, bool) {
	match := func(accept func(string) bool) (CheckpointID, bool) {
		best := CheckpointID(0)
		bestDist := -1
		for _, rec := range ix.All() {
			if !accept(rec.File) {
				continue
			}
			dist := rec.Line - line
			if dist < 0 {
				dist = -dist
			}
			if bestDist < 0 || dist < bestDist {
				best, bestDist = rec.ID, dist
			}
		}
		return best, bestDist >= 0
	}
	if id, ok := match(func(f string) bool { return f == file }); ok {
		return id, true
	}
	if id, ok := match(func(f string) bool { return filepath.Base(f) == filepath.Base(file) }); ok {
		return id, true
	}
	return match(func(f string) bool { return strings.Contains(f, file) })
}

// WriteTo emits the checkpoint-map artifact as JSON. It implements
// io.WriterTo so the artifact can be written alongside the rewritten
// source or kept in memory by the host.
func (ix *Index) WriteTo(w io.Writer) (int64, error) {
	doc := indexDoc{Checkpoints: ix.All(), Methods: ix.Methods}
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode checkpoint map: %w", err)
	}
	buf = append(buf, '\n')
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadIndex parses an artifact produced by WriteTo.
func ReadIndex(r io.Reader) (*Index, error) {
	var doc indexDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode checkpoint map: %w", err)
	}
	ix := NewIndex()
	for _, rec := range doc.Checkpoints {
		ix.Checkpoints[rec.ID] = rec.Pos
	}
	ix.Methods = doc.Methods
	if ix.Methods == nil {
		ix.Methods = make(map[string][]CheckpointID)
	}
	for method, ids := range ix.Methods {
		for _, id := range ids {
			ix.methodOf[id] = method
		}
	}
	return ix, nil
}

type indexDoc struct {
	Checkpoints []Record                  `json:"checkpoints"`
	Methods     map[string][]CheckpointID `json:"methods"`
}
