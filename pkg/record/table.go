package record

import (
	"sort"
	"sync"
)

type cell struct {
	key Key
	ts  int64
}

// Table is a sparse (series key x timestamp) index of records, safe for concurrent Put.
type Table struct {
	mu    sync.Mutex
	cells map[cell]*MetricRecord
}

func NewTable() *Table {
	return &Table{cells: make(map[cell]*MetricRecord)}
}

// Put upserts r. A record already present for the same key and timestamp absorbs r's values;
// when both carry the same metric name the greater value wins, so the result does not depend on
// the order in which concurrent fetches complete.
func (t *Table) Put(r *MetricRecord) {
	if r == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	c := cell{key: r.Key(), ts: r.Timestamp}
	existing, ok := t.cells[c]
	if !ok {
		t.cells[c] = r.Clone()
		return
	}
	for name, v := range r.Values {
		if old, ok := existing.Values[name]; !ok || v > old {
			existing.Values[name] = v
		}
	}
	if r.ClusterLabel > existing.ClusterLabel {
		existing.ClusterLabel = r.ClusterLabel
	}
}

func (t *Table) PutAll(records []*MetricRecord) {
	for _, r := range records {
		t.Put(r)
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cells)
}

// Get returns the record at (k, ts), if any.
func (t *Table) Get(k Key, ts int64) (*MetricRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.cells[cell{key: k, ts: ts}]
	return r, ok
}

// Records returns the merged records sorted by key and then timestamp.
func (t *Table) Records() []*MetricRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*MetricRecord, 0, len(t.cells))
	for _, r := range t.cells {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		if a.OriginHost != b.OriginHost {
			return a.OriginHost < b.OriginHost
		}
		if a.GroupName != b.GroupName {
			return a.GroupName < b.GroupName
		}
		if a.Message != b.Message {
			return a.Message < b.Message
		}
		return a.Timestamp < b.Timestamp
	})
	return out
}

// Groups returns the distinct group names present, sorted.
func (t *Table) Groups() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{})
	for c := range t.cells {
		seen[c.key.GroupName] = struct{}{}
	}
	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}
