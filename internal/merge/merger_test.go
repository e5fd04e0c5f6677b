package merge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"

	"coda-helper/go-backend/internal/coda"
	"coda-helper/go-backend/internal/config"
)

type fakeTable struct {
	name    string
	columns []coda.Column
	rows    []coda.Row
}

// fakeCoda is an in-memory Coda API keyed by "doc/table".
type fakeCoda struct {
	docs    map[string]string
	tables  map[string]*fakeTable
	nextID  int
	upserts [][]coda.Row
	deletes [][]string
	failOn  string
}

func newFakeCoda() *fakeCoda {
	return &fakeCoda{docs: map[string]string{}, tables: map[string]*fakeTable{}}
}

func (f *fakeCoda) addTable(doc, table string, columns ...string) *fakeTable {
	f.docs[doc] = "Doc " + doc
	t := &fakeTable{name: table}
	for _, c := range columns {
		t.columns = append(t.columns, coda.Column{ID: "c-" + c, Name: c})
	}
	f.tables[doc+"/"+table] = t
	return t
}

func (f *fakeCoda) table(doc, table string) (*fakeTable, error) {
	t, ok := f.tables[doc+"/"+table]
	if !ok {
		return nil, &coda.HTTPError{StatusCode: 404, Path: doc + "/" + table}
	}
	return t, nil
}

func (f *fakeCoda) WhoAmI(context.Context) (coda.User, error) {
	return coda.User{Name: "Merge Bot"}, nil
}

func (f *fakeCoda) GetDoc(_ context.Context, docID string) (coda.Doc, error) {
	name, ok := f.docs[docID]
	if !ok {
		return coda.Doc{}, &coda.HTTPError{StatusCode: 404, Path: docID}
	}
	return coda.Doc{ID: docID, Name: name}, nil
}

func (f *fakeCoda) GetTable(_ context.Context, docID, tableID string) (coda.Table, error) {
	t, err := f.table(docID, tableID)
	if err != nil {
		return coda.Table{}, err
	}
	return coda.Table{ID: tableID, Name: t.name}, nil
}

func (f *fakeCoda) ListColumns(_ context.Context, docID, tableID string) ([]coda.Column, error) {
	t, err := f.table(docID, tableID)
	if err != nil {
		return nil, err
	}
	return append([]coda.Column(nil), t.columns...), nil
}

func (f *fakeCoda) ListRows(_ context.Context, docID, tableID string) ([]coda.Row, error) {
	t, err := f.table(docID, tableID)
	if err != nil {
		return nil, err
	}
	out := make([]coda.Row, len(t.rows))
	for i, r := range t.rows {
		values := make(map[string]any, len(r.Values))
		for k, v := range r.Values {
			values[k] = v
		}
		out[i] = coda.Row{ID: r.ID, Values: values}
	}
	return out, nil
}

// UpsertRows mimics the API: rows match on the key columns, ids are ignored,
// and cells for unknown columns are dropped.
func (f *fakeCoda) UpsertRows(_ context.Context, docID, tableID string, rows []coda.Row, keyColumns []string) error {
	if f.failOn == "upsert" {
		return errors.New("upsert exploded")
	}
	t, err := f.table(docID, tableID)
	if err != nil {
		return err
	}
	f.upserts = append(f.upserts, rows)
	known := map[string]bool{}
	for _, c := range t.columns {
		known[c.Name] = true
	}
	for _, in := range rows {
		values := map[string]any{}
		for k, v := range in.Values {
			if known[k] {
				values[k] = v
			}
		}
		matched := false
		for i := range t.rows {
			if keyOf(t.rows[i].Values) == keyOf(values) && len(keyColumns) == 1 {
				t.rows[i].Values = values
				matched = true
				break
			}
		}
		if !matched {
			f.nextID++
			t.rows = append(t.rows, coda.Row{ID: "dst-" + string(rune('a'+f.nextID-1)), Values: values})
		}
	}
	return nil
}

func (f *fakeCoda) DeleteRows(_ context.Context, docID, tableID string, rowIDs []string) error {
	t, err := f.table(docID, tableID)
	if err != nil {
		return err
	}
	f.deletes = append(f.deletes, rowIDs)
	drop := map[string]bool{}
	for _, id := range rowIDs {
		drop[id] = true
	}
	kept := t.rows[:0]
	for _, r := range t.rows {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	t.rows = kept
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() config.MergeTableConfig {
	return config.MergeTableConfig{
		DestinationDocID:   "dst",
		DestinationTableID: "merged",
		SourceTables: []config.SourceTable{
			{DocID: "docA", TableID: "tasks", Project: "Alpha"},
			{DocID: "docB", TableID: "tasks"},
		},
	}
}

func newFixture() (*fakeCoda, *fakeTable, *fakeTable, *fakeTable) {
	f := newFakeCoda()
	dst := f.addTable("dst", "merged", "Name", "Status", "Project", "unique_key", "row_hash")
	a := f.addTable("docA", "tasks", "Name", "Status")
	b := f.addTable("docB", "tasks", "Name", "status")
	return f, dst, a, b
}

func TestMergeIntoEmptyDestinationAddsEveryRow(t *testing.T) {
	f, dst, a, b := newFixture()
	a.rows = []coda.Row{
		{ID: "i-1", Values: map[string]any{"Name": "Write docs", "Status": "open"}},
		{ID: "i-2", Values: map[string]any{"Name": "Ship", "Status": "done"}},
	}
	b.rows = []coda.Row{{ID: "i-9", Values: map[string]any{"Name": "Hire", "status": "open"}}}

	res, err := New(f, baseConfig(), WithLogger(quietLogger())).Merge(context.Background())
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	want := Result{Success: true, TotalRowsProcessed: 3, NewRows: 3, DestinationTableID: "merged"}
	if res != want {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(dst.rows) != 3 {
		t.Fatalf("expected 3 destination rows, got %d", len(dst.rows))
	}

	byKey := map[string]map[string]any{}
	for _, r := range dst.rows {
		byKey[keyOf(r.Values)] = r.Values
	}
	first := byKey["src_docA_tasks_i-1"]
	if first == nil || first["Project"] != "Alpha" || first["row_hash"] == "" {
		t.Fatalf("unexpected first row %v", first)
	}
	hired := byKey["src_docB_tasks_i-9"]
	if hired == nil || hired["Project"] != "Project 2" {
		t.Fatalf("expected default project name, got %v", hired)
	}
	if hired["Status"] != "open" {
		t.Fatalf("expected lower-case source column mapped onto Status, got %v", hired)
	}
}

func TestSecondMergeIsNoop(t *testing.T) {
	f, _, a, _ := newFixture()
	a.rows = []coda.Row{{ID: "i-1", Values: map[string]any{"Name": "Write docs", "Status": "open"}}}
	m := New(f, baseConfig(), WithLogger(quietLogger()))
	if _, err := m.Merge(context.Background()); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	upsertCalls := len(f.upserts)

	res, err := m.Merge(context.Background())
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if res.NewRows != 0 || res.UpdatedRows != 0 || res.DeletedRows != 0 || res.TotalRowsProcessed != 1 {
		t.Fatalf("expected no changes, got %+v", res)
	}
	if len(f.upserts) != upsertCalls {
		t.Fatal("unchanged rows must not be written")
	}
}

func TestMergeUpdatesChangedAndDeletesStaleRows(t *testing.T) {
	f, dst, a, b := newFixture()
	a.rows = []coda.Row{
		{ID: "i-1", Values: map[string]any{"Name": "Write docs", "Status": "open"}},
		{ID: "i-2", Values: map[string]any{"Name": "Ship", "Status": "open"}},
	}
	cfg := baseConfig()
	m := New(f, cfg, WithLogger(quietLogger()))
	if _, err := m.Merge(context.Background()); err != nil {
		t.Fatalf("seed merge: %v", err)
	}

	a.rows = []coda.Row{{ID: "i-1", Values: map[string]any{"Name": "Write docs", "Status": "done"}}}
	b.rows = []coda.Row{{ID: "i-5", Values: map[string]any{"Name": "New", "status": "open"}}}
	res, err := m.Merge(context.Background())
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	want := Result{Success: true, TotalRowsProcessed: 2, NewRows: 1, UpdatedRows: 1, DeletedRows: 1, DestinationTableID: "merged"}
	if res != want {
		t.Fatalf("unexpected result %+v", res)
	}
	var keys []string
	for _, r := range dst.rows {
		keys = append(keys, keyOf(r.Values))
		if keyOf(r.Values) == "src_docA_tasks_i-1" && r.Values["Status"] != "done" {
			t.Fatalf("row not updated: %v", r.Values)
		}
	}
	sort.Strings(keys)
	if strings.Join(keys, ",") != "src_docA_tasks_i-1,src_docB_tasks_i-5" {
		t.Fatalf("unexpected destination keys %v", keys)
	}

	last := f.upserts[len(f.upserts)-1]
	for _, row := range last {
		if keyOf(row.Values) == "src_docA_tasks_i-1" && !strings.HasPrefix(row.ID, "dst-") {
			t.Fatalf("updated row should carry the destination id, got %q", row.ID)
		}
	}
}

func TestMergeCollapsesDuplicateKeysKeepingLast(t *testing.T) {
	f, dst, a, _ := newFixture()
	dst.rows = []coda.Row{
		{ID: "d-1", Values: map[string]any{"unique_key": "k", "Name": "old"}},
		{ID: "d-2", Values: map[string]any{"unique_key": "other", "Name": "x"}},
		{ID: "d-3", Values: map[string]any{"unique_key": "k", "Name": "older"}},
		{ID: "d-4", Values: map[string]any{"unique_key": "k", "Name": "newest"}},
		{ID: "d-5", Values: map[string]any{"Name": "no key"}},
	}
	a.rows = []coda.Row{
		{ID: "i-1", Values: map[string]any{"unique_key": "k", "Name": "newest"}},
		{ID: "i-2", Values: map[string]any{"unique_key": "other", "Name": "x"}},
	}

	res, err := New(f, baseConfig(), WithLogger(quietLogger())).Merge(context.Background())
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(f.deletes) == 0 || strings.Join(f.deletes[0], ",") != "d-1,d-3" {
		t.Fatalf("expected duplicates d-1,d-3 deleted first, got %v", f.deletes)
	}
	if res.DeletedRows != 0 || res.NewRows != 0 || res.UpdatedRows != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	ids := []string{}
	for _, r := range dst.rows {
		ids = append(ids, r.ID)
	}
	if strings.Join(ids, ",") != "d-2,d-4,d-5" {
		t.Fatalf("unexpected surviving rows %v", ids)
	}
}

func TestMergeHonorsExplicitColumnMappings(t *testing.T) {
	f, dst, a, _ := newFixture()
	a.columns = append(a.columns, coda.Column{Name: "State"})
	a.rows = []coda.Row{{ID: "i-1", Values: map[string]any{"Name": "x", "State": "blocked", "Extra": 1}}}
	cfg := baseConfig()
	cfg.SourceTables = cfg.SourceTables[:1]
	cfg.ColumnMappings = map[string]string{"State": "Status"}

	if _, err := New(f, cfg, WithLogger(quietLogger())).Merge(context.Background()); err != nil {
		t.Fatalf("merge: %v", err)
	}
	got := dst.rows[0].Values
	if got["Status"] != "blocked" {
		t.Fatalf("explicit mapping not applied: %v", got)
	}
	if _, ok := got["Extra"]; ok {
		t.Fatalf("columns unknown to the destination must be dropped: %v", got)
	}
}

func TestMergeRequiresSourceTables(t *testing.T) {
	f, _, _, _ := newFixture()
	cfg := baseConfig()
	cfg.SourceTables = nil
	if _, err := New(f, cfg, WithLogger(quietLogger())).Merge(context.Background()); !errors.Is(err, ErrNoSourceTables) {
		t.Fatalf("expected ErrNoSourceTables, got %v", err)
	}
}

func TestMergeFailsWhenSourceDocUnreachable(t *testing.T) {
	f, _, _, _ := newFixture()
	cfg := baseConfig()
	cfg.SourceTables = append(cfg.SourceTables, config.SourceTable{DocID: "ghost", TableID: "t"})
	_, err := New(f, cfg, WithLogger(quietLogger())).Merge(context.Background())
	var httpErr *coda.HTTPError
	if !errors.As(err, &httpErr) || !strings.Contains(err.Error(), "source doc 3") {
		t.Fatalf("expected wrapped 404 for source 3, got %v", err)
	}
}

func TestMergePropagatesWriteFailure(t *testing.T) {
	f, _, a, _ := newFixture()
	a.rows = []coda.Row{{ID: "i-1", Values: map[string]any{"Name": "x"}}}
	f.failOn = "upsert"
	_, err := New(f, baseConfig(), WithLogger(quietLogger())).Merge(context.Background())
	if err == nil || !strings.Contains(err.Error(), "upsert exploded") {
		t.Fatalf("expected upsert failure, got %v", err)
	}
}

func TestMergedSchemaAppendsBookkeepingColumns(t *testing.T) {
	f, _, a, _ := newFixture()
	a.columns = append(a.columns, coda.Column{Name: "Project", Type: "select"})
	cols, err := New(f, baseConfig(), WithLogger(quietLogger())).MergedSchema(context.Background())
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var names []string
	for _, c := range cols {
		names = append(names, c.Name+":"+c.ColumnType())
	}
	if got := strings.Join(names, ","); got != "Name:text,Status:text,Project:select,unique_key:text,row_hash:text" {
		t.Fatalf("unexpected schema %s", got)
	}
}

func TestRowHashMatchesStoredEncoding(t *testing.T) {
	cases := []struct {
		values map[string]any
		want   string
	}{
		{map[string]any{"b": "x", "a": json.Number("1")}, "4f5f4713d180fb0cb1041f7caf4faaaa"},
		{map[string]any{
			"Name":  "Café",
			"Score": json.Number("2.5"),
			"Big":   1e16,
			"Tiny":  json.Number("0.00001"),
			"Flag":  true,
			"Empty": nil,
			"Tags":  []any{"a", "b"},
		}, "5201fbbd91722caf61537647922908cb"},
		{map[string]any{"Whole": 3.0}, "f2b5aa81dfc635ab642bdeacc749e43c"},
		{map[string]any{
			"i": json.Number("12345678901234567890"),
			"n": json.Number("-98765432109876543210"),
		}, "bec554b0f5b7fb8138db7cdcc5cce763"},
		{map[string]any{
			"f": json.Number("1E400"),
			"g": json.Number("-1e400"),
			"z": json.Number("-0"),
		}, "f9573812c0b5074ae41e0002e9b9b93e"},
	}
	for _, tc := range cases {
		if got := RowHash(tc.values); got != tc.want {
			var b strings.Builder
			writeCanonical(&b, tc.values)
			t.Fatalf("hash of %s = %s, want %s", b.String(), got, tc.want)
		}
	}
}

func TestRowHashIgnoresMapOrder(t *testing.T) {
	a := map[string]any{}
	b := map[string]any{}
	for i, k := range []string{"z", "y", "x", "w", "v"} {
		a[k] = i
	}
	for _, k := range []string{"v", "w", "x", "y", "z"} {
		b[k] = a[k]
	}
	if RowHash(a) != RowHash(b) {
		t.Fatal("hash depends on insertion order")
	}
}

func TestNormalizeColumnName(t *testing.T) {
	cases := map[string]string{
		"  Due   Date ":      "due date",
		"Owner/Assignee":     "ownerassignee",
		"Budget (USD)":       "budget usd",
		"Status\t(current) ": "status current",
	}
	for in, want := range cases {
		if got := normalizeColumnName(in); got != want {
			t.Fatalf("normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestColumnMapperPriority(t *testing.T) {
	m := newColumnMapper(map[string]string{"Owner": "Assignee"}, []string{"Owner", "Due Date", "Budget USD"})
	cases := map[string]string{
		"Owner":        "Assignee",
		"Due Date":     "Due Date",
		"due  date":    "Due Date",
		"Budget (USD)": "Budget USD",
		"Unrelated":    "Unrelated",
	}
	for in, want := range cases {
		if got := m.resolve(in); got != want {
			t.Fatalf("resolve(%q) = %q, want %q", in, got, want)
		}
	}
}
