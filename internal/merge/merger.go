package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"coda-helper/go-backend/internal/coda"
	"coda-helper/go-backend/internal/config"
)

var ErrNoSourceTables = errors.New("no source tables specified, check the merge table configuration")

// API is the slice of the Coda client the merger drives.
type API interface {
	WhoAmI(ctx context.Context) (coda.User, error)
	GetDoc(ctx context.Context, docID string) (coda.Doc, error)
	GetTable(ctx context.Context, docID, tableID string) (coda.Table, error)
	ListColumns(ctx context.Context, docID, tableID string) ([]coda.Column, error)
	ListRows(ctx context.Context, docID, tableID string) ([]coda.Row, error)
	UpsertRows(ctx context.Context, docID, tableID string, rows []coda.Row, keyColumns []string) error
	DeleteRows(ctx context.Context, docID, tableID string, rowIDs []string) error
}

// Result reports one merge run.
type Result struct {
	Success            bool   `json:"success"`
	TotalRowsProcessed int    `json:"totalRowsProcessed"`
	NewRows            int    `json:"newRows"`
	UpdatedRows        int    `json:"updatedRows"`
	DeletedRows        int    `json:"deletedRows"`
	DestinationTableID string `json:"destinationTableId"`
}

type Merger struct {
	api    API
	cfg    config.MergeTableConfig
	logger *slog.Logger
}

type Option func(*Merger)

func WithLogger(l *slog.Logger) Option {
	return func(m *Merger) {
		if l != nil {
			m.logger = l
		}
	}
}

func New(api API, cfg config.MergeTableConfig, opts ...Option) *Merger {
	m := &Merger{api: api, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "merge")
	return m
}

// sourceRow is a source row after mapping, with the hash of its full values.
type sourceRow struct {
	rowID  string
	values map[string]any
	hash   string
}

// VerifyAccess checks the token and that every configured doc is readable.
func (m *Merger) VerifyAccess(ctx context.Context) error {
	user, err := m.api.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("verify api token: %w", err)
	}
	name := user.Name
	if name == "" {
		name = "Unknown user"
	}
	m.logger.Info("api authenticated", "user", name)

	doc, err := m.api.GetDoc(ctx, m.cfg.DestinationDocID)
	if err != nil {
		return fmt.Errorf("access destination doc: %w", err)
	}
	m.logger.Info("accessed destination doc", "doc", doc.Name)

	for i, src := range m.cfg.SourceTables {
		doc, err := m.api.GetDoc(ctx, src.DocID)
		if err != nil {
			return fmt.Errorf("access source doc %d: %w", i+1, err)
		}
		m.logger.Info("accessed source doc", "index", i+1, "doc", doc.Name)
	}
	return nil
}

// MergedSchema is the first source table's columns plus the bookkeeping
// columns the destination needs.
func (m *Merger) MergedSchema(ctx context.Context) ([]coda.Column, error) {
	if len(m.cfg.SourceTables) == 0 {
		return nil, ErrNoSourceTables
	}
	first := m.cfg.SourceTables[0]
	cols, err := m.api.ListColumns(ctx, first.DocID, first.TableID)
	if err != nil {
		return nil, fmt.Errorf("load schema of source 1: %w", err)
	}
	present := make(map[string]bool, len(cols))
	for _, c := range cols {
		present[c.Name] = true
	}
	for _, name := range []string{ColumnUniqueKey, ColumnRowHash, ColumnProject} {
		if !present[name] {
			cols = append(cols, coda.Column{Name: name, Type: "text"})
		}
	}
	return cols, nil
}

// Merge brings the destination table in line with the union of the sources.
func (m *Merger) Merge(ctx context.Context) (Result, error) {
	m.logger.Info("starting merge", "sources", len(m.cfg.SourceTables))
	if err := m.VerifyAccess(ctx); err != nil {
		return Result{}, err
	}
	if len(m.cfg.SourceTables) == 0 {
		return Result{}, ErrNoSourceTables
	}

	schema, err := m.MergedSchema(ctx)
	if err != nil {
		return Result{}, err
	}

	dstDoc, dstTable := m.cfg.DestinationDocID, m.cfg.DestinationTableID
	table, err := m.api.GetTable(ctx, dstDoc, dstTable)
	if err != nil {
		return Result{}, fmt.Errorf("load destination table: %w", err)
	}
	m.logger.Info("using destination table", "table", table.Name, "table_id", dstTable)

	dstCols, err := m.api.ListColumns(ctx, dstDoc, dstTable)
	if err != nil {
		return Result{}, fmt.Errorf("load destination schema: %w", err)
	}
	dstNames := make([]string, 0, len(dstCols))
	for _, c := range dstCols {
		dstNames = append(dstNames, c.Name)
	}
	mapper := newColumnMapper(m.cfg.ColumnMappings, dstNames)
	m.logger.Info("destination schema loaded", "columns", len(dstNames))
	m.reportSchemaDrift(schema, mapper)

	existing, err := m.api.ListRows(ctx, dstDoc, dstTable)
	if err != nil {
		return Result{}, fmt.Errorf("load destination rows: %w", err)
	}
	m.logger.Info("loaded destination rows", "count", len(existing))
	if existing, err = m.collapseDuplicates(ctx, existing); err != nil {
		return Result{}, err
	}

	existingByKey := make(map[string]coda.Row, len(existing))
	for _, row := range existing {
		if key := keyOf(row.Values); key != "" {
			existingByKey[key] = row
		}
	}

	var (
		all        []sourceRow
		sourceKeys = make(map[string]struct{})
	)
	for i, src := range m.cfg.SourceTables {
		rows, err := m.loadSource(ctx, i+1, src, mapper)
		if err != nil {
			return Result{}, err
		}
		for _, row := range rows {
			if key := keyOf(row.values); key != "" {
				sourceKeys[key] = struct{}{}
			}
		}
		all = append(all, rows...)
	}

	var toAdd, toUpdate []coda.Row
	for _, row := range all {
		key := keyOf(row.values)
		if key == "" {
			continue
		}
		row.values[ColumnRowHash] = row.hash
		prev, ok := existingByKey[key]
		switch {
		case !ok:
			toAdd = append(toAdd, coda.Row{ID: row.rowID, Values: row.values})
		case storedHash(prev.Values) != row.hash:
			toUpdate = append(toUpdate, coda.Row{ID: prev.ID, Values: row.values})
		}
	}
	// Keys in existing are unique after collapseDuplicates.
	var toDelete []string
	for _, row := range existing {
		key := keyOf(row.Values)
		if key == "" {
			continue
		}
		if _, ok := sourceKeys[key]; !ok {
			toDelete = append(toDelete, row.ID)
		}
	}

	m.logger.Info("changes to apply", "new", len(toAdd), "updated", len(toUpdate), "deleted", len(toDelete))
	if upserts := append(toAdd, toUpdate...); len(upserts) > 0 {
		if err := m.api.UpsertRows(ctx, dstDoc, dstTable, upserts, []string{ColumnUniqueKey}); err != nil {
			return Result{}, fmt.Errorf("write merged rows: %w", err)
		}
	}
	if len(toDelete) > 0 {
		if err := m.api.DeleteRows(ctx, dstDoc, dstTable, toDelete); err != nil {
			return Result{}, fmt.Errorf("delete removed rows: %w", err)
		}
		m.logger.Info("deleted removed rows", "count", len(toDelete))
	}

	m.logger.Info("merge completed")
	return Result{
		Success:            true,
		TotalRowsProcessed: len(all),
		NewRows:            len(toAdd),
		UpdatedRows:        len(toUpdate),
		DeletedRows:        len(toDelete),
		DestinationTableID: dstTable,
	}, nil
}

func (m *Merger) reportSchemaDrift(schema []coda.Column, mapper *columnMapper) {
	names := make([]string, 0, len(schema))
	for _, c := range schema {
		names = append(names, c.Name)
		if c.Name == ColumnRowHash || c.Name == ColumnUniqueKey {
			continue
		}
		if target := mapper.resolve(c.Name); !mapper.has(target) {
			m.logger.Warn("merged schema column missing from destination", "column", c.Name)
		}
	}
	m.logger.Debug("merged schema", "columns", names)
}

// collapseDuplicates deletes every destination row whose unique_key occurs
// again later in the table and returns the survivors.
func (m *Merger) collapseDuplicates(ctx context.Context, rows []coda.Row) ([]coda.Row, error) {
	last := make(map[string]int, len(rows))
	for i, row := range rows {
		if key := keyOf(row.Values); key != "" {
			last[key] = i
		}
	}
	var (
		doomed   []string
		survived = make([]coda.Row, 0, len(rows))
		dupKeys  = make(map[string]struct{})
	)
	for i, row := range rows {
		key := keyOf(row.Values)
		if key != "" && last[key] != i {
			doomed = append(doomed, row.ID)
			dupKeys[key] = struct{}{}
			continue
		}
		survived = append(survived, row)
	}
	if len(doomed) == 0 {
		m.logger.Info("no duplicate unique keys in destination table")
		return rows, nil
	}
	m.logger.Info("found duplicate unique keys", "keys", len(dupKeys), "rows", len(doomed)+len(dupKeys))
	if err := m.api.DeleteRows(ctx, m.cfg.DestinationDocID, m.cfg.DestinationTableID, doomed); err != nil {
		return nil, fmt.Errorf("delete duplicate rows: %w", err)
	}
	m.logger.Info("deleted duplicate rows, keeping the latest occurrence", "deleted", len(doomed), "remaining", len(survived))
	return survived, nil
}

// loadSource fetches one source table and prepares its rows for diffing.
// index is 1-based.
func (m *Merger) loadSource(ctx context.Context, index int, src config.SourceTable, mapper *columnMapper) ([]sourceRow, error) {
	m.logger.Info("fetching source rows", "index", index, "doc_id", src.DocID, "table_id", src.TableID)
	rows, err := m.api.ListRows(ctx, src.DocID, src.TableID)
	if err != nil {
		return nil, fmt.Errorf("load rows of source %d: %w", index, err)
	}
	sourceID := "src_" + src.DocID + "_" + src.TableID
	project := src.Project
	if project == "" {
		project = "Project " + strconv.Itoa(index)
	}

	out := make([]sourceRow, 0, len(rows))
	for _, row := range rows {
		values := mapper.apply(row.Values)
		values[ColumnProject] = project
		if keyOf(values) == "" {
			values[ColumnUniqueKey] = sourceID + "_" + row.ID
		}
		hash := RowHash(values)

		kept := make(map[string]any, len(values))
		for name, v := range values {
			if mapper.has(name) || name == ColumnUniqueKey || name == ColumnRowHash {
				kept[name] = v
			}
		}
		out = append(out, sourceRow{rowID: row.ID, values: kept, hash: hash})
	}
	m.logger.Info("retrieved source rows", "index", index, "count", len(rows))
	return out, nil
}

func storedHash(values map[string]any) string {
	if s, ok := values[ColumnRowHash].(string); ok {
		return s
	}
	return ""
}
