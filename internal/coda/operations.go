package coda

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
)

func docPath(docID string) string {
	return "/docs/" + url.PathEscape(docID)
}

func tablePath(docID, tableID string) string {
	return docPath(docID) + "/tables/" + url.PathEscape(tableID)
}

// WhoAmI returns the user the API token belongs to.
func (c *Client) WhoAmI(ctx context.Context) (User, error) {
	var out User
	err := c.do(ctx, http.MethodGet, "/whoami", nil, nil, &out)
	return out, err
}

func (c *Client) GetDoc(ctx context.Context, docID string) (Doc, error) {
	var out Doc
	err := c.do(ctx, http.MethodGet, docPath(docID), nil, nil, &out)
	return out, err
}

func (c *Client) GetTable(ctx context.Context, docID, tableID string) (Table, error) {
	var out Table
	err := c.do(ctx, http.MethodGet, tablePath(docID, tableID), nil, nil, &out)
	return out, err
}

func (c *Client) ListTables(ctx context.Context, docID string) ([]Table, error) {
	var out listResponse[Table]
	if err := c.do(ctx, http.MethodGet, docPath(docID)+"/tables", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ListColumns returns every column including hidden ones.
func (c *Client) ListColumns(ctx context.Context, docID, tableID string) ([]Column, error) {
	var out listResponse[Column]
	query := url.Values{"visibleOnly": {"false"}}
	if err := c.do(ctx, http.MethodGet, tablePath(docID, tableID)+"/columns", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// ListRows pages through a table keyed by column name. Paging stops when the
// API returns no continuation token or after pageLoopLimit follow-up pages.
func (c *Client) ListRows(ctx context.Context, docID, tableID string) ([]Row, error) {
	var all []Row
	pageToken := ""
	for loops := 0; ; {
		query := url.Values{
			"limit":          {strconv.Itoa(PageSize)},
			"useColumnNames": {"true"},
		}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		var page listResponse[Row]
		if err := c.do(ctx, http.MethodGet, tablePath(docID, tableID)+"/rows", query, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Items...)

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
		loops++
		if loops > pageLoopLimit {
			c.logger.Warn("row paging stopped at loop limit", "doc_id", docID, "table_id", tableID, "rows", len(all))
			break
		}
	}
	return all, nil
}

// CreateTable creates a table with the given columns and returns its id.
func (c *Client) CreateTable(ctx context.Context, docID, name string, columns []Column) (string, error) {
	req := createTableRequest{Name: name, Columns: make([]createTableColumn, 0, len(columns))}
	for _, col := range columns {
		req.Columns = append(req.Columns, createTableColumn{Name: col.Name, Type: col.ColumnType()})
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, docPath(docID)+"/tables", nil, req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// UpsertRows inserts or updates rows matched on keyColumns, BatchSize rows
// per call. Row ids are never sent: matching is by key column only.
func (c *Client) UpsertRows(ctx context.Context, docID, tableID string, rows []Row, keyColumns []string) error {
	if len(rows) == 0 {
		c.logger.Info("no rows to add")
		return nil
	}
	path := tablePath(docID, tableID) + "/rows"
	for start := 0; start < len(rows); start += BatchSize {
		end := min(start+BatchSize, len(rows))
		req := upsertRequest{Rows: make([]upsertRow, 0, end-start), KeyColumns: keyColumns}
		for _, row := range rows[start:end] {
			req.Rows = append(req.Rows, upsertRow{Cells: cellsFor(row.Values)})
		}
		if err := c.do(ctx, http.MethodPost, path, nil, req, nil); err != nil {
			return fmt.Errorf("upsert rows %d-%d: %w", start+1, end, err)
		}
		c.logger.Info("upserted row batch", "count", end-start, "from", start+1, "to", end)
	}
	c.logger.Info("rows written to destination table", "count", len(rows))
	return nil
}

// DeleteRows removes rows by id, BatchSize ids per call.
func (c *Client) DeleteRows(ctx context.Context, docID, tableID string, rowIDs []string) error {
	if len(rowIDs) == 0 {
		return nil
	}
	path := tablePath(docID, tableID) + "/rows"
	for start := 0; start < len(rowIDs); start += BatchSize {
		end := min(start+BatchSize, len(rowIDs))
		req := deleteRowsRequest{RowIDs: rowIDs[start:end]}
		if err := c.do(ctx, http.MethodDelete, path, nil, req, nil); err != nil {
			return fmt.Errorf("delete rows %d-%d: %w", start+1, end, err)
		}
		c.logger.Info("deleted row batch", "count", end-start, "from", start+1, "to", end)
	}
	return nil
}

func cellsFor(values map[string]any) []Cell {
	names := make([]string, 0, len(values))
	for name := range values {
		if name == "id" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	cells := make([]Cell, 0, len(names))
	for _, name := range names {
		cells = append(cells, Cell{Column: name, Value: values[name]})
	}
	return cells
}
