package coda

type User struct {
	Name    string `json:"name"`
	LoginID string `json:"loginId"`
	Type    string `json:"type"`
}

type Doc struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Href string `json:"href"`
}

type Table struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TableType string `json:"tableType"`
	RowCount  int    `json:"rowCount"`
}

type ColumnFormat struct {
	Type string `json:"type"`
}

// Column describes a table column. The API reports the type under format;
// Type is used when building schemas locally.
type Column struct {
	ID      string        `json:"id,omitempty"`
	Name    string        `json:"name"`
	Type    string        `json:"type,omitempty"`
	Display *bool         `json:"display,omitempty"`
	Format  *ColumnFormat `json:"format,omitempty"`
}

// ColumnType resolves the column type, defaulting to text.
func (c Column) ColumnType() string {
	switch {
	case c.Type != "":
		return c.Type
	case c.Format != nil && c.Format.Type != "":
		return c.Format.Type
	default:
		return "text"
	}
}

// Row is a table row fetched with useColumnNames, so Values is keyed by
// column name.
type Row struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Index  int            `json:"index,omitempty"`
	Values map[string]any `json:"values"`
}

type Cell struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

type upsertRow struct {
	Cells []Cell `json:"cells"`
}

type upsertRequest struct {
	Rows       []upsertRow `json:"rows"`
	KeyColumns []string    `json:"keyColumns"`
}

type deleteRowsRequest struct {
	RowIDs []string `json:"rowIds"`
}

type createTableColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type createTableRequest struct {
	Name    string              `json:"name"`
	Columns []createTableColumn `json:"columns"`
}

type listResponse[T any] struct {
	Items         []T    `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}
