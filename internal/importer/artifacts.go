package importer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// TenantSummaryFile is the fixed name of the tenant-level artifact.
const TenantSummaryFile = "tenant_summary.json"

const detailSuffix = "_metadata.json"

// Unknown is stored for any entity that arrives without a name.
const Unknown = "Unknown"

var detailNameReplacer = strings.NewReplacer(" ", "_", "/", "_")

// DetailFileName returns the per-dataset artifact name the extractor writes
// for the given workspace and dataset display names.
func DetailFileName(workspaceName, datasetName string) string {
	return detailNameReplacer.Replace(workspaceName+"_"+datasetName) + detailSuffix
}

// text accepts a JSON string, number or bool and keeps its textual form.
// null leaves it empty. Extractors emit numeric ids and enum codes for some
// fields, which the store keeps as TEXT.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
	case bytes.Equal(b, []byte("true")), bytes.Equal(b, []byte("false")):
		*t = text(b)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected scalar, got %.40s", b)
		}
		*t = text(n.String())
	}
	return nil
}

func (t text) String() string { return string(t) }

// or returns t, or def when t is empty.
func (t text) or(def string) string {
	if t == "" {
		return def
	}
	return string(t)
}

// flag is a tolerant boolean: true/false, 0/1, "true"/"false". null or a
// missing key leaves it unset.
type flag struct {
	set   bool
	value bool
}

func (f *flag) UnmarshalJSON(b []byte) error {
	var t text
	if err := t.UnmarshalJSON(b); err != nil {
		return err
	}
	if t == "" {
		*f = flag{}
		return nil
	}
	switch strings.ToLower(string(t)) {
	case "true", "1":
		*f = flag{set: true, value: true}
	case "false", "0":
		*f = flag{set: true, value: false}
	default:
		n, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return fmt.Errorf("expected boolean, got %q", t)
		}
		*f = flag{set: true, value: n != 0}
	}
	return nil
}

func (f flag) or(def bool) bool {
	if !f.set {
		return def
	}
	return f.value
}

// count is a tolerant non-negative integer; null reads as zero.
type count int64

func (c *count) UnmarshalJSON(b []byte) error {
	var t text
	if err := t.UnmarshalJSON(b); err != nil {
		return err
	}
	if t == "" {
		*c = 0
		return nil
	}
	n, err := strconv.ParseFloat(string(t), 64)
	if err != nil {
		return fmt.Errorf("expected number, got %q", t)
	}
	*c = count(n)
	return nil
}

// ── Canonical artifact shapes ────────────────────────────────────────────────

type workspaceArtifact struct {
	ID                   text              `json:"id"`
	Name                 text              `json:"name"`
	Type                 text              `json:"type"`
	DedicatedCapacity    flag              `json:"is_on_dedicated_capacity"`
	DedicatedCapacityAPI flag              `json:"isOnDedicatedCapacity"`
	Datasets             []json.RawMessage `json:"datasets"`
}

func (w workspaceArtifact) dedicated() bool {
	if w.DedicatedCapacity.set {
		return w.DedicatedCapacity.value
	}
	return w.DedicatedCapacityAPI.or(false)
}

type datasetArtifact struct {
	ID              text `json:"id"`
	Name            text `json:"name"`
	CreatedDate     text `json:"created_date"`
	CreatedDateAPI  text `json:"createdDate"`
	ModifiedDate    text `json:"modified_date"`
	ModifiedDateAPI text `json:"modifiedDate"`
}

type detailArtifact struct {
	Error         json.RawMessage   `json:"error"`
	Tables        []json.RawMessage `json:"tables"`
	Measures      []json.RawMessage `json:"measures"`
	Relationships []json.RawMessage `json:"relationships"`
	DataSources   []json.RawMessage `json:"data_sources"`
}

type tableArtifact struct {
	ID       text              `json:"id"`
	Name     text              `json:"name"`
	RowCount count             `json:"row_count"`
	Columns  []json.RawMessage `json:"columns"`
}

type columnArtifact struct {
	ID             text `json:"id"`
	Name           text `json:"name"`
	DataType       text `json:"data_type"`
	Description    text `json:"description"`
	IsHidden       flag `json:"is_hidden"`
	DataCategory   text `json:"data_category"`
	SortByColumnID text `json:"sort_by_column_id"`
	IsKey          flag `json:"is_key"`
}

type measureArtifact struct {
	ID          text `json:"id"`
	Name        text `json:"name"`
	TableID     text `json:"table_id"`
	TableName   text `json:"table_name"`
	Expression  text `json:"expression"`
	Description text `json:"description"`
	IsHidden    flag `json:"is_hidden"`
}

// relationshipArtifact accepts endpoints by name (from_table) or by id
// (from_table_id); endpoints() folds both into one representation.
type relationshipArtifact struct {
	ID                     text `json:"id"`
	FromTable              text `json:"from_table"`
	FromColumn             text `json:"from_column"`
	ToTable                text `json:"to_table"`
	ToColumn               text `json:"to_column"`
	FromTableID            text `json:"from_table_id"`
	FromColumnID           text `json:"from_column_id"`
	ToTableID              text `json:"to_table_id"`
	ToColumnID             text `json:"to_column_id"`
	CrossFilteringBehavior text `json:"cross_filtering_behavior"`
	IsActive               flag `json:"is_active"`
}

type relationshipEndpoints struct {
	FromTable, FromColumn, ToTable, ToColumn string
}

func (r relationshipArtifact) endpoints() relationshipEndpoints {
	pick := func(byName, byID text) string {
		if byName != "" {
			return string(byName)
		}
		return byID.or(Unknown)
	}
	return relationshipEndpoints{
		FromTable:  pick(r.FromTable, r.FromTableID),
		FromColumn: pick(r.FromColumn, r.FromColumnID),
		ToTable:    pick(r.ToTable, r.ToTableID),
		ToColumn:   pick(r.ToColumn, r.ToColumnID),
	}
}

type dataSourceArtifact struct {
	Error             json.RawMessage `json:"error"`
	ID                text            `json:"id"`
	Name              text            `json:"name"`
	Type              text            `json:"type"`
	ConnectionString  text            `json:"connection_string"`
	ImpersonationMode text            `json:"impersonation_mode"`
}

// tenantSummary is the canonical form of the tenant artifact.
type tenantSummary struct {
	TenantID   string
	Workspaces []json.RawMessage
}

// parseTenantSummary accepts either a bare list of workspaces or an object
// wrapping them under "workspaces". Any other well-formed JSON value yields an
// empty summary.
func parseTenantSummary(data []byte) (tenantSummary, error) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return tenantSummary{}, fmt.Errorf("tenant summary is not valid JSON")
	}

	switch {
	case len(data) > 0 && data[0] == '[':
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return tenantSummary{}, fmt.Errorf("decode workspace list: %w", err)
		}
		return tenantSummary{Workspaces: list}, nil

	case len(data) > 0 && data[0] == '{':
		var obj struct {
			TenantID   text            `json:"tenant_id"`
			Workspaces json.RawMessage `json:"workspaces"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return tenantSummary{}, fmt.Errorf("decode tenant summary: %w", err)
		}
		ts := tenantSummary{TenantID: obj.TenantID.String()}
		if ws := bytes.TrimSpace(obj.Workspaces); len(ws) > 0 && ws[0] == '[' {
			if err := json.Unmarshal(ws, &ts.Workspaces); err != nil {
				return tenantSummary{}, fmt.Errorf("decode workspaces: %w", err)
			}
		}
		return ts, nil
	}
	return tenantSummary{}, nil
}

// hasError reports whether an "error" key was present, whatever its value.
func hasError(raw json.RawMessage) bool {
	return len(raw) > 0
}
