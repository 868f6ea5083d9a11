package destinations

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"net/http"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"tabflow/internal/config"
	"tabflow/internal/etl"
	"tabflow/internal/logging"
)

// ── Solr Repository ────────────────────────────────────────
// Posts documents to the collection's /update handler in chunks and keeps
// the managed schema in line with the mapped repository types.

func init() {
	etl.RegisterRepository("solr", func(_ context.Context, env etl.Env) (etl.Repository, error) {
		return newSolrRepository(env.Config.Solr)
	})
}

// SolrTimeLayout is the date format Solr accepts.
const SolrTimeLayout = "2006-01-02T15:04:05Z"

// FieldType is a Solr field definition without its name.
type FieldType map[string]any

// DefaultFieldTypes maps repository field types onto Solr field definitions.
// A user type file adds to or overrides these.
var DefaultFieldTypes = map[string]FieldType{
	"string":       {"type": "string", "indexed": true, "stored": true},
	"strings":      {"type": "strings", "indexed": true, "stored": true, "multiValued": true},
	"text":         {"type": "text_general", "indexed": true, "stored": true},
	"text_general": {"type": "text_general", "indexed": true, "stored": true},
	"boolean":      {"type": "boolean", "indexed": true, "stored": true},
	"int":          {"type": "pint", "indexed": true, "stored": true},
	"pint":         {"type": "pint", "indexed": true, "stored": true},
	"long":         {"type": "plong", "indexed": true, "stored": true},
	"plong":        {"type": "plong", "indexed": true, "stored": true},
	"float":        {"type": "pfloat", "indexed": true, "stored": true},
	"pfloat":       {"type": "pfloat", "indexed": true, "stored": true},
	"double":       {"type": "pdouble", "indexed": true, "stored": true},
	"pdouble":      {"type": "pdouble", "indexed": true, "stored": true},
	"date":         {"type": "pdate", "indexed": true, "stored": true},
	"pdate":        {"type": "pdate", "indexed": true, "stored": true},
}

type solrRepository struct {
	base       string
	client     *http.Client
	username   string
	password   string
	chunkSize  int
	build      bool
	strict     bool
	dropZeros  bool
	fieldTypes map[string]FieldType
	extra      map[string]string
}

func newSolrRepository(cfg config.SolrConfig) (*solrRepository, error) {
	if cfg.URL == "" || cfg.Collection == "" {
		return nil, fmt.Errorf("%w: SOLR_URL and SOLR_COLLECTION must be set", etl.ErrConfiguration)
	}
	extra, err := cfg.ExtraFieldTable()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", etl.ErrConfiguration, err)
	}
	types := maps.Clone(DefaultFieldTypes)
	if cfg.TypeFile != "" {
		user, err := LoadFieldTypes(cfg.TypeFile)
		if err != nil {
			return nil, err
		}
		maps.Copy(types, user)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.SSLVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = 500
	}
	return &solrRepository{
		base:       strings.TrimRight(cfg.URL, "/") + "/" + cfg.Collection,
		client:     &http.Client{Timeout: timeout, Transport: transport},
		username:   cfg.Username,
		password:   cfg.Password,
		chunkSize:  chunk,
		build:      cfg.BuildSchema,
		strict:     cfg.StrictSchema,
		dropZeros:  cfg.RemoveZeroValues,
		fieldTypes: types,
		extra:      extra,
	}, nil
}

// LoadFieldTypes reads a field type CSV. The type_name column keys each
// row; every other non-empty cell becomes an attribute of the definition.
func LoadFieldTypes(path string) (map[string]FieldType, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: solr type file: %w", etl.ErrConfiguration, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: solr type file %s: %w", etl.ErrConfiguration, path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: solr type file %s is empty", etl.ErrConfiguration, path)
	}
	header := rows[0]
	key := slices.Index(header, "type_name")
	if key < 0 {
		return nil, fmt.Errorf("%w: solr type file %s has no type_name column", etl.ErrConfiguration, path)
	}
	types := map[string]FieldType{}
	for _, row := range rows[1:] {
		def := FieldType{}
		for i, cell := range row {
			if i == key || i >= len(header) || strings.TrimSpace(cell) == "" {
				continue
			}
			def[strings.TrimSpace(header[i])] = attrValue(strings.TrimSpace(cell))
		}
		types[strings.TrimSpace(row[key])] = def
	}
	return types, nil
}

func attrValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

func (r *solrRepository) ShouldBuildSchema() bool { return r.build }

func (r *solrRepository) ExtraFields() map[string]string { return maps.Clone(r.extra) }

// ── Commit ─────────────────────────────────────────────────

func (r *solrRepository) Commit(ctx context.Context, b *etl.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	log := logging.FromContext(ctx)
	log.Info("committing records to solr", "rows", b.Len())

	done := 0
	for _, chunk := range etl.Chunks(b.Rows, r.chunkSize) {
		docs := make([]map[string]any, 0, len(chunk))
		for _, rec := range chunk {
			docs = append(docs, r.document(rec.Data))
		}
		body, err := json.Marshal(docs)
		if err != nil {
			return fmt.Errorf("%w: encode documents: %w", etl.ErrRepository, err)
		}
		if _, err := r.do(ctx, http.MethodPost, "/update?commit=true", body); err != nil {
			return fmt.Errorf("%w: update: %w", etl.ErrRepository, err)
		}
		done += len(chunk)
		log.Debug("records committed to solr", "done", done, "total", b.Len())
	}
	return nil
}

// document drops nil values, and numeric zeros when configured.
func (r *solrRepository) document(data map[string]any) map[string]any {
	doc := make(map[string]any, len(data))
	for k, v := range data {
		switch x := v.(type) {
		case nil:
			continue
		case float64:
			if math.IsNaN(x) || (r.dropZeros && x == 0) {
				continue
			}
		case int64:
			if r.dropZeros && x == 0 {
				continue
			}
		case time.Time:
			v = x.UTC().Format(SolrTimeLayout)
		}
		doc[k] = v
	}
	return doc
}

// ── Schema ─────────────────────────────────────────────────

// ReconcileSchema adds missing fields and replaces fields whose definition
// differs from the wanted one. In strict mode a differing field fails with
// ErrStrictSchema. An unknown field type fails with ErrConfiguration.
func (r *solrRepository) ReconcileSchema(ctx context.Context, fields map[string]string) error {
	current, err := r.schemaFields(ctx)
	if err != nil {
		return fmt.Errorf("%w: read schema: %w", etl.ErrRepository, err)
	}
	log := logging.FromContext(ctx)

	names := slices.Sorted(maps.Keys(fields))
	for _, name := range names {
		def, ok := r.fieldTypes[fields[name]]
		if !ok {
			return fmt.Errorf("%w: solr field type %q of %q not found in the field definitions",
				etl.ErrConfiguration, fields[name], name)
		}
		want := maps.Clone(def)
		want["name"] = name
		if strings.EqualFold(name, "id") {
			want["required"] = true
		}

		command := "add-field"
		if have, exists := current[name]; exists {
			if sameField(have, want) {
				continue
			}
			if r.strict {
				return fmt.Errorf("%w: solr field %q mismatched: current %v, new %v", etl.ErrStrictSchema, name, have, want)
			}
			command = "replace-field"
		}
		payload, err := json.Marshal(map[string]any{command: want})
		if err != nil {
			return fmt.Errorf("%w: %w", etl.ErrRepository, err)
		}
		log.Info("updating solr schema", "command", command, "field", name)
		if _, err := r.do(ctx, http.MethodPost, "/schema", payload); err != nil {
			return fmt.Errorf("%w: %s %q: %w", etl.ErrRepository, command, name, err)
		}
	}
	return nil
}

func (r *solrRepository) schemaFields(ctx context.Context) (map[string]map[string]any, error) {
	data, err := r.do(ctx, http.MethodGet, "/schema/fields", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Fields []map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode schema fields: %w", err)
	}
	out := make(map[string]map[string]any, len(resp.Fields))
	for _, f := range resp.Fields {
		if name, ok := f["name"].(string); ok && name != "" {
			out[name] = f
		}
	}
	return out, nil
}

// sameField reports whether every wanted attribute matches the current
// definition. Attributes Solr reports beyond the wanted ones are ignored.
func sameField(have map[string]any, want FieldType) bool {
	for k, w := range want {
		h, ok := have[k]
		if !ok {
			return false
		}
		if hf, ok := h.(float64); ok {
			if wi, ok := w.(int64); ok {
				if hf != float64(wi) {
					return false
				}
				continue
			}
		}
		if !reflect.DeepEqual(h, w) {
			return false
		}
	}
	return true
}

func (r *solrRepository) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.username != "" {
		req.SetBasicAuth(r.username, r.password)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("solr request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("solr %d: %s", resp.StatusCode, truncate(string(data), 1024))
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (r *solrRepository) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

var _ etl.SchemaReconciler = (*solrRepository)(nil)
