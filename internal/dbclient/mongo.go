package dbclient

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"tabflow/internal/logging"
)

// mongoConnector implements Connector for MongoDB.
type mongoConnector struct {
	client *mongo.Client
	dbName string

	mu      sync.Mutex
	cursor  *mongo.Cursor
	fetched int
}

// MongoQuery is the JSON document Execute accepts. Filter, Projection and
// Sort may use Extended JSON ($oid, $date, ...).
type MongoQuery struct {
	Collection string          `json:"collection"`
	Operation  string          `json:"operation,omitempty"` // find (default) or aggregate
	Filter     json.RawMessage `json:"filter,omitempty"`
	Projection json.RawMessage `json:"projection,omitempty"`
	Sort       json.RawMessage `json:"sort,omitempty"`
	Pipeline   json.RawMessage `json:"pipeline,omitempty"`
}

// BuildMongoURI returns the connection string for p. A Host that already is
// a mongodb:// or mongodb+srv:// URI is used as is, with <password>
// placeholders filled in.
func BuildMongoURI(p Params) string {
	if strings.HasPrefix(p.Host, "mongodb+srv://") || strings.HasPrefix(p.Host, "mongodb://") {
		uri := p.Host
		if p.Password != "" {
			uri = strings.ReplaceAll(uri, "<password>", p.Password)
			uri = strings.ReplaceAll(uri, "<db_password>", p.Password)
		}
		return uri
	}
	port := p.Port
	if port == 0 {
		port = 27017
	}
	if p.Username != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%d", p.Username, p.Password, p.Host, port)
	}
	return fmt.Sprintf("mongodb://%s:%d", p.Host, port)
}

func newMongoConnector(p Params) (*mongoConnector, error) {
	if p.Database == "" {
		return nil, fmt.Errorf("mongo: database not set")
	}
	clientOpts := options.Client().ApplyURI(BuildMongoURI(p))
	if p.Username != "" && p.Password != "" && !strings.Contains(p.Host, "@") {
		clientOpts.SetAuth(options.Credential{Username: p.Username, Password: p.Password})
	}
	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &mongoConnector{client: client, dbName: p.Database}, nil
}

// decodeExtJSON parses a relaxed Extended JSON value, nil when raw is empty.
func decodeExtJSON(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return bson.UnmarshalExtJSON(raw, false, out)
}

func (m *mongoConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.client.Ping(ctx, nil)
}

// mongoDocs holds the decoded Extended JSON parts of a MongoQuery.
type mongoDocs struct {
	filter     bson.D
	projection bson.D
	sort       bson.D
	pipeline   bson.A
}

// Validate reports whether q names a collection and a supported operation
// and whether all of its Extended JSON parts decode.
func (q MongoQuery) Validate() error {
	_, err := q.decode()
	return err
}

func (q MongoQuery) decode() (*mongoDocs, error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("query must specify 'collection'")
	}
	switch q.Operation {
	case "", "find", "aggregate":
	default:
		return nil, fmt.Errorf("unsupported operation: %s", q.Operation)
	}

	d := &mongoDocs{filter: bson.D{}, pipeline: bson.A{}}
	if err := decodeExtJSON(q.Filter, &d.filter); err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	if err := decodeExtJSON(q.Projection, &d.projection); err != nil {
		return nil, fmt.Errorf("projection: %w", err)
	}
	if err := decodeExtJSON(q.Sort, &d.sort); err != nil {
		return nil, fmt.Errorf("sort: %w", err)
	}
	if len(q.Pipeline) > 0 {
		// UnmarshalExtJSON needs a document at the top level
		wrapped := append(append([]byte(`{"p":`), q.Pipeline...), '}')
		var doc struct {
			P bson.A `bson:"p"`
		}
		if err := bson.UnmarshalExtJSON(wrapped, false, &doc); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		d.pipeline = doc.P
	}
	return d, nil
}

// Execute replaces the open cursor with one for the MongoQuery document in
// query and returns its first page.
func (m *mongoConnector) Execute(ctx context.Context, query string, fetchSize int) (*QueryPage, error) {
	var mq MongoQuery
	if err := json.Unmarshal([]byte(query), &mq); err != nil {
		return nil, fmt.Errorf("invalid query JSON: %w", err)
	}
	docs, err := mq.decode()
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Debug("mongo query", "collection", mq.Collection, "operation", mq.Operation)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(ctx)

	n := pageSize(fetchSize)
	coll := m.client.Database(m.dbName).Collection(mq.Collection)
	var cursor *mongo.Cursor
	if mq.Operation == "aggregate" {
		cursor, err = coll.Aggregate(ctx, docs.pipeline, options.Aggregate().SetBatchSize(int32(n)))
	} else {
		cursor, err = coll.Find(ctx, docs.filter, docs.findOptions(n))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmp.Or(mq.Operation, "find"), err)
	}
	m.cursor, m.fetched = cursor, 0
	return m.page(ctx, n)
}

func (d *mongoDocs) findOptions(batch int) *options.FindOptionsBuilder {
	opts := options.Find().SetBatchSize(int32(batch))
	if len(d.projection) > 0 {
		opts.SetProjection(d.projection)
	}
	if len(d.sort) > 0 {
		opts.SetSort(d.sort)
	}
	return opts
}

func (m *mongoConnector) FetchMore(ctx context.Context, fetchSize int) (*QueryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor == nil {
		return nil, fmt.Errorf("no active cursor: execute a query first")
	}
	return m.page(ctx, pageSize(fetchSize))
}

// page decodes up to n documents. A short page closes the cursor. Caller
// holds mu.
func (m *mongoConnector) page(ctx context.Context, n int) (*QueryPage, error) {
	docs := make([]bson.D, 0, n)
	for len(docs) < n && m.cursor.Next(ctx) {
		var doc bson.D
		if err := m.cursor.Decode(&doc); err != nil {
			m.release(ctx)
			return nil, fmt.Errorf("decode: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := m.cursor.Err(); err != nil {
		m.release(ctx)
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	m.fetched += len(docs)

	columns, rows := docsToRows(docs)
	page := &QueryPage{
		Columns:      columns,
		Rows:         rows,
		TotalFetched: m.fetched,
		HasMore:      len(docs) == n,
	}
	if !page.HasMore {
		m.release(ctx)
	}
	return page, nil
}

// docsToRows flattens documents into rows. Columns are the union of keys:
// _id first, then alphabetical.
func docsToRows(docs []bson.D) ([]string, [][]any) {
	colSet := map[string]bool{}
	var columns []string
	for _, doc := range docs {
		for _, elem := range doc {
			if !colSet[elem.Key] {
				colSet[elem.Key] = true
				columns = append(columns, elem.Key)
			}
		}
	}
	sort.SliceStable(columns, func(i, j int) bool {
		if columns[i] == "_id" {
			return true
		}
		if columns[j] == "_id" {
			return false
		}
		return columns[i] < columns[j]
	})

	rows := make([][]any, 0, len(docs))
	for _, doc := range docs {
		row := make([]any, len(columns))
		docMap := make(map[string]any, len(doc))
		for _, elem := range doc {
			docMap[elem.Key] = elem.Value
		}
		for j, col := range columns {
			if v, ok := docMap[col]; ok {
				row[j] = mongoValue(v)
			}
		}
		rows = append(rows, row)
	}
	return columns, rows
}

// mongoValue maps BSON values onto plain Go values; nested documents and
// arrays become relaxed Extended JSON text.
func mongoValue(v any) any {
	switch x := v.(type) {
	case nil, bson.Null, bson.Undefined:
		return nil
	case bson.ObjectID:
		return x.Hex()
	case bson.DateTime:
		return x.Time().UTC()
	case bson.Decimal128:
		return x.String()
	case int32:
		return int64(x)
	case bson.D, bson.A, bson.M:
		b, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: x}}, false, false)
		if err != nil {
			return fmt.Sprint(x)
		}
		// strip the {"v": ...} wrapper
		s := strings.TrimSpace(string(b))
		s = strings.TrimPrefix(s, `{"v":`)
		return strings.TrimSuffix(s, "}")
	default:
		return x
	}
}

func (m *mongoConnector) ListTables(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	names, err := m.client.Database(m.dbName).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

func (m *mongoConnector) Close() error {
	m.mu.Lock()
	m.release(context.Background())
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// release closes the open cursor, if any. Caller holds mu.
func (m *mongoConnector) release(ctx context.Context) {
	if m.cursor != nil {
		m.cursor.Close(ctx)
		m.cursor = nil
	}
}
