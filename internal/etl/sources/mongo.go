package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tabflow/internal/config"
	"tabflow/internal/dbclient"
	"tabflow/internal/etl"
)

// ── Mongo Source ───────────────────────────────────────────
// A single unit: the configured collection, read with the configured find
// (filter, projection, sort) or aggregation pipeline.

func init() {
	etl.RegisterSource("mongo", newMongoSource)
}

type mongoSource struct {
	conn       dbclient.Connector
	collection string
	query      string
	fetchSize  int
}

func newMongoSource(_ context.Context, env etl.Env) (etl.Source, error) {
	cfg := env.Config.Mongo
	if cfg.Database == "" || cfg.Collection == "" {
		return nil, fmt.Errorf("%w: mongo database and collection must be set", etl.ErrConfiguration)
	}
	q, err := mongoQuery(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Username == "" || cfg.Password == "" {
		env.Log().Warn("mongo username or password not set, not using authentication")
	}

	conn, err := dbclient.NewConnector(dbclient.Params{
		Driver:   dbclient.DriverMongoDB,
		Host:     cfg.URI,
		Database: cfg.Database,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", etl.ErrConfiguration, err)
	}
	return &mongoSource{conn: conn, collection: cfg.Collection, query: q, fetchSize: env.Config.Database.FetchSize}, nil
}

// mongoQuery builds the query document for cfg: a find with filter,
// projection and sort, or an aggregation when a pipeline is configured.
func mongoQuery(cfg config.MongoSourceConfig) (string, error) {
	mq := dbclient.MongoQuery{Collection: cfg.Collection}
	if pipeline := rawJSON(cfg.Pipeline); pipeline != nil {
		if rawJSON(cfg.Projection) != nil || rawJSON(cfg.Sort) != nil || !emptyFilter(cfg.Query) {
			return "", fmt.Errorf("%w: MONGO_PIPELINE excludes MONGO_QUERY, MONGO_PROJECTION and MONGO_SORT; use $match, $project and $sort stages", etl.ErrConfiguration)
		}
		if !strings.HasPrefix(string(pipeline), "[") {
			return "", fmt.Errorf("%w: MONGO_PIPELINE must be a JSON array of stages", etl.ErrConfiguration)
		}
		mq.Operation, mq.Pipeline = "aggregate", pipeline
	} else {
		mq.Filter, mq.Projection, mq.Sort = rawJSON(cfg.Query), rawJSON(cfg.Projection), rawJSON(cfg.Sort)
	}
	for _, part := range []json.RawMessage{mq.Filter, mq.Projection, mq.Sort, mq.Pipeline} {
		if part != nil && !json.Valid(part) {
			return "", fmt.Errorf("%w: mongo query %s is not valid JSON", etl.ErrConfiguration, part)
		}
	}
	if err := mq.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", etl.ErrConfiguration, err)
	}
	q, err := json.Marshal(mq)
	if err != nil {
		return "", fmt.Errorf("%w: %w", etl.ErrConfiguration, err)
	}
	return string(q), nil
}

func rawJSON(s string) json.RawMessage {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func emptyFilter(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == "{}"
}

func (s *mongoSource) Label() string { return "Mongo collection" }

func (s *mongoSource) DataUnits(context.Context) ([]string, error) {
	return []string{s.collection}, nil
}

func (s *mongoSource) Read(ctx context.Context, unit string) ([]*etl.Batch, error) {
	page, err := dbclient.FetchAll(ctx, s.conn, s.query, s.fetchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read collection %q: %w", etl.ErrSourceData, unit, err)
	}
	b := etl.NewBatch("", page.Columns)
	for _, row := range page.Rows {
		data := make(map[string]any, len(page.Columns))
		for i, c := range page.Columns {
			data[c] = cellString(row[i])
		}
		b.Rows = append(b.Rows, etl.Record{Data: data})
	}
	return []*etl.Batch{b}, nil
}

func (s *mongoSource) Archive(context.Context, string, bool) error { return nil }

func (s *mongoSource) Close() error { return s.conn.Close() }
