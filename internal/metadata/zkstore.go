package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"tabflow/internal/etl"
	"tabflow/internal/logging"
)

// zkConn is the subset of *zk.Conn the store uses.
type zkConn interface {
	Children(path string) ([]string, *zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Close()
}

// ZKStore keeps one JSON record per znode below a base node. Nodes without
// data are treated as directories.
type ZKStore struct {
	conn zkConn
	base string
}

// ZKOptions configures DialZK.
type ZKOptions struct {
	Servers        []string
	BaseNode       string
	Username       string
	Password       string
	SessionTimeout time.Duration
	Logger         *slog.Logger
}

// DialZK connects to the ensemble and authenticates with digest auth when
// credentials are set.
func DialZK(opts ZKOptions) (*ZKStore, error) {
	if len(opts.Servers) == 0 {
		return nil, fmt.Errorf("%w: no zookeeper servers configured", etl.ErrConfiguration)
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, _, err := zk.Connect(opts.Servers, opts.SessionTimeout, zk.WithLogger(zkLogger{logger}))
	if err != nil {
		return nil, fmt.Errorf("%w: connect zookeeper: %w", etl.ErrConfiguration, err)
	}
	if opts.Username != "" && opts.Password != "" {
		if err := conn.AddAuth("digest", []byte(opts.Username+":"+opts.Password)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: zookeeper auth: %w", etl.ErrConfiguration, err)
		}
	}
	return newZKStore(conn, opts.BaseNode), nil
}

func newZKStore(conn zkConn, base string) *ZKStore {
	base = "/" + strings.Trim(base, "/")
	return &ZKStore{conn: conn, base: base}
}

func (s *ZKStore) List(ctx context.Context) ([]*Record, error) {
	nodes, err := s.descendants(s.base)
	if err != nil {
		return nil, fmt.Errorf("%w: list znodes under %s: %w", etl.ErrSourceData, s.base, err)
	}
	slices.Sort(nodes)

	var recs []*Record
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, stat, err := s.conn.Get(node)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read znode %s: %w", etl.ErrSourceData, node, err)
		}
		if len(data) == 0 {
			continue
		}
		r, err := ParseRecord(data, node)
		if err != nil {
			logging.FromContext(ctx).Warn("skipping unreadable metadata", "znode", node, "error", err)
			continue
		}
		r.Version = stat.Version
		recs = append(recs, r)
	}
	return recs, nil
}

func (s *ZKStore) descendants(parent string) ([]string, error) {
	children, _, err := s.conn.Children(parent)
	if err != nil {
		return nil, err
	}
	var nodes []string
	for _, c := range children {
		child := path.Join(parent, c)
		nodes = append(nodes, child)
		sub, err := s.descendants(child)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, sub...)
	}
	return nodes, nil
}

func (s *ZKStore) Save(_ context.Context, r *Record, conditional bool) error {
	data, err := r.Marshal()
	if err != nil {
		return fmt.Errorf("%w: encode metadata %s: %w", etl.ErrSourceData, r.ID, err)
	}
	version := int32(-1)
	if conditional {
		version = r.Version
	}
	stat, err := s.conn.Set(r.Path, data, version)
	if errors.Is(err, zk.ErrBadVersion) {
		return fmt.Errorf("%w: %s changed since version %d", ErrClaimConflict, r.Path, r.Version)
	}
	if err != nil {
		return fmt.Errorf("%w: write znode %s: %w", etl.ErrSourceData, r.Path, err)
	}
	r.Version = stat.Version
	return nil
}

func (s *ZKStore) Close() error {
	s.conn.Close()
	return nil
}

// zkLogger routes client messages into slog.
type zkLogger struct{ l *slog.Logger }

func (z zkLogger) Printf(format string, args ...any) {
	z.l.Debug(fmt.Sprintf(format, args...), "component", "zookeeper")
}
