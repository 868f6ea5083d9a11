package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabflow/internal/app"
	"tabflow/internal/config"
	"tabflow/internal/etl"
	"tabflow/internal/storage"
)

const fieldSpecs = `source_field_name,source_field_type,repository_field_name,repository_field_type,allow_missing
src_id,int,id,pint,n
src_name,string,name,string,n
`

type fixture struct {
	cfg     *config.Config
	inbox   string
	archive string
	fail    string
	out     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		inbox:   filepath.Join(dir, "inbox"),
		archive: filepath.Join(dir, "archive"),
		fail:    filepath.Join(dir, "fail"),
		out:     filepath.Join(dir, "out", "result.csv"),
	}
	require.NoError(t, os.MkdirAll(f.inbox, 0o755))
	specs := filepath.Join(dir, "fields.csv")
	require.NoError(t, os.WriteFile(specs, []byte(fieldSpecs), 0o644))

	f.cfg = &config.Config{
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
		Mapper:  config.MapperConfig{File: specs, Separator: ","},
		Processing: config.ProcessingConfig{
			PollInterval: 10 * time.Millisecond,
			Trigger:      "poll",
			Transforms:   `[{"type":"select","config":{"fields":["id","name"]}}]`,
		},
		Source: config.SourceConfig{Type: "file.csv"},
		File: config.FileSourceConfig{
			SourceLocation:  f.inbox,
			ArchiveLocation: f.archive,
			FailLocation:    f.fail,
			Pattern:         "*.csv",
			Separator:       ",",
		},
		Repository: config.RepositoryConfig{Type: "csv"},
		CSVRepo:    config.CSVRepositoryConfig{Path: f.out, Separator: ";", DecimalPoint: ".", Append: true},
		RunLog:     config.RunLogConfig{Path: filepath.Join(dir, "state", "runs.db")},
	}
	return f
}

func (f *fixture) drop(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(f.inbox, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestApp_OncePass(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "a.csv", "src_id,src_name\n1,a\nx,b\n2,c\n")
	f.drop(t, "broken.csv", "")
	ctx := context.Background()

	a, err := app.New(ctx, f.cfg, app.Options{Once: true})
	require.NoError(t, err)
	require.NoError(t, a.Run(ctx))
	runID := a.RunID()
	require.NoError(t, a.Shutdown(ctx))

	out, err := os.ReadFile(f.out)
	require.NoError(t, err)
	assert.Equal(t, "id;name\n1;a\n2;c\n", string(out))

	assert.FileExists(t, filepath.Join(f.archive, "a.csv"))
	assert.FileExists(t, filepath.Join(f.fail, "broken.csv"))
	assert.NoFileExists(t, filepath.Join(f.inbox, "a.csv"))

	db, err := storage.Open(f.cfg.RunLog.Path)
	require.NoError(t, err)
	defer db.Close()
	store := storage.NewRunLogStore(db)

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "success", run.Status)
	assert.Equal(t, 2, run.Units)

	logs, err := store.ListUnitLogs(ctx, runID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	byUnit := map[string]storage.UnitLog{}
	for _, l := range logs {
		byUnit[l.Unit] = l
	}
	assert.Equal(t, "done", byUnit["a.csv"].Status)
	assert.Equal(t, 2, byUnit["a.csv"].RowsCommitted)
	assert.Equal(t, 1, byUnit["a.csv"].RowsRejected)
	assert.Equal(t, "failed", byUnit["broken.csv"].Status)
}

func TestApp_HooksRunBeforeTransforms(t *testing.T) {
	f := newFixture(t)
	f.cfg.RunLog.Path = ""
	f.drop(t, "a.csv", "src_id,src_name\n1,a\n")
	ctx := context.Background()

	a, err := app.New(ctx, f.cfg, app.Options{
		Once: true,
		Hooks: etl.Hooks{
			PostMap: func(_ context.Context, b *etl.Batch) (*etl.Batch, error) {
				for _, r := range b.Rows {
					r.Data["name"] = "hooked-" + r.Data["name"].(string)
				}
				return b, nil
			},
		},
	})
	require.NoError(t, err)
	require.NoError(t, a.Run(ctx))
	require.NoError(t, a.Shutdown(ctx))

	out, err := os.ReadFile(f.out)
	require.NoError(t, err)
	assert.Equal(t, "id;name\n1;hooked-a\n", string(out))
}

func TestApp_ConfigurationErrors(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"unknown source":     func(c *config.Config) { c.Source.Type = "ftp" },
		"unknown repository": func(c *config.Config) { c.Repository.Type = "kafka" },
		"missing mapper":     func(c *config.Config) { c.Mapper.File = filepath.Join(c.File.SourceLocation, "none.csv") },
		"bad timezone":       func(c *config.Config) { c.Mapper.Timezones = `{"created":"Mars/Olympus"}` },
		"bad transforms":     func(c *config.Config) { c.Processing.Transforms = `[{"type":"explode"}]` },
		"bad tidier":         func(c *config.Config) { c.Processing.HeaderTidier = "camel" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			mutate(f.cfg)
			_, err := app.New(context.Background(), f.cfg, app.Options{})
			assert.ErrorIs(t, err, etl.ErrConfiguration)
		})
	}
}

func TestApp_WatchNeedsDirectory(t *testing.T) {
	f := newFixture(t)
	f.cfg.RunLog.Path = ""
	f.cfg.Processing.Trigger = "watch"
	f.cfg.Source.Type = "mongo"
	f.cfg.Mongo = config.MongoSourceConfig{URI: "mongodb://127.0.0.1:1", Database: "d", Collection: "c", Query: "{}"}

	a, err := app.New(context.Background(), f.cfg, app.Options{})
	require.NoError(t, err)
	defer a.Close()
	assert.ErrorIs(t, a.Run(context.Background()), etl.ErrConfiguration)
}
