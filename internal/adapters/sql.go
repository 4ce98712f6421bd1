package adapters

import (
	"context"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/NikhilSetiya/agentcore/pkg/config"
	"github.com/NikhilSetiya/agentcore/pkg/connection"
	"github.com/NikhilSetiya/agentcore/pkg/errors"
	"github.com/NikhilSetiya/agentcore/pkg/health"
)

const maxQueryRows = 1000

// SQLAdapter exposes a PostgreSQL or MySQL database. Supported operations:
// query (rows as maps) and exec (rows affected).
type SQLAdapter struct {
	name    string
	db      *sqlx.DB
	checker *health.DatabaseChecker
}

// NewSQLAdapter opens a lazily connecting handle for dsn
func NewSQLAdapter(name, driver, dsn string, cfg config.DatabaseConfig) (*SQLAdapter, error) {
	if dsn == "" {
		return nil, errors.NewConfigurationMismatch("services.target", name+": sql dsn is required")
	}
	switch driver {
	case "", "postgres":
		driver = "postgres"
	case "mysql":
	default:
		return nil, errors.NewConfigurationMismatch("services.driver", fmt.Sprintf("%s: unsupported driver %q", name, driver))
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfigurationMismatch, err, "open database", map[string]interface{}{"service": name})
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	db.SetConnMaxIdleTime(10 * time.Minute)

	return NewSQLAdapterFromDB(name, db), nil
}

// NewSQLAdapterFromDB wraps an open handle. Close closes it.
func NewSQLAdapterFromDB(name string, db *sqlx.DB) *SQLAdapter {
	return &SQLAdapter{
		name:    name,
		db:      db,
		checker: health.NewDatabaseChecker(db, name),
	}
}

func (a *SQLAdapter) Name() string { return a.name }

func (a *SQLAdapter) Check(ctx context.Context) *health.Check {
	return a.checker.Check(ctx)
}

// Connect pings the database
func (a *SQLAdapter) Connect(ctx context.Context) (connection.Client, error) {
	if err := a.db.PingContext(ctx); err != nil {
		return nil, errors.Wrap(errors.KindConnectionFailed, err, "database ping failed", map[string]interface{}{"service": a.name})
	}
	return &session{call: a.call}, nil
}

func (a *SQLAdapter) call(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
	switch operation {
	case "query":
		query, err := stringParam(params, "query")
		if err != nil {
			return nil, err
		}
		return a.query(ctx, query, argsParam(params))

	case "exec":
		query, err := stringParam(params, "query")
		if err != nil {
			return nil, err
		}
		res, err := a.db.ExecContext(ctx, query, argsParam(params)...)
		if err != nil {
			return nil, fmt.Errorf("exec: %w", err)
		}
		affected, _ := res.RowsAffected()
		return map[string]interface{}{"rows_affected": affected}, nil
	}
	return nil, unsupported(a.name, operation)
}

func (a *SQLAdapter) query(ctx context.Context, query string, args []interface{}) (interface{}, error) {
	rows, err := a.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := make([]map[string]interface{}, 0)
	for rows.Next() {
		if len(out) == maxQueryRows {
			break
		}
		row := make(map[string]interface{})
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func (a *SQLAdapter) Close() error {
	return a.db.Close()
}

func argsParam(params map[string]interface{}) []interface{} {
	switch v := params["args"].(type) {
	case []interface{}:
		return v
	case []string:
		args := make([]interface{}, len(v))
		for i, s := range v {
			args[i] = s
		}
		return args
	}
	return nil
}
