// Package warehouse reads table metadata from a live relational warehouse. It
// only ever issues catalog reads: table listings, column metadata and primary
// key metadata.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/snowflakedb/gosnowflake"

	"github.com/dbtgen/dbtgen/internal/failure"
	"github.com/dbtgen/dbtgen/internal/schema"
)

type Dialect string

const (
	DialectSnowflake Dialect = "snowflake"
	DialectPostgres  Dialect = "postgres"
	DialectDuckDB    Dialect = "duckdb"
)

func ParseDialect(raw string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(raw))) {
	case DialectSnowflake:
		return DialectSnowflake, nil
	case DialectPostgres, "postgresql":
		return DialectPostgres, nil
	case DialectDuckDB:
		return DialectDuckDB, nil
	default:
		return "", failure.Newf(failure.KindInputValidation, "unsupported warehouse dialect %q", raw)
	}
}

// ConnectionParams identifies one warehouse schema. DSN, when set, is used
// verbatim for postgres and duckdb.
type ConnectionParams struct {
	Dialect   string `json:"dialect"`
	Account   string `json:"account,omitempty"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	Database  string `json:"database"`
	Schema    string `json:"schema"`
	Warehouse string `json:"warehouse,omitempty"`
	Role      string `json:"role,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	DSN       string `json:"dsn,omitempty"`
}

type Options struct {
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

type Client struct {
	db           *sql.DB
	dialect      Dialect
	database     string
	schema       string
	queryTimeout time.Duration
}

// Open validates params, opens the driver for the dialect and pings it.
func Open(ctx context.Context, params ConnectionParams, opts Options) (*Client, error) {
	dialect, err := ParseDialect(params.Dialect)
	if err != nil {
		return nil, err
	}
	if err := validateParams(dialect, params); err != nil {
		return nil, err
	}
	driver, dsn, err := dataSource(dialect, params, opts)
	if err != nil {
		return nil, failure.Wrap(failure.KindInputValidation, "build warehouse connection string", err)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, failure.Wrap(failure.KindConnection, "open warehouse connection", err)
	}
	db.SetMaxOpenConns(1)

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, failure.Wrap(failure.KindConnection, "connect to warehouse", err)
	}

	client := NewClient(db, dialect, params.Database, params.Schema)
	client.queryTimeout = opts.QueryTimeout
	return client, nil
}

// NewClient wraps an already opened database handle.
func NewClient(db *sql.DB, dialect Dialect, database, schemaName string) *Client {
	if dialect == DialectDuckDB && strings.TrimSpace(schemaName) == "" {
		schemaName = "main"
	}
	if dialect == DialectPostgres && strings.TrimSpace(schemaName) == "" {
		schemaName = "public"
	}
	return &Client{db: db, dialect: dialect, database: database, schema: schemaName}
}

func (c *Client) Dialect() Dialect { return c.dialect }

func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return failure.Wrap(failure.KindConnection, "ping warehouse", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	ctx, cancel := c.withQueryTimeout(ctx)
	defer cancel()

	query, args := c.listTablesQuery()
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, failure.Wrap(failure.KindConnection, "list warehouse tables", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, failure.Wrap(failure.KindConnection, "scan warehouse table", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Wrap(failure.KindConnection, "iterate warehouse tables", err)
	}
	return tables, nil
}

// DescribeTable runs the column query and the primary key query for table.
func (c *Client) DescribeTable(ctx context.Context, table string) (schema.Descriptor, error) {
	table = strings.TrimSpace(table)
	if table == "" {
		return schema.Descriptor{}, failure.New(failure.KindInputValidation, "table name is required")
	}
	ctx, cancel := c.withQueryTimeout(ctx)
	defer cancel()

	columns, err := c.columns(ctx, table)
	if err != nil {
		return schema.Descriptor{}, err
	}
	if len(columns) == 0 {
		return schema.Descriptor{}, failure.Newf(failure.KindNotFound, "table %q not found in schema %q", table, c.schema)
	}
	primaryKeys, err := c.primaryKeys(ctx, table)
	if err != nil {
		return schema.Descriptor{}, err
	}
	return schema.Descriptor{
		TableName:        table,
		Columns:          columns,
		PrimaryKeys:      primaryKeys,
		NullabilityKnown: true,
		Source:           schema.SourceWarehouse,
	}, nil
}

func (c *Client) columns(ctx context.Context, table string) ([]schema.Column, error) {
	query, args := c.columnsQuery(table)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, failure.Wrap(failure.KindConnection, "query column metadata", err)
	}
	defer func() { _ = rows.Close() }()

	columns := make([]schema.Column, 0)
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return nil, failure.Wrap(failure.KindConnection, "scan column metadata", err)
		}
		columns = append(columns, schema.Column{
			Name:     name,
			DataType: dataType,
			Nullable: !strings.EqualFold(strings.TrimSpace(nullable), "NO"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Wrap(failure.KindConnection, "iterate column metadata", err)
	}
	return columns, nil
}

func (c *Client) primaryKeys(ctx context.Context, table string) ([]string, error) {
	if c.dialect == DialectSnowflake {
		return c.snowflakePrimaryKeys(ctx, table)
	}
	query, args := c.primaryKeysQuery(table)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, failure.Wrap(failure.KindConnection, "query primary key metadata", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, failure.Wrap(failure.KindConnection, "scan primary key metadata", err)
		}
		keys = append(keys, name)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.Wrap(failure.KindConnection, "iterate primary key metadata", err)
	}
	return keys, nil
}

func (c *Client) withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.queryTimeout)
}

func validateParams(dialect Dialect, params ConnectionParams) error {
	var missing []string
	switch dialect {
	case DialectSnowflake:
		for name, value := range map[string]string{
			"account":  params.Account,
			"username": params.Username,
			"password": params.Password,
			"database": params.Database,
			"schema":   params.Schema,
		} {
			if strings.TrimSpace(value) == "" {
				missing = append(missing, name)
			}
		}
	case DialectPostgres:
		if strings.TrimSpace(params.DSN) == "" {
			if strings.TrimSpace(params.Host) == "" {
				missing = append(missing, "host")
			}
			if strings.TrimSpace(params.Database) == "" {
				missing = append(missing, "database")
			}
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return failure.Newf(failure.KindInputValidation, "missing warehouse connection fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func dataSource(dialect Dialect, params ConnectionParams, opts Options) (string, string, error) {
	switch dialect {
	case DialectSnowflake:
		timeout := opts.ConnectTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		dsn, err := gosnowflake.DSN(&gosnowflake.Config{
			Account:      strings.TrimSpace(params.Account),
			User:         params.Username,
			Password:     params.Password,
			Database:     params.Database,
			Schema:       params.Schema,
			Warehouse:    params.Warehouse,
			Role:         params.Role,
			LoginTimeout: timeout,
		})
		return "snowflake", dsn, err
	case DialectPostgres:
		if dsn := strings.TrimSpace(params.DSN); dsn != "" {
			return "pgx", dsn, nil
		}
		return "pgx", postgresDSN(params), nil
	case DialectDuckDB:
		if dsn := strings.TrimSpace(params.DSN); dsn != "" {
			return "duckdb", dsn, nil
		}
		path := strings.TrimSpace(params.Database)
		if path == "" {
			return "duckdb", "", nil
		}
		return "duckdb", path + "?access_mode=read_only", nil
	default:
		return "", "", fmt.Errorf("unsupported dialect %q", dialect)
	}
}

func postgresDSN(params ConnectionParams) string {
	host := strings.TrimSpace(params.Host)
	if params.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(params.Port))
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   host,
		Path:   "/" + params.Database,
	}
	if params.Username != "" {
		u.User = url.UserPassword(params.Username, params.Password)
	}
	query := url.Values{}
	if schemaName := strings.TrimSpace(params.Schema); schemaName != "" {
		query.Set("search_path", schemaName)
	}
	u.RawQuery = query.Encode()
	return u.String()
}

var plainIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// quoteIdent quotes an identifier exactly as written.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// snowflakeIdent leaves plain user-typed identifiers unquoted so Snowflake
// resolves them case-insensitively, and quotes anything else.
func snowflakeIdent(name string) string {
	if plainIdentifier.MatchString(name) {
		return name
	}
	return quoteIdent(name)
}
