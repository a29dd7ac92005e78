package audit

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "OpenAgent-Hub/internal/errors"
)

// SQLStore 使用 MySQL 或 SQLite 持久化审计条目。
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore 打开数据库并初始化表结构。driver 取值 mysql 或 sqlite。
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "审计存储 DSN 不能为空")
	}
	switch driver {
	case "mysql":
	case "sqlite":
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	default:
		return nil, xerrors.New(xerrors.CodeInvalidInput, "不支持的审计存储驱动: "+driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开审计数据库失败")
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(10 * time.Minute)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到审计数据库")
	}

	store := &SQLStore{db: db, driver: driver}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Record 插入一条审计记录。
func (s *SQLStore) Record(ctx context.Context, e Entry) error {
	if strings.TrimSpace(e.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidInput, "审计条目 ID 不能为空")
	}
	const stmt = `INSERT INTO audit_entries
        (id, kind, actor, workflow_id, subject, summary, detail, at_unix_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		e.ID,
		string(e.Kind),
		e.Actor,
		e.WorkflowID,
		e.Subject,
		e.Summary,
		string(e.Detail),
		e.At.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeInvalidInput, "审计条目已存在: "+e.ID)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计条目失败")
	}
	return nil
}

// List 按时间顺序查询审计条目。
func (s *SQLStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "at_unix_ms >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	query := `SELECT id, kind, actor, workflow_id, subject, summary, detail, at_unix_ms FROM audit_entries`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY at_unix_ms ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计条目失败")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			kind    string
			summary sql.NullString
			detail  sql.NullString
			atMS    int64
		)
		if err := rows.Scan(&e.ID, &kind, &e.Actor, &e.WorkflowID, &e.Subject, &summary, &detail, &atMS); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计条目失败")
		}
		e.Kind = Kind(kind)
		e.Summary = summary.String
		if detail.Valid && detail.String != "" {
			e.Detail = []byte(detail.String)
		}
		e.At = time.UnixMilli(atMS).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计条目失败")
	}
	return out, nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Open 根据驱动名创建审计存储：memory、log、mysql 或 sqlite。
// log 驱动只写审计日志，查询时返回空结果。
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "log":
		return &logStore{LogRecorder: NewLogRecorder()}, nil
	case "mysql", "sqlite":
		return NewSQLStore(driver, dsn)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidInput, "不支持的审计存储驱动: "+driver)
	}
}

type logStore struct {
	*LogRecorder
}

func (logStore) List(context.Context, Filter) ([]Entry, error) { return nil, nil }
func (logStore) Close() error { return nil }
