package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"grievline/internal/domain"
	"grievline/internal/repo"
)

// SQLStore keeps samples in the metric_samples table of the workspace database.
type SQLStore struct {
	DB *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db}
}

func (s *SQLStore) Append(ctx context.Context, m domain.MetricSample) error {
	var meta any
	if len(m.Metadata) > 0 {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(data)
	}
	var errMsg any
	if m.ErrorMessage != "" {
		errMsg = m.ErrorMessage
	}
	success := 0
	if m.Success {
		success = 1
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO metric_samples(id,ts,operation,latency_ns,success,error_message,metadata_json) VALUES (?,?,?,?,?,?,?)`,
		m.ID, repo.FormatTime(m.Timestamp), m.Operation, int64(m.Latency), success, errMsg, meta)
	return err
}

func (s *SQLStore) where(q Query) (string, []any) {
	var clauses []string
	var args []any
	if q.Operation != "" {
		clauses = append(clauses, "operation=?")
		args = append(args, q.Operation)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, repo.FormatTime(q.Since))
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "ts <= ?")
		args = append(args, repo.FormatTime(q.Until))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLStore) Range(ctx context.Context, q Query) ([]domain.MetricSample, error) {
	where, args := s.where(q)
	return s.query(ctx, `SELECT id,ts,operation,latency_ns,success,COALESCE(error_message,''),COALESCE(metadata_json,'') FROM metric_samples`+where+` ORDER BY ts ASC, id ASC`, args...)
}

func (s *SQLStore) RecentErrors(ctx context.Context, q Query, n int) ([]domain.MetricSample, error) {
	if n <= 0 {
		return nil, nil
	}
	where, args := s.where(q)
	if where == "" {
		where = " WHERE success=0"
	} else {
		where += " AND success=0"
	}
	args = append(args, n)
	return s.query(ctx, `SELECT id,ts,operation,latency_ns,success,COALESCE(error_message,''),COALESCE(metadata_json,'') FROM metric_samples`+where+` ORDER BY ts DESC, id DESC LIMIT ?`, args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]domain.MetricSample, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MetricSample
	for rows.Next() {
		var m domain.MetricSample
		var ts, meta string
		var latency int64
		var success int
		if err := rows.Scan(&m.ID, &ts, &m.Operation, &latency, &success, &m.ErrorMessage, &meta); err != nil {
			return nil, err
		}
		if m.Timestamp, err = repo.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("sample %s ts: %w", m.ID, err)
		}
		m.Latency = time.Duration(latency)
		m.Success = success == 1
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
				return nil, fmt.Errorf("sample %s metadata: %w", m.ID, err)
			}
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// Close is a no-op; the database handle is owned by the caller.
func (s *SQLStore) Close() error { return nil }
