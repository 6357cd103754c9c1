package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "netpulse/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendWindow(ctx context.Context, w Window) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO windows(start_ms, end_ms,
			download_ok, download_fail, download_avg, download_min, download_max,
			upload_ok, upload_fail, upload_avg, upload_min, upload_max)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.Start.UnixMilli(), w.End.UnixMilli(),
		w.DownloadOK, w.DownloadFail, w.DownloadAvg, w.DownloadMin, w.DownloadMax,
		w.UploadOK, w.UploadFail, w.UploadAvg, w.UploadMin, w.UploadMax,
	)
	return err
}

func (s *sqliteStore) RecentWindows(ctx context.Context, n int) ([]Window, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT start_ms, end_ms,
			download_ok, download_fail, download_avg, download_min, download_max,
			upload_ok, upload_fail, upload_avg, upload_min, upload_max
		 FROM windows ORDER BY end_ms DESC, id DESC LIMIT ?`, min(n, maxRecent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		var w Window
		var startMS, endMS int64
		if err := rows.Scan(&startMS, &endMS,
			&w.DownloadOK, &w.DownloadFail, &w.DownloadAvg, &w.DownloadMin, &w.DownloadMax,
			&w.UploadOK, &w.UploadFail, &w.UploadAvg, &w.UploadMin, &w.UploadMax,
		); err != nil {
			return nil, err
		}
		w.Start, w.End = time.UnixMilli(startMS), time.UnixMilli(endMS)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendSpeedtest(ctx context.Context, r SpeedtestRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO speedtests(id, at_ms, download_mbps, upload_mbps, ping_ms, jitter_ms, packet_loss, isp, server, country, duration_ms, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID, r.At.UnixMilli(), r.DownloadMbps, r.UploadMbps, r.PingMs, r.JitterMs, r.PacketLoss,
		nullStr(r.ISP), nullStr(r.Server), nullStr(r.Country), r.Duration.Milliseconds(), nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) RecentSpeedtests(ctx context.Context, n int) ([]SpeedtestRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at_ms, download_mbps, upload_mbps, ping_ms, jitter_ms, packet_loss, isp, server, country, duration_ms, err
		 FROM speedtests ORDER BY at_ms DESC LIMIT ?`, min(n, maxRecent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SpeedtestRecord
	for rows.Next() {
		var r SpeedtestRecord
		var atMS, durMS int64
		var isp, server, country, errStr sql.NullString
		if err := rows.Scan(&r.ID, &atMS, &r.DownloadMbps, &r.UploadMbps, &r.PingMs, &r.JitterMs, &r.PacketLoss,
			&isp, &server, &country, &durMS, &errStr); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(atMS)
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.ISP, r.Server, r.Country, r.Error = isp.String, server.String, country.String, errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	cut := before.UnixMilli()
	var total int
	for _, q := range []string{
		`DELETE FROM windows WHERE end_ms < ?`,
		`DELETE FROM speedtests WHERE at_ms < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, cut)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
