// Copyright 2026 David Yordan. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQL is the production store. It wraps a *sql.DB opened with the
// go-sql-driver/mysql driver.
//
// Every method bounds its own context with defaultTimeout when the caller
// didn't, so a wedged database can never stall a session's critical path
// indefinitely.
type MySQL struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

// DSN builds the driver connection string from discrete settings. parseTime
// is forced on so DATETIME columns scan into time.Time.
func DSN(user, password, host string, port int, name string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = name
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// NewMySQL wraps an opened database handle.
func NewMySQL(db *sql.DB) *MySQL {
	return &MySQL{db: db, defaultTimeout: 10 * time.Second}
}

// Ping verifies connectivity. main calls this at startup and treats
// failure as fatal.
func (s *MySQL) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *MySQL) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && s.defaultTimeout > 0 {
		return context.WithTimeout(ctx, s.defaultTimeout)
	}
	return ctx, func() {}
}

// FetchActiveAccounts returns the raw candidate rows: every handle with an
// active relationship, left-joined against the account table. Priority
// computation and filtering happen in the scheduler.
func (s *MySQL) FetchActiveAccounts(ctx context.Context) ([]AccountRow, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.tiktok_account, a.tiktok_id, a.updated_at, a.comments
		FROM tiktok_relationship r
		LEFT JOIN tiktok_account a ON a.tiktok_account = r.tiktok_account
		WHERE r.status = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("fetch active accounts: %w", err)
	}
	defer rows.Close()

	var out []AccountRow
	for rows.Next() {
		var row AccountRow
		if err := rows.Scan(&row.Handle, &row.TikTokID, &row.UpdatedAt, &row.Comments); err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// UpsertAccount writes the account row (keyed by handle) and the user
// details row (keyed by platform id) in one transaction, stamping the
// success marker and updated_at. Any failure rolls both back.
func (s *MySQL) UpsertAccount(ctx context.Context, handle string, payload map[string]any) error {
	fields, tiktokID, err := accountFields(payload)
	if err != nil {
		return err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin account upsert: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := upsertInto(ctx, tx, "tiktok_account", "tiktok_account", handle, fields, CommentSuccess); err != nil {
		return err
	}
	// The details table is keyed by the platform id and carries the handle
	// as a plain column; drop the now-duplicate tiktok_id from the list.
	detail := append([]field{{"tiktok_account", handle}}, removeColumn(fields, "tiktok_id")...)
	if err := upsertInto(ctx, tx, "tiktok_user_details", "tiktok_id", tiktokID, detail, CommentSuccess); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertVideos writes every video payload (keyed by platform video id) in
// one transaction. Elements without an id fail the whole batch so the
// caller sees the rollback.
func (s *MySQL) UpsertVideos(ctx context.Context, payloads []map[string]any) error {
	if len(payloads) == 0 {
		return nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin video upsert: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, payload := range payloads {
		fields, videoID, err := videoFields(payload)
		if err != nil {
			return err
		}
		if err := upsertInto(ctx, tx, "tiktok_video_details", "tiktok_video_id", videoID, fields, ""); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetAccountComment stamps a status marker on the account row, creating it
// if absent, and refreshes the matching user-details row when one exists.
func (s *MySQL) SetAccountComment(ctx context.Context, handle, comment string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set comment: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tiktok_account (tiktok_account, comments, updated_at)
		VALUES (?, ?, NOW())
		ON DUPLICATE KEY UPDATE comments = VALUES(comments), updated_at = NOW()`,
		handle, comment); err != nil {
		return fmt.Errorf("set comment on %s: %w", handle, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tiktok_user_details SET comments = ?, updated_at = NOW()
		WHERE tiktok_account = ?`, comment, handle); err != nil {
		return fmt.Errorf("set detail comment on %s: %w", handle, err)
	}
	return tx.Commit()
}

// AvailableProxy selects the best free proxy and marks it in use, all
// inside one transaction with the candidate row locked. requireProbed
// restores the stricter policy that skips rows never measured by the
// prober (avg_delay = 0).
//
// The caller (proxy.Registry) additionally serialises this process-wide;
// the row lock covers concurrent external writers.
func (s *MySQL) AvailableProxy(ctx context.Context, requireProbed bool) (*Proxy, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin proxy acquire: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		SELECT id, subscribe_id, url, type, current_port, avg_delay, success_count, fail_count
		FROM proxy_url
		WHERE is_using = FALSE`
	if requireProbed {
		query += ` AND avg_delay > 0`
	}
	query += `
		ORDER BY fail_count ASC, avg_delay ASC
		LIMIT 1
		FOR UPDATE`

	var p Proxy
	err = tx.QueryRowContext(ctx, query).Scan(
		&p.ID, &p.SubscribeID, &p.URL, &p.Type, &p.CurrentPort,
		&p.AvgDelay, &p.SuccessCount, &p.FailCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoneAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("select proxy: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE proxy_url SET is_using = TRUE WHERE id = ?`, p.ID); err != nil {
		return nil, fmt.Errorf("mark proxy %d in use: %w", p.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.IsUsing = true
	return &p, nil
}

// SetProxyInUse flips the in-use flag. Sessions call this with false on
// close so the proxy becomes selectable again.
func (s *MySQL) SetProxyInUse(ctx context.Context, id int64, inUse bool) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE proxy_url SET is_using = ? WHERE id = ?`, inUse, id)
	if err != nil {
		return fmt.Errorf("set proxy %d is_using=%v: %w", id, inUse, err)
	}
	return nil
}

// RecordProxySuccess increments the success counter. The column update is
// atomic per row; no cross-row ordering is needed.
func (s *MySQL) RecordProxySuccess(ctx context.Context, id int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE proxy_url SET success_count = success_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("record proxy %d success: %w", id, err)
	}
	return nil
}

// RecordProxyFailure increments the failure counter.
func (s *MySQL) RecordProxyFailure(ctx context.Context, id int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE proxy_url SET fail_count = fail_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("record proxy %d failure: %w", id, err)
	}
	return nil
}

// UpdateProxyLatency records one probe measurement: current_delay takes
// the new value, avg_delay folds it into the running mean using
// delay_count, and delay_count advances.
func (s *MySQL) UpdateProxyLatency(ctx context.Context, id int64, ms float64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE proxy_url
		SET current_delay = ?,
		    avg_delay = (avg_delay * delay_count + ?) / (delay_count + 1),
		    delay_count = delay_count + 1,
		    updated_at = NOW()
		WHERE id = ?`, int(ms), ms, id)
	if err != nil {
		return fmt.Errorf("update proxy %d latency: %w", id, err)
	}
	return nil
}

// ClearProxyUsageFlags resets every in-use flag. Runs once at startup:
// a crash can leave flags set with no session holding the proxy.
func (s *MySQL) ClearProxyUsageFlags(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `UPDATE proxy_url SET is_using = FALSE`)
	if err != nil {
		return fmt.Errorf("clear proxy usage flags: %w", err)
	}
	return nil
}

// ListProxies returns every proxy row. The latency prober sweeps all of
// them, in use or not.
func (s *MySQL) ListProxies(ctx context.Context) ([]Proxy, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subscribe_id, url, type, current_port, is_using,
		       current_delay, delay_count, avg_delay, success_count, fail_count
		FROM proxy_url`)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()

	var out []Proxy
	for rows.Next() {
		var p Proxy
		if err := rows.Scan(&p.ID, &p.SubscribeID, &p.URL, &p.Type, &p.CurrentPort,
			&p.IsUsing, &p.CurrentDelay, &p.DelayCount, &p.AvgDelay,
			&p.SuccessCount, &p.FailCount); err != nil {
			return nil, fmt.Errorf("scan proxy row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListProbeURLs returns the probe target set.
func (s *MySQL) ListProbeURLs(ctx context.Context) ([]ProbeURL, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, success_count, fail_count FROM test_speed_url`)
	if err != nil {
		return nil, fmt.Errorf("list probe urls: %w", err)
	}
	defer rows.Close()

	var out []ProbeURL
	for rows.Next() {
		var u ProbeURL
		if err := rows.Scan(&u.ID, &u.URL, &u.SuccessCount, &u.FailCount); err != nil {
			return nil, fmt.Errorf("scan probe url row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// RecordProbeSuccess increments a probe URL's success counter.
func (s *MySQL) RecordProbeSuccess(ctx context.Context, id int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE test_speed_url SET success_count = success_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("record probe url %d success: %w", id, err)
	}
	return nil
}

// RecordProbeFailure increments a probe URL's failure counter.
func (s *MySQL) RecordProbeFailure(ctx context.Context, id int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE test_speed_url SET fail_count = fail_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("record probe url %d failure: %w", id, err)
	}
	return nil
}

// ListSubscribeURLs returns the subscription sources for the external
// tunnel configurator.
func (s *MySQL) ListSubscribeURLs(ctx context.Context) ([]SubscribeURL, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, COALESCE(comments, '') FROM subscribe_url`)
	if err != nil {
		return nil, fmt.Errorf("list subscribe urls: %w", err)
	}
	defer rows.Close()

	var out []SubscribeURL
	for rows.Next() {
		var u SubscribeURL
		if err := rows.Scan(&u.ID, &u.URL, &u.Comments); err != nil {
			return nil, fmt.Errorf("scan subscribe url row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// upsertInto issues one INSERT ... ON DUPLICATE KEY UPDATE for the given
// primary key and field list, stamping updated_at on both paths. A
// non-empty comment is written too (the video table has no comments
// column, so its caller passes "").
func upsertInto(ctx context.Context, tx *sql.Tx, table, pkColumn string, pkValue any, fields []field, comment string) error {
	columns := []string{pkColumn}
	values := []any{pkValue}
	for _, f := range fields {
		columns = append(columns, f.Column)
		values = append(values, f.Value)
	}
	if comment != "" {
		columns = append(columns, "comments")
		values = append(values, comment)
	}
	columns = append(columns, "updated_at")

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ") + ", NOW()"

	var updates []string
	for _, c := range columns[1:] {
		if c == "updated_at" {
			updates = append(updates, "updated_at = NOW()")
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", c, c))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		table, strings.Join(columns, ", "), placeholders, strings.Join(updates, ", "))
	if _, err := tx.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("upsert %s %v: %w", table, pkValue, err)
	}
	return nil
}

// removeColumn returns a copy of fields without the named column.
func removeColumn(fields []field, column string) []field {
	out := make([]field, 0, len(fields))
	for _, f := range fields {
		if f.Column != column {
			out = append(out, f)
		}
	}
	return out
}
