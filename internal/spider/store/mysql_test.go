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
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// fakeDB backs a registered database/sql driver so the facade's SQL and
// transaction discipline can be asserted without a server.
type fakeDB struct {
	execs         []string
	queries       []string
	failExecAt    map[int]error // 1-based index of exec call -> error
	failCommit    error
	commitCount   int
	rollbackCount int
	// query returns the scripted result set for a SELECT.
	query func(q string) ([]string, [][]driver.Value, error)
}

type fakeDriver struct{}

type fakeConn struct{ db *fakeDB }

type fakeTx struct {
	db     *fakeDB
	closed bool
}

type fakeResult int

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 1, nil }

type fakeRows struct {
	cols []string
	rows [][]driver.Value
	pos  int
}

func (r *fakeRows) Columns() []string { return r.cols }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

func (fakeDriver) Open(string) (driver.Conn, error) { return &fakeConn{db: testFakeDB}, nil }

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("not supported")
}
func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}
func (c *fakeConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return &fakeTx{db: c.db}, nil
}

func (c *fakeConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.db.execs = append(c.db.execs, query)
	idx := len(c.db.execs)
	if c.db.failExecAt != nil {
		if err, ok := c.db.failExecAt[idx]; ok {
			return nil, err
		}
	}
	return fakeResult(1), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.db.queries = append(c.db.queries, query)
	if c.db.query == nil {
		return &fakeRows{}, nil
	}
	cols, rows, err := c.db.query(query)
	if err != nil {
		return nil, err
	}
	return &fakeRows{cols: cols, rows: rows}, nil
}

func (t *fakeTx) Commit() error {
	if t.closed {
		return errors.New("already closed")
	}
	t.db.commitCount++
	t.closed = true
	return t.db.failCommit
}
func (t *fakeTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.db.rollbackCount++
	t.closed = true
	return nil
}

var testFakeDB *fakeDB

func init() {
	sql.Register("fakesql", fakeDriver{})
}

func newSQLDBWithFake(db *fakeDB) *sql.DB {
	testFakeDB = db
	d, _ := sql.Open("fakesql", "")
	return d
}

func TestUpsertAccount_TwoWritesOneTransaction(t *testing.T) {
	f := &fakeDB{}
	s := NewMySQL(newSQLDBWithFake(f))
	payload := decode(t, cannedUserInfo)

	if err := s.UpsertAccount(context.Background(), "shop@someuser", payload); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if f.commitCount != 1 || f.rollbackCount != 0 {
		t.Fatalf("commit/rollback = %d/%d, want 1/0", f.commitCount, f.rollbackCount)
	}
	if len(f.execs) != 2 {
		t.Fatalf("execs = %d, want 2 (account + details)", len(f.execs))
	}
	if !strings.Contains(f.execs[0], "INSERT INTO tiktok_account") ||
		!strings.Contains(f.execs[0], "ON DUPLICATE KEY UPDATE") {
		t.Fatalf("first exec = %q", f.execs[0])
	}
	if !strings.Contains(f.execs[1], "INSERT INTO tiktok_user_details") {
		t.Fatalf("second exec = %q", f.execs[1])
	}
}

func TestUpsertAccount_SecondWriteFailureRollsBack(t *testing.T) {
	f := &fakeDB{failExecAt: map[int]error{2: errors.New("boom")}}
	s := NewMySQL(newSQLDBWithFake(f))

	err := s.UpsertAccount(context.Background(), "h", decode(t, cannedUserInfo))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v", err)
	}
	if f.rollbackCount != 1 || f.commitCount != 0 {
		t.Fatalf("commit/rollback = %d/%d, want 0/1", f.commitCount, f.rollbackCount)
	}
}

func TestUpsertAccount_RejectsPayloadWithoutID(t *testing.T) {
	f := &fakeDB{}
	s := NewMySQL(newSQLDBWithFake(f))

	if err := s.UpsertAccount(context.Background(), "h", map[string]any{}); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if len(f.execs) != 0 {
		t.Fatalf("no SQL expected for rejected payload, got %v", f.execs)
	}
}

func TestUpsertVideos_BatchInOneTransaction(t *testing.T) {
	f := &fakeDB{}
	s := NewMySQL(newSQLDBWithFake(f))
	payloads := []map[string]any{
		{"id": "v1", "desc": "one"},
		{"id": "v2", "desc": "two"},
	}
	if err := s.UpsertVideos(context.Background(), payloads); err != nil {
		t.Fatalf("upsert videos: %v", err)
	}
	if len(f.execs) != 2 || f.commitCount != 1 {
		t.Fatalf("execs/commits = %d/%d, want 2/1", len(f.execs), f.commitCount)
	}
	for _, q := range f.execs {
		if !strings.Contains(q, "INSERT INTO tiktok_video_details") {
			t.Fatalf("unexpected exec %q", q)
		}
		if strings.Contains(q, "comments") {
			t.Fatalf("video upsert must not touch a comments column: %q", q)
		}
	}
}

func TestUpsertVideos_BadElementRollsBackBatch(t *testing.T) {
	f := &fakeDB{}
	s := NewMySQL(newSQLDBWithFake(f))
	payloads := []map[string]any{
		{"id": "v1"},
		{"desc": "missing id"},
	}
	if err := s.UpsertVideos(context.Background(), payloads); err == nil {
		t.Fatalf("expected error for element without id")
	}
	if f.commitCount != 0 || f.rollbackCount != 1 {
		t.Fatalf("commit/rollback = %d/%d, want 0/1", f.commitCount, f.rollbackCount)
	}
}

func TestSetAccountComment_TouchesBothTables(t *testing.T) {
	f := &fakeDB{}
	s := NewMySQL(newSQLDBWithFake(f))

	if err := s.SetAccountComment(context.Background(), "h", CommentNotFound); err != nil {
		t.Fatalf("set comment: %v", err)
	}
	if len(f.execs) != 2 || f.commitCount != 1 {
		t.Fatalf("execs/commits = %d/%d, want 2/1", len(f.execs), f.commitCount)
	}
	if !strings.Contains(f.execs[0], "INSERT INTO tiktok_account") {
		t.Fatalf("first exec = %q", f.execs[0])
	}
	if !strings.Contains(f.execs[1], "UPDATE tiktok_user_details") {
		t.Fatalf("second exec = %q", f.execs[1])
	}
}

func TestCounterUpdates_AreSingleStatements(t *testing.T) {
	f := &fakeDB{}
	s := NewMySQL(newSQLDBWithFake(f))
	ctx := context.Background()

	if err := s.RecordProxySuccess(ctx, 1); err != nil {
		t.Fatalf("success: %v", err)
	}
	if err := s.RecordProxyFailure(ctx, 1); err != nil {
		t.Fatalf("failure: %v", err)
	}
	if err := s.ClearProxyUsageFlags(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !strings.Contains(f.execs[0], "success_count = success_count + 1") {
		t.Fatalf("exec 0 = %q", f.execs[0])
	}
	if !strings.Contains(f.execs[1], "fail_count = fail_count + 1") {
		t.Fatalf("exec 1 = %q", f.execs[1])
	}
	if !strings.Contains(f.execs[2], "SET is_using = FALSE") {
		t.Fatalf("exec 2 = %q", f.execs[2])
	}
}

func TestUpdateProxyLatency_RollingAverageSQL(t *testing.T) {
	f := &fakeDB{}
	s := NewMySQL(newSQLDBWithFake(f))

	if err := s.UpdateProxyLatency(context.Background(), 5, 123.4); err != nil {
		t.Fatalf("latency: %v", err)
	}
	q := f.execs[0]
	if !strings.Contains(q, "avg_delay * delay_count") || !strings.Contains(q, "delay_count + 1") {
		t.Fatalf("rolling-average SQL missing: %q", q)
	}
}

func TestAvailableProxy_SelectsMarksAndCommits(t *testing.T) {
	f := &fakeDB{}
	f.query = func(q string) ([]string, [][]driver.Value, error) {
		if !strings.Contains(q, "FROM proxy_url") {
			return nil, nil, errors.New("unexpected query: " + q)
		}
		cols := []string{"id", "subscribe_id", "url", "type", "current_port", "avg_delay", "success_count", "fail_count"}
		return cols, [][]driver.Value{
			{int64(7), int64(1), "ss://x", "ss", int64(40001), 55.5, int64(9), int64(1)},
		}, nil
	}
	s := NewMySQL(newSQLDBWithFake(f))

	p, err := s.AvailableProxy(context.Background(), false)
	if err != nil {
		t.Fatalf("available proxy: %v", err)
	}
	if p.ID != 7 || p.CurrentPort != 40001 || !p.IsUsing {
		t.Fatalf("proxy = %+v", p)
	}
	if f.commitCount != 1 {
		t.Fatalf("commits = %d, want 1", f.commitCount)
	}
	if len(f.execs) != 1 || !strings.Contains(f.execs[0], "SET is_using = TRUE") {
		t.Fatalf("execs = %v", f.execs)
	}
	if strings.Contains(f.queries[0], "avg_delay > 0") {
		t.Fatalf("relaxed policy must not filter on avg_delay: %q", f.queries[0])
	}
	if !strings.Contains(f.queries[0], "ORDER BY fail_count ASC, avg_delay ASC") {
		t.Fatalf("selection order missing: %q", f.queries[0])
	}
	if !strings.Contains(f.queries[0], "FOR UPDATE") {
		t.Fatalf("row lock missing: %q", f.queries[0])
	}
}

func TestAvailableProxy_StrictPolicyAndExhaustion(t *testing.T) {
	f := &fakeDB{}
	f.query = func(string) ([]string, [][]driver.Value, error) {
		return []string{"id"}, nil, nil // no rows
	}
	s := NewMySQL(newSQLDBWithFake(f))

	_, err := s.AvailableProxy(context.Background(), true)
	if !errors.Is(err, ErrNoneAvailable) {
		t.Fatalf("err = %v, want ErrNoneAvailable", err)
	}
	if !strings.Contains(f.queries[0], "avg_delay > 0") {
		t.Fatalf("strict policy filter missing: %q", f.queries[0])
	}
	if f.rollbackCount != 1 {
		t.Fatalf("rollbacks = %d, want 1 (no row to mark)", f.rollbackCount)
	}
}

func TestFetchActiveAccounts_ScansNullableColumns(t *testing.T) {
	updated := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f := &fakeDB{}
	f.query = func(q string) ([]string, [][]driver.Value, error) {
		if !strings.Contains(q, "LEFT JOIN tiktok_account") {
			return nil, nil, errors.New("unexpected query: " + q)
		}
		cols := []string{"tiktok_account", "tiktok_id", "updated_at", "comments"}
		return cols, [][]driver.Value{
			{"known@user", "42", updated, CommentSuccess},
			{"new@user", nil, nil, nil},
		}, nil
	}
	s := NewMySQL(newSQLDBWithFake(f))

	rows, err := s.FetchActiveAccounts(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].TikTokID == nil || *rows[0].TikTokID != "42" {
		t.Fatalf("row 0 tiktok_id = %v", rows[0].TikTokID)
	}
	if rows[0].UpdatedAt == nil || !rows[0].UpdatedAt.Equal(updated) {
		t.Fatalf("row 0 updated_at = %v", rows[0].UpdatedAt)
	}
	if rows[1].TikTokID != nil || rows[1].UpdatedAt != nil || rows[1].Comments != nil {
		t.Fatalf("row 1 nullable columns not nil: %+v", rows[1])
	}
	if !strings.Contains(f.queries[0], "WHERE r.status = TRUE") {
		t.Fatalf("status gate missing: %q", f.queries[0])
	}
}
