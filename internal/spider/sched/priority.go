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

package sched

import (
	"sort"
	"strings"
	"time"

	"github.com/DavidYordan/RSManager-Spider/internal/spider/store"
)

// Re-fetch intervals in seconds, keyed by the account's last status. A row
// never fetched (NULL updated_at) gets priority time 0: maximal urgency.
const (
	retryDefault     = 600
	retryFetchFailed = 1800
	retryNotFound    = 21600
)

// Task is one dispatchable scrape job.
type Task struct {
	Handle       string
	UniqueID     string
	TikTokID     string
	PriorityTime int64
}

// priorityTime computes the seconds-epoch instant at which the row
// becomes eligible again.
func priorityTime(row store.AccountRow) int64 {
	if row.UpdatedAt == nil {
		return 0
	}
	ts := row.UpdatedAt.Unix()
	if row.Comments != nil {
		switch *row.Comments {
		case store.CommentFetchFailed:
			return ts + retryFetchFailed
		case store.CommentNotFound:
			return ts + retryNotFound
		}
	}
	return ts + retryDefault
}

// uniqueID derives the platform handle from the account identifier: the
// substring after the last '@' with whitespace removed, or the identifier
// itself when it has no '@'.
func uniqueID(handle string) string {
	if i := strings.LastIndex(handle, "@"); i >= 0 {
		handle = handle[i+1:]
	}
	return strings.Join(strings.Fields(handle), "")
}

// Eligible converts the raw candidate rows into the eligible task set:
// rows whose priority time is in the future are dropped, the remainder
// sorted ascending by priority time with ties keeping input order.
func Eligible(rows []store.AccountRow, now time.Time) []Task {
	cutoff := now.Unix()
	tasks := make([]Task, 0, len(rows))
	for _, row := range rows {
		pt := priorityTime(row)
		if pt > cutoff {
			continue
		}
		t := Task{
			Handle:       row.Handle,
			UniqueID:     uniqueID(row.Handle),
			PriorityTime: pt,
		}
		if row.TikTokID != nil {
			t.TikTokID = *row.TikTokID
		}
		tasks = append(tasks, t)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].PriorityTime < tasks[j].PriorityTime
	})
	return tasks
}
