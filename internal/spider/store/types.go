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

// Package store is the persistence facade for the spider. It exposes a
// narrow surface over the MySQL tables (accounts, user details, videos,
// proxies, probe URLs, subscriptions) plus an in-flight marker used by the
// scheduler for de-duplication.
//
// All writes acquire and release their database resources per operation;
// no transaction is ever held across subprocess or HTTP I/O.
package store

import (
	"errors"
	"time"
)

// Comment markers written to the account tables. The scheduler decides
// which one applies from the child's response; the priority computation
// reads them back.
const (
	CommentSuccess     = "获取成功"
	CommentFetchFailed = "获取失败"
	CommentNotFound    = "账号不存在"
)

// ErrNoneAvailable is returned by AvailableProxy when every proxy row is
// either in use or excluded by the delay filter. Callers treat it as
// retryable, not fatal.
var ErrNoneAvailable = errors.New("store: no proxy available")

// AccountRow is one candidate row from the active-relationship join.
// TikTokID, UpdatedAt and Comments are nil when the account has never been
// fetched (no matching tiktok_account row yet).
type AccountRow struct {
	Handle    string
	TikTokID  *string
	UpdatedAt *time.Time
	Comments  *string
}

// Proxy mirrors a proxy_url row. CurrentPort is the loopback port the
// external forwarder exposes for this upstream tunnel.
type Proxy struct {
	ID           int64
	SubscribeID  int64
	URL          string
	Type         string
	CurrentPort  int
	IsUsing      bool
	CurrentDelay int
	DelayCount   int64
	AvgDelay     float64
	SuccessCount int64
	FailCount    int64
	SuccessRate  float64
}

// ProbeURL is one target the latency prober measures every proxy against.
type ProbeURL struct {
	ID           int64
	URL          string
	SuccessCount int64
	FailCount    int64
}

// SubscribeURL is a subscription source consumed by the external tunnel
// configurator. The spider only lists these; parsing them is out of scope.
type SubscribeURL struct {
	ID       int64
	URL      string
	Comments string
}
