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
	"encoding/json"
	"testing"
)

const cannedUserInfo = `{
  "userInfo": {
    "user": {
      "id": "6742720291280128",
      "uniqueId": "someuser",
      "nickname": "Some User",
      "avatarLarger": "https://cdn.example/l.jpg",
      "signature": "hello",
      "verified": true,
      "secUid": "MS4wLjABAAAA",
      "privateAccount": false,
      "followingVisibility": 1,
      "commentSetting": 0,
      "profileTab": {"showPlaylistTab": true},
      "commerceUserInfo": {"commerceUser": false, "ttSeller": false},
      "bioLink": {"link": "https://example.com", "risk": 0},
      "nicknameModifyTime": 1650000000,
      "secret": false
    },
    "stats": {
      "diggCount": 12,
      "followerCount": 3400,
      "followingCount": 56,
      "friendCount": 7,
      "heartCount": 89000,
      "videoCount": 120
    }
  }
}`

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	return m
}

func fieldValue(fields []field, column string) (any, bool) {
	for _, f := range fields {
		if f.Column == column {
			return f.Value, true
		}
	}
	return nil, false
}

func TestAccountFields_MapsPayload(t *testing.T) {
	fields, id, err := accountFields(decode(t, cannedUserInfo))
	if err != nil {
		t.Fatalf("accountFields: %v", err)
	}
	if id != "6742720291280128" {
		t.Fatalf("id = %q", id)
	}

	want := map[string]any{
		"tiktok_id":                     "6742720291280128",
		"unique_id":                     "someuser",
		"nickname":                      "Some User",
		"avatar_larger":                 "https://cdn.example/l.jpg",
		"signature":                     "hello",
		"verified":                      true,
		"sec_uid":                       "MS4wLjABAAAA",
		"private_account":               false,
		"following_visibility":          int64(1),
		"comment_setting":               int64(0),
		"profile_tab_show_playlist_tab": true,
		"commerce_user":                 false,
		"tt_seller":                     false,
		"nick_name_modify_time":         int64(1650000000),
		"link":                          "https://example.com",
		"risk":                          int64(0),
		"digg_count":                    int64(12),
		"follower_count":                int64(3400),
		"following_count":               int64(56),
		"friend_count":                  int64(7),
		"heart_count":                   int64(89000),
		"video_count":                   int64(120),
	}
	for column, w := range want {
		got, ok := fieldValue(fields, column)
		if !ok {
			t.Fatalf("column %q missing from field list", column)
		}
		if got != w {
			t.Fatalf("column %q = %#v, want %#v", column, got, w)
		}
	}
}

func TestAccountFields_MissingKeysBecomeNULL(t *testing.T) {
	fields, _, err := accountFields(decode(t, `{"userInfo":{"user":{"id":"1"},"stats":{}}}`))
	if err != nil {
		t.Fatalf("accountFields: %v", err)
	}
	for _, column := range []string{"nickname", "verified", "follower_count", "link"} {
		got, ok := fieldValue(fields, column)
		if !ok {
			t.Fatalf("column %q missing from field list", column)
		}
		if got != nil {
			t.Fatalf("column %q = %#v, want NULL", column, got)
		}
	}
}

func TestAccountFields_UnknownKeysIgnored(t *testing.T) {
	payload := decode(t, `{"userInfo":{"user":{"id":"1","brandNewField":"x"},"stats":{"weird":9}}}`)
	fields, _, err := accountFields(payload)
	if err != nil {
		t.Fatalf("accountFields: %v", err)
	}
	if _, ok := fieldValue(fields, "brandNewField"); ok {
		t.Fatalf("unknown payload key leaked into the column set")
	}
}

func TestAccountFields_RejectsMissingID(t *testing.T) {
	if _, _, err := accountFields(decode(t, `{"userInfo":{"user":{},"stats":{}}}`)); err == nil {
		t.Fatalf("expected error for payload without platform id")
	}
	if _, _, err := accountFields(decode(t, `{}`)); err == nil {
		t.Fatalf("expected error for payload without userInfo")
	}
}

func TestVideoFields_MapsPayload(t *testing.T) {
	raw := `{
	  "id": "7300000000000000001",
	  "author": {"id": "6742720291280128"},
	  "desc": "a video",
	  "createTime": 1700000000,
	  "duetEnabled": true,
	  "itemControl": {"can_repost": false},
	  "statsV2": {"diggCount": "15", "playCount": "9000", "commentCount": "3"}
	}`
	fields, id, err := videoFields(decode(t, raw))
	if err != nil {
		t.Fatalf("videoFields: %v", err)
	}
	if id != "7300000000000000001" {
		t.Fatalf("id = %q", id)
	}
	want := map[string]any{
		"author_id":    "6742720291280128",
		"video_desc":   "a video",
		"createTime":   int64(1700000000),
		"duetEnabled":  true,
		"can_repost":   false,
		"diggCount":    int64(15),
		"playCount":    int64(9000),
		"commentCount": int64(3),
	}
	for column, w := range want {
		got, ok := fieldValue(fields, column)
		if !ok {
			t.Fatalf("column %q missing", column)
		}
		if got != w {
			t.Fatalf("column %q = %#v, want %#v", column, got, w)
		}
	}
}

func TestAsInt64_AcceptsStringCounters(t *testing.T) {
	cases := []struct {
		in   any
		want int64
		ok   bool
	}{
		{float64(42), 42, true},
		{"17", 17, true},
		{"not a number", 0, false},
		{true, 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := asInt64(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("asInt64(%#v) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
