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

// This file maps the child's loosely typed JSON payloads onto the fixed
// column sets of the account and video tables. Unknown payload keys are
// ignored; missing keys become SQL NULL. All coercion happens here so the
// SQL layer only ever sees driver-friendly values.
package store

import (
	"errors"
	"fmt"
	"strconv"
)

// field is one (column, value) pair ready for an INSERT. A nil Value maps
// to SQL NULL.
type field struct {
	Column string
	Value  any
}

var errMissingID = errors.New("store: payload has no platform id")

// accountFields flattens a get_user_info payload (the object under "data")
// into the tiktok_account / tiktok_user_details column set. It returns the
// platform id separately because the details row is keyed by it.
func accountFields(payload map[string]any) ([]field, string, error) {
	userInfo, ok := payload["userInfo"].(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("store: payload has no userInfo object")
	}
	user, ok := userInfo["user"].(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("store: payload has no userInfo.user object")
	}
	stats := submap(userInfo, "stats")
	id, ok := asString(user["id"])
	if !ok || id == "" {
		return nil, "", errMissingID
	}

	fields := []field{
		{"tiktok_id", id},
		{"unique_id", opt(asString(user["uniqueId"]))},
		{"nickname", opt(asString(user["nickname"]))},
		{"avatar_larger", opt(asString(user["avatarLarger"]))},
		{"avatar_medium", opt(asString(user["avatarMedium"]))},
		{"avatar_thumb", opt(asString(user["avatarThumb"]))},
		{"signature", opt(asString(user["signature"]))},
		{"verified", opt(asBool(user["verified"]))},
		{"sec_uid", opt(asString(user["secUid"]))},
		{"private_account", opt(asBool(user["privateAccount"]))},
		{"following_visibility", opt(asInt64(user["followingVisibility"]))},
		{"comment_setting", opt(asInt64(user["commentSetting"]))},
		{"duet_setting", opt(asInt64(user["duetSetting"]))},
		{"stitch_setting", opt(asInt64(user["stitchSetting"]))},
		{"download_setting", opt(asInt64(user["downloadSetting"]))},
		{"profile_embed_permission", opt(asInt64(user["profileEmbedPermission"]))},
		{"profile_tab_show_playlist_tab", opt(asBool(submap(user, "profileTab")["showPlaylistTab"]))},
		{"commerce_user", opt(asBool(submap(user, "commerceUserInfo")["commerceUser"]))},
		{"tt_seller", opt(asBool(submap(user, "commerceUserInfo")["ttSeller"]))},
		{"relation", opt(asInt64(user["relation"]))},
		{"is_ad_virtual", opt(asBool(user["isAdVirtual"]))},
		{"is_embed_banned", opt(asBool(user["isEmbedBanned"]))},
		{"open_favorite", opt(asBool(user["openFavorite"]))},
		{"nick_name_modify_time", opt(asInt64(user["nicknameModifyTime"]))},
		{"can_exp_playlist", opt(asBool(user["canExpPlaylist"]))},
		{"secret", opt(asBool(user["secret"]))},
		{"ftc", opt(asBool(user["ftc"]))},
		{"link", opt(asString(submap(user, "bioLink")["link"]))},
		{"risk", opt(asInt64(submap(user, "bioLink")["risk"]))},
		{"digg_count", opt(asInt64(stats["diggCount"]))},
		{"follower_count", opt(asInt64(stats["followerCount"]))},
		{"following_count", opt(asInt64(stats["followingCount"]))},
		{"friend_count", opt(asInt64(stats["friendCount"]))},
		{"heart_count", opt(asInt64(stats["heartCount"]))},
		{"video_count", opt(asInt64(stats["videoCount"]))},
	}
	return fields, id, nil
}

// videoFields flattens one element of a get_user_videos payload into the
// tiktok_video_details column set, returning the platform video id.
func videoFields(payload map[string]any) ([]field, string, error) {
	id, ok := asString(payload["id"])
	if !ok || id == "" {
		return nil, "", errMissingID
	}
	stats := submap(payload, "statsV2")

	fields := []field{
		{"author_id", opt(asString(submap(payload, "author")["id"]))},
		{"AIGCDescription", opt(asString(payload["AIGCDescription"]))},
		{"CategoryType", opt(asInt64(payload["CategoryType"]))},
		{"backendSourceEventTracking", opt(asString(payload["backendSourceEventTracking"]))},
		{"collected", opt(asBool(payload["collected"]))},
		{"createTime", opt(asInt64(payload["createTime"]))},
		{"video_desc", opt(asString(payload["desc"]))},
		{"digged", opt(asBool(payload["digged"]))},
		{"diversificationId", opt(asInt64(payload["diversificationId"]))},
		{"duetDisplay", opt(asInt64(payload["duetDisplay"]))},
		{"duetEnabled", opt(asBool(payload["duetEnabled"]))},
		{"forFriend", opt(asBool(payload["forFriend"]))},
		{"itemCommentStatus", opt(asInt64(payload["itemCommentStatus"]))},
		{"officalItem", opt(asBool(payload["officalItem"]))},
		{"originalItem", opt(asBool(payload["originalItem"]))},
		{"privateItem", opt(asBool(payload["privateItem"]))},
		{"secret", opt(asBool(payload["secret"]))},
		{"shareEnabled", opt(asBool(payload["shareEnabled"]))},
		{"stitchDisplay", opt(asInt64(payload["stitchDisplay"]))},
		{"stitchEnabled", opt(asBool(payload["stitchEnabled"]))},
		{"can_repost", opt(asBool(submap(payload, "itemControl")["can_repost"]))},
		{"collectCount", opt(asInt64(stats["collectCount"]))},
		{"commentCount", opt(asInt64(stats["commentCount"]))},
		{"diggCount", opt(asInt64(stats["diggCount"]))},
		{"playCount", opt(asInt64(stats["playCount"]))},
		{"repostCount", opt(asInt64(stats["repostCount"]))},
		{"shareCount", opt(asInt64(stats["shareCount"]))},
	}
	return fields, id, nil
}

// submap digs one level into a decoded JSON object. It returns an empty
// map when the key is absent or not an object so callers can index the
// result unconditionally.
func submap(m map[string]any, key string) map[string]any {
	if sub, ok := m[key].(map[string]any); ok {
		return sub
	}
	return map[string]any{}
}

// opt converts the (value, present) pair of a coercion helper into a
// driver value, mapping absence to NULL.
func opt[T any](v T, ok bool) any {
	if !ok {
		return nil
	}
	return v
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// asInt64 accepts the numeric shapes a JSON decode can produce. TikTok
// serialises some counters as strings, so those are accepted too when they
// parse cleanly.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		if out, err := strconv.ParseInt(n, 10, 64); err == nil {
			return out, true
		}
	}
	return 0, false
}
