package protocol

import (
	"fmt"

	"github.com/infrasonar/probe-go/internal/check"
)

// Message types used by the core (spec §6). Push types are in the range
// reserved for unsolicited agentcore-initiated frames.
const (
	TypeReqAnnounce     byte = 0x01
	TypeFafDump         byte = 0x02
	TypePushSetAssets   byte = 0x10
	TypePushUnsetAssets byte = 0x11
	TypePushUpsertAsset byte = 0x12
)

// Path is the (asset_id, check_id) pair identifying a running check
// (spec §3).
type Path struct {
	AssetID int
	CheckID int
}

// Names carries the mutable asset name alongside the immutable check key
// (spec §3 "Assignment names").
type Names struct {
	AssetName string
	CheckKey  string
}

// Assignment is a single (path, names, config) triple as pushed by the
// agentcore.
type Assignment struct {
	Path   Path
	Names  Names
	Config check.Config
}

// --- decoding the dynamic tagged-variant payload tree ---
//
// Frames are decoded generically (see internal/wire) into
// map[string]any / []any / json.Number / string trees. The helpers below
// pattern-match the expected top-level shape for each push message and
// reject malformed frames with a typed error instead of panicking —
// spec.md §9's "Design Notes" calls this out explicitly.

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	if s, ok := v.(interface{ Int64() (int64, error) }); ok {
		i, err := s.Int64()
		return int(i), err == nil
	}
	return 0, false
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func parsePath(v any) (Path, error) {
	s, ok := asSlice(v)
	if !ok || len(s) != 2 {
		return Path{}, fmt.Errorf("protocol: malformed path: %#v", v)
	}
	assetID, ok1 := asInt(s[0])
	checkID, ok2 := asInt(s[1])
	if !ok1 || !ok2 {
		return Path{}, fmt.Errorf("protocol: malformed path elements: %#v", v)
	}
	return Path{AssetID: assetID, CheckID: checkID}, nil
}

func parseNames(v any) (Names, error) {
	s, ok := asSlice(v)
	if !ok || len(s) != 2 {
		return Names{}, fmt.Errorf("protocol: malformed names: %#v", v)
	}
	assetName, ok1 := asString(s[0])
	checkKey, ok2 := asString(s[1])
	if !ok1 || !ok2 {
		return Names{}, fmt.Errorf("protocol: malformed names elements: %#v", v)
	}
	return Names{AssetName: assetName, CheckKey: checkKey}, nil
}

func parseConfig(v any) (check.Config, error) {
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("protocol: malformed config: %#v", v)
	}
	cfg := make(check.Config, len(m))
	for k, val := range m {
		if n, isNum := val.(interface{ Int64() (int64, error) }); isNum {
			if i, err := n.Int64(); err == nil {
				cfg[k] = i
				continue
			}
		}
		cfg[k] = val
	}
	return cfg, nil
}

func parseAssignment(v any) (Assignment, error) {
	s, ok := asSlice(v)
	if !ok || len(s) != 3 {
		return Assignment{}, fmt.Errorf("protocol: malformed assignment: %#v", v)
	}
	path, err := parsePath(s[0])
	if err != nil {
		return Assignment{}, err
	}
	names, err := parseNames(s[1])
	if err != nil {
		return Assignment{}, err
	}
	cfg, err := parseConfig(s[2])
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{Path: path, Names: names, Config: cfg}, nil
}

// ParseSetAssets decodes a PROTO_PUSH_SET_ASSETS body: a list of
// (path, names, config) triples.
func ParseSetAssets(data any) ([]Assignment, error) {
	s, ok := asSlice(data)
	if !ok {
		return nil, fmt.Errorf("protocol: set_assets: expected a list, got %#v", data)
	}
	out := make([]Assignment, 0, len(s))
	for _, item := range s {
		a, err := parseAssignment(item)
		if err != nil {
			return nil, fmt.Errorf("protocol: set_assets: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// ParseUnsetAssets decodes a PROTO_PUSH_UNSET_ASSETS body: a list of
// asset ids.
func ParseUnsetAssets(data any) ([]int, error) {
	s, ok := asSlice(data)
	if !ok {
		return nil, fmt.Errorf("protocol: unset_assets: expected a list, got %#v", data)
	}
	out := make([]int, 0, len(s))
	for _, item := range s {
		id, ok := asInt(item)
		if !ok {
			return nil, fmt.Errorf("protocol: unset_assets: malformed asset id: %#v", item)
		}
		out = append(out, id)
	}
	return out, nil
}

// ParseUpsertAsset decodes a PROTO_PUSH_UPSERT_ASSET body: a 2-tuple of
// (asset_id, [ (path, names, config), … ]).
func ParseUpsertAsset(data any) (int, []Assignment, error) {
	s, ok := asSlice(data)
	if !ok || len(s) != 2 {
		return 0, nil, fmt.Errorf("protocol: upsert_asset: expected a 2-tuple, got %#v", data)
	}
	assetID, ok := asInt(s[0])
	if !ok {
		return 0, nil, fmt.Errorf("protocol: upsert_asset: malformed asset id: %#v", s[0])
	}
	assignments, err := ParseSetAssets(s[1])
	if err != nil {
		return 0, nil, fmt.Errorf("protocol: upsert_asset: %w", err)
	}
	return assetID, assignments, nil
}
