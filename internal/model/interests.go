package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxInterests      = 5
	MaxInterestLength = 32
)

// PopularInterests are suggested on the landing screen.
var PopularInterests = []string{
	"Music", "Gaming", "Movies", "Sports", "Art", "Technology", "Books",
	"Travel", "Cooking", "Fitness", "Photography", "Science", "Politics", "Fashion",
}

// Interests is an ordered list of free-text tags stored as a JSON array.
type Interests []string

// NormalizeInterests trims tags, drops empty ones, removes case-insensitive
// duplicates keeping the first spelling and caps the list.
func NormalizeInterests(raw []string) Interests {
	out := make(Interests, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, tag := range raw {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if utf8.RuneCountInString(tag) > MaxInterestLength {
			tag = string([]rune(tag)[:MaxInterestLength])
		}
		key := strings.ToLower(tag)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
		if len(out) == MaxInterests {
			break
		}
	}
	return out
}

// Overlaps reports whether any tag appears in both lists, ignoring case.
func (i Interests) Overlaps(other Interests) bool {
	if len(i) == 0 || len(other) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(i))
	for _, tag := range i {
		set[strings.ToLower(tag)] = struct{}{}
	}
	for _, tag := range other {
		if _, ok := set[strings.ToLower(tag)]; ok {
			return true
		}
	}
	return false
}

func (i Interests) Value() (driver.Value, error) {
	if i == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(i))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (i *Interests) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*i = Interests{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("interests: unsupported type %T", src)
	}
	if len(data) == 0 {
		*i = Interests{}
		return nil
	}
	var tags []string
	if err := json.Unmarshal(data, &tags); err != nil {
		return fmt.Errorf("interests: %w", err)
	}
	*i = Interests(tags)
	return nil
}
