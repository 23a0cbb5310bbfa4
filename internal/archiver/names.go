package archiver

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	partExt     = ".zip"
	tmpSuffix   = ".tmp"
	stageSuffix = ".tmp.new"
)

// PartName returns the filename of part index of an entity. Index 0 carries
// no number; index i is numbered i+1.
func PartName(base, entity string, index int) string {
	if index == 0 {
		return fmt.Sprintf("%s-%s%s", base, entity, partExt)
	}
	return fmt.Sprintf("%s-%s%d%s", base, entity, index+1, partExt)
}

// ParsePartName reverses PartName for a known base. ok is false for any
// name that is not a finalized part of base.
func ParsePartName(base, name string) (entity string, index int, ok bool) {
	prefix := base + "-"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, partExt) {
		return "", 0, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, prefix), partExt)

	i := len(rest)
	for i > 0 && rest[i-1] >= '0' && rest[i-1] <= '9' {
		i--
	}
	entity = rest[:i]
	if entity == "" {
		return "", 0, false
	}
	if i == len(rest) {
		return entity, 0, true
	}
	n, err := strconv.Atoi(rest[i:])
	if err != nil || n < 2 {
		return "", 0, false
	}
	return entity, n - 1, true
}

// QueueCacheName returns the filename of an entity's cached enumeration
func QueueCacheName(base, entity string) string {
	return fmt.Sprintf("%s-%s.queue.lz4", base, entity)
}
