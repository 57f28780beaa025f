package pricing

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"tradein-service/internal/models"
)

var (
	storageToken = regexp.MustCompile(`(\d+)\s*(gb|tb)\b`)
	punctuation  = regexp.MustCompile(`[^a-z0-9 ]+`)
	glued        = regexp.MustCompile(`\b(iphone|pixel|ipad|note)(\d+)([a-z]*)`)
	spaceRun     = regexp.MustCompile(`\s+`)
)

// shorter queries are too ambiguous for substring matching
const minSubstringLen = 3

// aliases rewrite common brand/model spellings to the catalog form. Applied
// in order, only as whole-token prefixes.
var aliases = []struct{ from, to string }{
	{"apple iphone", "iphone"},
	{"apple ipad", "ipad"},
	{"samsung galaxy", "galaxy"},
	{"samsung", "galaxy"},
	{"google pixel", "pixel"},
	{"i phone", "iphone"},
}

// normalize lowercases s, removes storage tokens, strips punctuation and
// applies aliases. The extracted storage is returned in GB (0 if absent).
func normalize(s string) (string, int) {
	s = strings.ToLower(s)

	storage := 0
	if m := storageToken.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		if m[2] == "tb" {
			n *= 1024
		}
		storage = n
	}
	s = storageToken.ReplaceAllString(s, " ")
	s = punctuation.ReplaceAllString(s, " ")
	s = glued.ReplaceAllString(s, "$1 $2 $3")
	s = strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))

	for _, a := range aliases {
		if s == a.from || strings.HasPrefix(s, a.from+" ") {
			s = a.to + strings.TrimPrefix(s, a.from)
			break
		}
	}
	return s, storage
}

type catalogKey struct {
	key    string
	brand  string
	tokens []string
	entry  models.DeviceCatalogEntry
}

func buildKeys(entries []models.DeviceCatalogEntry) []catalogKey {
	keys := make([]catalogKey, 0, len(entries))
	for _, e := range entries {
		key, _ := normalize(e.Model)
		keys = append(keys, catalogKey{
			key:    key,
			brand:  strings.ToLower(strings.TrimSpace(e.Brand)),
			tokens: strings.Fields(key),
			entry:  e,
		})
	}
	return keys
}

// resolve matches a normalized query against the catalog: exact match,
// then brand prefix plus token subset, then substring in either direction.
func resolve(entries []models.DeviceCatalogEntry, query string, storageGB int) *models.DeviceCatalogEntry {
	q, parsedStorage := normalize(query)
	if storageGB == 0 {
		storageGB = parsedStorage
	}
	if q == "" || q == strings.ToLower(models.UnknownDevice) {
		return nil
	}
	keys := buildKeys(entries)

	var exact []catalogKey
	for _, k := range keys {
		if k.key == q {
			exact = append(exact, k)
		}
	}
	if len(exact) > 0 {
		return pickStorage(exact, storageGB)
	}

	if hit := matchBrandPrefix(keys, q, storageGB); hit != nil {
		return hit
	}

	if len(q) < minSubstringLen {
		return nil
	}
	sort.SliceStable(keys, func(i, j int) bool { return len(keys[i].key) > len(keys[j].key) })
	var sub []catalogKey
	for _, k := range keys {
		if k.key == "" {
			continue
		}
		if len(sub) > 0 && len(k.key) < len(sub[0].key) {
			break
		}
		if strings.Contains(q, k.key) || strings.Contains(k.key, q) {
			sub = append(sub, k)
		}
	}
	if len(sub) > 0 {
		return pickStorage(sub, storageGB)
	}
	return nil
}

func matchBrandPrefix(keys []catalogKey, q string, storageGB int) *models.DeviceCatalogEntry {
	tokens := strings.Fields(q)
	if len(tokens) < 2 {
		return nil
	}
	var best []catalogKey
	for _, k := range keys {
		if tokens[0] != k.brand && (len(k.tokens) == 0 || tokens[0] != k.tokens[0]) {
			continue
		}
		if !subset(tokens[1:], k.tokens) {
			continue
		}
		switch {
		case len(best) == 0 || len(k.tokens) < len(best[0].tokens):
			best = []catalogKey{k}
		case len(k.tokens) == len(best[0].tokens):
			best = append(best, k)
		}
	}
	if len(best) == 0 {
		return nil
	}
	return pickStorage(best, storageGB)
}

func subset(needles, haystack []string) bool {
	for _, n := range needles {
		found := false
		for _, h := range haystack {
			if n == h {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// pickStorage prefers the candidate with matching storage, then one without
// a storage variant, then the lowest ID.
func pickStorage(candidates []catalogKey, storageGB int) *models.DeviceCatalogEntry {
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].entry.ID < candidates[j].entry.ID })
	for _, c := range candidates {
		if storageGB > 0 && c.entry.StorageGB == storageGB {
			e := c.entry
			return &e
		}
	}
	for _, c := range candidates {
		if c.entry.StorageGB == 0 {
			e := c.entry
			return &e
		}
	}
	e := candidates[0].entry
	return &e
}
