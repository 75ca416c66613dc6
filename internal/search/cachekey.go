package search

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// cacheKey builds a stable key from (anchor-query-hash, identity tuple,
// realm set, depth). The query is lowercased and prefix-limited so cosmetic
// trailing differences do not fragment the cache.
func cacheKey(req Request) string {
	query := strings.ToLower(strings.TrimSpace(req.Query))
	if len(query) > 100 {
		query = query[:100]
	}

	modules := append([]string(nil), req.Identity.SkillModules...)
	sort.Strings(modules)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%d",
		query,
		req.Identity.ClientID,
		req.Identity.ActorID,
		req.Identity.ActorClassID,
		strings.Join(modules, ","),
		req.Realms.String(),
		req.MaxDepth,
	)
	return hex.EncodeToString(h.Sum(nil))
}
