// Package catalog holds the read-only token catalog loaded at startup.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/alnlabs/aln-orchestrator/internal/model"
	"github.com/alnlabs/aln-orchestrator/internal/store"
)

// Catalog is an immutable map of token id to token metadata. Lookups are
// O(1); the catalog is never mutated after construction.
type Catalog struct {
	tokens map[string]model.Token
	groups map[string][]string // groupId -> member token ids
}

// New builds a catalog from the given tokens.
func New(tokens []model.Token) *Catalog {
	c := &Catalog{
		tokens: make(map[string]model.Token, len(tokens)),
		groups: make(map[string][]string),
	}
	for _, t := range tokens {
		c.tokens[t.ID] = t
		if t.GroupID != "" {
			c.groups[t.GroupID] = append(c.groups[t.GroupID], t.ID)
		}
	}
	return c
}

// LoadFile reads a JSON token array from disk.
func LoadFile(path string) (*Catalog, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token catalog: %w", err)
	}
	var tokens []model.Token
	if err := json.Unmarshal(buf, &tokens); err != nil {
		return nil, fmt.Errorf("parse token catalog: %w", err)
	}
	return New(tokens), nil
}

// LoadStore reads the catalog from the tokens:all blob, falling back to an
// empty catalog when none is stored.
func LoadStore(ctx context.Context, st store.Store) (*Catalog, error) {
	var tokens []model.Token
	found, err := st.Load(ctx, store.KeyTokens, &tokens)
	if err != nil {
		return nil, fmt.Errorf("load token catalog: %w", err)
	}
	if !found {
		return New(nil), nil
	}
	return New(tokens), nil
}

// Get returns the token and whether it exists.
func (c *Catalog) Get(id string) (model.Token, bool) {
	t, ok := c.tokens[id]
	return t, ok
}

// Size returns the number of catalog entries.
func (c *Catalog) Size() int { return len(c.tokens) }

// All returns every token, sorted by id for stable output.
func (c *Catalog) All() []model.Token {
	ids := make([]string, 0, len(c.tokens))
	for id := range c.tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.Token, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.tokens[id])
	}
	return out
}

// TokensInGroup returns the member token ids of the group.
func (c *Catalog) TokensInGroup(groupID string) []string {
	return append([]string(nil), c.groups[groupID]...)
}

// GroupMultiplier returns the multiplier carried by the group's tokens.
// All members share it; a group nobody belongs to has multiplier 1.
func (c *Catalog) GroupMultiplier(groupID string) int {
	for _, id := range c.groups[groupID] {
		if t, ok := c.tokens[id]; ok && t.GroupMultiplier > 0 {
			return t.GroupMultiplier
		}
	}
	return 1
}

// GroupValueSum returns the summed base value of every token in the group.
func (c *Catalog) GroupValueSum(groupID string) int {
	sum := 0
	for _, id := range c.groups[groupID] {
		if t, ok := c.tokens[id]; ok {
			sum += t.Value
		}
	}
	return sum
}
