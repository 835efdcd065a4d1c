package ledger

// Asset identifies a fungible asset held on the ledger, e.g. "DVT" or "ETH".
type Asset string

// AssetInfo is a safe, structured representation of an asset's metadata for external use.
type AssetInfo struct {
	ID       Asset  `json:"id"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// Registry provides fast, indexed access to asset metadata.
type Registry struct {
	byID map[Asset]AssetInfo
	all  []AssetInfo
}

// NewRegistry creates a new indexed asset registry from a raw slice.
// Later duplicates of an ID replace earlier ones in lookups.
func NewRegistry(assets []AssetInfo) *Registry {
	byID := make(map[Asset]AssetInfo, len(assets))
	all := make([]AssetInfo, 0, len(assets))

	for _, a := range assets {
		if _, exists := byID[a.ID]; !exists {
			all = append(all, a)
		}
		byID[a.ID] = a
	}
	for i := range all {
		all[i] = byID[all[i].ID]
	}

	return &Registry{
		byID: byID,
		all:  all,
	}
}

// Get retrieves an asset by its ID.
func (r *Registry) Get(id Asset) (AssetInfo, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// All returns a defensive copy of the slice of all registered assets.
func (r *Registry) All() []AssetInfo {
	allCopy := make([]AssetInfo, len(r.all))
	copy(allCopy, r.all)
	return allCopy
}
