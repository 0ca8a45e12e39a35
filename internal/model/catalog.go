package model

// CatalogProduct is one product as reported by the catalog discovery
// collaborator, with the variants that make it up.
type CatalogProduct struct {
	ProductID string   `json:"product_id" yaml:"product_id"`
	Title     string   `json:"title" yaml:"title"`
	Variants  []Member `json:"variants" yaml:"variants"`
}

// GroupSyncedEvent is emitted after a group's count has been set and fanned
// out to its members.
type GroupSyncedEvent struct {
	GroupID     string   `json:"group_id"`
	SharedCount int      `json:"shared_count"`
	Items       []string `json:"inventory_item_ids"`
	Failed      []string `json:"failed_inventory_item_ids,omitempty"`
	Cause       string   `json:"cause"`
	SyncedAt    string   `json:"synced_at"`
}
