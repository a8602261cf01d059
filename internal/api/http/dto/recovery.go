package dto

type RecoverRequest struct {
	Address string `json:"address" binding:"required"`
	Proof   string `json:"proof" binding:"required"`
}

type ReconcileReport struct {
	Synced  int      `json:"synced"`
	Removed int      `json:"removed"`
	Failed  []string `json:"failed,omitempty"`
}
