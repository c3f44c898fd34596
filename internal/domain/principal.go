package domain

// Principal is the identity attached to a connection after a successful CONNECT.
type Principal struct {
	UserID       string   `json:"user_id"`
	Capabilities []string `json:"capabilities,omitempty"`
}
