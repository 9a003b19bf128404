package testutil

// FixedTokens always generates the same origin token.
//
// This pins a test engine's session identity so scenarios can send it
// echo broadcasts and golden traces stay byte-identical across runs.
//
// Thread-safety: stateless and safe for concurrent use.
type FixedTokens struct {
	token string
}

// NewFixedTokens creates a generator returning token from every
// Generate call. An empty token defaults to "test-origin-default".
func NewFixedTokens(token string) *FixedTokens {
	if token == "" {
		token = "test-origin-default"
	}
	return &FixedTokens{token: token}
}

// Generate returns the fixed origin token.
// Implements docsync.TokenGenerator.
func (g *FixedTokens) Generate() string {
	return g.token
}
