package auth

// Service validates bearer tokens for the REST API and the realtime authenticate frame.
// Issuing tokens belongs to the account service; Issue exists for local tooling.
type Service struct {
	jwtConfig *JWTConfig
}

// NewService creates a new token service.
func NewService(jwtConfig *JWTConfig) *Service {
	return &Service{jwtConfig: jwtConfig}
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}

// Issue mints a token for userID with the configured TTL.
func (s *Service) Issue(userID, displayName string) (string, error) {
	return GenerateToken(s.jwtConfig, userID, displayName)
}
