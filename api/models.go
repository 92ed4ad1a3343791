package api

type ErrorResponse struct {
	Error string `json:"error"`
}

type LoginPasswordRequest struct {
	Username string `json:"username" validate:"required,max=256"`
	Password string `json:"password" validate:"max=1024"`
}

type LoginResponse struct {
	NeedsPasswordChange bool `json:"needsPasswordChange"`
}

type XSRFTokenResponse struct {
	Token string `json:"token"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"max=1024"`
	NewPassword     string `json:"newPassword" validate:"required,max=1024"`
}

type IdentityResponse struct {
	Name                string   `json:"name"`
	NeedsPasswordChange bool     `json:"needsPasswordChange"`
	Permissions         []string `json:"permissions"`
}

type AuthenticationMethodsResponse struct {
	PasswordAuthenticationEnabled    bool   `json:"passwordAuthenticationEnabled"`
	CertificateAuthenticationEnabled bool   `json:"certificateAuthenticationEnabled"`
	CertificateAuthenticationPorts   []int  `json:"certificateAuthenticationPorts"`
	Message                          string `json:"message,omitempty"`
}

// EmptyResponse is the `{}` body of endpoints with nothing to report.
type EmptyResponse struct{}
