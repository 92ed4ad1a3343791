package api

import (
	"errors"
	"net/http"

	"github.com/jmcleod/gatekeeper/auth"
	"github.com/jmcleod/gatekeeper/credentials"
	"github.com/jmcleod/gatekeeper/gateway"
	"github.com/jmcleod/gatekeeper/session"
)

// LoginPassword handles POST /login/password.
func (a *API) LoginPassword(w http.ResponseWriter, r *http.Request) {
	if !a.cfg.PasswordAuth {
		http.NotFound(w, r)
		return
	}

	var req LoginPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ip := a.extractClientIP(r)
	if blocked, retryAfter := a.checkLogin(req.Username, ip); blocked {
		a.audit.record(r, auditRecord{Event: AuditLoginRateLimited, Username: req.Username, Method: "password"})
		writeRateLimited(w, retryAfter)
		return
	}

	ctx := r.Context()
	if err := a.users.VerifyPassword(ctx, req.Username, req.Password); err != nil {
		reason := "invalid_credentials"
		if !errors.Is(err, credentials.ErrInvalidCredentials) {
			reason = "unexpected_error"
			a.logger.Error("password verification failed", "error", err)
		}
		a.recordLoginFailure(req.Username, ip)
		a.metrics.recordLogin("password", false)
		a.audit.record(r, auditRecord{Event: AuditLoginFailure, Username: req.Username, Method: "password", Reason: reason})
		writeUnauthorized(w)
		return
	}

	needsChange, err := a.users.NeedsPasswordChange(ctx, req.Username)
	if err != nil {
		a.logger.Error("password change lookup failed", "error", err)
		writeUnauthorized(w)
		return
	}

	sess, err := a.startSession(r, req.Username, needsChange)
	if err != nil {
		a.logger.Error("session creation failed", "error", err)
		writeUnauthorized(w)
		return
	}

	a.recordLoginSuccess(req.Username, ip)
	a.metrics.recordLogin("password", true)
	a.writeSessionCookie(w, r, sess.ID)
	a.audit.record(r, auditRecord{
		Event:               AuditLoginSuccess,
		Username:            req.Username,
		Method:              "password",
		NeedsPasswordChange: needsChange,
	})
	writeJSON(w, http.StatusOK, LoginResponse{NeedsPasswordChange: needsChange})
}

// startSession creates a session on the caller's transport handle and locks
// it when the password must be changed first.
func (a *API) startSession(r *http.Request, username string, lock bool) (*session.Session, error) {
	sess, err := a.sessions.CreateSession(r.Context(), username, a.currentHandle(r))
	if err != nil {
		return nil, err
	}
	if lock {
		if err := a.sessions.Lock(sess.ID); err != nil {
			a.sessions.Invalidate(sess.ID, session.StateInvalidated)
			return nil, err
		}
	}
	return sess, nil
}

// LoginCertificate handles POST /login/certificate using the verified TLS
// client certificate.
func (a *API) LoginCertificate(w http.ResponseWriter, r *http.Request) {
	if !a.cfg.CertificateAuth || a.certificates == nil {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()
	principal, err := a.certificates.Authenticate(ctx, a.gateway.RequestContext(r))
	if err != nil || principal == nil {
		reason := "no_certificate"
		if why := auth.ReasonOf(err); why != "" {
			reason = string(why)
		}
		a.metrics.recordLogin("certificate", false)
		a.audit.record(r, auditRecord{Event: AuditLoginFailure, Method: "certificate", Reason: reason})
		writeUnauthorized(w)
		return
	}

	needsChange, err := a.users.NeedsPasswordChange(ctx, principal.Name)
	if err != nil {
		a.logger.Error("password change lookup failed", "error", err)
		writeUnauthorized(w)
		return
	}

	// Certificate sessions are not locked: the certificate alone proves
	// the identity and the password is not involved.
	sess, err := a.startSession(r, principal.Name, false)
	if err != nil {
		a.logger.Error("session creation failed", "error", err)
		writeUnauthorized(w)
		return
	}

	a.metrics.recordLogin("certificate", true)
	a.writeSessionCookie(w, r, sess.ID)
	a.audit.record(r, auditRecord{Event: AuditLoginSuccess, Username: principal.Name, Method: "certificate"})
	writeJSON(w, http.StatusOK, LoginResponse{NeedsPasswordChange: needsChange})
}

// XSRFToken handles GET /xsrfToken.
func (a *API) XSRFToken(w http.ResponseWriter, r *http.Request) {
	id, ok := gateway.SessionIDFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}
	token, err := a.xsrf.GetOrCreate(id)
	if err != nil {
		writeUnauthorized(w)
		return
	}
	writeJSON(w, http.StatusOK, XSRFTokenResponse{Token: token})
}

// ChangePassword handles POST /changePassword.
func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	principal, ok := gateway.PrincipalFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req ChangePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := a.users.VerifyPassword(ctx, principal.Name, req.CurrentPassword); err != nil {
		reason := "invalid_current_password"
		if !errors.Is(err, credentials.ErrInvalidCredentials) {
			reason = "unexpected_error"
			a.logger.Error("password verification failed", "error", err)
		}
		a.audit.record(r, auditRecord{Event: AuditPasswordChangeFailure, Username: principal.Name, Reason: reason})
		writeUnauthorized(w)
		return
	}
	if req.NewPassword == req.CurrentPassword {
		writeError(w, http.StatusBadRequest, credentials.ErrSamePassword.Error())
		return
	}
	if err := a.cfg.PasswordPolicy.Check(req.NewPassword); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.users.ChangePassword(ctx, principal.Name, req.NewPassword); err != nil {
		if errors.Is(err, credentials.ErrSamePassword) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("password change failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to change password")
		return
	}

	// Every other session of the user is now stale. The caller's own session
	// takes the new fingerprint and leaves the locked state.
	if id, ok := gateway.SessionIDFromContext(ctx); ok {
		if err := a.sessions.Refresh(ctx, id); err != nil {
			a.logger.Warn("session refresh after password change failed", "error", err)
		}
		if err := a.sessions.Unlock(id); err != nil {
			a.logger.Warn("session unlock after password change failed", "error", err)
		}
	}

	a.audit.record(r, auditRecord{Event: AuditPasswordChanged, Username: principal.Name})
	writeJSON(w, http.StatusOK, EmptyResponse{})
}

// Logout handles POST /logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	principal, _ := gateway.PrincipalFromContext(r.Context())
	if id, ok := gateway.SessionIDFromContext(r.Context()); ok {
		a.sessions.Logout(id)
	}
	a.clearSessionCookie(w, r)
	name := ""
	if principal != nil {
		name = principal.Name
	}
	a.audit.record(r, auditRecord{Event: AuditLogout, Username: name})
	writeJSON(w, http.StatusOK, EmptyResponse{})
}

// CurrentIdentity handles GET /currentIdentity.
func (a *API) CurrentIdentity(w http.ResponseWriter, r *http.Request) {
	principal, ok := gateway.PrincipalFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}
	ctx := r.Context()
	needsChange, err := a.users.NeedsPasswordChange(ctx, principal.Name)
	if err != nil {
		writeUnauthorized(w)
		return
	}
	perms, err := a.users.Permissions(ctx, principal.Name)
	if err != nil {
		writeUnauthorized(w)
		return
	}
	if perms == nil {
		perms = []string{}
	}
	writeJSON(w, http.StatusOK, IdentityResponse{
		Name:                principal.Name,
		NeedsPasswordChange: needsChange,
		Permissions:         perms,
	})
}

// AuthenticationMethods handles GET /authenticationMethods. It is reachable
// without a session and even when session management is disabled.
func (a *API) AuthenticationMethods(w http.ResponseWriter, r *http.Request) {
	ports := a.cfg.CertificateAuthPorts
	if ports == nil {
		ports = []int{}
	}
	writeJSON(w, http.StatusOK, AuthenticationMethodsResponse{
		PasswordAuthenticationEnabled:    a.cfg.PasswordAuth,
		CertificateAuthenticationEnabled: a.cfg.CertificateAuth && len(ports) > 0,
		CertificateAuthenticationPorts:   ports,
		Message:                          a.cfg.LoginMessage,
	})
}
